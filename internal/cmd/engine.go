package cmd

import (
	"context"
	"fmt"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"go.uber.org/zap"

	"github.com/3leaps/gostratus/internal/config"
	"github.com/3leaps/gostratus/pkg/manifest"
	"github.com/3leaps/gostratus/pkg/uws"
)

// resolveDataDir picks the store location: explicit config first, then
// the platform app data dir derived from the app identity.
func resolveDataDir(cfg *config.Config) (string, error) {
	if dir := strings.TrimSpace(cfg.UWS.DataDir); dir != "" {
		return dir, nil
	}

	identity := GetAppIdentity()
	if identity == nil || strings.TrimSpace(identity.ConfigName) == "" {
		return "", fmt.Errorf("app identity is not available")
	}
	return gfconfig.GetAppDataDir(identity.ConfigName), nil
}

// buildRegistry assembles the service catalog: builtins first, then any
// manifests found in the configured manifest directory. A manifest that
// reuses a builtin name is rejected by the registry.
func buildRegistry(cfg *config.Config) (*manifest.Registry, error) {
	registry := manifest.NewRegistry()
	if err := registry.Add(manifest.Builtins()...); err != nil {
		return nil, fmt.Errorf("register builtin services: %w", err)
	}

	dir := strings.TrimSpace(cfg.UWS.ManifestDir)
	if dir == "" {
		return registry, nil
	}

	loaded, err := manifest.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load manifests from %s: %w", dir, err)
	}
	if err := registry.Add(loaded...); err != nil {
		return nil, fmt.Errorf("register manifests from %s: %w", dir, err)
	}
	return registry, nil
}

// openJobEngine wires the store, service registry, and engine the way
// the CLI commands need them: no scheduler, no launcher, direct
// transitions only.
func openJobEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger, readOnly bool) (*uws.Store, *uws.Engine, *manifest.Registry, error) {
	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := uws.OpenStore(ctx, uws.Config{
		DataDir:   dataDir,
		URL:       cfg.UWS.DBURL,
		AuthToken: cfg.UWS.DBAuthToken,
		LockLease: cfg.UWS.LockLease,
		ReadOnly:  readOnly,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open job store: %w", err)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}

	engine := uws.NewEngine(uws.EngineConfig{
		Store:           store,
		Logger:          logger,
		LockTimeout:     cfg.UWS.LockTimeout,
		DefaultDuration: cfg.UWS.DefaultDuration,
		Concurrency:     cfg.Workers,
	})
	return store, engine, registry, nil
}
