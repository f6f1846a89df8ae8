// Package config loads the layered service configuration: built-in defaults,
// then a config file, then GOSTRATUS_* environment variables, then runtime
// overrides. The loaded copy is cached behind GetConfig for cheap reads.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the application for config discovery: the binary name,
// the environment variable prefix, and the config file base name.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// Config is the full service configuration tree.
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Logging  LoggingConfig `mapstructure:"logging"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
	Health   HealthConfig  `mapstructure:"health"`
	Debug    DebugConfig   `mapstructure:"debug"`
	Workers  int           `mapstructure:"workers"`
	ReadOnly bool          `mapstructure:"readonly"`
	UWS      UWSConfig     `mapstructure:"uws"`
	Archive  ArchiveConfig `mapstructure:"archive"`
}

// ServerConfig holds the HTTP facade listener settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the server log level, encoder profile, and optional
// rotated file sink.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
	File    string `mapstructure:"file"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig controls the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig controls debug features.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// UWSConfig holds the job engine settings.
type UWSConfig struct {
	// DataDir roots the store database and per-job directories. Empty
	// means the app data dir for the config name.
	DataDir string `mapstructure:"data_dir"`

	// ManifestDir holds additional service manifests loaded at serve
	// start, beyond the built-ins.
	ManifestDir string `mapstructure:"manifest_dir"`

	// DBURL points the store at a libsql/Turso database instead of the
	// local file under DataDir. Requires a cgo-enabled build.
	DBURL string `mapstructure:"db_url"`

	// DBAuthToken authenticates DBURL connections.
	DBAuthToken string `mapstructure:"db_auth_token"`

	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	LockLease       time.Duration `mapstructure:"lock_lease"`
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	DefaultLifetime time.Duration `mapstructure:"default_lifetime"`
	QueueOrder      string        `mapstructure:"queue_order"`
	ReapInterval    time.Duration `mapstructure:"reap_interval"`
	LaunchRate      float64       `mapstructure:"launch_rate"`
	LaunchBurst     int           `mapstructure:"launch_burst"`

	// WorkerBinary overrides the executable spawned for workers. Empty
	// means the serving binary itself.
	WorkerBinary string `mapstructure:"worker_binary"`
}

// ArchiveConfig holds the optional result archive settings.
type ArchiveConfig struct {
	Backend        string `mapstructure:"backend"`
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	Prefix         string `mapstructure:"prefix"`
	Dir            string `mapstructure:"dir"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.Mutex
	appIdentity *AppIdentity
	appConfig   *Config

	// configFileOverride is the --config flag value; set before Load.
	configFileOverride string
)

func defaultIdentity() *AppIdentity {
	return &AppIdentity{
		BinaryName: "gostratus",
		EnvPrefix:  "GOSTRATUS",
		ConfigName: "gostratus",
	}
}

// SetConfigFile pins the config file path, bypassing discovery. An empty
// path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFileOverride = path
}

// Identity returns the loaded application identity, nil before Load.
func Identity() *AppIdentity {
	configMu.Lock()
	defer configMu.Unlock()
	return appIdentity
}

// Load builds the configuration from defaults, file, environment, and the
// given runtime overrides (highest precedence, applied in order). The
// result is cached for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = defaultIdentity()
	}

	v := viper.New()
	setLoaderDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range envSpecsLocked() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	// Runtime overrides outrank env vars, so they go through Set, not the
	// config-map layer.
	for _, override := range overrides {
		for key, value := range flatten("", override) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)

	appConfig = cfg
	return cfg, nil
}

// GetConfig returns the last loaded configuration, nil before Load.
func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}

func setLoaderDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)
	v.SetDefault("readonly", false)

	v.SetDefault("uws.data_dir", "")
	v.SetDefault("uws.manifest_dir", "")
	v.SetDefault("uws.lock_timeout", "5s")
	v.SetDefault("uws.lock_lease", "2m")
	v.SetDefault("uws.default_duration", "1h")
	v.SetDefault("uws.max_duration", "0s")
	v.SetDefault("uws.default_lifetime", "48h")
	v.SetDefault("uws.queue_order", "destruction-time")
	v.SetDefault("uws.reap_interval", "12h")
	v.SetDefault("uws.launch_rate", 10.0)
	v.SetDefault("uws.launch_burst", 5)
	v.SetDefault("uws.worker_binary", "")

	v.SetDefault("archive.backend", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.force_path_style", false)
}

func readConfigFile(v *viper.Viper) error {
	if configFileOverride != "" {
		v.SetConfigFile(configFileOverride)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFileOverride, err)
		}
		return nil
	}

	v.SetConfigName(appIdentity.ConfigName)
	v.SetConfigType("yaml")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if root, err := findProjectRoot(); err == nil {
		v.AddConfigPath(root)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths lists the per-user config directories to search.
// Callers hold configMu or run before concurrency starts.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return nil
	}
	var paths []string
	if base, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(base, appIdentity.ConfigName))
	}
	return paths
}

// getEnvSpecs lists the environment variable bindings for the current
// identity, empty before Load establishes one.
func getEnvSpecs() []EnvSpec {
	configMu.Lock()
	defer configMu.Unlock()
	return envSpecsLocked()
}

func envSpecsLocked() []EnvSpec {
	if appIdentity == nil {
		return nil
	}
	prefix := appIdentity.EnvPrefix + "_"
	return []EnvSpec{
		{Name: prefix + "HOST", Path: "server.host"},
		{Name: prefix + "PORT", Path: "server.port"},
		{Name: prefix + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: prefix + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: prefix + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: prefix + "LOG_LEVEL", Path: "logging.level"},
		{Name: prefix + "LOG_PROFILE", Path: "logging.profile"},
		{Name: prefix + "LOG_FILE", Path: "logging.file"},
		{Name: prefix + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: prefix + "METRICS_PORT", Path: "metrics.port"},
		{Name: prefix + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: prefix + "DEBUG_ENABLED", Path: "debug.enabled"},
		{Name: prefix + "PPROF_ENABLED", Path: "debug.pprof_enabled"},
		{Name: prefix + "WORKERS", Path: "workers"},
		{Name: prefix + "READONLY", Path: "readonly"},
		{Name: prefix + "DATA_DIR", Path: "uws.data_dir"},
		{Name: prefix + "MANIFEST_DIR", Path: "uws.manifest_dir"},
		{Name: prefix + "LOCK_TIMEOUT", Path: "uws.lock_timeout"},
		{Name: prefix + "LOCK_LEASE", Path: "uws.lock_lease"},
		{Name: prefix + "DEFAULT_DURATION", Path: "uws.default_duration"},
		{Name: prefix + "MAX_DURATION", Path: "uws.max_duration"},
		{Name: prefix + "DEFAULT_LIFETIME", Path: "uws.default_lifetime"},
		{Name: prefix + "QUEUE_ORDER", Path: "uws.queue_order"},
		{Name: prefix + "REAP_INTERVAL", Path: "uws.reap_interval"},
		{Name: prefix + "LAUNCH_RATE", Path: "uws.launch_rate"},
		{Name: prefix + "LAUNCH_BURST", Path: "uws.launch_burst"},
		{Name: prefix + "WORKER_BINARY", Path: "uws.worker_binary"},
		{Name: prefix + "ARCHIVE_BACKEND", Path: "archive.backend"},
		{Name: prefix + "ARCHIVE_BUCKET", Path: "archive.bucket"},
		{Name: prefix + "ARCHIVE_REGION", Path: "archive.region"},
		{Name: prefix + "ARCHIVE_ENDPOINT", Path: "archive.endpoint"},
		{Name: prefix + "ARCHIVE_PROFILE", Path: "archive.profile"},
		{Name: prefix + "ARCHIVE_PREFIX", Path: "archive.prefix"},
		{Name: prefix + "ARCHIVE_DIR", Path: "archive.dir"},
		{Name: prefix + "ARCHIVE_FORCE_PATH_STYLE", Path: "archive.force_path_style"},
	}
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range m {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}

// ciBoundaryEnvVars are checked in order when running under CI to bound
// project root discovery. The checkout may live outside $HOME there.
var ciBoundaryEnvVars = []string{
	"FULMEN_WORKSPACE_ROOT",
	"GITHUB_WORKSPACE",
	"CI_PROJECT_DIR",
	"WORKSPACE",
}

// findProjectRoot locates the enclosing project directory by walking up
// from the working directory to the first go.mod or .git marker. Under CI a
// valid boundary env var caps the walk instead of $HOME.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine working directory: %w", err)
	}

	if runningInCI() {
		if boundary := ciBoundary(cwd); boundary != "" {
			if root, ok := walkUpTo(cwd, boundary); ok {
				return root, nil
			}
		}
	}

	home, _ := os.UserHomeDir()
	if root, ok := walkUpTo(cwd, home); ok {
		return root, nil
	}
	return cwd, nil
}

func runningInCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// ciBoundary returns the first usable boundary: absolute, existing, and an
// ancestor of (or equal to) the working directory.
func ciBoundary(cwd string) string {
	for _, name := range ciBoundaryEnvVars {
		boundary := os.Getenv(name)
		if boundary == "" || !filepath.IsAbs(boundary) {
			continue
		}
		info, err := os.Stat(boundary)
		if err != nil || !info.IsDir() {
			continue
		}
		if !isAncestor(boundary, cwd) {
			continue
		}
		return filepath.Clean(boundary)
	}
	return ""
}

func isAncestor(ancestor, path string) bool {
	ancestor = filepath.Clean(ancestor)
	path = filepath.Clean(path)
	if ancestor == path {
		return true
	}
	rel, err := filepath.Rel(ancestor, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// walkUpTo climbs from dir looking for a project marker, never ascending
// past boundary (empty means unbounded up to the filesystem root).
func walkUpTo(dir, boundary string) (string, bool) {
	dir = filepath.Clean(dir)
	if boundary != "" && !isAncestor(boundary, dir) {
		boundary = ""
	}
	for {
		if hasProjectMarker(dir) {
			return dir, true
		}
		if boundary != "" && dir == boundary {
			return "", false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func hasProjectMarker(dir string) bool {
	for _, marker := range []string{"go.mod", ".git"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}
