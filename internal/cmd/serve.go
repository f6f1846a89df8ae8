package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gostratus/internal/config"
	apperrors "github.com/3leaps/gostratus/internal/errors"
	"github.com/3leaps/gostratus/internal/observability"
	"github.com/3leaps/gostratus/internal/server"
	"github.com/3leaps/gostratus/internal/server/handlers"
	"github.com/3leaps/gostratus/pkg/uws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job engine and its HTTP facade",
	Long: `Run the full service in one process: the REST facade, the admission
scheduler, the worker launcher, and the reaper, all over the configured
job store.

Each admitted job runs in its own worker process spawned from this
binary. Stopping the server leaves running workers alone; they keep
reporting through the shared store and a restarted server picks them
back up.

Examples:
  gostratus serve
  gostratus serve --port 9000
  GOSTRATUS_UWS_DATA_DIR=/var/lib/gostratus gostratus serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides config)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	overrides := flagOverrides()
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		overrides["server"] = map[string]any{"host": host}
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		srv, _ := overrides["server"].(map[string]any)
		if srv == nil {
			srv = map[string]any{}
		}
		srv["port"] = port
		overrides["server"] = srv
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "failed to load configuration", err)
	}

	logger, err := observability.NewServerLogger(observability.ServerLogConfig{
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
		File:    cfg.Logging.File,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "failed to build server logger", err)
	}
	defer func() { _ = logger.Sync() }()

	readOnly := IsReadOnly() || cfg.ReadOnly

	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "failed to resolve data directory", err)
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
		return exitError(foundry.ExitFileWriteError, "failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "failed to load service manifests", err)
	}

	engine := uws.NewEngine(uws.EngineConfig{
		Store:           store,
		Logger:          logger,
		LockTimeout:     cfg.UWS.LockTimeout,
		DefaultDuration: cfg.UWS.DefaultDuration,
		Concurrency:     cfg.Workers,
	})

	logger.Info("Job engine ready",
		zap.String("data_dir", dataDir),
		zap.Int("workers", cfg.Workers),
		zap.Strings("services", registry.Names()),
		zap.Bool("readonly", readOnly))

	var tel *observability.Telemetry
	if cfg.Metrics.Enabled {
		tel = observability.InitTelemetry(versionInfo.Version)
		engine.SetObserver(transitionMetrics(tel, store))

		exporter := observability.StartPrometheusExporter(cfg.Server.Host, cfg.Metrics.Port, tel, logger)
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = exporter.Shutdown(shCtx)
		}()

		go refreshJobGauges(ctx, store, tel, logger)
	}

	// The write-side machinery stays down in readonly mode; the facade
	// serves snapshots and nothing mutates.
	var scheduler *uws.Scheduler
	var reaper *uws.Reaper
	if !readOnly {
		workerArgs := []string{"worker"}
		if cfgFile != "" {
			workerArgs = append(workerArgs, "--config", cfgFile)
		}
		launcherCfg := uws.LauncherConfig{
			Store:        store,
			Engine:       engine,
			Logger:       logger,
			WorkerBinary: cfg.UWS.WorkerBinary,
			WorkerArgs:   workerArgs,
			Env:          []string{"GOSTRATUS_UWS_DATA_DIR=" + dataDir},
		}
		if tel != nil {
			launcherCfg.OnLaunch = tel.ObserveLaunch
		}
		engine.SetLauncher(uws.NewLauncher(launcherCfg))

		scheduler = uws.NewScheduler(uws.SchedulerConfig{
			Store:       store,
			Engine:      engine,
			Logger:      logger,
			Concurrency: cfg.Workers,
			Order:       uws.QueueOrder(cfg.UWS.QueueOrder),
			LaunchRate:  rate.Limit(cfg.UWS.LaunchRate),
			LaunchBurst: cfg.UWS.LaunchBurst,
		})
		engine.SetScheduler(scheduler)
		go scheduler.Run(ctx)

		reaperCfg := uws.ReaperConfig{
			Store:     store,
			Engine:    engine,
			Scheduler: scheduler,
			Logger:    logger,
			Interval:  cfg.UWS.ReapInterval,
		}
		if tel != nil {
			reaperCfg.OnSweep = func(int) { tel.ObserveReaperSweep() }
		}
		reaper = uws.NewReaper(reaperCfg)
		go reaper.Run(ctx)

		// Jobs queued by a previous process are startable right away.
		scheduler.MarkDirty()
	}

	if cfg.Health.Enabled {
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("store", storeHealthChecker{store: store})
		hm.RegisterChecker("scheduler", signalHealthChecker{})
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: appIdentity.BinaryName,
			envPrefix:  appIdentity.EnvPrefix,
			configName: appIdentity.ConfigName,
		})
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}
	}

	jobsAPI := handlers.NewJobsAPI(engine, registry, logger, readOnly)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithJobs(jobsAPI),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	}
	if scheduler != nil {
		opts = append(opts, server.WithAdminSignal(adminSignalDispatcher(scheduler, reaper)))
	}
	if cfg.Debug.PprofEnabled {
		opts = append(opts, server.WithPprof())
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
	return nil
}

// transitionMetrics builds the engine observer feeding the Prometheus
// instruments. Terminal completions also record the job's wall-clock
// duration, read back from the store off the request path.
func transitionMetrics(tel *observability.Telemetry, store *uws.Store) uws.TransitionObserver {
	return func(jobID, service string, from, to uws.Phase, outcome string) {
		tel.ObserveTransition(from.String(), to.String(), outcome)

		if outcome != "ok" || !to.Terminal() || to == uws.PhaseDestroyed {
			return
		}
		go func() {
			job, err := store.Get(context.Background(), jobID)
			if err != nil || job.StartTime == nil || job.EndTime == nil {
				return
			}
			tel.ObserveJobDuration(service, job.EndTime.Sub(*job.StartTime))
		}()
	}
}

// refreshJobGauges keeps stratus_jobs{phase} current. Failures are logged
// and retried on the next tick.
func refreshJobGauges(ctx context.Context, store *uws.Store, tel *observability.Telemetry, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	update := func() {
		counts, err := store.PhaseCounts(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Failed to refresh job gauges", zap.Error(err))
			}
			return
		}
		for phase, n := range counts {
			tel.SetJobs(phase.String(), n)
		}
	}

	update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

// adminSignalDispatcher maps /admin/signal names onto the engine's
// maintenance hooks.
func adminSignalDispatcher(scheduler *uws.Scheduler, reaper *uws.Reaper) server.SignalFunc {
	return func(ctx context.Context, name string) error {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "queue":
			scheduler.MarkDirty()
		case "sweep":
			reaper.SweepOnce(ctx)
		default:
			return apperrors.Newf(apperrors.CodeInvalidArgument,
				`unknown signal %q; expected "queue" or "sweep"`, name)
		}
		return nil
	}
}

// storeHealthChecker pings the job database.
type storeHealthChecker struct {
	store *uws.Store
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	return c.store.DB().PingContext(ctx)
}

// signalHealthChecker reports the process's signal handling as live. The
// NotifyContext wiring cannot fail after startup, so this is a constant
// probe that keeps the check visible in the health document.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// telemetryHealthChecker verifies the metrics pipeline is up.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker verifies the app identity fields serve paths rely
// on (config discovery, env binding, data dir naming).
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	if strings.TrimSpace(c.binaryName) == "" {
		return errors.New("missing binary name")
	}
	if strings.TrimSpace(c.envPrefix) == "" {
		return errors.New("missing env prefix")
	}
	if strings.TrimSpace(c.configName) == "" {
		return errors.New("missing config name")
	}
	return nil
}
