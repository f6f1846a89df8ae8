// Package cmd implements the gostratus command tree: serve (engine +
// HTTP facade), the hidden per-job worker entry point, the jobs
// administration family, and doctor.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/gostratus/internal/config"
	"github.com/3leaps/gostratus/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "gostratus",
	Short: "Asynchronous job execution service",
	Long: `gostratus runs caller-submitted jobs as supervised worker processes.

Jobs are durable records with a phase lifecycle (PENDING, QUEUED,
EXECUTING, COMPLETED, ERROR, ABORTED). The serve command hosts the REST
facade, the admission scheduler, and the reaper in one process; each
admitted job runs in its own spawned worker process. The jobs commands
administer the store directly, without a running server.`,
	SilenceUsage: true,
}

var (
	cfgFile  string
	logLevel string
	readOnly bool
)

// versionInfo carries the build metadata stamped through -ldflags.
// SetVersionInfo installs it before Execute.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

// SetVersionInfo records the build metadata and exposes it through the
// root command's --version output.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate)
}

// appIdentity is the resolved application identity. Nil until initConfig
// runs on the first Execute.
var appIdentity *config.AppIdentity

// GetAppIdentity returns the application identity, nil before init.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: <user config dir>/gostratus/gostratus.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level: debug, info, warn, error (default from config)")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false,
		"reject every operation that would mutate jobs or their files")

	_ = viper.BindPFlag("readonly", rootCmd.PersistentFlags().Lookup("readonly"))
}

// initConfig establishes the identity, the global viper defaults, and the
// CLI logger. Commands needing the full typed configuration call
// config.Load themselves with their flag overrides.
func initConfig() {
	appIdentity = &config.AppIdentity{
		BinaryName: "gostratus",
		EnvPrefix:  "GOSTRATUS",
		ConfigName: "gostratus",
	}

	setDefaults()

	viper.SetEnvPrefix(appIdentity.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	observability.InitCLILogger(appIdentity.BinaryName, false)

	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(appIdentity.ConfigName)
		viper.SetConfigType("yaml")
		if base, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(base, appIdentity.ConfigName))
		}
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			observability.CLILogger.Warn("Failed to read config file",
				zap.String("config_file", viper.ConfigFileUsed()),
				zap.Error(err))
		}
	}
}

// setDefaults seeds the global viper instance. The config loader applies
// the same defaults to its own instance; keep the two lists in step.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")
	viper.SetDefault("logging.file", "")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)

	viper.SetDefault("workers", 4)
	viper.SetDefault("readonly", false)

	viper.SetDefault("uws.data_dir", "")
	viper.SetDefault("uws.manifest_dir", "")
	viper.SetDefault("uws.db_url", "")
	viper.SetDefault("uws.db_auth_token", "")
	viper.SetDefault("uws.lock_timeout", "5s")
	viper.SetDefault("uws.lock_lease", "2m")
	viper.SetDefault("uws.default_duration", "1h")
	viper.SetDefault("uws.max_duration", "0s")
	viper.SetDefault("uws.default_lifetime", "48h")
	viper.SetDefault("uws.queue_order", "destruction-time")
	viper.SetDefault("uws.reap_interval", "12h")
	viper.SetDefault("uws.launch_rate", 10.0)
	viper.SetDefault("uws.launch_burst", 5)
	viper.SetDefault("uws.worker_binary", "")

	viper.SetDefault("archive.backend", "")
	viper.SetDefault("archive.bucket", "")
	viper.SetDefault("archive.region", "")
	viper.SetDefault("archive.endpoint", "")
	viper.SetDefault("archive.profile", "")
	viper.SetDefault("archive.prefix", "")
	viper.SetDefault("archive.dir", "")
	viper.SetDefault("archive.force_path_style", false)
}

// IsReadOnly reports whether mutating operations are disabled, through the
// --readonly flag, the config file, or GOSTRATUS_READONLY. The flag value
// is checked directly so a stale viper override cannot unlock it.
func IsReadOnly() bool {
	return readOnly || viper.GetBool("readonly")
}

// flagOverrides collects the root flag values that outrank config file and
// environment when commands call config.Load.
func flagOverrides() map[string]any {
	overrides := map[string]any{}
	if readOnly {
		overrides["readonly"] = true
	}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	return overrides
}

// exitError wraps a command failure with the process exit code it should
// terminate with. Execute's caller maps it back via foundry codes.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// ExitWithCode logs a fatal condition and terminates immediately. Only for
// states where continuing would operate on a broken environment; normal
// command failures return an error instead.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Int("exit_code", code), zap.Error(err))
	os.Exit(code)
}

// Execute runs the command tree. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}
