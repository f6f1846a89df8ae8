package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostratus/internal/config"
	errwrap "github.com/3leaps/gostratus/internal/errors"
	"github.com/3leaps/gostratus/internal/observability"
	"github.com/3leaps/gostratus/pkg/uws"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  gostratus doctor               # Full environment check
  gostratus doctor --provider s3  # Adds archive credential checks`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 8

	// Add S3 checks if provider specified
	if doctorProvider == "s3" {
		totalChecks = 10
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
		allChecks = false
	}
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot find config directory",
			errwrap.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Checks 5-7: data dir, job store, worker binary
	cfg, cfgErr := config.Load(cmd.Context(), flagOverrides())
	if cfgErr != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ Cannot load configuration", checkNum, totalChecks),
			zap.Error(cfgErr))
		allChecks = false
		checkNum += 3
	} else {
		var dataDir string
		dataDir, allChecks = checkDataDir(cfg, checkNum, totalChecks, allChecks)
		checkNum++
		allChecks = checkJobStore(cmd.Context(), cfg, dataDir, checkNum, totalChecks, allChecks)
		checkNum++
		allChecks = checkWorkerBinary(cfg, checkNum, totalChecks, allChecks)
		checkNum++
	}

	// Check 8: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// S3-specific checks
	if doctorProvider == "s3" {
		allChecks = runS3Checks(cmd.Context(), checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkDataDir resolves the store location and probes it for writability.
func checkDataDir(cfg *config.Config, checkNum, totalChecks int, allChecks bool) (string, bool) {
	dataDir, err := resolveDataDir(cfg)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ Cannot resolve data directory", checkNum, totalChecks),
			zap.Error(err))
		return "", false
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ Cannot create %s", checkNum, totalChecks, dataDir),
			zap.Error(err))
		return dataDir, false
	}

	probe, err := os.CreateTemp(dataDir, ".doctor-*")
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ %s is not writable", checkNum, totalChecks, dataDir),
			zap.Error(err))
		return dataDir, false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking data directory... ✅ %s", checkNum, totalChecks, dataDir),
		zap.String("data_dir", dataDir))
	return dataDir, allChecks
}

// checkJobStore opens the store, which also applies any pending schema
// migrations, and reports the job population.
func checkJobStore(ctx context.Context, cfg *config.Config, dataDir string, checkNum, totalChecks int, allChecks bool) bool {
	if dataDir == "" && cfg.UWS.DBURL == "" {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking job store... ⚠️  Skipped (no data directory)", checkNum, totalChecks))
		return false
	}

	store, err := uws.OpenStore(ctx, uws.Config{
		DataDir:   dataDir,
		URL:       cfg.UWS.DBURL,
		AuthToken: cfg.UWS.DBAuthToken,
		ReadOnly:  IsReadOnly(),
		Logger:    zap.NewNop(),
	})
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ Cannot open store", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	defer func() { _ = store.Close() }()

	counts, err := store.PhaseCounts(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ Cannot query jobs", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking job store... ✅ Open, schema current, %d job(s)", checkNum, totalChecks, total),
		zap.Int("jobs", total))
	return allChecks
}

// checkWorkerBinary verifies the executable the launcher would spawn.
func checkWorkerBinary(cfg *config.Config, checkNum, totalChecks int, allChecks bool) bool {
	exe := cfg.UWS.WorkerBinary
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking worker binary... ❌ Cannot resolve executable", checkNum, totalChecks),
				zap.Error(err))
			return false
		}
	}

	info, err := os.Stat(exe)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking worker binary... ❌ %s", checkNum, totalChecks, exe),
			zap.Error(err))
		return false
	}
	if info.Mode()&0111 == 0 {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking worker binary... ❌ %s is not executable", checkNum, totalChecks, exe))
		return false
	}

	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking worker binary... ✅ %s", checkNum, totalChecks, exe),
		zap.String("worker_binary", exe))
	return allChecks
}

// runS3Checks runs archive-backend diagnostic checks against the AWS
// credential chain.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Archive Checks:")

	// Check 9: AWS credentials
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	// Mask the access key for display
	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	// Check 10: Credential source info
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - archive.endpoint in the config file or GOSTRATUS_ARCHIVE_ENDPOINT")
	observability.CLILogger.Info("")
}
