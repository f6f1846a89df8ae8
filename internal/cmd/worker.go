package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"os/signal"
	"path"
	"strconv"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostratus/internal/config"
	"github.com/3leaps/gostratus/internal/observability"
	"github.com/3leaps/gostratus/pkg/archive"
	"github.com/3leaps/gostratus/pkg/manifest"
	"github.com/3leaps/gostratus/pkg/output"
	"github.com/3leaps/gostratus/pkg/uws"
)

var workerCmd = &cobra.Command{
	Use:    "worker <job-id>",
	Short:  "Run one job to completion (spawned by serve)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if IsReadOnly() {
		return exitError(foundry.ExitInvalidArgument,
			"readonly mode enabled: refusing to run worker",
			fmt.Errorf("unset --readonly or the readonly config key to run jobs"))
	}

	cfg, err := config.Load(ctx, flagOverrides())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "failed to load configuration", err)
	}

	// Stdout and stderr are already redirected into the job's worker.log
	// by the launcher; structured lines keep the log greppable.
	logger, err := observability.NewServerLogger(observability.ServerLogConfig{
		Level:   cfg.Logging.Level,
		Profile: "structured",
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "failed to build worker logger", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("job_id", jobID))

	store, engine, registry, err := openJobEngine(ctx, cfg, logger, false)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	job, err := store.Get(ctx, jobID)
	if err != nil {
		if uws.IsNotFound(err) {
			// Destroyed between queue admission and process start.
			logger.Info("Job vanished before worker start")
			return nil
		}
		return exitError(foundry.ExitFileReadError, "failed to read job", err)
	}

	m, known := registry.Get(job.Service)

	sessionCfg := uws.WorkerConfig{Engine: engine, Logger: logger}
	if known {
		sessionCfg.ResultPatterns = m.Service.Results.Include
		sessionCfg.ExcludePatterns = m.Service.Results.Exclude

		if m.Service.Archive.Enabled {
			arch, aerr := buildArchiver(ctx, cfg, m)
			if aerr != nil {
				logger.Warn("Archiving disabled for this run", zap.Error(aerr))
			} else if arch != nil {
				defer func() { _ = arch.Close() }()
				sessionCfg.Archiver = arch
			}
		}
	}

	session := uws.NewWorkerSession(sessionCfg, jobID)

	work := func(ctx context.Context, w *uws.WorkerSession, job *uws.Job) error {
		if !known {
			return fmt.Errorf("unknown service %q", job.Service)
		}
		codec, _ := registry.Codec(job.Service)
		switch m.Service.Worker.Kind {
		case manifest.WorkerKindStratus:
			return runStratusWork(ctx, w, job, codec)
		case manifest.WorkerKindSleep:
			return runSleepWork(ctx, job, codec)
		case manifest.WorkerKindCommand:
			return runCommandWork(ctx, w, m.Service.Worker.Argv)
		default:
			return fmt.Errorf("unknown worker kind %q for service %q", m.Service.Worker.Kind, job.Service)
		}
	}

	if err := session.RunWork(ctx, work); err != nil {
		// The terminal phase is already recorded; the exit status only
		// matters to the launcher's process watcher.
		logger.Warn("Worker run did not complete", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "worker run failed", err)
	}
	return nil
}

// buildArchiver assembles the manifest-requested archiver from the server
// archive configuration. A manifest asking for archiving against an
// unconfigured backend is reported, not fatal.
func buildArchiver(ctx context.Context, cfg *config.Config, m *manifest.Manifest) (archive.Archiver, error) {
	if cfg.Archive.Backend == "" {
		return nil, fmt.Errorf("service %q requests archiving but no archive backend is configured", m.Service.Name)
	}

	prefix := m.Service.Archive.Prefix
	if cfg.Archive.Prefix != "" {
		prefix = path.Join(cfg.Archive.Prefix, prefix)
	}

	return archive.New(ctx, archive.Config{
		Backend:        archive.Backend(cfg.Archive.Backend),
		Prefix:         prefix,
		Bucket:         cfg.Archive.Bucket,
		Region:         cfg.Archive.Region,
		Endpoint:       cfg.Archive.Endpoint,
		Profile:        cfg.Archive.Profile,
		ForcePathStyle: cfg.Archive.ForcePathStyle,
		Dir:            cfg.Archive.Dir,
	})
}

// runStratusWork executes the bulk query simulation: it streams synthetic
// rows derived from the query text into a single result artifact, emitting
// progress records on stdout along the way.
func runStratusWork(ctx context.Context, w *uws.WorkerSession, job *uws.Job, codec *uws.Codec) error {
	query, err := stringParam(codec, job, "query")
	if err != nil {
		return err
	}
	rows, err := intParam(codec, job, "rows")
	if err != nil {
		return err
	}
	format, err := stringParam(codec, job, "format")
	if err != nil {
		return err
	}

	stream := output.NewJSONLWriter(os.Stdout, job.ID, job.Service)
	defer func() { _ = stream.Close() }()

	_ = stream.WriteProgress(ctx, &output.ProgressRecord{Step: output.StepStarting, Total: rows})

	started := time.Now()
	var name, mime string
	switch format {
	case "csv":
		name, mime = "result.csv", "text/csv"
	case "json":
		name, mime = "result.jsonl", "application/jsonl"
	default:
		return fmt.Errorf("unsupported format %q (expected json or csv)", format)
	}

	res, err := w.OpenResult(ctx, name, mime)
	if err != nil {
		return err
	}

	written, err := writeQueryRows(ctx, res, stream, query, rows, format)
	if err != nil {
		_ = res.Abort()
		return err
	}

	_ = stream.WriteProgress(ctx, &output.ProgressRecord{Step: output.StepPublishing, Done: rows, Total: rows})
	if err := res.Close(); err != nil {
		return err
	}

	_ = stream.WriteProgress(ctx, &output.ProgressRecord{Step: output.StepComplete, Done: rows, Total: rows})
	return stream.WriteSummary(ctx, &output.SummaryRecord{
		Results:    1,
		BytesTotal: written,
		Duration:   time.Since(started),
	})
}

// writeQueryRows streams the synthetic result set, checking for
// cancellation and reporting progress between batches.
func writeQueryRows(ctx context.Context, res *uws.ResultWriter, stream *output.JSONLWriter, query string, rows int64, format string) (int64, error) {
	const batch = 500

	var cw *csv.Writer
	if format == "csv" {
		cw = csv.NewWriter(res)
		if err := cw.Write([]string{"row", "value"}); err != nil {
			return 0, err
		}
	}

	var written int64
	for i := int64(0); i < rows; i++ {
		if i%batch == 0 {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			if i > 0 {
				_ = stream.WriteProgress(ctx, &output.ProgressRecord{
					Step:  output.StepRunning,
					Done:  i,
					Total: rows,
					Bytes: written,
				})
			}
		}

		value := rowValue(query, i)
		var n int
		var err error
		if cw != nil {
			err = cw.Write([]string{strconv.FormatInt(i, 10), value})
		} else {
			n, err = fmt.Fprintf(res, "{\"row\":%d,\"value\":%q}\n", i, value)
			written += int64(n)
		}
		if err != nil {
			return written, err
		}
	}

	if cw != nil {
		cw.Flush()
		if err := cw.Error(); err != nil {
			return written, err
		}
	}
	return written, nil
}

// rowValue derives a deterministic value for one simulated result row, so
// reruns of the same query produce identical artifacts.
func rowValue(query string, row int64) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(query))
	_, _ = fmt.Fprintf(h, ":%d", row)
	return strconv.FormatUint(h.Sum64(), 16)
}

// runSleepWork sleeps for the duration parameter or until cancellation.
func runSleepWork(ctx context.Context, job *uws.Job, codec *uws.Codec) error {
	text, err := stringParam(codec, job, "duration")
	if err != nil {
		return err
	}
	d, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parameter %q: %w", "duration", err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runCommandWork executes the manifest's argv inside the job working
// directory, inheriting the worker's log sinks.
func runCommandWork(ctx context.Context, w *uws.WorkerSession, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("command worker requires argv in the service manifest")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = w.WorkDir()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("command %q: %w", argv[0], err)
	}
	return nil
}

func stringParam(codec *uws.Codec, job *uws.Job, name string) (string, error) {
	wire, ok := job.Parameters[name]
	if !ok {
		return "", fmt.Errorf("parameter %q is not set", name)
	}
	v, err := codec.Decode(name, wire)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q: expected string, got %T", name, v)
	}
	return s, nil
}

func intParam(codec *uws.Codec, job *uws.Job, name string) (int64, error) {
	wire, ok := job.Parameters[name]
	if !ok {
		return 0, fmt.Errorf("parameter %q is not set", name)
	}
	v, err := codec.Decode(name, wire)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("parameter %q: expected int, got %T", name, v)
	}
	return n, nil
}
