package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gostratus/internal/config"
	"github.com/3leaps/gostratus/internal/observability"
	"github.com/3leaps/gostratus/pkg/manifest"
	"github.com/3leaps/gostratus/pkg/output"
	"github.com/3leaps/gostratus/pkg/uws"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs in the local store",
	Long: `Inspect and drive jobs directly against the job store, without going
through a running server.

This command group is designed to be agent-friendly:

- stable job ids (short prefixes accepted everywhere)
- predictable on-disk locations
- optional JSON and JSONL output for machine parsing

The store is safe to share with a running 'gostratus serve' process;
submitted jobs are picked up by its scheduler on the next queue pass.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Create a job, optionally queueing it immediately",
	Long: `Create a job for a registered service.

Parameters are typed per the service manifest; values are given as
name=value pairs. Without --run the job stays PENDING so further
parameters can be posted before queueing.

Examples:
  gostratus jobs submit --service sleep --param duration=5s --run
  gostratus jobs submit --service stratus --param query="SELECT ..." --owner alice`,
	RunE: runJobsSubmit,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)

	jobsListCmd.Flags().String("phase", "", "Filter by phase (e.g. EXECUTING)")
	jobsListCmd.Flags().String("service", "", "Filter by service")
	jobsListCmd.Flags().String("owner", "", "Filter by owner")
	jobsListCmd.Flags().String("format", "table", "Output format: table, json, or jsonl")

	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")

	jobsSubmitCmd.Flags().String("service", "", "Service to run (required)")
	jobsSubmitCmd.Flags().StringArray("param", nil, "Job parameter as name=value (repeatable)")
	jobsSubmitCmd.Flags().String("owner", "", "Owner recorded on the job")
	jobsSubmitCmd.Flags().String("run-id", "", "Caller-supplied run label")
	jobsSubmitCmd.Flags().Duration("duration", 0, "Execution duration override")
	jobsSubmitCmd.Flags().Bool("run", false, "Queue the job immediately")
	jobsSubmitCmd.Flags().Bool("json", false, "Output the created job as JSON")
	_ = jobsSubmitCmd.MarkFlagRequired("service")
}

// openJobsCLI loads config and opens the engine for one CLI invocation.
// Diagnostics go to the CLI logger on stderr so stdout stays parseable.
func openJobsCLI(ctx context.Context) (*uws.Store, *uws.Engine, *manifest.Registry, error) {
	cfg, err := config.Load(ctx, flagOverrides())
	if err != nil {
		return nil, nil, nil, err
	}
	return openJobEngine(ctx, cfg, observability.CLILogger, IsReadOnly() || cfg.ReadOnly)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	format, _ := cmd.Flags().GetString("format")
	format = strings.TrimSpace(strings.ToLower(format))
	if format == "" {
		format = "table"
	}

	var filter uws.Filter
	if phase, _ := cmd.Flags().GetString("phase"); strings.TrimSpace(phase) != "" {
		parsed, err := uws.ParsePhase(phase)
		if err != nil {
			return err
		}
		filter.Phase = parsed
	}
	filter.Service, _ = cmd.Flags().GetString("service")
	filter.Owner, _ = cmd.Flags().GetString("owner")

	store, _, registry, err := openJobsCLI(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	if len(jobs) == 0 && format == "table" {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	switch format {
	case "json":
		records := make([]*output.JobRecord, 0, len(jobs))
		for i := range jobs {
			records = append(records, jobRecordFrom(&jobs[i], registry))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)

	case "jsonl":
		for i := range jobs {
			w := output.NewJSONLWriter(os.Stdout, jobs[i].ID, jobs[i].Service)
			if err := w.WriteJob(ctx, jobRecordFrom(&jobs[i], registry)); err != nil {
				return err
			}
		}
		return nil

	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer func() { _ = w.Flush() }()

		_, _ = fmt.Fprintln(w, "JOB ID\tSERVICE\tPHASE\tOWNER\tRUN\tSTARTED\tENDED\tDESTROY AT")
		for i := range jobs {
			j := &jobs[i]
			owner := j.Owner
			if owner == "" {
				owner = "-"
			}
			runID := j.RunID
			if runID == "" {
				runID = "-"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				shortJobID(j.ID),
				j.Service,
				j.Phase,
				owner,
				runID,
				formatOptionalTime(j.StartTime),
				formatOptionalTime(j.EndTime),
				j.DestructionTime.UTC().Format(time.RFC3339),
			)
		}
		return nil

	default:
		return fmt.Errorf("invalid --format %q (expected table, json, or jsonl)", format)
	}
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, _, registry, err := openJobsCLI(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jobID, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return err
	}
	job, err := store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	results, err := store.Results(ctx, jobID)
	if err != nil {
		return err
	}

	rec := jobRecordFrom(job, registry)
	for _, r := range results {
		rec.Results = append(rec.Results, output.ResultInfo{Name: r.Name, MimeType: r.MimeType})
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", job.ID)
	_, _ = fmt.Fprintf(os.Stdout, "service=%s\n", job.Service)
	_, _ = fmt.Fprintf(os.Stdout, "phase=%s\n", job.Phase)
	if job.Owner != "" {
		_, _ = fmt.Fprintf(os.Stdout, "owner=%s\n", job.Owner)
	}
	if job.RunID != "" {
		_, _ = fmt.Fprintf(os.Stdout, "run_id=%s\n", job.RunID)
	}
	if job.PID > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "pid=%d alive=%t\n", job.PID, uws.ProcessAlive(job.PID))
	}
	_, _ = fmt.Fprintf(os.Stdout, "created=%s\n", job.Created.UTC().Format(time.RFC3339))
	if job.StartTime != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started=%s\n", job.StartTime.UTC().Format(time.RFC3339))
	}
	if job.EndTime != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended=%s\n", job.EndTime.UTC().Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(os.Stdout, "destroy_at=%s\n", job.DestructionTime.UTC().Format(time.RFC3339))
	if job.ExecutionDuration > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "execution_duration=%s\n", job.ExecutionDuration)
	}
	for name, value := range rec.Parameters {
		_, _ = fmt.Fprintf(os.Stdout, "param.%s=%s\n", name, value)
	}
	for _, r := range rec.Results {
		_, _ = fmt.Fprintf(os.Stdout, "result=%s (%s)\n", r.Name, r.MimeType)
	}
	if job.Error != nil {
		_, _ = fmt.Fprintf(os.Stdout, "error.kind=%s\n", job.Error.Kind)
		_, _ = fmt.Fprintf(os.Stdout, "error.message=%s\n", job.Error.Message)
	}
	return nil
}

func runJobsSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if IsReadOnly() {
		return exitError(foundry.ExitInvalidArgument,
			"readonly mode enabled: refusing to submit jobs",
			fmt.Errorf("disable --readonly or unset GOSTRATUS_READONLY"))
	}

	service, _ := cmd.Flags().GetString("service")
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("--service is required")
	}

	params, err := parseParamFlags(cmd)
	if err != nil {
		return err
	}

	store, engine, registry, err := openJobsCLI(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	m, ok := registry.Get(service)
	if !ok {
		return fmt.Errorf("unknown service %q (known: %s)", service, strings.Join(registry.Names(), ", "))
	}
	codec, _ := registry.Codec(service)

	encoded, err := codec.EncodeAll(params)
	if err != nil {
		return err
	}
	for name, text := range m.Service.ParameterDefaults() {
		if _, set := encoded[name]; set {
			continue
		}
		wire, err := codec.Encode(name, text)
		if err != nil {
			return err
		}
		if encoded == nil {
			encoded = make(map[string]string)
		}
		encoded[name] = wire
	}

	duration, _ := cmd.Flags().GetDuration("duration")
	owner, _ := cmd.Flags().GetString("owner")
	runID, _ := cmd.Flags().GetString("run-id")

	opts := uws.CreateOptions{
		Owner:             strings.TrimSpace(owner),
		RunID:             strings.TrimSpace(runID),
		Parameters:        encoded,
		ExecutionDuration: m.Service.EffectiveDuration(duration),
		DestructionTime:   time.Now().UTC().Add(m.Service.EffectiveLifetime()),
	}

	jobID, err := engine.CreateJob(ctx, service, opts)
	if err != nil {
		return err
	}

	if run, _ := cmd.Flags().GetBool("run"); run {
		job, err := store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if missing := m.Service.MissingRequired(job.Parameters); len(missing) > 0 {
			return fmt.Errorf("required parameters not set: %s", strings.Join(missing, ", "))
		}
		if err := engine.Run(ctx, jobID); err != nil {
			return err
		}
	}

	job, err := store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobRecordFrom(job, registry))
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", job.ID)
	_, _ = fmt.Fprintf(os.Stdout, "phase=%s\n", job.Phase)
	return nil
}

// parseParamFlags splits repeated --param name=value flags.
func parseParamFlags(cmd *cobra.Command) (map[string]string, error) {
	pairs, _ := cmd.Flags().GetStringArray("param")
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, fmt.Errorf("invalid --param %q (expected name=value)", pair)
		}
		params[name] = value
	}
	return params, nil
}

// jobRecordFrom renders a stored job in the CLI's output shape, decoding
// parameters to display form when the service is known.
func jobRecordFrom(job *uws.Job, registry *manifest.Registry) *output.JobRecord {
	rec := &output.JobRecord{
		JobID:           job.ID,
		Service:         job.Service,
		Phase:           job.Phase.String(),
		Owner:           job.Owner,
		RunID:           job.RunID,
		PID:             job.PID,
		CreationTime:    job.Created.UTC(),
		StartTime:       job.StartTime,
		EndTime:         job.EndTime,
		DestructionTime: job.DestructionTime.UTC(),
	}
	if job.ExecutionDuration > 0 {
		rec.ExecutionDuration = job.ExecutionDuration.String()
	}
	if len(job.Parameters) > 0 {
		rec.Parameters = make(map[string]string, len(job.Parameters))
		codec, ok := registry.Codec(job.Service)
		for name, wire := range job.Parameters {
			if ok {
				rec.Parameters[name] = codec.DecodeText(wire)
			} else {
				rec.Parameters[name] = wire
			}
		}
	}
	if job.Error != nil {
		rec.Error = &output.ErrorRecord{
			Code:    string(job.Error.Kind),
			Message: job.Error.Message,
			Details: job.Error.Detail,
		}
	}
	return rec
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// resolveJobID accepts a full job id or a unique prefix, the short form
// the table listing prints.
func resolveJobID(ctx context.Context, store *uws.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := store.Get(ctx, input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := store.List(ctx, uws.Filter{})
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for i := range jobs {
		if strings.HasPrefix(jobs[i].ID, input) {
			matches = append(matches, jobs[i].ID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
