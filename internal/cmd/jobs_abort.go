package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gostratus/pkg/uws"
)

var jobsAbortCmd = &cobra.Command{
	Use:   "abort <job_id>",
	Short: "Abort a job",
	Long: `Abort a job. An executing worker receives a cooperative stop signal
and reports ABORTED itself; --force escalates to SIGKILL if the process
is still alive after the grace period.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsAbort,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Destroy a job and its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

func init() {
	jobsCmd.AddCommand(jobsAbortCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)

	jobsAbortCmd.Flags().Bool("force", false, "SIGKILL the worker if still alive after the grace period")
	jobsAbortCmd.Flags().Duration("grace", 5*time.Second, "How long --force waits before killing")
}

func runJobsAbort(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if IsReadOnly() {
		return exitError(foundry.ExitInvalidArgument,
			"readonly mode enabled: refusing to abort jobs",
			fmt.Errorf("disable --readonly or unset GOSTRATUS_READONLY"))
	}

	force, _ := cmd.Flags().GetBool("force")
	grace, _ := cmd.Flags().GetDuration("grace")
	if grace <= 0 {
		grace = 5 * time.Second
	}

	store, engine, _, err := openJobsCLI(ctx)
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
	pid := job.PID

	if err := engine.Abort(ctx, jobID); err != nil {
		return err
	}

	if force && pid > 0 {
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if !uws.ProcessAlive(pid) {
				_, _ = fmt.Fprintf(os.Stdout, "aborted=%s\n", jobID)
				return nil
			}
			time.Sleep(250 * time.Millisecond)
		}
		if uws.ProcessAlive(pid) {
			if err := uws.ForceKill(pid); err != nil {
				return fmt.Errorf("force kill pid %d: %w", pid, err)
			}
			_, _ = fmt.Fprintf(os.Stdout, "aborted=%s forced=kill\n", jobID)
			return nil
		}
	}

	_, _ = fmt.Fprintf(os.Stdout, "aborted=%s\n", jobID)
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if IsReadOnly() {
		return exitError(foundry.ExitInvalidArgument,
			"readonly mode enabled: refusing to delete jobs",
			fmt.Errorf("disable --readonly or unset GOSTRATUS_READONLY"))
	}

	store, engine, _, err := openJobsCLI(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jobID, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return err
	}

	if err := engine.Destroy(ctx, jobID); err != nil {
		return err
	}
	if err := store.Delete(ctx, jobID); err != nil && !uws.IsNotFound(err) {
		return err
	}

	_, _ = fmt.Fprintf(os.Stdout, "deleted=%s\n", jobID)
	return nil
}
