package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gostratus/internal/observability"
	"github.com/3leaps/gostratus/pkg/uws"
)

type jobsGCResult struct {
	Destroyed    int  `json:"destroyed"`
	WouldDestroy int  `json:"would_destroy"`
	DryRun       bool `json:"dry_run"`
	IncludeAll   bool `json:"include_all"`
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Destroy jobs past their destruction time",
	Long: `Run one expiry sweep, the same pass the serve reaper performs on its
interval. --include-all destroys every job regardless of destruction
time; use it to clear a store completely.`,
	RunE: runJobsGC,
}

func init() {
	jobsCmd.AddCommand(jobsGCCmd)

	jobsGCCmd.Flags().Bool("include-all", false, "Destroy every job, not just expired ones")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be destroyed")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	includeAll, _ := cmd.Flags().GetBool("include-all")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if !dryRun && IsReadOnly() {
		return exitError(foundry.ExitInvalidArgument,
			"readonly mode enabled: refusing to destroy jobs",
			fmt.Errorf("disable --readonly or unset GOSTRATUS_READONLY"))
	}

	store, engine, _, err := openJobsCLI(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	res := jobsGCResult{DryRun: dryRun, IncludeAll: includeAll}

	switch {
	case dryRun && includeAll:
		jobs, err := store.List(ctx, uws.Filter{})
		if err != nil {
			return err
		}
		res.WouldDestroy = len(jobs)

	case dryRun:
		ids, err := store.ExpiredJobIDs(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		res.WouldDestroy = len(ids)

	case includeAll:
		jobs, err := store.List(ctx, uws.Filter{})
		if err != nil {
			return err
		}
		for i := range jobs {
			id := jobs[i].ID
			if err := engine.Destroy(ctx, id); err != nil && !uws.IsNotFound(err) {
				return fmt.Errorf("destroy job %s: %w", shortJobID(id), err)
			}
			if err := store.Delete(ctx, id); err != nil && !uws.IsNotFound(err) {
				return fmt.Errorf("delete job %s: %w", shortJobID(id), err)
			}
			res.Destroyed++
		}

	default:
		reaper := uws.NewReaper(uws.ReaperConfig{
			Store:  store,
			Engine: engine,
			Logger: observability.CLILogger,
		})
		res.Destroyed = reaper.SweepOnce(ctx)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_destroy=%d\n", res.WouldDestroy)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "destroyed=%d\n", res.Destroyed)
	return nil
}
