package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gantry/internal/config"
	"github.com/3leaps/gantry/pkg/runstore"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	RunE:  runRunsList,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs RUN_ID",
	Short: "Print the step output of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsLogsCmd)
}

func openRunStore(cmd *cobra.Command) (*runstore.Store, error) {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return runstore.NewStore(cfg.Runs.Dir), nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openRunStore(cmd)
	if err != nil {
		return err
	}

	runs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Printf("%-36s  %-20s  %-20s  %-9s  %s\n", "RUN ID", "WORKFLOW", "REF", "STATE", "JOBS")
	for _, r := range runs {
		jobs := "-"
		if r.JobsTotal > 0 {
			jobs = fmt.Sprintf("%d/%d", r.Succeeded, r.JobsTotal)
		}
		fmt.Printf("%-36s  %-20s  %-20s  %-9s  %s\n", r.RunID, r.Workflow, r.Ref, r.State, jobs)
	}
	return nil
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	store, err := openRunStore(cmd)
	if err != nil {
		return err
	}

	runID := args[0]
	if _, err := store.Get(runID); err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown run", err)
	}

	f, err := os.Open(filepath.Join(store.LogDir(runID), "steps.log"))
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open step log", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(os.Stdout, f); err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read step log", err)
	}
	return nil
}
