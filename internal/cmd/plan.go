package cmd

import (
	"fmt"
	"sort"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gantry/internal/observability"
	"github.com/3leaps/gantry/pkg/matrix"
	"github.com/3leaps/gantry/pkg/workflow"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the jobs a workflow would run",
	Long: `Validate a workflow and list the jobs its matrix expands to, without
executing anything.

Example:
  gantry plan --workflow ci.yaml`,
	RunE: runPlan,
}

var planWorkflowPath string

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVarP(&planWorkflowPath, "workflow", "w", "", "Path to workflow file (required)")

	_ = planCmd.MarkFlagRequired("workflow")
}

func runPlan(cmd *cobra.Command, args []string) error {
	wf, err := workflow.Load(planWorkflowPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load workflow",
			zap.String("path", planWorkflowPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid workflow", err)
	}

	jobs, err := matrix.Expand(wf.Matrix)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid matrix", err)
	}

	return showRunPlan(wf, jobs)
}

// showRunPlan displays what would run without executing.
func showRunPlan(wf *workflow.Workflow, jobs []matrix.JobSpec) error {
	fmt.Println("=== Run Plan (dry-run) ===")
	fmt.Println()
	fmt.Printf("Workflow:    %s\n", wf.Name)
	if wf.Ref.Name != "" {
		fmt.Printf("Ref:         %s", wf.Ref.Name)
		if wf.Ref.IsProtected() {
			fmt.Print(" (protected)")
		}
		fmt.Println()
	}
	fmt.Println()

	fmt.Printf("Jobs (%d):\n", len(jobs))
	for _, job := range jobs {
		fmt.Printf("  - %s", job.Name())
		if extras := job.ExtrasString(); extras != "" {
			fmt.Printf("  [extras: %s]", extras)
		}
		fmt.Println()
	}
	fmt.Println()

	if len(wf.Matrix.Needs) > 0 {
		fmt.Println("Topic dependencies:")
		topics := make([]string, 0, len(wf.Matrix.Needs))
		for topic := range wf.Matrix.Needs {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		for _, topic := range topics {
			fmt.Printf("  %s needs %v\n", topic, wf.Matrix.Needs[topic])
		}
		fmt.Println()
	}

	if len(wf.Caches) > 0 {
		fmt.Println("Caches:")
		for _, c := range wf.Caches {
			fmt.Printf("  - %s -> %s\n", c.Key, c.Path)
		}
		fmt.Println()
	}

	fmt.Printf("Concurrency: %d\n", wf.Concurrency.MaxParallel)
	if wf.Concurrency.LaunchRate > 0 {
		fmt.Printf("Launch Rate: %.1f jobs/s\n", wf.Concurrency.LaunchRate)
	}
	fmt.Printf("Settle:      %s\n", wf.Guardian.SettleDelay)
	fmt.Println()
	fmt.Println("Workflow validated successfully. Use 'gantry run' to execute.")
	return nil
}
