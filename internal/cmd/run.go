package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gantry/internal/config"
	"github.com/3leaps/gantry/internal/observability"
	"github.com/3leaps/gantry/pkg/aggregate"
	"github.com/3leaps/gantry/pkg/cachestore"
	"github.com/3leaps/gantry/pkg/orchestrator"
	"github.com/3leaps/gantry/pkg/output"
	"github.com/3leaps/gantry/pkg/runner"
	"github.com/3leaps/gantry/pkg/runstore"
	"github.com/3leaps/gantry/pkg/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow's test matrix",
	Long: `Expand the workflow's test matrix and run every job, streaming
JSONL records as jobs progress.

A new run for the same ref supersedes any run still in flight, unless
the ref matches a protected pattern or cancel_in_progress is disabled.

Example:
  gantry run --workflow ci.yaml
  gantry run --workflow ci.yaml --ref release/1.2
  gantry run --workflow ci.yaml --output file:events.jsonl --quiet`,
	RunE: runRun,
}

var (
	runWorkflowPath string
	runRef          string
	runOutput       string
	runQuiet        bool
	runWorkspace    string
	runNoCache      bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runWorkflowPath, "workflow", "w", "", "Path to workflow file (required)")
	runCmd.Flags().StringVar(&runRef, "ref", "", "Override the ref the run is attributed to")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Additional record destination (stdout or file:PATH)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress record streaming to stdout")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "Override the job workspace directory")
	runCmd.Flags().BoolVar(&runNoCache, "no-cache", false, "Skip cache restore and save")

	_ = runCmd.MarkFlagRequired("workflow")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	wf, err := workflow.Load(runWorkflowPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load workflow",
			zap.String("path", runWorkflowPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid workflow", err)
	}
	if runRef != "" {
		wf.Ref.Name = runRef
	}

	workspace := cfg.Workspace
	if runWorkspace != "" {
		workspace = runWorkspace
	}

	store := runstore.NewStore(cfg.Runs.Dir)
	runID := uuid.New().String()

	supersedePriorRun(store, wf)

	workflowPath, err := filepath.Abs(runWorkflowPath)
	if err != nil {
		workflowPath = runWorkflowPath
	}

	record := &runstore.RunRecord{
		RunID:        runID,
		Workflow:     wf.Name,
		Ref:          wf.Ref.Name,
		State:        runstore.RunStateQueued,
		WorkflowPath: workflowPath,
		PID:          os.Getpid(),
		CreatedAt:    time.Now().UTC(),
		EventsPath:   store.EventsPath(runID),
		LogDir:       store.LogDir(runID),
	}
	if err := store.Write(record); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to record run", err)
	}

	writer, cleanup, err := createRunWriter(store, runID, wf.Name)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	logFile, err := createStepLog(store, runID)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create step log", err)
	}
	defer func() { _ = logFile.Close() }()

	cacheMgr, cacheClose, err := buildCacheManager(cmd, cfg, wf, writer, workspace)
	if err != nil {
		observability.CLILogger.Error("Failed to create cache store", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to cache store", err)
	}
	defer cacheClose()

	if cacheMgr != nil {
		cacheMgr.RestoreAll(ctx)
	}

	jobRunner := runner.New(wf, writer, runner.Config{
		Workspace: workspace,
		Shell:     cfg.Shell,
		Stdout:    logFile,
		Stderr:    logFile,
	})

	orch, err := orchestrator.New(wf, jobRunner, writer)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid workflow concurrency settings", err)
	}

	record.State = runstore.RunStateRunning
	startedAt := time.Now().UTC()
	record.StartedAt = &startedAt
	if err := store.Write(record); err != nil {
		observability.CLILogger.Warn("Failed to update run record", zap.Error(err))
	}

	observability.CLILogger.Info("Starting run",
		zap.String("run_id", runID),
		zap.String("workflow", wf.Name),
		zap.String("ref", wf.Ref.Name))

	verdict, err := orch.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			finalizeRun(store, record, runstore.RunStateCancelled, verdict)
			observability.CLILogger.Warn("Run cancelled", zap.String("run_id", runID))
			return exitError(foundry.ExitSignalInt, "Run cancelled", err)
		}
		finalizeRun(store, record, runstore.RunStateFailure, verdict)
		observability.CLILogger.Error("Run failed to start",
			zap.String("run_id", runID),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Run failed to start", err)
	}

	finalizeRun(store, record, runstore.RunState(verdict.Aggregate), verdict)

	if cacheMgr != nil && verdict.Aggregate == aggregate.ResultSuccess && wf.Ref.IsProtected() {
		if err := cacheMgr.SaveAll(ctx); err != nil {
			observability.CLILogger.Warn("Failed to save caches", zap.Error(err))
		}
	}

	observability.CLILogger.Info("Run completed",
		zap.String("run_id", runID),
		zap.String("aggregate", string(verdict.Aggregate)),
		zap.Int("succeeded", verdict.Succeeded),
		zap.Int("failed", verdict.Failed),
		zap.Int("cancelled", verdict.Cancelled),
		zap.Int("skipped", verdict.Skipped))

	if code := verdict.ExitCode(); code != 0 {
		return exitError(code, "Run failed",
			fmt.Errorf("%d of %d jobs failed", verdict.Failed, len(verdict.Outcomes)))
	}
	return nil
}

// supersedePriorRun signals any in-flight run for the same ref to stop.
// Best effort: a missing or dead process is not an error.
func supersedePriorRun(store *runstore.Store, wf *workflow.Workflow) {
	if !wf.Concurrency.CancelInProgressEnabled() || wf.Ref.IsProtected() {
		return
	}
	active, err := store.FindActive(wf.Ref.Name)
	if err != nil || active == nil {
		return
	}
	if active.PID <= 0 || active.PID == os.Getpid() {
		return
	}
	proc, err := os.FindProcess(active.PID)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err == nil {
		observability.CLILogger.Info("Superseding in-flight run",
			zap.String("run_id", active.RunID),
			zap.String("ref", active.Ref),
			zap.Int("pid", active.PID))
	}
}

// createRunWriter creates the JSONL record writer. Records always land
// in the run store's events file; stdout or a --output destination is
// added as a second sink.
func createRunWriter(store *runstore.Store, runID, workflowName string) (output.Writer, func(), error) {
	if err := os.MkdirAll(store.RunDir(runID), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	eventsFile, err := os.Create(store.EventsPath(runID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create events file: %w", err)
	}

	sinks := []io.Writer{eventsFile}
	var userFile *os.File

	if !runQuiet {
		dest := runOutput
		switch {
		case dest == "" || dest == "stdout":
			sinks = append(sinks, os.Stdout)
		default:
			path := strings.TrimPrefix(dest, "file:")
			userFile, err = os.Create(path)
			if err != nil {
				_ = eventsFile.Close()
				return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
			}
			sinks = append(sinks, userFile)
		}
	}

	w := output.NewJSONLWriter(io.MultiWriter(sinks...), runID, workflowName)
	cleanup := func() {
		_ = w.Close()
		_ = eventsFile.Close()
		if userFile != nil {
			_ = userFile.Close()
		}
	}
	return w, cleanup, nil
}

func createStepLog(store *runstore.Store, runID string) (*os.File, error) {
	if err := os.MkdirAll(store.LogDir(runID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return os.Create(filepath.Join(store.LogDir(runID), "steps.log"))
}

// buildCacheManager wires the configured cache backend, or returns a
// nil manager when the workflow declares no caches.
func buildCacheManager(cmd *cobra.Command, cfg *config.Config, wf *workflow.Workflow, writer output.Writer, workspace string) (*cachestore.Manager, func(), error) {
	noop := func() {}
	if runNoCache || len(wf.Caches) == 0 {
		return nil, noop, nil
	}

	var (
		cstore cachestore.Store
		err    error
	)
	switch cfg.Cache.Backend {
	case "", "local":
		cstore, err = cachestore.NewLocalStore(cfg.Cache.Dir)
	case "s3":
		cstore, err = cachestore.NewS3Store(cmd.Context(), cachestore.S3Config{
			Bucket:          cfg.Cache.Bucket,
			Prefix:          cfg.Cache.Prefix,
			Region:          cfg.Cache.Region,
			Endpoint:        cfg.Cache.Endpoint,
			Profile:         cfg.Cache.Profile,
			AccessKeyID:     cfg.Cache.AccessKeyID,
			SecretAccessKey: cfg.Cache.SecretAccessKey,
			ForcePathStyle:  cfg.Cache.ForcePathStyle || cfg.Cache.Endpoint != "",
		})
	default:
		err = fmt.Errorf("unsupported cache backend: %s", cfg.Cache.Backend)
	}
	if err != nil {
		return nil, noop, err
	}

	mgr := cachestore.NewManager(cstore, wf, writer, workspace)
	return mgr, func() { _ = cstore.Close() }, nil
}

func finalizeRun(store *runstore.Store, record *runstore.RunRecord, state runstore.RunState, verdict *aggregate.Verdict) {
	now := time.Now().UTC()
	record.State = state
	record.EndedAt = &now
	if verdict != nil {
		record.JobsTotal = len(verdict.Outcomes)
		record.Succeeded = verdict.Succeeded
		record.Failed = verdict.Failed
		record.Cancelled = verdict.Cancelled
		record.Skipped = verdict.Skipped
	}
	if err := store.Write(record); err != nil {
		observability.CLILogger.Warn("Failed to finalize run record",
			zap.String("run_id", record.RunID),
			zap.Error(err))
	}
}
