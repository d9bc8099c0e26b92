// Package runner executes a single matrix job's pipeline: environment
// provisioning, conditional oldest-dependency pinning, doctests behind a
// scoped package rename, topic-scoped unit tests, and publish steps.
//
// Provisioning and test failures are fatal to the job with no retry.
// Publish steps marked continue_on_error are tolerated: the failure is
// recorded but the job result is unaffected.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/3leaps/gantry/pkg/aggregate"
	"github.com/3leaps/gantry/pkg/matrix"
	"github.com/3leaps/gantry/pkg/output"
	"github.com/3leaps/gantry/pkg/pin"
	"github.com/3leaps/gantry/pkg/provision"
	"github.com/3leaps/gantry/pkg/workflow"
)

// Config configures job execution.
type Config struct {
	// Workspace is the directory job commands run in.
	Workspace string

	// Shell is the shell used to run step commands. Default: "/bin/sh".
	Shell string

	// Stdout and Stderr capture step command output (typically per-job
	// log files). Default: discarded.
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes matrix jobs for one workflow.
//
// A Runner is safe for concurrent use: each RunJob call operates only on
// its own job state. Note that jobs sharing a workspace still contend on
// the filesystem (the doctest rename guard detects the collision).
type Runner struct {
	wf     *workflow.Workflow
	writer output.Writer
	cfg    Config
}

// New creates a runner for the given workflow.
func New(wf *workflow.Workflow, w output.Writer, cfg Config) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	if cfg.Stderr == nil {
		cfg.Stderr = io.Discard
	}
	return &Runner{wf: wf, writer: w, cfg: cfg}
}

// RunJob executes the full pipeline for one job and returns its terminal
// result. The returned error carries the first fatal step error, and is
// nil for successful jobs.
//
// Cancellation via ctx yields ResultCancelled at the next step boundary;
// the in-flight step command is killed by exec.CommandContext.
func (r *Runner) RunJob(ctx context.Context, job matrix.JobSpec) (aggregate.Result, error) {
	if res, err := r.runProvision(ctx, job); res != aggregate.ResultSuccess {
		return res, err
	}
	if res, err := r.runPin(ctx, job); res != aggregate.ResultSuccess {
		return res, err
	}
	if res, err := r.runDoctest(ctx, job); res != aggregate.ResultSuccess {
		return res, err
	}
	if res, err := r.runUnit(ctx, job); res != aggregate.ResultSuccess {
		return res, err
	}
	if res, err := r.runPublish(ctx, job); res != aggregate.ResultSuccess {
		return res, err
	}
	return aggregate.ResultSuccess, nil
}

// runProvision executes the OS-filtered provisioning steps.
// Any failure is fatal to the job, no retry.
func (r *Runner) runProvision(ctx context.Context, job matrix.JobSpec) (aggregate.Result, error) {
	steps := provision.BuildSteps(job, r.wf.Provision, r.wf.Env)
	for _, step := range steps {
		if step.Skip {
			r.recordStep(ctx, job, output.StepRecord{
				Name:   step.Name,
				Phase:  output.PhaseProvision,
				Status: output.StepSkipped,
				Detail: step.SkipReason,
			})
			continue
		}

		res, err := r.execStep(ctx, job, output.PhaseProvision, step)
		if res != aggregate.ResultSuccess {
			if res == aggregate.ResultFailure {
				r.recordError(ctx, job, output.ErrCodeProvision, err)
			}
			return res, err
		}
	}
	return aggregate.ResultSuccess, nil
}

// runPin rewrites minimum constraints to exact pins for oldest jobs.
func (r *Runner) runPin(ctx context.Context, job matrix.JobSpec) (aggregate.Result, error) {
	if !job.RequiresOldest {
		return aggregate.ResultSuccess, nil
	}
	if err := ctx.Err(); err != nil {
		return aggregate.ResultCancelled, err
	}

	start := time.Now()
	res, err := pin.Apply(r.cfg.Workspace, r.wf.Pin.Glob)

	rec := output.StepRecord{
		Name:     "pin oldest requirements",
		Phase:    output.PhasePin,
		Duration: time.Since(start),
	}
	if err != nil {
		rec.Status = output.StepFailure
		rec.Detail = err.Error()
		r.recordStep(ctx, job, rec)
		r.recordError(ctx, job, output.ErrCodePin, err)
		return aggregate.ResultFailure, fmt.Errorf("pin requirements: %w", err)
	}

	rec.Status = output.StepSuccess
	rec.Detail = fmt.Sprintf("%d files matched", len(res.Files))
	r.recordStep(ctx, job, rec)
	return aggregate.ResultSuccess, nil
}

// runDoctest executes the doctest command with the package directory
// renamed out of the way. The rename is restored on every exit path.
func (r *Runner) runDoctest(ctx context.Context, job matrix.JobSpec) (aggregate.Result, error) {
	dt := r.wf.Doctest
	if dt == nil {
		return aggregate.ResultSuccess, nil
	}

	step := r.implicitStep("doctests", dt.Run, job)
	if dt.PackageDir == "" {
		return r.execStep(ctx, job, output.PhaseDoctest, step)
	}

	var res aggregate.Result
	var stepErr error
	ran := false
	pkgDir := filepath.Join(r.cfg.Workspace, dt.PackageDir)
	err := withRename(pkgDir, dt.ShadowSuffix, func() error {
		ran = true
		res, stepErr = r.execStep(ctx, job, output.PhaseDoctest, step)
		return stepErr
	})
	if !ran {
		// Acquire failed before the step could run.
		r.recordStep(ctx, job, output.StepRecord{
			Name:   step.Name,
			Phase:  output.PhaseDoctest,
			Status: output.StepFailure,
			Detail: err.Error(),
		})
		return aggregate.ResultFailure, err
	}
	if stepErr == nil && err != nil {
		// The doctest passed but the workspace could not be restored.
		r.recordError(ctx, job, output.ErrCodeInternal, err)
		return aggregate.ResultFailure, err
	}
	return res, stepErr
}

// runUnit executes the topic-scoped unit test command.
func (r *Runner) runUnit(ctx context.Context, job matrix.JobSpec) (aggregate.Result, error) {
	if r.wf.Unit == nil {
		return aggregate.ResultSuccess, nil
	}
	step := r.implicitStep("unit tests", r.wf.Unit.Run, job)
	return r.execStep(ctx, job, output.PhaseUnit, step)
}

// runPublish executes post-test publish steps. Steps marked
// continue_on_error are tolerated on failure.
func (r *Runner) runPublish(ctx context.Context, job matrix.JobSpec) (aggregate.Result, error) {
	steps := provision.BuildSteps(job, r.wf.Publish, r.wf.Env)
	for _, step := range steps {
		if step.Skip {
			r.recordStep(ctx, job, output.StepRecord{
				Name:   step.Name,
				Phase:  output.PhasePublish,
				Status: output.StepSkipped,
				Detail: step.SkipReason,
			})
			continue
		}

		if res, err := r.execStep(ctx, job, output.PhasePublish, step); res != aggregate.ResultSuccess {
			return res, err
		}
	}
	return aggregate.ResultSuccess, nil
}

// execStep runs one shell step and records its outcome.
//
// A failed step with ContinueOnError set is recorded as tolerated and
// reported as success to the pipeline.
func (r *Runner) execStep(ctx context.Context, job matrix.JobSpec, phase string, step provision.Step) (aggregate.Result, error) {
	if err := ctx.Err(); err != nil {
		return aggregate.ResultCancelled, err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.cfg.Shell, "-c", step.Run)
	cmd.Dir = r.cfg.Workspace
	cmd.Env = provision.Environ(step.Env)
	cmd.Stdout = r.cfg.Stdout
	cmd.Stderr = r.cfg.Stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	rec := output.StepRecord{
		Name:     step.Name,
		Phase:    phase,
		Duration: duration,
	}

	if runErr == nil {
		rec.Status = output.StepSuccess
		r.recordStep(ctx, job, rec)
		return aggregate.ResultSuccess, nil
	}

	// A kill triggered by context cancellation is a cancellation, not a
	// test failure.
	if ctx.Err() != nil {
		rec.Status = output.StepFailure
		rec.Detail = "cancelled"
		r.recordStep(context.WithoutCancel(ctx), job, rec)
		return aggregate.ResultCancelled, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		rec.ExitCode = exitErr.ExitCode()
	}

	if step.ContinueOnError {
		rec.Status = output.StepTolerated
		rec.Detail = runErr.Error()
		r.recordStep(ctx, job, rec)
		return aggregate.ResultSuccess, nil
	}

	rec.Status = output.StepFailure
	rec.Detail = runErr.Error()
	r.recordStep(ctx, job, rec)
	return aggregate.ResultFailure, fmt.Errorf("step %q: %w", step.Name, runErr)
}

// recordStep emits a step record, best effort.
func (r *Runner) recordStep(ctx context.Context, job matrix.JobSpec, rec output.StepRecord) {
	rec.Job = job.Name()
	_ = r.writer.WriteStep(ctx, &rec)
}

// recordError emits an error record, best effort.
func (r *Runner) recordError(ctx context.Context, job matrix.JobSpec, code string, err error) {
	_ = r.writer.WriteErrorRecord(ctx, &output.ErrorRecord{
		Code:    code,
		Message: err.Error(),
		Job:     job.Name(),
	})
}

// implicitStep resolves a workflow-level test command (doctest, unit)
// into a step with the same placeholder expansion and env layering as
// declared steps.
func (r *Runner) implicitStep(name, run string, job matrix.JobSpec) provision.Step {
	steps := provision.BuildSteps(job, []workflow.StepConfig{{Name: name, Run: run}}, r.wf.Env)
	return steps[0]
}
