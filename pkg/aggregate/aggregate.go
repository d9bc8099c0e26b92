// Package aggregate implements the guardian: a fan-in aggregator that
// translates a job matrix's mixed outcomes into one pass/fail signal.
//
// The guardian never reports before every job has reached a terminal
// state, and deliberately stalls before reporting when jobs were merely
// cancelled or skipped. The stall avoids racing the platform's own
// cancellation bookkeeping; it is an operational workaround, not a
// general design principle.
package aggregate

import (
	"context"
	"errors"
	"time"
)

// Result is the terminal state of a job or of the whole run.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailure   Result = "failure"
	ResultCancelled Result = "cancelled"
	ResultSkipped   Result = "skipped"
)

// Terminal reports whether r is a valid terminal state.
func (r Result) Terminal() bool {
	switch r {
	case ResultSuccess, ResultFailure, ResultCancelled, ResultSkipped:
		return true
	}
	return false
}

// JobOutcome is one job's terminal result as consumed by the guardian.
type JobOutcome struct {
	// Job is the job name.
	Job string

	// Result is the job's terminal state.
	Result Result

	// Duration is the total job duration.
	Duration time.Duration
}

// Verdict is the guardian's aggregate report.
type Verdict struct {
	// Aggregate is the single status for the whole run.
	Aggregate Result

	// Outcomes lists every job outcome in arrival order.
	Outcomes []JobOutcome

	// Succeeded, Failed, Cancelled and Skipped count terminal states.
	Succeeded int
	Failed    int
	Cancelled int
	Skipped   int
}

// ExitCode returns the process exit code for the verdict: non-zero iff
// at least one job failed. Cancelled and skipped runs exit zero.
func (v *Verdict) ExitCode() int {
	if v.Aggregate == ResultFailure {
		return 1
	}
	return 0
}

// Errors returned by the guardian.
var (
	// ErrNonTerminalOutcome is returned when a job reports a state
	// outside the terminal set.
	ErrNonTerminalOutcome = errors.New("job outcome is not a terminal state")

	// ErrResultsClosed is returned when the results channel closes
	// before every job reported.
	ErrResultsClosed = errors.New("results channel closed before all jobs reported")
)

// Guardian aggregates job outcomes into a single verdict.
type Guardian struct {
	settle time.Duration
}

// NewGuardian creates a guardian with the given settle delay.
//
// The delay is applied before reporting whenever the run contains
// cancelled or skipped jobs and no failures.
func NewGuardian(settle time.Duration) *Guardian {
	return &Guardian{settle: settle}
}

// Wait blocks until total outcomes have arrived, then reduces them to a
// verdict. It returns early with the context error if the context is
// cancelled while jobs are still outstanding.
func (g *Guardian) Wait(ctx context.Context, total int, results <-chan JobOutcome) (*Verdict, error) {
	outcomes := make([]JobOutcome, 0, total)

	for len(outcomes) < total {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case out, ok := <-results:
			if !ok {
				return nil, ErrResultsClosed
			}
			if !out.Result.Terminal() {
				return nil, ErrNonTerminalOutcome
			}
			outcomes = append(outcomes, out)
		}
	}

	verdict := Reduce(outcomes)

	// Stall before reporting cancelled/skipped runs so the platform's
	// cancellation bookkeeping settles first. Failures report immediately.
	if verdict.Aggregate != ResultFailure && (verdict.Cancelled > 0 || verdict.Skipped > 0) {
		if err := sleepCtx(ctx, g.settle); err != nil {
			return nil, err
		}
	}

	return verdict, nil
}

// Reduce computes the aggregate verdict for a complete outcome set.
//
// The aggregate is failure iff at least one job failed. Otherwise a run
// with any cancelled job is cancelled, a run where nothing succeeded but
// something was skipped is skipped, and anything else is success.
func Reduce(outcomes []JobOutcome) *Verdict {
	v := &Verdict{Outcomes: outcomes}
	for _, out := range outcomes {
		switch out.Result {
		case ResultSuccess:
			v.Succeeded++
		case ResultFailure:
			v.Failed++
		case ResultCancelled:
			v.Cancelled++
		case ResultSkipped:
			v.Skipped++
		}
	}

	switch {
	case v.Failed > 0:
		v.Aggregate = ResultFailure
	case v.Cancelled > 0:
		v.Aggregate = ResultCancelled
	case v.Succeeded == 0 && v.Skipped > 0:
		v.Aggregate = ResultSkipped
	default:
		v.Aggregate = ResultSuccess
	}
	return v
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
