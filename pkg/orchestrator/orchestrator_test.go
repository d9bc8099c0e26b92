package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gantry/pkg/aggregate"
	"github.com/3leaps/gantry/pkg/matrix"
	"github.com/3leaps/gantry/pkg/output"
	"github.com/3leaps/gantry/pkg/workflow"
)

// recordingWriter collects output records for assertions.
type recordingWriter struct {
	mu        sync.Mutex
	jobs      []output.JobRecord
	results   []output.ResultRecord
	summaries []output.SummaryRecord
}

func (w *recordingWriter) WriteJob(_ context.Context, rec *output.JobRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs = append(w.jobs, *rec)
	return nil
}

func (w *recordingWriter) WriteStep(_ context.Context, _ *output.StepRecord) error { return nil }

func (w *recordingWriter) WriteResult(_ context.Context, rec *output.ResultRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, *rec)
	return nil
}

func (w *recordingWriter) WriteSummary(_ context.Context, rec *output.SummaryRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.summaries = append(w.summaries, *rec)
	return nil
}

func (w *recordingWriter) WriteErrorRecord(_ context.Context, _ *output.ErrorRecord) error {
	return nil
}

func (w *recordingWriter) Close() error { return nil }

// fakeRunner returns canned results per topic and records execution order.
type fakeRunner struct {
	mu      sync.Mutex
	byTopic map[string]aggregate.Result
	started []string

	// delay simulates job duration.
	delay time.Duration

	// blockUntilCancel makes jobs hang until their context is cancelled.
	blockUntilCancel bool

	// concurrency gauges.
	current atomic.Int32
	peak    atomic.Int32
}

func (f *fakeRunner) RunJob(ctx context.Context, job matrix.JobSpec) (aggregate.Result, error) {
	cur := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}

	f.mu.Lock()
	f.started = append(f.started, job.Name())
	f.mu.Unlock()

	if f.blockUntilCancel {
		<-ctx.Done()
		return aggregate.ResultCancelled, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return aggregate.ResultCancelled, ctx.Err()
		}
	}

	if res, ok := f.byTopic[job.Topic]; ok {
		return res, nil
	}
	return aggregate.ResultSuccess, nil
}

func (f *fakeRunner) startedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.started...)
}

func testWorkflow() *workflow.Workflow {
	wf := &workflow.Workflow{
		Version: "1.0",
		Name:    "ci-testing",
		Matrix: matrix.Config{
			OS:     []string{"ubuntu-22.04"},
			Python: []string{"3.9", "3.10"},
			Topic:  []string{"core", "image"},
		},
		Guardian: workflow.GuardianConfig{SettleDelay: "0s"},
	}
	wf.ApplyDefaults()
	return wf
}

func TestRunAllJobsSucceed(t *testing.T) {
	wf := testWorkflow()
	runner := &fakeRunner{}
	w := &recordingWriter{}

	o, err := New(wf, runner, w)
	require.NoError(t, err)

	verdict, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, aggregate.ResultSuccess, verdict.Aggregate)
	assert.Equal(t, 4, verdict.Succeeded)
	assert.Equal(t, 0, verdict.ExitCode())
	assert.Len(t, runner.startedJobs(), 4)

	// Every job gets a queued record, a running record, and a result.
	w.mu.Lock()
	defer w.mu.Unlock()
	queued, running := 0, 0
	for _, j := range w.jobs {
		switch j.State {
		case output.JobQueued:
			queued++
		case output.JobRunning:
			running++
		}
	}
	assert.Equal(t, 4, queued)
	assert.Equal(t, 4, running)
	assert.Len(t, w.results, 4)
	require.Len(t, w.summaries, 1)
	assert.Equal(t, "success", w.summaries[0].Aggregate)
	assert.Equal(t, 4, w.summaries[0].Succeeded)
}

func TestRunFailureYieldsFailureVerdict(t *testing.T) {
	wf := testWorkflow()
	runner := &fakeRunner{byTopic: map[string]aggregate.Result{"image": aggregate.ResultFailure}}
	w := &recordingWriter{}

	o, err := New(wf, runner, w)
	require.NoError(t, err)

	verdict, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, aggregate.ResultFailure, verdict.Aggregate)
	assert.Equal(t, 2, verdict.Succeeded)
	assert.Equal(t, 2, verdict.Failed)
	assert.Equal(t, 1, verdict.ExitCode())
}

func TestRunNeedsOrdersTopics(t *testing.T) {
	wf := testWorkflow()
	wf.Matrix.Needs = map[string][]string{"image": {"core"}}
	runner := &fakeRunner{delay: 10 * time.Millisecond}
	w := &recordingWriter{}

	o, err := New(wf, runner, w)
	require.NoError(t, err)

	verdict, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, aggregate.ResultSuccess, verdict.Aggregate)

	started := runner.startedJobs()
	require.Len(t, started, 4)

	// All core jobs must start before any image job.
	lastCore, firstImage := -1, len(started)
	for i, name := range started {
		switch {
		case name == "ubuntu-22.04/py3.9/core" || name == "ubuntu-22.04/py3.10/core":
			if i > lastCore {
				lastCore = i
			}
		default:
			if i < firstImage {
				firstImage = i
			}
		}
	}
	assert.Less(t, lastCore, firstImage)
}

func TestRunNeedsFailureSkipsDependents(t *testing.T) {
	wf := testWorkflow()
	wf.Matrix.Needs = map[string][]string{"image": {"core"}}
	runner := &fakeRunner{byTopic: map[string]aggregate.Result{"core": aggregate.ResultFailure}}
	w := &recordingWriter{}

	o, err := New(wf, runner, w)
	require.NoError(t, err)

	verdict, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, aggregate.ResultFailure, verdict.Aggregate)
	assert.Equal(t, 2, verdict.Failed)
	assert.Equal(t, 2, verdict.Skipped)

	// Image jobs were never executed.
	for _, name := range runner.startedJobs() {
		assert.NotContains(t, name, "image")
	}
}

func TestRunNeedsUnknownTopic(t *testing.T) {
	wf := testWorkflow()
	wf.Matrix.Needs = map[string][]string{"image": {"video"}}

	o, err := New(wf, &fakeRunner{}, &recordingWriter{})
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video")
}

func TestRunNeedsCycle(t *testing.T) {
	wf := testWorkflow()
	wf.Matrix.Needs = map[string][]string{
		"image": {"core"},
		"core":  {"image"},
	}

	o, err := New(wf, &fakeRunner{}, &recordingWriter{})
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestRunBoundsConcurrency(t *testing.T) {
	wf := testWorkflow()
	wf.Concurrency.MaxParallel = 2
	runner := &fakeRunner{delay: 20 * time.Millisecond}

	o, err := New(wf, runner, &recordingWriter{})
	require.NoError(t, err)

	verdict, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, aggregate.ResultSuccess, verdict.Aggregate)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
}

func TestSupersedeCancelsInFlightJobs(t *testing.T) {
	wf := testWorkflow()
	runner := &fakeRunner{blockUntilCancel: true}
	w := &recordingWriter{}

	o, err := New(wf, runner, w)
	require.NoError(t, err)

	type runResult struct {
		verdict *aggregate.Verdict
		err     error
	}
	resCh := make(chan runResult, 1)
	go func() {
		v, runErr := o.Run(context.Background())
		resCh <- runResult{v, runErr}
	}()

	// Wait for all jobs to be in flight, then supersede.
	require.Eventually(t, func() bool {
		return len(runner.startedJobs()) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, o.Supersede())

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Equal(t, aggregate.ResultCancelled, res.verdict.Aggregate)
		assert.Equal(t, 4, res.verdict.Cancelled)
		assert.Equal(t, 0, res.verdict.ExitCode())
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after supersede")
	}
}

func TestSupersedeProtectedRefIsExempt(t *testing.T) {
	wf := testWorkflow()
	wf.Ref = workflow.RefConfig{Name: "master", Protected: []string{"master", "release/*"}}
	runner := &fakeRunner{}

	o, err := New(wf, runner, &recordingWriter{})
	require.NoError(t, err)

	assert.False(t, o.Supersede())

	verdict, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, aggregate.ResultSuccess, verdict.Aggregate)
}

func TestSupersedeDisabledByConfig(t *testing.T) {
	wf := testWorkflow()
	off := false
	wf.Concurrency.CancelInProgress = &off

	o, err := New(wf, &fakeRunner{}, &recordingWriter{})
	require.NoError(t, err)
	assert.False(t, o.Supersede())
}

func TestSupersedeBeforeRunCancelsImmediately(t *testing.T) {
	wf := testWorkflow()
	runner := &fakeRunner{blockUntilCancel: true}

	o, err := New(wf, runner, &recordingWriter{})
	require.NoError(t, err)
	require.True(t, o.Supersede())

	verdict, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, aggregate.ResultCancelled, verdict.Aggregate)
}

func TestRunEmptyMatrix(t *testing.T) {
	wf := testWorkflow()
	wf.Matrix = matrix.Config{}

	o, err := New(wf, &fakeRunner{}, &recordingWriter{})
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.ErrorIs(t, err, matrix.ErrEmptyMatrix)
}

func TestRunCancelledContext(t *testing.T) {
	wf := testWorkflow()
	runner := &fakeRunner{blockUntilCancel: true}

	o, err := New(wf, runner, &recordingWriter{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsBadSettleDelay(t *testing.T) {
	wf := testWorkflow()
	wf.Guardian.SettleDelay = "whenever"

	_, err := New(wf, &fakeRunner{}, &recordingWriter{})
	require.Error(t, err)
}
