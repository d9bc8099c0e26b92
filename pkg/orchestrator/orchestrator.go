// Package orchestrator fans an expanded test matrix out to parallel job
// execution and fans the terminal results back into a guardian verdict.
//
// Jobs launch with bounded concurrency and an optional launch rate
// limit. Topic-level needs edges gate launches: a topic's jobs do not
// start until every job of each needed topic has finished successfully,
// and a dependency that did not fully succeed marks the dependent
// topic's jobs skipped without running them.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/3leaps/gantry/pkg/aggregate"
	"github.com/3leaps/gantry/pkg/matrix"
	"github.com/3leaps/gantry/pkg/output"
	"github.com/3leaps/gantry/pkg/workflow"
)

// JobRunner executes one job's pipeline to a terminal result.
type JobRunner interface {
	RunJob(ctx context.Context, job matrix.JobSpec) (aggregate.Result, error)
}

// Orchestrator coordinates one run of a workflow's matrix.
//
// An Orchestrator is safe for single use only. Create a new one for
// each run.
type Orchestrator struct {
	wf       *workflow.Workflow
	runner   JobRunner
	writer   output.Writer
	guardian *aggregate.Guardian

	// limiter throttles job launches (nil if unlimited).
	limiter *rate.Limiter

	// cancelJobs cancels in-flight jobs on supersede.
	mu         sync.Mutex
	cancelJobs context.CancelFunc
	superseded bool
}

// New creates an orchestrator for one run of the workflow.
func New(wf *workflow.Workflow, runner JobRunner, writer output.Writer) (*Orchestrator, error) {
	settle, err := wf.Guardian.SettleDuration()
	if err != nil {
		return nil, fmt.Errorf("guardian settle delay: %w", err)
	}

	o := &Orchestrator{
		wf:       wf,
		runner:   runner,
		writer:   writer,
		guardian: aggregate.NewGuardian(settle),
	}
	if wf.Concurrency.LaunchRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(wf.Concurrency.LaunchRate), 1)
	}
	return o, nil
}

// Supersede requests cancellation of in-flight jobs because a newer run
// for the same ref has started. It reports whether cancellation was
// applied: protected refs and workflows with cancel_in_progress
// disabled are exempt and keep running.
func (o *Orchestrator) Supersede() bool {
	if !o.wf.Concurrency.CancelInProgressEnabled() {
		return false
	}
	if o.wf.Ref.IsProtected() {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.superseded = true
	if o.cancelJobs != nil {
		o.cancelJobs()
	}
	return true
}

// Run expands the matrix, executes all jobs, and blocks until the
// guardian produces a verdict.
//
// Cancelling ctx aborts the run entirely, including the guardian. A
// Supersede call instead cancels only the jobs: they report cancelled
// outcomes and the guardian still reduces them to a verdict.
func (o *Orchestrator) Run(ctx context.Context) (*aggregate.Verdict, error) {
	start := time.Now()

	jobs, err := matrix.Expand(o.wf.Matrix)
	if err != nil {
		return nil, fmt.Errorf("expand matrix: %w", err)
	}

	topics, err := buildTopicGraph(jobs, o.wf.Matrix.Needs)
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.cancelJobs = cancel
	if o.superseded {
		// Superseded before the first job launched.
		cancel()
	}
	o.mu.Unlock()

	// Buffered so job goroutines never block on reporting.
	results := make(chan aggregate.JobOutcome, len(jobs))

	for _, job := range jobs {
		o.writeJobState(ctx, job, output.JobQueued)
	}

	sched := newScheduler(o, jobs, topics, jobCtx, results)
	go sched.run()

	verdict, err := o.guardian.Wait(ctx, len(jobs), results)
	if err != nil {
		return nil, err
	}

	o.writeSummary(ctx, verdict, time.Since(start))
	return verdict, nil
}

// buildTopicGraph constructs the needs graph over the topics present in
// the expanded matrix and rejects unknown topics and cycles.
func buildTopicGraph(jobs []matrix.JobSpec, needs map[string][]string) (*graph, error) {
	g := newGraph()
	for _, job := range jobs {
		g.addNode(job.Topic)
	}
	for topic, deps := range needs {
		for _, dep := range deps {
			if err := g.addEdge(dep, topic); err != nil {
				return nil, fmt.Errorf("needs: %w", err)
			}
		}
	}
	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// writeJobState emits a job lifecycle record, best effort.
func (o *Orchestrator) writeJobState(ctx context.Context, job matrix.JobSpec, state string) {
	_ = o.writer.WriteJob(ctx, &output.JobRecord{
		Job:            job.Name(),
		State:          state,
		OS:             job.OS,
		Python:         job.Python,
		Topic:          job.Topic,
		Extras:         job.ExtrasString(),
		RequiresOldest: job.RequiresOldest,
	})
}

// writeSummary emits the final run summary record.
func (o *Orchestrator) writeSummary(ctx context.Context, v *aggregate.Verdict, elapsed time.Duration) {
	_ = o.writer.WriteSummary(ctx, &output.SummaryRecord{
		Aggregate:     string(v.Aggregate),
		JobsTotal:     len(v.Outcomes),
		Succeeded:     v.Succeeded,
		Failed:        v.Failed,
		Cancelled:     v.Cancelled,
		Skipped:       v.Skipped,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
	})
}

// topicState tracks one topic's progress through the scheduler.
type topicState struct {
	jobs      []matrix.JobSpec
	unmetDeps int
	depFailed bool
	remaining int
	failed    bool
}

// scheduler drives topic-ordered job launches for one run.
type scheduler struct {
	o       *Orchestrator
	jobCtx  context.Context
	results chan<- aggregate.JobOutcome

	// sem bounds concurrent job execution.
	sem chan struct{}

	topics map[string]*topicState
	graph  *graph

	// done receives one event per finished (or skipped) job.
	done chan doneEvent

	totalJobs int
}

// doneEvent reports one job completion to the scheduler loop.
type doneEvent struct {
	topic string
	ok    bool
}

func newScheduler(o *Orchestrator, jobs []matrix.JobSpec, g *graph, jobCtx context.Context, results chan<- aggregate.JobOutcome) *scheduler {
	topics := make(map[string]*topicState)
	for _, job := range jobs {
		ts := topics[job.Topic]
		if ts == nil {
			ts = &topicState{unmetDeps: len(g.dependencies(job.Topic))}
			topics[job.Topic] = ts
		}
		ts.jobs = append(ts.jobs, job)
		ts.remaining++
	}

	return &scheduler{
		o:         o,
		jobCtx:    jobCtx,
		results:   results,
		sem:       make(chan struct{}, o.wf.Concurrency.MaxParallel),
		topics:    topics,
		graph:     g,
		done:      make(chan doneEvent, len(jobs)),
		totalJobs: len(jobs),
	}
}

// run launches ready topics and unblocks dependents as topics finish.
// It returns once every job has reported an outcome.
func (s *scheduler) run() {
	for _, topic := range s.graph.ids() {
		if s.topics[topic].unmetDeps == 0 {
			s.launchTopic(topic)
		}
	}

	for seen := 0; seen < s.totalJobs; seen++ {
		ev := <-s.done
		ts := s.topics[ev.topic]
		ts.remaining--
		if !ev.ok {
			ts.failed = true
		}
		if ts.remaining > 0 {
			continue
		}

		// Topic finished: release its dependents.
		for _, dep := range s.graph.dependents(ev.topic) {
			ds := s.topics[dep]
			ds.unmetDeps--
			if ts.failed {
				ds.depFailed = true
			}
			if ds.unmetDeps == 0 {
				if ds.depFailed {
					s.skipTopic(dep)
				} else {
					s.launchTopic(dep)
				}
			}
		}
	}
}

// launchTopic starts every job of a ready topic.
func (s *scheduler) launchTopic(topic string) {
	for _, job := range s.topics[topic].jobs {
		go s.launchJob(job)
	}
}

// skipTopic reports every job of the topic as skipped without running.
func (s *scheduler) skipTopic(topic string) {
	for _, job := range s.topics[topic].jobs {
		s.finish(job, aggregate.ResultSkipped, 0)
	}
}

// launchJob waits for a launch slot, runs the job, and reports its
// terminal outcome.
func (s *scheduler) launchJob(job matrix.JobSpec) {
	start := time.Now()

	if s.o.limiter != nil {
		if err := s.o.limiter.Wait(s.jobCtx); err != nil {
			s.finish(job, aggregate.ResultCancelled, time.Since(start))
			return
		}
	}

	select {
	case s.sem <- struct{}{}:
	case <-s.jobCtx.Done():
		s.finish(job, aggregate.ResultCancelled, time.Since(start))
		return
	}
	defer func() { <-s.sem }()

	s.o.writeJobState(s.jobCtx, job, output.JobRunning)

	res, _ := s.o.runner.RunJob(s.jobCtx, job)
	if !res.Terminal() {
		res = aggregate.ResultFailure
	}
	s.finish(job, res, time.Since(start))
}

// finish records a terminal outcome for one job, feeding both the
// guardian and the scheduler's completion tracking.
func (s *scheduler) finish(job matrix.JobSpec, res aggregate.Result, d time.Duration) {
	ctx := context.WithoutCancel(s.jobCtx)
	_ = s.o.writer.WriteResult(ctx, &output.ResultRecord{
		Job:      job.Name(),
		Result:   string(res),
		Duration: d,
	})

	s.results <- aggregate.JobOutcome{Job: job.Name(), Result: res, Duration: d}
	s.done <- doneEvent{topic: job.Topic, ok: res == aggregate.ResultSuccess}
}
