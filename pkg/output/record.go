// Package output provides JSONL output for orchestrated runs.
//
// Output is structured as typed record envelopes containing job
// transitions, step outcomes, and run summaries. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gantry.<type>.v<version>
const (
	// TypeJob identifies job state transition records.
	TypeJob = "gantry.job.v1"

	// TypeStep identifies per-step outcome records.
	TypeStep = "gantry.step.v1"

	// TypeResult identifies terminal job result records.
	TypeResult = "gantry.result.v1"

	// TypeSummary identifies final run summary records.
	TypeSummary = "gantry.summary.v1"

	// TypeError identifies error records.
	TypeError = "gantry.error.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "gantry.step.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this run.
	RunID string `json:"run_id"`

	// Workflow is the workflow name the record belongs to.
	Workflow string `json:"workflow"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the data payload for job state transitions.
type JobRecord struct {
	// Job is the job name (os/pyX.Y/topic).
	Job string `json:"job"`

	// State is the job lifecycle state (queued, running, or a terminal state).
	State string `json:"state"`

	// OS is the job's runner OS label.
	OS string `json:"os"`

	// Python is the job's interpreter version.
	Python string `json:"python"`

	// Topic is the job's test topic.
	Topic string `json:"topic"`

	// Extras is the comma-joined extras string installed for the job.
	Extras string `json:"extras,omitempty"`

	// RequiresOldest marks oldest-dependency jobs.
	RequiresOldest bool `json:"requires_oldest,omitempty"`
}

// StepRecord is the data payload for individual step outcomes.
//
// Steps are emitted as records rather than failing silently, allowing
// post-hoc inspection of which phase broke a job.
type StepRecord struct {
	// Job is the job name the step ran under.
	Job string `json:"job"`

	// Name is the step's declared name.
	Name string `json:"name"`

	// Phase is the pipeline phase (provision, pin, doctest, unit, publish).
	Phase string `json:"phase"`

	// Status is the step outcome.
	Status string `json:"status"`

	// ExitCode is the step command's exit code, when it ran.
	ExitCode int `json:"exit_code,omitempty"`

	// Duration is how long the step took.
	Duration time.Duration `json:"duration_ns"`

	// Detail carries extra context (skip reason, tolerated error text).
	Detail string `json:"detail,omitempty"`
}

// Job lifecycle state constants for JobRecord. Terminal states use the
// result strings (success, failure, cancelled, skipped).
const (
	// JobQueued indicates the job is waiting for a launch slot or for
	// its needed topics to finish.
	JobQueued = "queued"

	// JobRunning indicates the job pipeline is executing.
	JobRunning = "running"
)

// Step status constants.
const (
	// StepSuccess indicates the step command exited zero.
	StepSuccess = "success"

	// StepFailure indicates the step command failed and the job aborted.
	StepFailure = "failure"

	// StepSkipped indicates an OS-conditional step that did not match.
	StepSkipped = "skipped"

	// StepTolerated indicates a continue_on_error step that failed
	// without failing the job.
	StepTolerated = "tolerated"
)

// Pipeline phase constants.
const (
	PhaseProvision = "provision"
	PhasePin       = "pin"
	PhaseDoctest   = "doctest"
	PhaseUnit      = "unit"
	PhasePublish   = "publish"
)

// ResultRecord is the data payload for terminal job results.
type ResultRecord struct {
	// Job is the job name.
	Job string `json:"job"`

	// Result is the terminal state (success, failure, cancelled, skipped).
	Result string `json:"result"`

	// Duration is the total job duration.
	Duration time.Duration `json:"duration_ns"`
}

// SummaryRecord is the data payload for final run summaries.
//
// A summary record is emitted once by the guardian after every job has
// reached a terminal state.
type SummaryRecord struct {
	// Aggregate is the guardian's single pass/fail verdict.
	Aggregate string `json:"aggregate"`

	// JobsTotal is the number of jobs in the expanded matrix.
	JobsTotal int `json:"jobs_total"`

	// Succeeded, Failed, Cancelled and Skipped count terminal states.
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Job is the job the error relates to, if applicable.
	Job string `json:"job,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeProvision indicates an environment-provisioning failure.
	ErrCodeProvision = "PROVISION_FAILED"

	// ErrCodePin indicates a dependency-pinning failure.
	ErrCodePin = "PIN_FAILED"

	// ErrCodeCacheMiss indicates a best-effort cache restore miss.
	ErrCodeCacheMiss = "CACHE_MISS"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
