// Package workflow provides loading and validation of gantry workflow files.
//
// A workflow is a YAML or JSON file that configures all aspects of an
// orchestrated run: the test matrix, environment provisioning steps,
// dependency pinning, doctest and unit test commands, publish steps, and
// guardian behavior.
//
// Workflows are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown properties.
//
// Example workflow (YAML):
//
//	version: "1.0"
//	name: ci-testing
//	matrix:
//	  os: [ubuntu-20.04, macos-12]
//	  python: ["3.8", "3.9"]
//	  topic: [core, image]
//	  include:
//	    - os: ubuntu-20.04
//	      python: "3.9"
//	      topic: image
//	      extra: image_extra
//	unit:
//	  run: "python -m pytest tests/{topic} -v"
package workflow

import (
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/gantry/pkg/matrix"
)

// Workflow represents a validated workflow definition.
//
// Required fields are Version, Name, and Matrix. Everything else is
// optional with sensible defaults.
type Workflow struct {
	// Schema is an optional JSON Schema reference for editor support.
	// Example: "https://schemas.3leaps.dev/gantry/v1.0.0/workflow.schema.json"
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the workflow schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name identifies the workflow in records and status output.
	Name string `json:"name" yaml:"name"`

	// Ref configures the branch ref the run executes for.
	Ref RefConfig `json:"ref,omitempty" yaml:"ref,omitempty"`

	// Concurrency configures fan-out behavior (optional).
	Concurrency ConcurrencyConfig `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// Env is the base environment applied to every job step.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Matrix declares the job matrix axes and include overrides.
	Matrix matrix.Config `json:"matrix" yaml:"matrix"`

	// Caches declares dependency caches restored before provisioning.
	Caches []CacheConfig `json:"caches,omitempty" yaml:"caches,omitempty"`

	// Pin configures oldest-dependency pinning.
	Pin PinConfig `json:"pin,omitempty" yaml:"pin,omitempty"`

	// Provision lists environment-provisioning steps. Steps with an os
	// condition are skipped on non-matching jobs.
	Provision []StepConfig `json:"provision,omitempty" yaml:"provision,omitempty"`

	// Doctest configures documentation test execution (optional).
	Doctest *DoctestConfig `json:"doctest,omitempty" yaml:"doctest,omitempty"`

	// Unit configures topic-scoped unit test execution (optional).
	Unit *UnitConfig `json:"unit,omitempty" yaml:"unit,omitempty"`

	// Publish lists post-test publish steps.
	Publish []StepConfig `json:"publish,omitempty" yaml:"publish,omitempty"`

	// Guardian configures result aggregation behavior.
	Guardian GuardianConfig `json:"guardian,omitempty" yaml:"guardian,omitempty"`
}

// RefConfig identifies the ref a run executes for and which refs are
// protected from in-flight cancellation.
type RefConfig struct {
	// Name is the ref the run is for (e.g., "refs/heads/master").
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Protected lists ref patterns exempt from superseding cancellation.
	// Patterns use doublestar glob syntax (e.g., "release/*").
	// Cache saves are only permitted from protected refs.
	Protected []string `json:"protected,omitempty" yaml:"protected,omitempty"`
}

// IsProtected reports whether the run's ref matches a protected pattern.
// Invalid patterns never match.
func (r *RefConfig) IsProtected() bool {
	for _, pattern := range r.Protected {
		if ok, err := doublestar.Match(pattern, r.Name); err == nil && ok {
			return true
		}
	}
	return false
}

// ConcurrencyConfig configures matrix fan-out.
type ConcurrencyConfig struct {
	// MaxParallel is the number of jobs run concurrently.
	// Range: 1-64. Default: 4.
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`

	// LaunchRate is the maximum job launches per second (0 = unlimited).
	// Default: 0.
	LaunchRate float64 `json:"launch_rate,omitempty" yaml:"launch_rate,omitempty"`

	// CancelInProgress cancels an in-flight run when a superseding run
	// arrives for the same ref. Protected refs are always exempt.
	// Default: true.
	CancelInProgress *bool `json:"cancel_in_progress,omitempty" yaml:"cancel_in_progress,omitempty"`
}

// CacheConfig declares one dependency cache.
//
// Keys are fixed strings, not content hashes, so invalidation is manual.
type CacheConfig struct {
	// Key is the cache key (e.g., "pip-dependencies").
	Key string `json:"key" yaml:"key"`

	// Path is the workspace path the cache restores into.
	Path string `json:"path" yaml:"path"`
}

// PinConfig configures the oldest-dependency pinner.
type PinConfig struct {
	// Glob selects the requirement files to pin, relative to the
	// workspace root. Default: "requirements/*.txt".
	Glob string `json:"glob,omitempty" yaml:"glob,omitempty"`
}

// StepConfig is one shell step of a job pipeline.
type StepConfig struct {
	// Name labels the step in records. Defaults to the run command.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// OS restricts the step to jobs on a matching runner OS. When the
	// condition does not match, the step is skipped, never failed.
	OS string `json:"os,omitempty" yaml:"os,omitempty"`

	// Run is the shell command to execute. Placeholders {os}, {python},
	// {topic} and {extras} are expanded from the job spec.
	Run string `json:"run" yaml:"run"`

	// Env is merged over the workflow env for this step.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// ContinueOnError records a failure without failing the job
	// (e.g., the secondary test-index publish).
	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
}

// DoctestConfig configures documentation test execution.
//
// The installed package shadows the local source tree during doctests, so
// the package directory is renamed for the duration of the step and
// restored afterwards on every exit path.
type DoctestConfig struct {
	// Run is the doctest command.
	Run string `json:"run" yaml:"run"`

	// PackageDir is the source directory renamed during doctests.
	// Empty disables the rename.
	PackageDir string `json:"package_dir,omitempty" yaml:"package_dir,omitempty"`

	// ShadowSuffix is appended to PackageDir for the temporary name.
	// Default: "_shadow".
	ShadowSuffix string `json:"shadow_suffix,omitempty" yaml:"shadow_suffix,omitempty"`
}

// UnitConfig configures topic-scoped unit test execution.
type UnitConfig struct {
	// Run is the unit test command. The {topic} placeholder scopes the
	// suite to the job's topic.
	Run string `json:"run" yaml:"run"`
}

// GuardianConfig configures the fan-in result aggregator.
type GuardianConfig struct {
	// SettleDelay is how long the guardian waits before reporting when
	// jobs were merely cancelled or skipped, to avoid racing the
	// platform's cancellation bookkeeping. Duration string, default "5s".
	SettleDelay string `json:"settle_delay,omitempty" yaml:"settle_delay,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current workflow schema version.
	DefaultVersion = "1.0"

	// DefaultMaxParallel is the default number of concurrent jobs.
	DefaultMaxParallel = 4

	// DefaultPinGlob is the default requirement file glob.
	DefaultPinGlob = "requirements/*.txt"

	// DefaultShadowSuffix is the default doctest rename suffix.
	DefaultShadowSuffix = "_shadow"

	// DefaultSettleDelay is the default guardian settle delay.
	DefaultSettleDelay = "5s"

	// DefaultCancelInProgress is the default superseding-cancellation policy.
	DefaultCancelInProgress = true
)

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the workflow to ensure
// all optional fields have sensible values.
func (w *Workflow) ApplyDefaults() {
	if w.Concurrency.MaxParallel == 0 {
		w.Concurrency.MaxParallel = DefaultMaxParallel
	}
	if w.Concurrency.CancelInProgress == nil {
		cancel := DefaultCancelInProgress
		w.Concurrency.CancelInProgress = &cancel
	}
	// LaunchRate: 0 is a valid value (unlimited), so no default needed

	if w.Pin.Glob == "" {
		w.Pin.Glob = DefaultPinGlob
	}

	if w.Doctest != nil {
		if w.Doctest.PackageDir != "" && w.Doctest.ShadowSuffix == "" {
			w.Doctest.ShadowSuffix = DefaultShadowSuffix
		}
	}

	if w.Guardian.SettleDelay == "" {
		w.Guardian.SettleDelay = DefaultSettleDelay
	}

	for i := range w.Provision {
		if w.Provision[i].Name == "" {
			w.Provision[i].Name = w.Provision[i].Run
		}
	}
	for i := range w.Publish {
		if w.Publish[i].Name == "" {
			w.Publish[i].Name = w.Publish[i].Run
		}
	}
}

// CancelInProgressEnabled returns whether superseding runs cancel
// in-flight jobs. Returns the configured value, or the default if unset.
func (c *ConcurrencyConfig) CancelInProgressEnabled() bool {
	if c.CancelInProgress == nil {
		return DefaultCancelInProgress
	}
	return *c.CancelInProgress
}

// SettleDuration parses the guardian settle delay.
// Returns the default when the field is empty.
func (g *GuardianConfig) SettleDuration() (time.Duration, error) {
	delay := g.SettleDelay
	if delay == "" {
		delay = DefaultSettleDelay
	}
	return time.ParseDuration(delay)
}
