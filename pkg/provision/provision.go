// Package provision translates a job spec into the concrete command
// sequence that prepares the job's environment.
//
// Provisioning steps may carry an OS condition. A non-matching condition
// marks the step skipped, never failed: skipping is a normal outcome for
// matrix jobs on other runners. Failures during execution of a
// provisioning step are fatal to the job, with no retry.
package provision

import (
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/gantry/pkg/matrix"
	"github.com/3leaps/gantry/pkg/workflow"
)

// Step is one resolved shell step of a job pipeline.
type Step struct {
	// Name labels the step in records.
	Name string

	// Run is the fully expanded shell command.
	Run string

	// Env is the merged environment for the step.
	Env map[string]string

	// Skip marks an OS-conditional step that does not apply to this job.
	Skip bool

	// SkipReason explains the skip (e.g., the unmatched condition).
	SkipReason string

	// ContinueOnError records a failure without failing the job.
	ContinueOnError bool
}

// Placeholders expanded in step commands.
const (
	placeholderOS     = "{os}"
	placeholderPython = "{python}"
	placeholderTopic  = "{topic}"
	placeholderExtras = "{extras}"
)

// Expand replaces job placeholders in a command string.
//
// Supported placeholders: {os}, {python}, {topic}, {extras}. The extras
// placeholder expands to the comma-joined extras string, topic first.
func Expand(command string, job matrix.JobSpec) string {
	r := strings.NewReplacer(
		placeholderOS, job.OS,
		placeholderPython, job.Python,
		placeholderTopic, job.Topic,
		placeholderExtras, job.ExtrasString(),
	)
	return r.Replace(command)
}

// BuildSteps resolves the declared steps for one job.
//
// Steps whose OS condition does not match the job's runner OS are
// returned with Skip set so the caller can record them as skipped.
// Conditions use doublestar glob syntax (e.g., "ubuntu-*").
func BuildSteps(job matrix.JobSpec, steps []workflow.StepConfig, baseEnv map[string]string) []Step {
	out := make([]Step, 0, len(steps))
	for _, sc := range steps {
		name := sc.Name
		if name == "" {
			name = sc.Run
		}

		step := Step{
			Name:            name,
			Run:             Expand(sc.Run, job),
			Env:             mergeEnv(baseEnv, sc.Env, job),
			ContinueOnError: sc.ContinueOnError,
		}

		if sc.OS != "" && !osMatches(sc.OS, job.OS) {
			step.Skip = true
			step.SkipReason = "os condition " + sc.OS + " does not match " + job.OS
		}

		out = append(out, step)
	}
	return out
}

// osMatches evaluates an OS condition against the job's runner OS.
// Invalid patterns never match.
func osMatches(condition, jobOS string) bool {
	ok, err := doublestar.Match(condition, jobOS)
	if err != nil {
		return false
	}
	return ok
}

// mergeEnv layers the step env over the workflow env and adds the job's
// built-in variables. Step values win over workflow values.
func mergeEnv(base, step map[string]string, job matrix.JobSpec) map[string]string {
	merged := make(map[string]string, len(base)+len(step)+4)
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range step {
		merged[k] = v
	}
	merged["GANTRY_OS"] = job.OS
	merged["GANTRY_PYTHON"] = job.Python
	merged["GANTRY_TOPIC"] = job.Topic
	merged["GANTRY_EXTRAS"] = job.ExtrasString()
	return merged
}

// Environ renders a step env as "KEY=VALUE" pairs appended to the parent
// process environment, sorted for deterministic command invocation.
func Environ(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := append([]string{}, os.Environ()...)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
