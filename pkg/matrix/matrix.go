// Package matrix expands a declarative test matrix into concrete job specs.
//
// A matrix declares axes (os, python, topic) whose cross-product forms the
// base set of jobs, plus an include list of full or partial records that
// either decorate matching combinations or append new ones. The merge
// precedence follows the hosted-CI convention: original axis values are
// never overwritten, include-added values may be.
package matrix

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// JobSpec is one concrete combination of runner OS, interpreter version,
// and test topic, executed as an independent job.
type JobSpec struct {
	// OS is the runner image label (e.g., "ubuntu-20.04").
	OS string `json:"os"`

	// Python is the interpreter version (e.g., "3.9").
	Python string `json:"python"`

	// Topic is the named subset of the library under test (e.g., "image").
	// The topic doubles as the primary installable extra.
	Topic string `json:"topic"`

	// Extras are additional installable dependency groups added by
	// include records (e.g., "image_extra").
	Extras []string `json:"extras,omitempty"`

	// RequiresOldest marks the job for oldest-dependency pinning:
	// minimum-version constraints are rewritten to exact pins before
	// installation.
	RequiresOldest bool `json:"requires_oldest,omitempty"`
}

// ExtrasString returns the comma-joined extras to install, topic first.
//
// For {topic: image, extras: [image_extra]} the result is "image,image_extra".
func (j JobSpec) ExtrasString() string {
	parts := make([]string, 0, 1+len(j.Extras))
	if j.Topic != "" {
		parts = append(parts, j.Topic)
	}
	parts = append(parts, j.Extras...)
	return strings.Join(parts, ",")
}

// Name returns a stable human-readable job identifier used for log files
// and status reporting (e.g., "ubuntu-20.04/py3.9/image").
func (j JobSpec) Name() string {
	name := j.OS + "/py" + j.Python + "/" + j.Topic
	if j.RequiresOldest {
		name += "/oldest"
	}
	return name
}

// Config declares the matrix axes and include overrides.
type Config struct {
	// OS lists the runner OS axis values.
	OS []string `json:"os" yaml:"os"`

	// Python lists the interpreter version axis values.
	Python []string `json:"python" yaml:"python"`

	// Topic lists the test topic axis values.
	Topic []string `json:"topic" yaml:"topic"`

	// Include lists full or partial records merged into the cross-product.
	// Recognized keys: os, python, topic, extra, requires.
	Include []map[string]any `json:"include,omitempty" yaml:"include,omitempty"`

	// Needs declares topic-level dependencies: jobs of a topic do not
	// launch until every job of each needed topic has finished
	// successfully. Evaluated by the orchestrator, not by expansion.
	Needs map[string][]string `json:"needs,omitempty" yaml:"needs,omitempty"`
}

// includeRecord is a decoded include entry. Axis keys act as match
// conditions against the cross-product; extra and requires decorate
// matching combinations.
type includeRecord struct {
	OS       string `mapstructure:"os"`
	Python   string `mapstructure:"python"`
	Topic    string `mapstructure:"topic"`
	Extra    string `mapstructure:"extra"`
	Requires string `mapstructure:"requires"`
}

// Errors returned by Expand.
var (
	// ErrEmptyMatrix is returned when every axis is empty and there are
	// no include records to expand.
	ErrEmptyMatrix = errors.New("matrix has no axes and no includes")

	// ErrUnknownIncludeKey is returned when an include record carries a
	// key outside the recognized set.
	ErrUnknownIncludeKey = errors.New("unknown include key")
)

// requiresOldest is the only recognized value for the requires field.
const requiresOldest = "oldest"

// Expand produces the deduplicated, ordered job list for the matrix.
//
// Expansion happens in two passes:
//  1. The cross-product of the axes, in axis declaration order (os varies
//     slowest, topic fastest).
//  2. Each include record, in order. A record whose axis keys all match an
//     original combination decorates every matching combination with its
//     extra/requires values. A record that matches no original combination
//     (or that would overwrite an original axis value) is appended as a
//     new standalone job.
//
// Include records never expand combinations appended by earlier includes;
// matching is always against the original cross-product.
func Expand(cfg Config) ([]JobSpec, error) {
	base := crossProduct(cfg)
	if len(base) == 0 && len(cfg.Include) == 0 {
		return nil, ErrEmptyMatrix
	}

	appended := make([]JobSpec, 0)
	for i, raw := range cfg.Include {
		rec, err := decodeInclude(raw)
		if err != nil {
			return nil, fmt.Errorf("include[%d]: %w", i, err)
		}

		matched := false
		for bi := range base {
			if rec.matches(base[bi]) {
				rec.decorate(&base[bi])
				matched = true
			}
		}
		if !matched {
			appended = append(appended, rec.toJob())
		}
	}

	return dedupe(append(base, appended...)), nil
}

// crossProduct enumerates the base combinations in axis declaration order.
func crossProduct(cfg Config) []JobSpec {
	if len(cfg.OS) == 0 || len(cfg.Python) == 0 || len(cfg.Topic) == 0 {
		return nil
	}
	jobs := make([]JobSpec, 0, len(cfg.OS)*len(cfg.Python)*len(cfg.Topic))
	for _, osName := range cfg.OS {
		for _, py := range cfg.Python {
			for _, topic := range cfg.Topic {
				jobs = append(jobs, JobSpec{OS: osName, Python: py, Topic: topic})
			}
		}
	}
	return jobs
}

func decodeInclude(raw map[string]any) (includeRecord, error) {
	var rec includeRecord
	var meta mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &rec,
		Metadata:         &meta,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return rec, err
	}
	if err := dec.Decode(raw); err != nil {
		return rec, fmt.Errorf("decode include record: %w", err)
	}
	if len(meta.Unused) > 0 {
		return rec, fmt.Errorf("%w: %s", ErrUnknownIncludeKey, strings.Join(meta.Unused, ", "))
	}
	if rec.Requires != "" && rec.Requires != requiresOldest {
		return rec, fmt.Errorf("include requires: unsupported value %q (only %q)", rec.Requires, requiresOldest)
	}
	return rec, nil
}

// matches reports whether every axis key carried by the record agrees
// with the combination. An empty axis key is a wildcard.
func (r includeRecord) matches(j JobSpec) bool {
	if r.OS != "" && r.OS != j.OS {
		return false
	}
	if r.Python != "" && r.Python != j.Python {
		return false
	}
	if r.Topic != "" && r.Topic != j.Topic {
		return false
	}
	return true
}

// decorate merges the record's non-axis values onto a matched combination.
// Original axis values are left untouched.
func (r includeRecord) decorate(j *JobSpec) {
	if r.Extra != "" && !contains(j.Extras, r.Extra) {
		j.Extras = append(j.Extras, r.Extra)
	}
	if r.Requires == requiresOldest {
		j.RequiresOldest = true
	}
}

// toJob converts an unmatched include record into a standalone job.
func (r includeRecord) toJob() JobSpec {
	j := JobSpec{
		OS:             r.OS,
		Python:         r.Python,
		Topic:          r.Topic,
		RequiresOldest: r.Requires == requiresOldest,
	}
	if r.Extra != "" {
		j.Extras = []string{r.Extra}
	}
	return j
}

// dedupe drops exact duplicate specs while preserving first-seen order.
func dedupe(jobs []JobSpec) []JobSpec {
	seen := make(map[string]struct{}, len(jobs))
	out := jobs[:0]
	for _, j := range jobs {
		key := j.OS + "\x00" + j.Python + "\x00" + j.Topic + "\x00" +
			strings.Join(j.Extras, ",") + "\x00" + fmt.Sprintf("%t", j.RequiresOldest)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, j)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
