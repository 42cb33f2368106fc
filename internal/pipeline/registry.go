package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"
)

// DefaultMaxRetries is the retry bound for retryable stages that do not set
// one.
const DefaultMaxRetries = 2

// OutcomeKind classifies a stage invocation result.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeRecoverable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is what a stage returns from one invocation.
type Outcome struct {
	Kind   OutcomeKind
	Output map[string]any
	Err    error
}

// Success reports a completed invocation with its output values.
func Success(output map[string]any) Outcome {
	return Outcome{Kind: OutcomeSuccess, Output: output}
}

// Recoverable reports a transient failure that may succeed on retry.
func Recoverable(err error) Outcome {
	return Outcome{Kind: OutcomeRecoverable, Err: err}
}

// Fatal reports a failure that retrying cannot fix.
func Fatal(err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err}
}

// StageFunc is the body of a stage. It receives a read-only view of the
// run's execution context and must honor ctx.
type StageFunc func(ctx context.Context, in View) Outcome

// StageSpec describes a registered stage.
type StageSpec struct {
	Name string

	// Requires lists context keys that must exist before the stage runs.
	Requires []string

	// Produces lists the output keys merged into the context on success.
	// When empty the whole output map is stored under Name.
	Produces []string

	// Timeout bounds each attempt. Zero uses the engine default.
	Timeout time.Duration

	// Retryable marks the stage as idempotent. Only retryable stages are
	// retried, at most MaxRetries times (DefaultMaxRetries when zero).
	Retryable  bool
	MaxRetries int

	// Backoff is the base delay between attempts, doubled each retry.
	// Zero uses the engine default.
	Backoff time.Duration

	Invoke StageFunc
}

// retries returns how many retries the stage is entitled to.
func (s StageSpec) retries() int {
	if !s.Retryable {
		return 0
	}
	if s.MaxRetries == 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

func (s StageSpec) clone() StageSpec {
	s.Requires = slices.Clone(s.Requires)
	s.Produces = slices.Clone(s.Produces)
	return s
}

func (s StageSpec) validate() error {
	if s.Name == "" {
		return errors.New("stage name is required")
	}
	if s.Invoke == nil {
		return fmt.Errorf("stage %s: invoke function is required", s.Name)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("stage %s: max retries must not be negative", s.Name)
	}
	if s.Timeout < 0 || s.Backoff < 0 {
		return fmt.Errorf("stage %s: durations must not be negative", s.Name)
	}
	seen := make(map[string]bool, len(s.Produces))
	for _, key := range s.Produces {
		if key == "" {
			return fmt.Errorf("stage %s: empty produces key", s.Name)
		}
		if seen[key] {
			return fmt.Errorf("stage %s: produces %q twice", s.Name, key)
		}
		seen[key] = true
	}
	return nil
}

// Registry maps stage names to specs. It is immutable once built and safe
// for concurrent use.
type Registry struct {
	stages map[string]StageSpec
}

// NewRegistry validates and registers specs. Names must be unique.
func NewRegistry(specs ...StageSpec) (*Registry, error) {
	r := &Registry{stages: make(map[string]StageSpec, len(specs))}
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.stages[spec.Name]; dup {
			return nil, fmt.Errorf("stage %s registered twice", spec.Name)
		}
		r.stages[spec.Name] = spec.clone()
	}
	return r, nil
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (StageSpec, bool) {
	spec, ok := r.stages[name]
	if !ok {
		return StageSpec{}, false
	}
	return spec.clone(), true
}

// Names returns the registered stage names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered stages.
func (r *Registry) Len() int {
	return len(r.stages)
}
