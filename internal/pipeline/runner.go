package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/stageflow/internal/core/domain"
)

const tracerName = "github.com/tjfontaine/stageflow/internal/pipeline"

// Runner defaults applied when a stage spec leaves them unset.
const (
	DefaultStageTimeout = 30 * time.Second
	DefaultRetryBackoff = 200 * time.Millisecond
)

// StageResult is the outcome of running one stage, retries included.
type StageResult struct {
	Stage string
	// Output is a private copy of the map the stage returned on success.
	// The invocation keeps no reference into it.
	Output   map[string]any
	Attempts int
	Duration time.Duration
	Err      *domain.StageError
}

// Runner executes a single stage against an execution context with
// dependency checking, per-attempt timeouts and bounded retries.
type Runner struct {
	timeout time.Duration
	backoff time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	DefaultTimeout time.Duration
	DefaultBackoff time.Duration
	Logger         *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		timeout: cfg.DefaultTimeout,
		backoff: cfg.DefaultBackoff,
		logger:  cfg.Logger,
		tracer:  otel.Tracer(tracerName),
	}
	if r.timeout <= 0 {
		r.timeout = DefaultStageTimeout
	}
	if r.backoff <= 0 {
		r.backoff = DefaultRetryBackoff
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run executes spec. The execution context is only modified when the stage
// succeeds. Cancelling ctx stops retries but does not interrupt an attempt
// already in flight; attempts are bounded by the stage timeout alone.
func (r *Runner) Run(ctx context.Context, spec StageSpec, ec *ExecutionContext) StageResult {
	start := time.Now()
	res := StageResult{Stage: spec.Name}

	ctx, span := r.tracer.Start(ctx, "stage "+spec.Name,
		trace.WithAttributes(attribute.String("stage.name", spec.Name)))
	defer func() {
		res.Duration = time.Since(start)
		span.SetAttributes(attribute.Int("stage.attempts", res.Attempts))
		if res.Err != nil {
			span.SetStatus(codes.Error, res.Err.Error())
			span.SetAttributes(attribute.String("stage.error_category", string(res.Err.Category)))
		}
		span.End()
	}()

	if missing := ec.Missing(spec.Requires); len(missing) > 0 {
		res.Err = &domain.StageError{
			Stage:    spec.Name,
			Category: domain.CategoryDependencyUnmet,
			Message:  "missing required keys: " + strings.Join(missing, ", "),
		}
		return res
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	backoff := spec.Backoff
	if backoff <= 0 {
		backoff = r.backoff
	}
	maxAttempts := spec.retries() + 1

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		out, category := r.attempt(ctx, spec, ec.View(), timeout)

		if category == "" {
			committed, err := r.commit(spec, ec, out.Output)
			if err != nil {
				res.Err = &domain.StageError{
					Stage:    spec.Name,
					Category: domain.CategoryImplementation,
					Message:  err.Error(),
					Attempts: attempt,
					Err:      err,
				}
				return res
			}
			res.Output = committed
			return res
		}

		retryable := out.Kind == OutcomeRecoverable || category == domain.CategoryTimeout
		if !retryable || attempt >= maxAttempts {
			res.Err = failure(spec.Name, category, out.Err, attempt)
			return res
		}

		delay := backoff << (attempt - 1)
		r.logger.Debug("retrying stage",
			slog.String("stage", spec.Name),
			slog.Int("attempt", attempt),
			slog.String("category", string(category)),
			slog.Duration("backoff", delay))
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt)))

		if err := sleep(ctx, delay); err != nil {
			res.Err = &domain.StageError{
				Stage:    spec.Name,
				Category: domain.CategoryCancelled,
				Message:  "cancelled while waiting to retry",
				Attempts: attempt,
				Err:      err,
			}
			return res
		}
	}
}

// attempt invokes the stage once. An empty category means success. On
// timeout the invocation goroutine is abandoned; its send lands in the
// buffered channel and is garbage collected.
func (r *Runner) attempt(ctx context.Context, spec StageSpec, view View, timeout time.Duration) (Outcome, domain.ErrorCategory) {
	// In-flight stages are never interrupted by run cancellation, only by
	// their own deadline.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Fatal(fmt.Errorf("stage panicked: %v", p))
			}
		}()
		done <- spec.Invoke(attemptCtx, view)
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-attemptCtx.Done():
		return Outcome{Err: fmt.Errorf("exceeded %s", timeout)}, domain.CategoryTimeout
	}

	switch out.Kind {
	case OutcomeSuccess:
		return out, ""
	case OutcomeRecoverable, OutcomeFatal:
		if errors.Is(out.Err, context.DeadlineExceeded) && attemptCtx.Err() != nil {
			return out, domain.CategoryTimeout
		}
		return out, domain.CategoryImplementation
	default:
		return Fatal(errors.New("stage returned no outcome")), domain.CategoryImplementation
	}
}

// commit checks the declared outputs and merges a deep copy of them into
// ec. It returns that copy so later stages cannot reach the recorded result
// through anything the invocation still holds.
func (r *Runner) commit(spec StageSpec, ec *ExecutionContext, output map[string]any) (map[string]any, error) {
	output, err := copyValues(output)
	if err != nil {
		return nil, fmt.Errorf("copy stage output: %w", err)
	}

	if len(spec.Produces) == 0 {
		return output, ec.Merge(spec.Name, map[string]any{spec.Name: output})
	}

	values := make(map[string]any, len(spec.Produces))
	var missing []string
	for _, key := range spec.Produces {
		v, ok := output[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		values[key] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("output missing declared keys: %s", strings.Join(missing, ", "))
	}
	return output, ec.Merge(spec.Name, values)
}

func failure(stage string, category domain.ErrorCategory, err error, attempts int) *domain.StageError {
	msg := "stage failed"
	if err != nil {
		msg = err.Error()
	}
	if attempts > 1 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, attempts)
	}
	return &domain.StageError{
		Stage:    stage,
		Category: category,
		Message:  msg,
		Attempts: attempts,
		Err:      err,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
