package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/stageflow/internal/core/domain"
)

func newTestRunner() *Runner {
	return NewRunner(RunnerConfig{
		DefaultTimeout: time.Second,
		DefaultBackoff: time.Millisecond,
	})
}

// counting wraps fn and counts its invocations.
func counting(calls *atomic.Int32, fn StageFunc) StageFunc {
	return func(ctx context.Context, in View) Outcome {
		calls.Add(1)
		return fn(ctx, in)
	}
}

func TestRunner_SuccessMergesProducedKeys(t *testing.T) {
	ec := NewExecutionContext(map[string]any{KeyQuery: "q"})
	spec := StageSpec{
		Name:     "ingest",
		Requires: []string{KeyQuery},
		Produces: []string{"rawData"},
		Invoke: func(_ context.Context, in View) Outcome {
			return Success(map[string]any{"rawData": "rows for " + in.String(KeyQuery), "scratch": 1})
		},
	}

	res := newTestRunner().Run(context.Background(), spec, ec)

	require.Nil(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "rows for q", res.Output["rawData"])
	assert.True(t, ec.Has("rawData"))
	assert.False(t, ec.Has("scratch"), "undeclared outputs must not enter the context")
}

func TestRunner_CommittedOutputIsPrivate(t *testing.T) {
	produced := map[string]any{"data": map[string]any{"x": 1}}
	ec := NewExecutionContext(nil)
	spec := StageSpec{
		Name:     "ingest",
		Produces: []string{"data"},
		Invoke: func(context.Context, View) Outcome {
			return Success(produced)
		},
	}

	res := newTestRunner().Run(context.Background(), spec, ec)
	require.Nil(t, res.Err)

	// The stage still holds its map after returning.
	produced["data"].(map[string]any)["x"] = 2

	assert.Equal(t, map[string]any{"x": 1}, res.Output["data"])
	v, ok := ec.View().Get("data")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"x": 1}, v)
}

func TestRunner_FailedStageCannotMutateContext(t *testing.T) {
	ec := NewExecutionContext(nil)
	require.NoError(t, ec.Merge("ingest", map[string]any{"data": map[string]any{"x": 1}}))

	spec := StageSpec{
		Name:     "clobber",
		Requires: []string{"data"},
		Invoke: func(_ context.Context, in View) Outcome {
			v, _ := in.Get("data")
			v.(map[string]any)["x"] = "clobbered"
			return Fatal(errors.New("boom"))
		},
	}

	res := newTestRunner().Run(context.Background(), spec, ec)

	require.NotNil(t, res.Err)
	v, _ := ec.View().Get("data")
	assert.Equal(t, map[string]any{"x": 1}, v)
}

func TestRunner_ImplicitKeyIsStageName(t *testing.T) {
	ec := NewExecutionContext(nil)
	spec := StageSpec{
		Name: "profile",
		Invoke: func(context.Context, View) Outcome {
			return Success(map[string]any{"rows": 10})
		},
	}

	res := newTestRunner().Run(context.Background(), spec, ec)

	require.Nil(t, res.Err)
	v, ok := ec.View().Get("profile")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"rows": 10}, v)
}

func TestRunner_MissingDeclaredOutput(t *testing.T) {
	ec := NewExecutionContext(nil)
	spec := StageSpec{
		Name:     "profile",
		Produces: []string{"profile", "stats"},
		Invoke: func(context.Context, View) Outcome {
			return Success(map[string]any{"profile": "p"})
		},
	}

	res := newTestRunner().Run(context.Background(), spec, ec)

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.CategoryImplementation, res.Err.Category)
	assert.Contains(t, res.Err.Message, "stats")
	assert.False(t, ec.Has("profile"), "context must not change on failure")
}

func TestRunner_KeyCollision(t *testing.T) {
	ec := NewExecutionContext(map[string]any{KeyQuery: "q"})
	spec := StageSpec{
		Name:     "rewrite",
		Produces: []string{KeyQuery},
		Invoke: func(context.Context, View) Outcome {
			return Success(map[string]any{KeyQuery: "other"})
		},
	}

	res := newTestRunner().Run(context.Background(), spec, ec)

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.CategoryImplementation, res.Err.Category)
	assert.Equal(t, "q", ec.View().String(KeyQuery))
}

func TestRunner_UnmetDependencyNeverInvokes(t *testing.T) {
	var calls atomic.Int32
	spec := StageSpec{
		Name:     "summarize",
		Requires: []string{"rawData", "profile"},
		Invoke:   counting(&calls, noop),
	}

	res := newTestRunner().Run(context.Background(), spec, NewExecutionContext(map[string]any{"rawData": 1}))

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.CategoryDependencyUnmet, res.Err.Category)
	assert.Contains(t, res.Err.Message, "profile")
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRunner_TimeoutRetriesThenFails(t *testing.T) {
	for _, retries := range []int{0, 1, 3} {
		var calls atomic.Int32
		spec := StageSpec{
			Name:       "slow",
			Timeout:    20 * time.Millisecond,
			Retryable:  retries > 0,
			MaxRetries: retries,
			Backoff:    time.Millisecond,
			Invoke: counting(&calls, func(context.Context, View) Outcome {
				// Ignores its context: the runner must abandon it.
				time.Sleep(200 * time.Millisecond)
				return Success(nil)
			}),
		}

		start := time.Now()
		res := newTestRunner().Run(context.Background(), spec, NewExecutionContext(nil))

		require.NotNil(t, res.Err, "retries=%d", retries)
		assert.Equal(t, domain.CategoryTimeout, res.Err.Category, "retries=%d", retries)
		assert.Equal(t, retries+1, res.Attempts, "retries=%d", retries)
		assert.Equal(t, int32(retries+1), calls.Load(), "retries=%d", retries)
		assert.Less(t, time.Since(start), time.Duration(retries+1)*150*time.Millisecond,
			"runner must not wait for abandoned attempts")
	}
}

func TestRunner_ContextAwareTimeout(t *testing.T) {
	spec := StageSpec{
		Name:    "polite",
		Timeout: 10 * time.Millisecond,
		Invoke: func(ctx context.Context, _ View) Outcome {
			<-ctx.Done()
			return Recoverable(ctx.Err())
		},
	}

	res := newTestRunner().Run(context.Background(), spec, NewExecutionContext(nil))

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.CategoryTimeout, res.Err.Category)
}

func TestRunner_RecoverableThenSuccess(t *testing.T) {
	var calls atomic.Int32
	spec := StageSpec{
		Name:      "flaky",
		Retryable: true,
		Invoke: counting(&calls, func(context.Context, View) Outcome {
			if calls.Load() == 1 {
				return Recoverable(errors.New("connection reset"))
			}
			return Success(map[string]any{"ok": true})
		}),
	}

	res := newTestRunner().Run(context.Background(), spec, NewExecutionContext(nil))

	require.Nil(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
}

func TestRunner_RecoverableExhaustion(t *testing.T) {
	var calls atomic.Int32
	spec := StageSpec{
		Name:       "flaky",
		Retryable:  true,
		MaxRetries: 2,
		Invoke: counting(&calls, func(context.Context, View) Outcome {
			return Recoverable(errors.New("503 from inference service"))
		}),
	}

	res := newTestRunner().Run(context.Background(), spec, NewExecutionContext(nil))

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.CategoryImplementation, res.Err.Category)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, res.Err.Message, "503 from inference service")
}

func TestRunner_NoRetryWithoutOptIn(t *testing.T) {
	tests := []struct {
		name    string
		spec    StageSpec
		outcome Outcome
	}{
		{
			name:    "recoverable on non-retryable stage",
			spec:    StageSpec{Name: "s", MaxRetries: 5},
			outcome: Recoverable(errors.New("transient")),
		},
		{
			name:    "fatal on retryable stage",
			spec:    StageSpec{Name: "s", Retryable: true},
			outcome: Fatal(errors.New("bad input")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			tt.spec.Invoke = counting(&calls, func(context.Context, View) Outcome { return tt.outcome })

			res := newTestRunner().Run(context.Background(), tt.spec, NewExecutionContext(nil))

			require.NotNil(t, res.Err)
			assert.Equal(t, domain.CategoryImplementation, res.Err.Category)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestRunner_PanicIsImplementationError(t *testing.T) {
	spec := StageSpec{
		Name: "buggy",
		Invoke: func(context.Context, View) Outcome {
			var m map[string]int
			m["x"] = 1
			return Success(nil)
		},
	}

	res := newTestRunner().Run(context.Background(), spec, NewExecutionContext(nil))

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.CategoryImplementation, res.Err.Category)
	assert.Contains(t, res.Err.Message, "panicked")
}

func TestRunner_EmptyOutcome(t *testing.T) {
	spec := StageSpec{
		Name:   "lazy",
		Invoke: func(context.Context, View) Outcome { return Outcome{} },
	}

	res := newTestRunner().Run(context.Background(), spec, NewExecutionContext(nil))

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.CategoryImplementation, res.Err.Category)
}

func TestRunner_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	spec := StageSpec{
		Name:       "flaky",
		Retryable:  true,
		MaxRetries: 5,
		Backoff:    time.Hour,
		Invoke: func(context.Context, View) Outcome {
			cancel()
			return Recoverable(errors.New("try again"))
		},
	}

	res := newTestRunner().Run(ctx, spec, NewExecutionContext(nil))

	require.NotNil(t, res.Err)
	assert.Equal(t, domain.CategoryCancelled, res.Err.Category)
	assert.Equal(t, 1, res.Attempts)
}

func TestRunner_InFlightAttemptIgnoresRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	spec := StageSpec{
		Name: "steady",
		Invoke: func(stageCtx context.Context, _ View) Outcome {
			cancel()
			select {
			case <-stageCtx.Done():
				return Fatal(stageCtx.Err())
			case <-time.After(20 * time.Millisecond):
				return Success(map[string]any{"done": true})
			}
		},
	}

	res := newTestRunner().Run(ctx, spec, NewExecutionContext(nil))

	require.Nil(t, res.Err)
	assert.Equal(t, true, res.Output["done"])
}
