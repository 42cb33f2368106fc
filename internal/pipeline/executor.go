package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/runstore"
)

// execute supervises one run: it waits for an execution slot, then walks
// the definition stage by stage, recording every transition in the store.
// Stages run strictly one after another.
func (e *Engine) execute(ctx context.Context, link trace.Link, def *Definition, reg *Registry, id string, ec *ExecutionContext) {
	defer e.wg.Done()

	ctx, span := e.tracer.Start(ctx, "pipeline "+def.Name,
		trace.WithNewRoot(),
		trace.WithLinks(link),
		trace.WithAttributes(
			attribute.String("run.id", id),
			attribute.String("pipeline.name", def.Name),
		))
	defer span.End()
	ctx = WithRunID(ctx, id)

	logger := e.logger.With(slog.String("run_id", id), slog.String("pipeline", def.Name))

	defer func() {
		if p := recover(); p != nil {
			logger.Error("run supervisor panicked", slog.Any("panic", p))
			span.SetStatus(codes.Error, "supervisor panic")
			e.fail(id, &domain.StageError{
				Category: domain.CategoryImplementation,
				Message:  fmt.Sprintf("supervisor panic: %v", p),
			})
		}
	}()

	// Cancel abandons ctx only while the run is queued. Once a slot is
	// held, cancellation is cooperative.
	e.metrics.QueuedRuns.Inc()
	err := e.slots.Acquire(ctx, 1)
	e.metrics.QueuedRuns.Dec()
	if abandon, ok := e.queued.LoadAndDelete(id); ok {
		defer abandon.(context.CancelFunc)()
	}
	if err != nil {
		logger.Info("run cancelled before start", slog.String("reason", err.Error()))
		e.cancelled(id)
		return
	}
	defer e.slots.Release(1)

	e.metrics.ActiveRuns.Inc()
	defer e.metrics.ActiveRuns.Dec()

	plan := slices.Clone(def.Stages)
	for i := 0; i < len(plan); i++ {
		stage := plan[i]

		proceed, err := e.beginStage(ctx, id, stage)
		if err != nil {
			if !errors.Is(err, runstore.ErrTerminal) {
				logger.Error("failed to record stage start",
					slog.String("stage", stage),
					slog.String("error", err.Error()))
			}
			return
		}
		if !proceed {
			logger.Info("run cancelled", slog.String("before_stage", stage))
			return
		}

		spec, ok := reg.Lookup(stage)
		if !ok {
			// Definitions are validated against their registry.
			panic(fmt.Sprintf("stage %q missing from registry", stage))
		}

		res := e.runner.Run(ctx, spec, ec)
		e.metrics.observeStage(res)

		if res.Err != nil {
			if res.Err.Category == domain.CategoryCancelled {
				logger.Info("run cancelled during retry backoff", slog.String("stage", stage))
				e.cancelled(id)
				return
			}
			logger.Warn("stage failed",
				slog.String("stage", stage),
				slog.String("category", string(res.Err.Category)),
				slog.String("error", res.Err.Message),
				slog.Int("attempts", res.Attempts))
			span.SetStatus(codes.Error, res.Err.Error())
			e.emit(&domain.LifecycleEvent{
				Type:      domain.LifecycleStageFailed,
				RunID:     id,
				Pipeline:  def.Name,
				Stage:     stage,
				Timestamp: e.now(),
				Data: domain.StageFailedData{
					Category: res.Err.Category,
					Message:  res.Err.Message,
					Attempts: res.Attempts,
				},
			})
			e.fail(id, res.Err)
			return
		}

		var route *domain.RouteDecision
		if def.Branch != nil && def.Branch.Stage == stage {
			decision := def.Branch.Select(res.Output)
			route = &decision
			plan = slices.Insert(plan, i+1, decision.Selected)
			if decision.Fallback {
				e.metrics.RouteFallback.WithLabelValues(def.Name, stage).Inc()
				logger.Warn("branch output did not match an alternative, using default",
					slog.String("stage", stage),
					slog.String("value", decision.Value),
					slog.String("selected", decision.Selected))
			}
		}

		if err := e.completeStage(id, res, route); err != nil {
			logger.Error("failed to record stage result",
				slog.String("stage", stage),
				slog.String("error", err.Error()))
			return
		}

		logger.Debug("stage completed",
			slog.String("stage", stage),
			slog.Int("attempts", res.Attempts),
			slog.Duration("duration", res.Duration))
		e.emit(&domain.LifecycleEvent{
			Type:      domain.LifecycleStageComplete,
			RunID:     id,
			Pipeline:  def.Name,
			Stage:     stage,
			Timestamp: e.now(),
			Data:      domain.StageCompletedData{Attempts: res.Attempts, Duration: res.Duration},
		})
		if route != nil {
			e.emit(&domain.LifecycleEvent{
				Type:      domain.LifecycleRunRouted,
				RunID:     id,
				Pipeline:  def.Name,
				Stage:     stage,
				Timestamp: e.now(),
				Data:      *route,
			})
		}
	}

	snap, err := e.store.Update(id, func(r *domain.RunState) error {
		r.Finish(domain.RunCompleted, e.now())
		return nil
	})
	if err != nil {
		logger.Error("failed to record completion", slog.String("error", err.Error()))
		return
	}
	e.finished(snap)
}

// beginStage marks stage as current. It returns false, after recording the
// run as Cancelled, when cancellation was requested or the engine is
// shutting down.
func (e *Engine) beginStage(ctx context.Context, id, stage string) (bool, error) {
	now := e.now()
	started := false
	snap, err := e.store.Update(id, func(r *domain.RunState) error {
		if r.CancelRequested || ctx.Err() != nil {
			r.Category = domain.CategoryCancelled
			r.Finish(domain.RunCancelled, now)
			return nil
		}
		if r.Status == domain.RunPending {
			r.Status = domain.RunRunning
			r.StartedAt = &now
			started = true
		}
		r.CurrentStage = stage
		return nil
	})
	if err != nil {
		return false, err
	}

	if snap.Status == domain.RunCancelled {
		e.finished(snap)
		return false, nil
	}
	if started {
		e.emit(&domain.LifecycleEvent{
			Type:      domain.LifecycleRunStarted,
			RunID:     id,
			Pipeline:  snap.Pipeline,
			Timestamp: now,
		})
	}
	return true, nil
}

func (e *Engine) completeStage(id string, res StageResult, route *domain.RouteDecision) error {
	_, err := e.store.Update(id, func(r *domain.RunState) error {
		r.CompletedStages = append(r.CompletedStages, res.Stage)
		r.Results[res.Stage] = res.Output
		r.CurrentStage = ""
		if route != nil {
			r.Routes = append(r.Routes, *route)
		}
		return nil
	})
	return err
}

// fail records a terminal failure. Partial results stay in place.
func (e *Engine) fail(id string, se *domain.StageError) {
	now := e.now()
	snap, err := e.store.Update(id, func(r *domain.RunState) error {
		if se.Stage != "" {
			r.FailedStages = append(r.FailedStages, se.Stage)
		}
		r.Category = se.Category
		r.Error = se.Error()
		r.Finish(domain.RunFailed, now)
		return nil
	})
	if err != nil {
		e.logger.Error("failed to record run failure",
			slog.String("run_id", id),
			slog.String("error", err.Error()))
		return
	}
	e.finished(snap)
}

func (e *Engine) cancelled(id string) {
	now := e.now()
	snap, err := e.store.Update(id, func(r *domain.RunState) error {
		r.Category = domain.CategoryCancelled
		r.Finish(domain.RunCancelled, now)
		return nil
	})
	if err != nil {
		// Already terminal: Cancel finished the queued run itself.
		return
	}
	e.finished(snap)
}

// finished publishes the terminal snapshot of a run.
func (e *Engine) finished(snap domain.RunState) {
	var typ domain.LifecycleEventType
	switch snap.Status {
	case domain.RunCompleted:
		typ = domain.LifecycleRunCompleted
	case domain.RunFailed:
		typ = domain.LifecycleRunFailed
	case domain.RunCancelled:
		typ = domain.LifecycleRunCancelled
	default:
		return
	}

	e.metrics.observeRun(snap)
	e.logger.Info("run finished",
		slog.String("run_id", snap.ID),
		slog.String("pipeline", snap.Pipeline),
		slog.String("status", string(snap.Status)),
		slog.Int("completed_stages", len(snap.CompletedStages)))

	e.emit(&domain.LifecycleEvent{
		Type:      typ,
		RunID:     snap.ID,
		Pipeline:  snap.Pipeline,
		Timestamp: e.now(),
		Data:      domain.RunFinishedData{Run: snap},
	})
}
