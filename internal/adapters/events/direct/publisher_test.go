package direct

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/core/ports"
	"github.com/tjfontaine/stageflow/internal/pipeline"
	"github.com/tjfontaine/stageflow/internal/storage/memory"
	"github.com/tjfontaine/stageflow/internal/storage/sqlite"
)

func TestNewPublisher_NilStorage(t *testing.T) {
	_, err := NewPublisher(nil)
	if err == nil {
		t.Fatal("Expected error for nil storage")
	}
	if err.Error() != "archive store required" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestPublish(t *testing.T) {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New() error = %v", err)
	}
	defer store.Close()

	publisher, _ := NewPublisher(store)
	ctx := context.Background()

	err = publisher.Publish(ctx, &domain.LifecycleEvent{
		Type:      domain.LifecycleRunSubmitted,
		RunID:     "run-1",
		Pipeline:  "analysis",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if _, err := store.GetRun(ctx, "run-1"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("non-terminal event saved a run snapshot: %v", err)
	}

	run := domain.NewRunState("run-1", "analysis", time.Now())
	run.Status = domain.RunCompleted
	err = publisher.Publish(ctx, &domain.LifecycleEvent{
		Type:      domain.LifecycleRunCompleted,
		RunID:     "run-1",
		Pipeline:  "analysis",
		Timestamp: time.Now(),
		Data:      domain.RunFinishedData{Run: run},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != domain.RunCompleted {
		t.Errorf("Status = %v, want completed", got.Status)
	}

	events, _ := store.ListEvents(ctx, "run-1")
	if len(events) != 2 {
		t.Errorf("ListEvents() = %d events, want 2", len(events))
	}
}

func TestPublish_EngineRunIsArchived(t *testing.T) {
	store := memory.New()
	publisher, _ := NewPublisher(store)

	reg, err := pipeline.NewRegistry(
		pipeline.StageSpec{
			Name:     "ingest",
			Requires: []string{pipeline.KeyQuery},
			Invoke: func(context.Context, pipeline.View) pipeline.Outcome {
				return pipeline.Success(map[string]any{"rows": 3})
			},
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	cat, err := pipeline.NewCatalog(reg, []*pipeline.Definition{{Name: "ingest", Stages: []string{"ingest"}}}, "")
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}

	engine, err := pipeline.NewEngine(pipeline.EngineConfig{Catalog: cat, Events: publisher})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	ctx := context.Background()
	id, err := engine.Submit(ctx, pipeline.Request{Query: "q"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	updates, err := engine.Subscribe(waitCtx, id)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	for range updates {
	}

	// Shutdown drains the event queue into the archive.
	if err := engine.Shutdown(waitCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	got, err := store.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != domain.RunCompleted {
		t.Errorf("Status = %v, want completed", got.Status)
	}

	events, _ := store.ListEvents(ctx, id)
	want := []domain.LifecycleEventType{
		domain.LifecycleRunSubmitted,
		domain.LifecycleRunStarted,
		domain.LifecycleStageComplete,
		domain.LifecycleRunCompleted,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, ev.Type, want[i])
		}
	}
}

func TestClose(t *testing.T) {
	publisher, _ := NewPublisher(memory.New())
	if err := publisher.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
