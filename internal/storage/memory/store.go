// Package memory provides an in-memory run archive for tests and
// single-process deployments that do not need history across restarts.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/core/ports"
)

// Store is an in-memory implementation of ports.ArchiveStore.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]domain.RunState
	events map[string][]*ports.StoredEvent
	nextID int64
}

var _ ports.ArchiveStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		runs:   make(map[string]domain.RunState),
		events: make(map[string][]*ports.StoredEvent),
	}
}

func (s *Store) SaveRun(ctx context.Context, run *domain.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, fmt.Errorf("run %s: %w", id, ports.ErrNotFound)
	}
	c := run.Clone()
	return &c, nil
}

func (s *Store) ListRuns(ctx context.Context, opts ports.ListOptions) ([]*domain.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.RunState
	for _, run := range s.runs {
		if opts.Pipeline != "" && run.Pipeline != opts.Pipeline {
			continue
		}
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		c := run.Clone()
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	start := opts.Offset
	if start >= len(result) {
		return []*domain.RunState{}, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = ports.DefaultListLimit
	}
	end := min(start+limit, len(result))

	return result[start:end], nil
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.LifecycleEvent) error {
	var data json.RawMessage
	if event.Data != nil {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		data = raw
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.events[event.RunID] = append(s.events[event.RunID], &ports.StoredEvent{
		ID:        s.nextID,
		RunID:     event.RunID,
		Type:      event.Type,
		Stage:     event.Stage,
		Data:      data,
		CreatedAt: ts,
	})
	return nil
}

func (s *Store) ListEvents(ctx context.Context, runID string) ([]*ports.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[runID]
	out := make([]*ports.StoredEvent, len(stored))
	for i, ev := range stored {
		c := *ev
		out[i] = &c
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
