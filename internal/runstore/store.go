// Package runstore holds the in-memory registry of pipeline runs.
//
// The store is the only state shared between concurrently executing runs.
// Each run has its own lock; the index lock is held only long enough to
// find, insert or evict an entry, so a slow update on one run never blocks
// reads or writes of another.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/stageflow/internal/core/domain"
)

var (
	// ErrNotFound is returned for ids that were never created or have expired.
	ErrNotFound = errors.New("run not found")

	// ErrTerminal is returned when an update targets a run that already
	// reached a terminal status.
	ErrTerminal = errors.New("run already terminal")

	// ErrExists is returned by Create for a duplicate id.
	ErrExists = errors.New("run already exists")
)

// DefaultRetention is how long terminal runs stay readable.
const DefaultRetention = time.Hour

// CommitHook is called with the new snapshot after every committed change.
// It runs while the run's lock is held, so for a single run it observes
// changes in commit order. It must not call back into the store for the
// same run.
type CommitHook func(snapshot domain.RunState)

type entry struct {
	mu  sync.Mutex
	run domain.RunState
}

// Store is a concurrency-safe registry of run states.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	retention time.Duration
	now       func() time.Time
	onCommit  CommitHook
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how long terminal runs are kept before eviction.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithCommitHook registers the hook invoked after each committed change.
func WithCommitHook(h CommitHook) Option {
	return func(s *Store) {
		s.onCommit = h
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger used by the janitor.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entries:   make(map[string]*entry),
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCommitHook replaces the commit hook. It must be called before the
// store is shared between goroutines.
func (s *Store) SetCommitHook(h CommitHook) {
	s.onCommit = h
}

// Create registers a new run. The stored state is a copy of run.
func (s *Store) Create(run domain.RunState) error {
	if run.ID == "" {
		return fmt.Errorf("create run: empty id")
	}

	e := &entry{run: run.Clone()}

	s.mu.Lock()
	if _, exists := s.entries[run.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("create run %s: %w", run.ID, ErrExists)
	}
	s.entries[run.ID] = e
	// Hold the entry lock before releasing the index so no reader can
	// observe the run before its creation is published.
	e.mu.Lock()
	s.mu.Unlock()
	defer e.mu.Unlock()

	s.commit(e.run)
	return nil
}

// Get returns a snapshot of the run.
func (s *Store) Get(id string) (domain.RunState, error) {
	e, err := s.lookup(id)
	if err != nil {
		return domain.RunState{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s.expired(&e.run) {
		return domain.RunState{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return e.run.Clone(), nil
}

// Update applies fn to the run atomically with respect to every other Get,
// Update and Watch on the same id. If fn returns an error nothing is
// committed. Terminal runs are immutable: Update returns ErrTerminal
// without calling fn.
func (s *Store) Update(id string, fn func(*domain.RunState) error) (domain.RunState, error) {
	e, err := s.lookup(id)
	if err != nil {
		return domain.RunState{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s.expired(&e.run) {
		return domain.RunState{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if e.run.Terminal() {
		return e.run.Clone(), fmt.Errorf("run %s: %w", id, ErrTerminal)
	}

	working := e.run.Clone()
	if err := fn(&working); err != nil {
		return e.run.Clone(), err
	}
	working.ID = e.run.ID

	e.run = working
	s.commit(e.run)
	return e.run.Clone(), nil
}

// Watch calls fn with the current snapshot while holding the run's lock.
// No update to the run can be committed while fn executes, which lets a
// subscriber register without missing or duplicating a transition.
func (s *Store) Watch(id string, fn func(snapshot domain.RunState)) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s.expired(&e.run) {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	fn(e.run.Clone())
	return nil
}

// ListActive returns the ids of runs that have not reached a terminal
// status, oldest first.
func (s *Store) ListActive() []string {
	runs := s.List()
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		if !r.Terminal() {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// List returns snapshots of every retained run, oldest first.
func (s *Store) List() []domain.RunState {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	runs := make([]domain.RunState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !s.expired(&e.run) {
			runs = append(runs, e.run.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs
}

// Len returns the number of entries currently held, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep evicts terminal runs older than the retention window and returns
// how many were removed.
func (s *Store) Sweep() int {
	s.mu.RLock()
	candidates := make(map[string]*entry)
	for id, e := range s.entries {
		candidates[id] = e
	}
	s.mu.RUnlock()

	var expired []string
	for id, e := range candidates {
		e.mu.Lock()
		if s.expired(&e.run) {
			expired = append(expired, id)
		}
		e.mu.Unlock()
	}
	if len(expired) == 0 {
		return 0
	}

	s.mu.Lock()
	for _, id := range expired {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	return len(expired)
}

// RunJanitor sweeps expired runs every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("evicted expired runs", slog.Int("count", n))
			}
		}
	}
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return e, nil
}

// expired must be called with the entry lock held.
func (s *Store) expired(run *domain.RunState) bool {
	if !run.Terminal() || run.CompletedAt == nil {
		return false
	}
	return s.now().Sub(*run.CompletedAt) >= s.retention
}

// commit must be called with the entry lock held.
func (s *Store) commit(run domain.RunState) {
	if s.onCommit != nil {
		s.onCommit(run.Clone())
	}
}
