package ports

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tjfontaine/stageflow/internal/core/domain"
)

// ErrNotFound is returned by ArchiveStore lookups for unknown ids.
var ErrNotFound = errors.New("not found")

// DefaultListLimit caps ListRuns when ListOptions.Limit is zero.
const DefaultListLimit = 100

// ArchiveStore persists terminal run snapshots and the lifecycle events that
// led to them. It is a history sink, not the live run registry: live runs
// are served from memory and the archive is only read for reporting.
type ArchiveStore interface {
	// SaveRun stores (or replaces) the snapshot of a finished run.
	SaveRun(ctx context.Context, run *domain.RunState) error

	// GetRun retrieves an archived run by ID.
	GetRun(ctx context.Context, id string) (*domain.RunState, error)

	// ListRuns lists archived runs, newest first.
	ListRuns(ctx context.Context, opts ListOptions) ([]*domain.RunState, error)

	// AppendEvent records a lifecycle event.
	AppendEvent(ctx context.Context, event *domain.LifecycleEvent) error

	// ListEvents returns the lifecycle events recorded for a run in order.
	ListEvents(ctx context.Context, runID string) ([]*StoredEvent, error)

	// Close closes the storage connection
	Close() error
}

// ListOptions contains pagination and filter options.
type ListOptions struct {
	Pipeline string
	Status   domain.RunStatus
	Limit    int
	Offset   int
}

// StoredEvent is a lifecycle event as read back from the archive.
type StoredEvent struct {
	ID        int64                     `json:"id"`
	RunID     string                    `json:"run_id"`
	Type      domain.LifecycleEventType `json:"type"`
	Stage     string                    `json:"stage,omitempty"`
	Data      json.RawMessage           `json:"data,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
}
