// Package ports defines the interfaces the engine and runtime depend on.
// This file contains the event publishing seam between the engine and
// whatever consumes run lifecycle events.
package ports

import (
	"context"

	"github.com/tjfontaine/stageflow/internal/core/domain"
)

// EventPublisher publishes run lifecycle events.
// Implementations: direct archive writes (default), no-op, or an external bus.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.LifecycleEvent) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(context.Context, *domain.LifecycleEvent) error { return nil }

// Close implements EventPublisher.
func (NopPublisher) Close() error { return nil }
