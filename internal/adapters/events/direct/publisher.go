// Package direct provides a direct event publisher that writes to the run
// archive.
package direct

import (
	"context"
	"errors"
	"fmt"

	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing directly to an
// archive store. This is the default implementation for single-instance
// deployments.
type Publisher struct {
	store ports.ArchiveStore
}

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.ArchiveStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("archive store required")
	}
	return &Publisher{store: store}, nil
}

// Publish appends the event to the run's event log. Terminal events also
// save the run snapshot they carry.
func (p *Publisher) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	var errs []error
	if err := p.store.AppendEvent(ctx, event); err != nil {
		errs = append(errs, err)
	}

	if finished, ok := finishedRun(event); ok {
		if err := p.store.SaveRun(ctx, &finished); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close is a no-op; the store is owned by the caller.
func (p *Publisher) Close() error {
	return nil
}

func finishedRun(event *domain.LifecycleEvent) (domain.RunState, bool) {
	switch d := event.Data.(type) {
	case domain.RunFinishedData:
		return d.Run, true
	case *domain.RunFinishedData:
		if d != nil {
			return d.Run, true
		}
	}
	return domain.RunState{}, false
}
