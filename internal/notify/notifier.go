// Package notify fans run state changes out to pollers and live subscribers.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/runstore"
)

// DefaultBuffer is the per-subscriber channel capacity. A run emits a
// handful of snapshots per stage, so a subscriber only falls this far
// behind if it has stopped reading.
const DefaultBuffer = 64

type subscriber struct {
	id     uint64
	ch     chan domain.RunState
	done   chan struct{}
	closed bool
}

// closeLocked must be called with the owning runSubs.mu held.
func (s *subscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}

// runSubs holds the subscribers of one run. Each run has its own lock so
// publishing for one run never waits on another.
type runSubs struct {
	mu   sync.Mutex
	subs []*subscriber
	// dead is set once the set has been removed from Notifier.runs; a
	// subscriber arriving afterwards must install a fresh set.
	dead bool
}

// Notifier delivers committed run snapshots to subscribers in commit order.
// Install Publish as the store's commit hook.
type Notifier struct {
	store  *runstore.Store
	buffer int
	logger *slog.Logger

	runs   sync.Map // run id -> *runSubs
	nextID atomic.Uint64
}

// New creates a notifier reading from store. The caller must register
// n.Publish as the store's commit hook.
func New(store *runstore.Store, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:  store,
		buffer: DefaultBuffer,
		logger: logger,
	}
}

// Poll returns the latest committed snapshot of the run.
func (n *Notifier) Poll(id string) (domain.RunState, error) {
	return n.store.Get(id)
}

// Subscribe returns a channel that first yields the current snapshot and
// then every subsequent committed snapshot of the run, in order. The
// channel is closed after the terminal snapshot, when ctx is done, or when
// the subscriber falls DefaultBuffer snapshots behind.
func (n *Notifier) Subscribe(ctx context.Context, id string) (<-chan domain.RunState, error) {
	sub := &subscriber{
		id:   n.nextID.Add(1),
		ch:   make(chan domain.RunState, n.buffer),
		done: make(chan struct{}),
	}

	var rs *runSubs
	err := n.store.Watch(id, func(snap domain.RunState) {
		sub.ch <- snap
		if snap.Terminal() {
			sub.closed = true
			close(sub.ch)
			close(sub.done)
			return
		}
		rs = n.attach(id, sub)
	})
	if err != nil {
		return nil, err
	}

	if rs != nil {
		go func() {
			select {
			case <-ctx.Done():
				n.remove(id, rs, sub)
			case <-sub.done:
			}
		}()
	}

	return sub.ch, nil
}

// attach adds sub to the run's set, creating the set if needed.
func (n *Notifier) attach(id string, sub *subscriber) *runSubs {
	for {
		v, _ := n.runs.LoadOrStore(id, &runSubs{})
		rs := v.(*runSubs)

		rs.mu.Lock()
		if rs.dead {
			rs.mu.Unlock()
			continue
		}
		rs.subs = append(rs.subs, sub)
		rs.mu.Unlock()
		return rs
	}
}

// Publish delivers snapshot to every subscriber of its run. It never
// blocks: a subscriber whose buffer is full is pruned. Runs without
// subscribers cost a single map lookup.
func (n *Notifier) Publish(snapshot domain.RunState) {
	v, ok := n.runs.Load(snapshot.ID)
	if !ok {
		return
	}
	rs := v.(*runSubs)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.dead {
		return
	}

	kept := rs.subs[:0]
	for _, sub := range rs.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- snapshot:
		default:
			n.logger.Warn("dropping slow run subscriber",
				slog.String("run_id", snapshot.ID),
				slog.Uint64("subscriber", sub.id))
			sub.closeLocked()
			continue
		}
		if snapshot.Terminal() {
			sub.closeLocked()
			continue
		}
		kept = append(kept, sub)
	}
	rs.subs = kept

	if len(kept) == 0 {
		n.retireLocked(snapshot.ID, rs)
	}
}

// SubscriberCount returns the number of live subscribers for a run.
func (n *Notifier) SubscriberCount(id string) int {
	v, ok := n.runs.Load(id)
	if !ok {
		return 0
	}
	rs := v.(*runSubs)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.dead {
		return 0
	}
	return len(rs.subs)
}

func (n *Notifier) remove(id string, rs *runSubs, target *subscriber) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	target.closeLocked()

	for i, sub := range rs.subs {
		if sub == target {
			rs.subs = append(rs.subs[:i], rs.subs[i+1:]...)
			break
		}
	}
	if len(rs.subs) == 0 {
		n.retireLocked(id, rs)
	}
}

// retireLocked drops an empty set from the index. rs.mu must be held.
func (n *Notifier) retireLocked(id string, rs *runSubs) {
	if rs.dead {
		return
	}
	rs.dead = true
	rs.subs = nil
	n.runs.CompareAndDelete(id, rs)
}
