package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/core/ports"
	"github.com/tjfontaine/stageflow/internal/notify"
	"github.com/tjfontaine/stageflow/internal/runstore"
)

// DefaultMaxConcurrent bounds how many runs execute at once.
const DefaultMaxConcurrent = 64

// eventQueueSize is the lifecycle event buffer between supervisors and the
// publisher.
const eventQueueSize = 1024

// Request describes a pipeline run submission.
type Request struct {
	Pipeline string         `json:"pipeline,omitempty"`
	Query    string         `json:"query"`
	FileID   string         `json:"file_id"`
	Seed     map[string]any `json:"seed,omitempty"`
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Catalog *Catalog

	// Store holds run state. A fresh store is created when nil. The engine
	// installs its notifier as the store's commit hook.
	Store *runstore.Store

	// Events receives lifecycle events. Publishing happens off the run's
	// critical path; failures are logged.
	Events ports.EventPublisher

	Logger  *slog.Logger
	Metrics *Metrics

	MaxConcurrent int
	StageTimeout  time.Duration
	RetryBackoff  time.Duration

	// NewID generates run ids. Defaults to random UUIDs.
	NewID func() string
}

// Engine accepts pipeline runs and supervises each in its own goroutine.
type Engine struct {
	catalog  atomic.Pointer[Catalog]
	store    *runstore.Store
	notifier *notify.Notifier
	runner   *Runner
	events   ports.EventPublisher
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	slots    *semaphore.Weighted
	newID    func() string
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	// queued maps the id of each run waiting for a slot to the function
	// that abandons its wait.
	queued sync.Map

	mu         sync.RWMutex
	closed     bool
	queueShut  bool
	queue      chan *domain.LifecycleEvent
	queueDrain chan struct{}
}

// NewEngine creates an engine ready to accept submissions.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("engine requires a catalog")
	}
	if cfg.Store == nil {
		cfg.Store = runstore.New()
	}
	if cfg.Events == nil {
		cfg.Events = ports.NopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	baseCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:  cfg.Store,
		events: cfg.Events,
		logger: cfg.Logger,
		tracer: otel.Tracer(tracerName),
		runner: NewRunner(RunnerConfig{
			DefaultTimeout: cfg.StageTimeout,
			DefaultBackoff: cfg.RetryBackoff,
			Logger:         cfg.Logger,
		}),
		metrics:    cfg.Metrics,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		newID:      cfg.NewID,
		now:        time.Now,
		baseCtx:    baseCtx,
		stop:       stop,
		queue:      make(chan *domain.LifecycleEvent, eventQueueSize),
		queueDrain: make(chan struct{}),
	}
	e.catalog.Store(cfg.Catalog)
	e.notifier = notify.New(cfg.Store, cfg.Logger)
	cfg.Store.SetCommitHook(e.notifier.Publish)

	go e.dispatchEvents()

	return e, nil
}

// Catalog returns the catalog used for new submissions.
func (e *Engine) Catalog() *Catalog {
	return e.catalog.Load()
}

// SetCatalog replaces the catalog for new submissions. Runs already
// submitted finish under the catalog they started with.
func (e *Engine) SetCatalog(c *Catalog) {
	if c != nil {
		e.catalog.Store(c)
	}
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Submit registers a new run and starts executing it in the background.
// It returns as soon as the run is recorded as Pending.
func (e *Engine) Submit(ctx context.Context, req Request) (string, error) {
	cat := e.catalog.Load()
	def, err := cat.Pipeline(req.Pipeline)
	if err != nil {
		return "", err
	}

	seed := make(map[string]any, len(req.Seed)+2)
	for k, v := range req.Seed {
		seed[k] = v
	}
	// Empty fields are left out so stages requiring them fail the
	// dependency check instead of running on blank input.
	if req.Query != "" {
		seed[KeyQuery] = req.Query
	}
	if req.FileID != "" {
		seed[KeyFileID] = req.FileID
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return "", ErrEngineClosed
	}

	id := e.newID()
	if err := e.store.Create(domain.NewRunState(id, def.Name, e.now())); err != nil {
		return "", fmt.Errorf("register run: %w", err)
	}
	e.metrics.RunsSubmitted.Inc()
	e.emitLocked(&domain.LifecycleEvent{
		Type:      domain.LifecycleRunSubmitted,
		RunID:     id,
		Pipeline:  def.Name,
		Timestamp: e.now(),
	})

	e.logger.Info("run submitted",
		slog.String("run_id", id),
		slog.String("pipeline", def.Name))

	// The run outlives the submitting request; its trace is linked, not
	// parented, to the caller's span.
	link := trace.LinkFromContext(ctx, attribute.String("link", "submit"))

	runCtx, abandon := context.WithCancel(e.baseCtx)
	e.queued.Store(id, abandon)

	e.wg.Add(1)
	go e.execute(runCtx, link, def, cat.Registry(), id, NewExecutionContext(seed))

	return id, nil
}

// Status returns the latest snapshot of a run.
func (e *Engine) Status(id string) (domain.RunState, error) {
	snap, err := e.notifier.Poll(id)
	if err != nil {
		return domain.RunState{}, translateStoreErr(err)
	}
	return snap, nil
}

// Subscribe streams every committed snapshot of the run, starting with the
// current one. The channel closes after the terminal snapshot or when ctx
// is done.
func (e *Engine) Subscribe(ctx context.Context, id string) (<-chan domain.RunState, error) {
	ch, err := e.notifier.Subscribe(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	return ch, nil
}

// Cancel requests cooperative cancellation. A queued run that has not
// started is cancelled immediately and its supervisor stops waiting for a
// slot; a running run stops before its next stage.
func (e *Engine) Cancel(id string) (domain.RunState, error) {
	now := e.now()
	wasQueued := false
	snap, err := e.store.Update(id, func(r *domain.RunState) error {
		r.CancelRequested = true
		if r.Status == domain.RunPending {
			wasQueued = true
			r.Category = domain.CategoryCancelled
			r.Finish(domain.RunCancelled, now)
		}
		return nil
	})
	if err != nil {
		return snap, translateStoreErr(err)
	}

	if wasQueued {
		if abandon, ok := e.queued.LoadAndDelete(id); ok {
			abandon.(context.CancelFunc)()
		}
	}

	e.logger.Info("run cancel requested",
		slog.String("run_id", id),
		slog.String("status", string(snap.Status)))

	if snap.Terminal() {
		e.finished(snap)
	}
	return snap, nil
}

// ListActive returns the ids of runs that are pending or running.
func (e *Engine) ListActive() []string {
	return e.store.ListActive()
}

// Runs returns snapshots of every retained run, oldest first.
func (e *Engine) Runs() []domain.RunState {
	return e.store.List()
}

// Shutdown stops accepting runs and cancels running ones at their next
// stage boundary. It waits for supervisors to exit or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for runs: %w", ctx.Err())
	}

	e.mu.Lock()
	e.queueShut = true
	close(e.queue)
	e.mu.Unlock()

	select {
	case <-e.queueDrain:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("draining events: %w", ctx.Err())
		}
	}
	return err
}

// emit queues a lifecycle event without blocking.
func (e *Engine) emit(ev *domain.LifecycleEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.emitLocked(ev)
}

// emitLocked must be called with e.mu held for reading.
func (e *Engine) emitLocked(ev *domain.LifecycleEvent) {
	if e.queueShut {
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.logger.Warn("dropping lifecycle event, queue full",
			slog.String("run_id", ev.RunID),
			slog.String("type", string(ev.Type)))
	}
}

func (e *Engine) dispatchEvents() {
	defer close(e.queueDrain)
	for ev := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.events.Publish(ctx, ev); err != nil {
			e.logger.Error("failed to publish lifecycle event",
				slog.String("error", err.Error()),
				slog.String("run_id", ev.RunID),
				slog.String("type", string(ev.Type)))
		}
		cancel()
	}
}

func translateStoreErr(err error) error {
	switch {
	case errors.Is(err, runstore.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrRunNotFound, err)
	case errors.Is(err, runstore.ErrTerminal):
		return fmt.Errorf("%w: %v", ErrRunTerminal, err)
	default:
		return err
	}
}
