// Package sqlite provides the SQLite run archive.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/stageflow/internal/core/domain"
	"github.com/tjfontaine/stageflow/internal/core/ports"
)

// Store is a SQLite implementation of ports.ArchiveStore.
type Store struct {
	db *sqlx.DB
}

var _ ports.ArchiveStore = (*Store)(nil)

// New opens (or creates) the archive at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to an in-memory database gets its own database.
	if inMemory(dbPath) {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func inMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			status TEXT NOT NULL,
			category TEXT,
			error TEXT,
			snapshot TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			stage TEXT,
			data TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

type runRow struct {
	Snapshot string `db:"snapshot"`
}

type eventRow struct {
	ID        int64          `db:"id"`
	RunID     string         `db:"run_id"`
	Type      string         `db:"type"`
	Stage     sql.NullString `db:"stage"`
	Data      sql.NullString `db:"data"`
	CreatedAt time.Time      `db:"created_at"`
}

// SaveRun stores the run snapshot, replacing any earlier one.
func (s *Store) SaveRun(ctx context.Context, run *domain.RunState) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UTC()
	}

	query := `INSERT INTO runs (id, pipeline, status, category, error, snapshot, created_at, completed_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	              status=excluded.status, category=excluded.category, error=excluded.error,
	              snapshot=excluded.snapshot, completed_at=excluded.completed_at`

	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Pipeline, string(run.Status), string(run.Category), run.Error,
		string(snapshot), run.CreatedAt.UTC(), completedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun returns the archived snapshot of run id.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.RunState, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT snapshot FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return decodeRun(row.Snapshot)
}

// ListRuns lists archived runs, newest first.
func (s *Store) ListRuns(ctx context.Context, opts ports.ListOptions) ([]*domain.RunState, error) {
	var (
		where []string
		args  []any
	)
	if opts.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, opts.Pipeline)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}

	query := `SELECT snapshot FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`

	limit := opts.Limit
	if limit <= 0 {
		limit = ports.DefaultListLimit
	}
	args = append(args, limit, opts.Offset)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*domain.RunState, 0, len(rows))
	for _, row := range rows {
		run, err := decodeRun(row.Snapshot)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// AppendEvent records a lifecycle event.
func (s *Store) AppendEvent(ctx context.Context, event *domain.LifecycleEvent) error {
	var data any
	if event.Data != nil {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		data = string(raw)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `INSERT INTO run_events (run_id, type, stage, data, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		event.RunID, string(event.Type), event.Stage, data, ts.UTC()); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the events recorded for runID in insertion order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]*ports.StoredEvent, error) {
	var rows []eventRow
	query := `SELECT id, run_id, type, stage, data, created_at FROM run_events WHERE run_id = ? ORDER BY id ASC`
	if err := s.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]*ports.StoredEvent, 0, len(rows))
	for _, row := range rows {
		ev := &ports.StoredEvent{
			ID:        row.ID,
			RunID:     row.RunID,
			Type:      domain.LifecycleEventType(row.Type),
			Stage:     row.Stage.String,
			CreatedAt: row.CreatedAt,
		}
		if row.Data.Valid {
			ev.Data = json.RawMessage(row.Data.String)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func decodeRun(snapshot string) (*domain.RunState, error) {
	var run domain.RunState
	if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}
