package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/zengraph/zengraph/pkg/cache"
	"github.com/zengraph/zengraph/pkg/engine"
	"github.com/zengraph/zengraph/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned by the Get methods when no row matches.
var ErrNotFound = errors.New("not found")

// Config selects the ledger database.
type Config struct {
	Path string

	// MaxOpenConns defaults to 1: SQLite has a single writer and a larger pool only
	// trades throughput for SQLITE_BUSY retries.
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Ledger is the SQLite run ledger of a session.
type Ledger struct {
	db *sql.DB
}

var (
	_ cache.FrameRecorder = (*Ledger)(nil)
	_ Store               = (*Ledger)(nil)
)

// Open opens the database at cfg.Path, creating it when missing, and applies any
// pending migrations.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, errors.New("ledger path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach ledger %s: %w", cfg.Path, err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range []string{"foreign_keys(1)", "journal_mode(WAL)", "busy_timeout(5000)", "synchronous(NORMAL)"} {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	q.Set("_time_format", "sqlite")
	return "file:" + path + "?" + q.Encode()
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load ledger migrations: %w", err)
	}
	target, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare ledger migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", target)
	if err != nil {
		return fmt.Errorf("failed to prepare ledger migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// queryAll runs query and scans every row with scan.
func queryAll[T any](ctx context.Context, db *sql.DB, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func queryOne[T any](ctx context.Context, db *sql.DB, scan func(rowScanner) (T, error), query string, args ...any) (T, error) {
	v, err := scan(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	return v, err
}

// Runs

const selectRun = `SELECT id, frame, status, started_at, completed_at, duration_ms,
	nodes_applied, error, error_code, failed_node, created_at FROM runs`

func scanRun(row rowScanner) (*Run, error) {
	var (
		r  Run
		ms int64
	)
	err := row.Scan(&r.ID, &r.Frame, &r.Status, &r.StartedAt, &r.CompletedAt, &ms,
		&r.NodesApplied, &r.Error, &r.ErrorCode, &r.FailedNode, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Duration = time.Duration(ms) * time.Millisecond
	return &r, nil
}

// RecordRun stores run. Recording the same id again replaces its outcome, so a run
// can be written once when it starts and again when it ends. An empty id gets a uuid.
func (l *Ledger) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id, frame, status, started_at, completed_at, duration_ms,
			nodes_applied, error, error_code, failed_node, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			nodes_applied = excluded.nodes_applied,
			error = excluded.error,
			error_code = excluded.error_code,
			failed_node = excluded.failed_node`,
		run.ID, run.Frame, run.Status, run.StartedAt, run.CompletedAt, run.Duration.Milliseconds(),
		run.NodesApplied, run.Error, run.ErrorCode, run.FailedNode, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the run with id.
func (l *Ledger) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := queryOne(ctx, l.db, scanRun, selectRun+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns pages through runs, newest first.
func (l *Ledger) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	runs, err := queryAll(ctx, l.db, scanRun, selectRun+` ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// PruneRuns deletes runs started before cutoff and returns how many went.
func (l *Ledger) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}

// Frames

const selectFrame = `SELECT frame, state, dir, objects, bytes, updated_at FROM frames`

func scanFrame(row rowScanner) (*Frame, error) {
	var f Frame
	if err := row.Scan(&f.Frame, &f.State, &f.Dir, &f.Objects, &f.Bytes, &f.UpdatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

// RecordFrame keeps one row per frame holding its latest cache state.
func (l *Ledger) RecordFrame(ctx context.Context, rec cache.FrameRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO frames (frame, state, dir, objects, bytes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(frame) DO UPDATE SET
			state = excluded.state,
			dir = excluded.dir,
			objects = excluded.objects,
			bytes = excluded.bytes,
			updated_at = excluded.updated_at`,
		rec.Frame, rec.State, rec.Dir, rec.Objects, rec.Bytes, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record frame %d: %w", rec.Frame, err)
	}
	return nil
}

// GetFrame returns the row of frame.
func (l *Ledger) GetFrame(ctx context.Context, frame int) (*Frame, error) {
	f, err := queryOne(ctx, l.db, scanFrame, selectFrame+` WHERE frame = ?`, frame)
	if err != nil {
		return nil, fmt.Errorf("failed to get frame %d: %w", frame, err)
	}
	return f, nil
}

// ListFrames returns frames in id order. A nil state lists every frame.
func (l *Ledger) ListFrames(ctx context.Context, state *engine.FrameState) ([]*Frame, error) {
	frames, err := queryAll(ctx, l.db, scanFrame, selectFrame+` WHERE (? IS NULL OR state = ?) ORDER BY frame`, state, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	return frames, nil
}

// Events

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.EventID, &e.Topic, &e.RunID, &e.Frame, &e.Name, &e.Message, &e.Timestamp)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// AppendEvent implements session.EventSink. The message of a failure event defaults to
// its error text.
func (l *Ledger) AppendEvent(ctx context.Context, event telemetry.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Message == "" && event.Err != nil {
		event.Message = event.Err.Error()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (event_id, topic, run_id, frame, name, message, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Topic, nullable(event.RunID), event.Frame, nullable(event.Name), nullable(event.Message), event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.Topic, err)
	}
	return nil
}

// GetEvents pages through events, newest first. Nil filters match everything.
func (l *Ledger) GetEvents(ctx context.Context, topic, runID *string, limit, offset int) ([]*Event, error) {
	events, err := queryAll(ctx, l.db, scanEvent, `
		SELECT id, event_id, topic, run_id, frame, name, message, timestamp
		FROM events
		WHERE (? IS NULL OR topic = ?) AND (? IS NULL OR run_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?`,
		topic, topic, runID, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return events, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
