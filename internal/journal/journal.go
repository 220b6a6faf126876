// Package journal persists deployment events in SQLite so that operators
// can see what was deployed, when, and why a deployment failed.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/hotdeploy/hotdeploy/internal/engine"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one recorded event.
type Entry struct {
	ID       int64
	CycleID  string
	Time     time.Time
	Action   string
	Type     string
	Path     string
	Key      string
	Outcome  string
	Attempt  int
	Duration time.Duration
	Error    string
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Type    string
	Path    string
	CycleID string
	Outcome string
	Since   time.Time
	Limit   int

	// FailedOnly keeps every outcome other than success.
	FailedOnly bool
}

// Store is the journal database.
type Store struct {
	db     *sql.DB
	logger hclog.Logger
}

var _ engine.Reporter = (*Store)(nil)

// Open opens the SQLite database at dsn and runs pending migrations. Use
// ":memory:" for an in-memory journal.
func Open(dsn string, logger hclog.Logger) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer and every ":memory:"
	// connection would otherwise be a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, logger: logger.Named("journal")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record stores ev.
func (s *Store) Record(ctx context.Context, ev engine.Event) error {
	var errText string
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (cycle_id, occurred_at, action, artifact_type, path,
		   deployment_key, outcome, attempt, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.CycleID, ev.Time.UTC().Format(timeLayout), string(ev.Action), string(ev.Type), ev.Path,
		string(ev.Key), string(ev.Outcome), ev.Attempt, ev.Duration.Milliseconds(), errText,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Report implements engine.Reporter. The event is written even when ctx
// is cancelled; a write failure is logged.
func (s *Store) Report(ctx context.Context, ev engine.Event) {
	if err := s.Record(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Error("failed to record event", "action", ev.Action, "path", ev.Path, "error", err)
	}
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		where = append(where, cond)
		args = append(args, arg)
	}
	if f.Type != "" {
		add("artifact_type = ?", f.Type)
	}
	if f.Path != "" {
		add("path = ?", f.Path)
	}
	if f.CycleID != "" {
		add("cycle_id = ?", f.CycleID)
	}
	if f.Outcome != "" {
		add("outcome = ?", f.Outcome)
	}
	if f.FailedOnly {
		add("outcome <> ?", string(engine.OutcomeSuccess))
	}
	if !f.Since.IsZero() {
		add("occurred_at >= ?", f.Since.UTC().Format(timeLayout))
	}

	query := `SELECT id, cycle_id, occurred_at, action, artifact_type, path,
	  deployment_key, outcome, attempt, duration_ms, error FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e          Entry
		occurredAt string
		durationMS int64
	)
	err := rows.Scan(&e.ID, &e.CycleID, &occurredAt, &e.Action, &e.Type, &e.Path,
		&e.Key, &e.Outcome, &e.Attempt, &durationMS, &e.Error)
	if err != nil {
		return Entry{}, fmt.Errorf("scan event: %w", err)
	}
	e.Time, err = time.Parse(timeLayout, occurredAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse occurred_at %q: %w", occurredAt, err)
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	return e, nil
}
