// Package journal keeps a SQLite audit log of runs and the tool calls they made.
// It is write-only from the driver's side; nothing is resumed from it.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run is not in the journal
var ErrNotFound = errors.New("run not found")

// Run is one driver execution
type Run struct {
	ID         string // Assigned by the driver before the assistant run exists
	RunID      string
	ThreadID   string
	Repo       string
	Status     string
	Message    string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Duration returns how long the run took, or has been running
func (r *Run) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// ToolCall is one executed tool call
type ToolCall struct {
	RunID      string
	ToolCallID string
	Name       string
	Arguments  string
	Output     string
	Failed     bool
	Duration   time.Duration
	CreatedAt  time.Time
}

// Store provides SQLite-backed run history
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the journal at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin records a run that is about to start
func (s *Store) Begin(ctx context.Context, id, repo string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, repo, status, started_at) VALUES (?, ?, ?, ?)
	`, id, repo, "created", startedAt.UTC())
	return err
}

// Attach links the journal entry to the assistant's thread and run
func (s *Store) Attach(ctx context.Context, id, threadID, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET thread_id = ?, run_id = ? WHERE id = ?`, threadID, runID, id)
	return err
}

// SetStatus records the latest observed run status
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ? AND finished_at IS NULL`, status, id)
	return err
}

// Finish records the terminal status and user-visible message
func (s *Store) Finish(ctx context.Context, id, status, message string, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, message = ?, finished_at = ? WHERE id = ?
	`, status, message, finishedAt.UTC(), id)
	return err
}

// RecordToolCall appends a tool call to the run's history
func (s *Store) RecordToolCall(ctx context.Context, tc ToolCall) error {
	created := tc.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (run_id, tool_call_id, name, arguments, output, failed, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, tc.RunID, tc.ToolCallID, tc.Name, tc.Arguments, tc.Output, tc.Failed, tc.Duration.Milliseconds(), created.UTC())
	return err
}

const runColumns = `id, COALESCE(run_id, ''), COALESCE(thread_id, ''), repo, status, COALESCE(message, ''), started_at, finished_at`

// Get returns a run by its journal id
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListOptions filters List
type ListOptions struct {
	Repo  string
	Limit int
}

// List returns runs newest first
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if opts.Repo != "" {
		query += " AND repo = ?"
		args = append(args, opts.Repo)
	}
	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ToolCalls returns the tool calls of an assistant run in execution order
func (s *Store) ToolCalls(ctx context.Context, runID string) ([]ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, tool_call_id, name, COALESCE(arguments, ''), COALESCE(output, ''), failed, duration_ms, created_at
		FROM tool_calls WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var tc ToolCall
		var ms int64
		if err := rows.Scan(&tc.RunID, &tc.ToolCallID, &tc.Name, &tc.Arguments, &tc.Output, &tc.Failed, &ms, &tc.CreatedAt); err != nil {
			return nil, err
		}
		tc.Duration = time.Duration(ms) * time.Millisecond
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var finished sql.NullTime
	if err := row.Scan(&run.ID, &run.RunID, &run.ThreadID, &run.Repo, &run.Status, &run.Message, &run.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
