// Package journal persists lifecycle transitions to SQLite so they survive
// restarts of the runner.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ngenohkevin/schedules-runner/internal/dispatch"
)

// DefaultLimit bounds Recent when no limit is given
const DefaultLimit = 100

// Entry is one recorded transition
type Entry struct {
	ID         int64          `json:"id"`
	DispatchID string         `json:"dispatch_id"`
	ExecID     string         `json:"exec_id"`
	TaskID     string         `json:"task_id"`
	State      dispatch.State `json:"state"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Error      string         `json:"error,omitempty"`
	At         time.Time      `json:"at"`
}

// Journal is a SQLite-backed transition log
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the journal at path and runs migrations
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, logger: logger.With("component", "journal")}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dispatch_id TEXT NOT NULL,
		exec_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		state TEXT NOT NULL,
		exit_code INTEGER,
		error TEXT,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_exec_id ON transitions(exec_id);
	CREATE INDEX IF NOT EXISTS idx_transitions_dispatch_id ON transitions(dispatch_id);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Record stores one lifecycle snapshot
func (j *Journal) Record(ctx context.Context, lc dispatch.Lifecycle) error {
	var exitCode sql.NullInt64
	if lc.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*lc.ExitCode), Valid: true}
	}
	var errText sql.NullString
	if lc.Error != "" {
		errText = sql.NullString{String: lc.Error, Valid: true}
	}

	at := lc.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (dispatch_id, exec_id, task_id, state, exit_code, error, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lc.DispatchID, lc.ExecID, lc.TaskID, string(lc.State), exitCode, errText, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// Observe implements dispatch.Observer. Write failures are logged and dropped.
func (j *Journal) Observe(lc dispatch.Lifecycle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := j.Record(ctx, lc); err != nil {
		j.logger.Warn("journal write failed", "exec_id", lc.ExecID, "state", lc.State, "error", err)
	}
}

// Recent returns the newest entries first; limit <= 0 uses DefaultLimit
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return j.query(ctx,
		`SELECT id, dispatch_id, exec_id, task_id, state, exit_code, error, at
		 FROM transitions ORDER BY id DESC LIMIT ?`, limit)
}

// ForExec returns every entry of an execution in recording order
func (j *Journal) ForExec(ctx context.Context, execID string) ([]Entry, error) {
	return j.query(ctx,
		`SELECT id, dispatch_id, exec_id, task_id, state, exit_code, error, at
		 FROM transitions WHERE exec_id = ? ORDER BY id`, execID)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e        Entry
			state    string
			exitCode sql.NullInt64
			errText  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.DispatchID, &e.ExecID, &e.TaskID, &state, &exitCode, &errText, &e.At); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.State = dispatch.State(state)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			e.ExitCode = &code
		}
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
