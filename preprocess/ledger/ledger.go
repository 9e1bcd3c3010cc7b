// Package ledger records pipeline runs and the rows each stage flagged in a local SQLite file.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/theimaginaryfoundation/journal-prep/preprocess"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    started_at  TEXT NOT NULL,
    finished_at TEXT,
    stages      TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'running',
    error       TEXT
);

CREATE TABLE IF NOT EXISTS stage_reports (
    run_id   TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    stage    TEXT NOT NULL,
    rows_in  INTEGER NOT NULL,
    rows_out INTEGER NOT NULL,
    flags    INTEGER NOT NULL,
    seconds  REAL NOT NULL,
    PRIMARY KEY (run_id, stage)
);

CREATE TABLE IF NOT EXISTS flags (
    run_id  TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    stage   TEXT NOT NULL,
    dataset TEXT NOT NULL,
    row_key TEXT NOT NULL,
    reason  TEXT NOT NULL,
    detail  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_flags_run_reason ON flags(run_id, reason);
`

// Ledger is the audit database.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path. ":memory:" is accepted for tests.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if ctx == nil {
		return nil, errors.New("Open: ctx is nil")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("Open: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	// One connection keeps ":memory:" a single database and serialises writers.
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("Open: %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: schema: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) stamp() string { return l.now().UTC().Format(time.RFC3339Nano) }

// BeginRun registers a run of the named stages and returns its ID.
func (l *Ledger) BeginRun(ctx context.Context, stages []string) (string, error) {
	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, stages) VALUES (?, ?, ?)`,
		id, l.stamp(), strings.Join(stages, ","))
	if err != nil {
		return "", fmt.Errorf("BeginRun: %w", err)
	}
	return id, nil
}

// RecordReport stores one stage's counts and its flags in a single transaction.
func (l *Ledger) RecordReport(ctx context.Context, runID string, rep preprocess.Report, took time.Duration) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("RecordReport: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO stage_reports (run_id, stage, rows_in, rows_out, flags, seconds) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, rep.Stage, rep.RowsIn, rep.RowsOut, len(rep.Flags), took.Seconds())
	if err != nil {
		return fmt.Errorf("RecordReport: report: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM flags WHERE run_id = ? AND stage = ?`, runID, rep.Stage); err != nil {
		return fmt.Errorf("RecordReport: clear flags: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO flags (run_id, stage, dataset, row_key, reason, detail) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("RecordReport: prepare: %w", err)
	}
	defer stmt.Close()
	for _, f := range rep.Flags {
		// Flags are filed under the reporting stage so the delete above replaces all of them.
		stage := rep.Stage
		if stage == "" {
			stage = f.Stage
		}
		if _, err := stmt.ExecContext(ctx, runID, stage, f.Dataset, f.Key, f.Reason, f.Detail); err != nil {
			return fmt.Errorf("RecordReport: flag %s/%s: %w", f.Key, f.Reason, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("RecordReport: commit: %w", err)
	}
	return nil
}

// FinishRun closes a run. A non-nil runErr marks it failed.
func (l *Ledger) FinishRun(ctx context.Context, runID string, runErr error) error {
	status, msg := "ok", ""
	if runErr != nil {
		status, msg = "failed", runErr.Error()
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, error = ? WHERE run_id = ?`,
		l.stamp(), status, msg, runID)
	if err != nil {
		return fmt.Errorf("FinishRun: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("FinishRun: unknown run %s", runID)
	}
	return nil
}

// Run is one row of the runs table.
type Run struct {
	ID         string
	StartedAt  string
	FinishedAt string
	Stages     []string
	Status     string
	Error      string
}

// LastRun returns the most recently started run.
func (l *Ledger) LastRun(ctx context.Context) (Run, error) {
	var (
		r                 Run
		stages            string
		finished, errText sql.NullString
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT run_id, started_at, finished_at, stages, status, error FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`).
		Scan(&r.ID, &r.StartedAt, &finished, &stages, &r.Status, &errText)
	if err != nil {
		return Run{}, fmt.Errorf("LastRun: %w", err)
	}
	r.FinishedAt = finished.String
	r.Error = errText.String
	if stages != "" {
		r.Stages = strings.Split(stages, ",")
	}
	return r, nil
}

// FlagCounts returns flags per reason for a run.
func (l *Ledger) FlagCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT reason, COUNT(*) FROM flags WHERE run_id = ? GROUP BY reason`, runID)
	if err != nil {
		return nil, fmt.Errorf("FlagCounts: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("FlagCounts: scan: %w", err)
		}
		out[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("FlagCounts: %w", err)
	}
	return out, nil
}

// Flags returns a run's flags for one stage in insertion order.
func (l *Ledger) Flags(ctx context.Context, runID, stage string) ([]preprocess.Flag, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT stage, dataset, row_key, reason, detail FROM flags WHERE run_id = ? AND stage = ? ORDER BY rowid`,
		runID, stage)
	if err != nil {
		return nil, fmt.Errorf("Flags: %w", err)
	}
	defer rows.Close()
	var out []preprocess.Flag
	for rows.Next() {
		var f preprocess.Flag
		if err := rows.Scan(&f.Stage, &f.Dataset, &f.Key, &f.Reason, &f.Detail); err != nil {
			return nil, fmt.Errorf("Flags: scan: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Flags: %w", err)
	}
	return out, nil
}
