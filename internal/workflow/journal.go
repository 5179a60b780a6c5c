package workflow

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Wait statuses.
const (
	waitPending = "waiting"
	waitMatched = "matched"
	waitTimeout = "timeout"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	run_id TEXT PRIMARY KEY,
	function_id TEXT NOT NULL,
	status TEXT NOT NULL,
	fired_at TEXT NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	error_text TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status);
CREATE TABLE IF NOT EXISTS workflow_steps (
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	output TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	PRIMARY KEY (run_id, name)
);
CREATE TABLE IF NOT EXISTS workflow_waits (
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	event TEXT NOT NULL,
	correlation TEXT NOT NULL,
	deadline TEXT NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, name)
);
CREATE INDEX IF NOT EXISTS idx_workflow_waits_match ON workflow_waits(event, correlation, status);
CREATE TABLE IF NOT EXISTS workflow_fires (
	function_id TEXT NOT NULL,
	minute TEXT NOT NULL,
	PRIMARY KEY (function_id, minute)
);
`

// RunRecord is a journaled workflow run.
type RunRecord struct {
	ID         string
	FunctionID string
	Status     string
	FiredAt    time.Time
	Output     string
	Error      string
}

// WaitRecord is a persisted event wait.
type WaitRecord struct {
	RunID       string
	Name        string
	Event       string
	Correlation string
	Deadline    time.Time
	Status      string
	Payload     string
}

// Journal persists runs, memoized step results and event waits.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) the SQLite journal at dbPath.
func OpenJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow journal: %w", err)
	}
	j, err := NewJournal(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// NewJournal applies the schema to an open database.
func NewJournal(db *sql.DB) (*Journal, error) {
	if _, err := db.Exec(journalSchema); err != nil {
		return nil, fmt.Errorf("failed to apply journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// CreateRun records a new running run.
func (j *Journal) CreateRun(id, functionID string, firedAt time.Time) error {
	now := formatTime(time.Now())
	_, err := j.db.Exec(`INSERT INTO workflow_runs (run_id, function_id, status, fired_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, id, functionID, StatusRunning, formatTime(firedAt), now, now)
	if err != nil {
		return fmt.Errorf("create run %s: %w", id, err)
	}
	return nil
}

// FinishRun marks a run completed or failed.
func (j *Journal) FinishRun(id, status, output, errText string) error {
	_, err := j.db.Exec(`UPDATE workflow_runs SET status = ?, output = ?, error_text = ?, updated_at = ? WHERE run_id = ?`,
		status, output, errText, formatTime(time.Now()), id)
	return err
}

// GetRun loads a run by ID.
func (j *Journal) GetRun(id string) (*RunRecord, error) {
	var r RunRecord
	var fired string
	err := j.db.QueryRow(`SELECT run_id, function_id, status, fired_at, output, error_text FROM workflow_runs WHERE run_id = ?`, id).
		Scan(&r.ID, &r.FunctionID, &r.Status, &fired, &r.Output, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.FiredAt = parseTime(fired)
	return &r, nil
}

// UnfinishedRuns lists runs still marked running, oldest first.
func (j *Journal) UnfinishedRuns() ([]RunRecord, error) {
	rows, err := j.db.Query(`SELECT run_id, function_id, status, fired_at FROM workflow_runs WHERE status = ? ORDER BY created_at`, StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var fired string
		if err := rows.Scan(&r.ID, &r.FunctionID, &r.Status, &fired); err != nil {
			return nil, err
		}
		r.FiredAt = parseTime(fired)
		out = append(out, r)
	}
	return out, rows.Err()
}

// StepOutput returns a memoized step result.
func (j *Journal) StepOutput(runID, name string) (string, bool, error) {
	var out string
	err := j.db.QueryRow(`SELECT output FROM workflow_steps WHERE run_id = ? AND name = ?`, runID, name).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

// SaveStep memoizes a step result.
func (j *Journal) SaveStep(runID, name, output string) error {
	_, err := j.db.Exec(`INSERT OR REPLACE INTO workflow_steps (run_id, name, output, completed_at) VALUES (?, ?, ?, ?)`,
		runID, name, output, formatTime(time.Now()))
	return err
}

// GetWait loads the wait for a run step.
func (j *Journal) GetWait(runID, name string) (*WaitRecord, error) {
	var w WaitRecord
	var deadline string
	err := j.db.QueryRow(`SELECT run_id, name, event, correlation, deadline, status, payload FROM workflow_waits WHERE run_id = ? AND name = ?`, runID, name).
		Scan(&w.RunID, &w.Name, &w.Event, &w.Correlation, &deadline, &w.Status, &w.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Deadline = parseTime(deadline)
	return &w, nil
}

// FindWait loads the most recent wait for event/correlation.
func (j *Journal) FindWait(event, correlation string) (*WaitRecord, error) {
	var w WaitRecord
	var deadline string
	err := j.db.QueryRow(`SELECT run_id, name, event, correlation, deadline, status, payload FROM workflow_waits WHERE event = ? AND correlation = ? ORDER BY deadline DESC LIMIT 1`, event, correlation).
		Scan(&w.RunID, &w.Name, &w.Event, &w.Correlation, &deadline, &w.Status, &w.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Deadline = parseTime(deadline)
	return &w, nil
}

// CreateWait persists a pending wait. An existing wait is left untouched.
func (j *Journal) CreateWait(w WaitRecord) error {
	_, err := j.db.Exec(`INSERT OR IGNORE INTO workflow_waits (run_id, name, event, correlation, deadline, status) VALUES (?, ?, ?, ?, ?, ?)`,
		w.RunID, w.Name, w.Event, w.Correlation, formatTime(w.Deadline), waitPending)
	return err
}

// MatchWaits resolves every pending wait for event/correlation and returns
// how many matched.
func (j *Journal) MatchWaits(event, correlation, payload string) (int64, error) {
	res, err := j.db.Exec(`UPDATE workflow_waits SET status = ?, payload = ? WHERE event = ? AND correlation = ? AND status = ?`,
		waitMatched, payload, event, correlation, waitPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpireWait marks a pending wait as timed out. It reports false when the wait
// was already resolved.
func (j *Journal) ExpireWait(runID, name string) (bool, error) {
	res, err := j.db.Exec(`UPDATE workflow_waits SET status = ? WHERE run_id = ? AND name = ? AND status = ?`,
		waitTimeout, runID, name, waitPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkFired records that functionID fired for minute. It reports false when
// that minute was already recorded.
func (j *Journal) MarkFired(functionID string, minute time.Time) (bool, error) {
	res, err := j.db.Exec(`INSERT OR IGNORE INTO workflow_fires (function_id, minute) VALUES (?, ?)`,
		functionID, minute.UTC().Truncate(time.Minute).Format("2006-01-02T15:04Z"))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PruneFires deletes fire markers older than before.
func (j *Journal) PruneFires(before time.Time) error {
	_, err := j.db.Exec(`DELETE FROM workflow_fires WHERE minute < ?`, before.UTC().Format("2006-01-02T15:04Z"))
	return err
}
