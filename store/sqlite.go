// ABOUTME: SQLite-backed run history: one row per run plus its lifecycle events.
// ABOUTME: Fed by the workflow event stream so every interface (HTTP, CLI, MCP) shares one history.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/2389-research/assay/workflow"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Status is the lifecycle state of a stored run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one row of run history.
type Run struct {
	ID         string          `json:"id"`
	Question   string          `json:"question"`
	Folder     string          `json:"folder"`
	Status     Status          `json:"status"`
	Stage      string          `json:"stage,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Message    string          `json:"message,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// EventRow is a stored lifecycle event.
type EventRow struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Type      string         `json:"type"`
	Stage     string         `json:"stage,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SqliteStore persists runs and events in a SQLite database.
type SqliteStore struct {
	db *sql.DB
}

// OpenSqlite opens or creates the run database at path.
func OpenSqlite(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas below are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			folder TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			result TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT
		);

		CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			data TEXT,
			timestamp TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		);

		CREATE INDEX IF NOT EXISTS events_run ON events(run_id, event_id);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SqliteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts or replaces the header row of a run.
func (s *SqliteStore) CreateRun(run Run) error {
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, question, folder, status, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			question = excluded.question,
			folder = excluded.folder,
			status = excluded.status`,
		run.ID, run.Question, run.Folder, string(run.Status), run.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// SaveResult stores the final result payload of a run.
func (s *SqliteStore) SaveResult(runID string, result json.RawMessage) error {
	res, err := s.db.Exec("UPDATE runs SET result = ? WHERE run_id = ?", string(result), runID)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return requireRow(res)
}

// AppendEvent records evt and applies it to the run row: stage transitions
// update the current stage and terminal events close the run.
func (s *SqliteStore) AppendEvent(evt workflow.Event) error {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var data []byte
	if len(evt.Data) > 0 {
		var err error
		if data, err = json.Marshal(evt.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO events (event_id, run_id, type, stage, attempt, data, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), evt.RunID, string(evt.Type), string(evt.Stage), evt.Attempt, nullable(data), ts.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	switch evt.Type {
	case workflow.EventStageStarted:
		_, err = tx.Exec("UPDATE runs SET stage = ? WHERE run_id = ?", string(evt.Stage), evt.RunID)
	case workflow.EventRunCompleted:
		_, err = tx.Exec("UPDATE runs SET status = ?, stage = ?, finished_at = ? WHERE run_id = ?",
			string(StatusCompleted), string(workflow.StageComplete), ts.UTC().Format(timeLayout), evt.RunID)
	case workflow.EventRunFailed:
		_, err = tx.Exec("UPDATE runs SET status = ?, stage = ?, kind = ?, message = ?, detail = ?, finished_at = ? WHERE run_id = ?",
			string(StatusFailed), string(evt.Stage), dataString(evt.Data, "kind"), dataString(evt.Data, "message"),
			dataString(evt.Data, "detail"), ts.UTC().Format(timeLayout), evt.RunID)
	}
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit()
}

// Handler returns an event handler that appends every event, logging
// failures instead of interrupting the run.
func (s *SqliteStore) Handler() workflow.EventHandler {
	return func(evt workflow.Event) {
		if err := s.AppendEvent(evt); err != nil {
			log.Printf("component=store action=append_event run=%s type=%s err=%v", evt.RunID, evt.Type, err)
		}
	}
}

// GetRun returns one run, or ErrNotFound.
func (s *SqliteStore) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT run_id, question, folder, status, stage, kind, message, detail, result, started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// ListRuns returns the most recent runs first. limit <= 0 means 50.
func (s *SqliteStore) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT run_id, question, folder, status, stage, kind, message, detail, result, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Events returns the events of a run in the order they were recorded.
func (s *SqliteStore) Events(runID string) ([]EventRow, error) {
	rows, err := s.db.Query(
		`SELECT event_id, run_id, type, stage, attempt, data, timestamp
		 FROM events WHERE run_id = ? ORDER BY event_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		var (
			e    EventRow
			data sql.NullString
			ts   string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Stage, &e.Attempt, &data, &ts); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		e.Timestamp, _ = time.Parse(timeLayout, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r        Run
		status   string
		result   sql.NullString
		started  string
		finished sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Question, &r.Folder, &status, &r.Stage, &r.Kind, &r.Message, &r.Detail,
		&result, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run row: %w", err)
	}
	r.Status = Status(status)
	if result.Valid && result.String != "" {
		r.Result = json.RawMessage(result.String)
	}
	r.StartedAt, _ = time.Parse(timeLayout, started)
	if finished.Valid {
		if t, err := time.Parse(timeLayout, finished.String); err == nil {
			r.FinishedAt = &t
		}
	}
	return &r, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func dataString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
