package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yumyai/clusterfinder/pkg/cluster"
	"github.com/yumyai/clusterfinder/pkg/table"

	_ "modernc.org/sqlite"
)

// Defining possible error
var ErrRunNotFound = errors.New("run does not exist")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	output_prefix TEXT NOT NULL,
	params        TEXT NOT NULL,
	status        TEXT NOT NULL,
	failed_stage  TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	final_table   TEXT NOT NULL DEFAULT '',
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS stage_events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id   TEXT NOT NULL REFERENCES runs(run_id),
	stage    TEXT NOT NULL,
	status   TEXT NOT NULL,
	detail   TEXT NOT NULL DEFAULT '',
	at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS final_records (
	run_id          TEXT NOT NULL REFERENCES runs(run_id),
	row_index       INTEGER NOT NULL,
	seq_name        TEXT NOT NULL,
	collection_date TEXT NOT NULL,
	location        TEXT NOT NULL,
	deletions       TEXT NOT NULL,
	insertions      TEXT NOT NULL,
	cluster         INTEGER NOT NULL,
	cluster_group   INTEGER NOT NULL,
	final_cluster   TEXT NOT NULL,
	PRIMARY KEY (run_id, row_index)
);
CREATE INDEX IF NOT EXISTS idx_final_records_cluster ON final_records(run_id, cluster);
`

// Run is one pipeline execution as stored in the ledger.
type Run struct {
	ID           string            `json:"run_id"`
	OutputPrefix string            `json:"output_prefix"`
	Params       map[string]string `json:"params"`
	Status       string            `json:"status"`
	FailedStage  string            `json:"failed_stage,omitempty"`
	Error        string            `json:"error,omitempty"`
	FinalTable   string            `json:"final_table,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	Events       []StageEvent      `json:"events,omitempty"`
}

type StageEvent struct {
	Stage  string    `json:"stage"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// RunStore is the SQLite ledger of pipeline runs.
type RunStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file and its directory when needed.
func Open(path string) (*RunStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	store, err := NewRunStore(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return store, nil
}

// NewRunStore wraps an open connection and makes sure the schema exists.
func NewRunStore(conn *sql.DB) (*RunStore, error) {
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &RunStore{db: conn, now: time.Now}, nil
}

func (s *RunStore) Close() error {
	return s.db.Close()
}

// stampLayout is fixed width so timestamps order correctly as text.
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *RunStore) stamp() string {
	return s.now().UTC().Format(stampLayout)
}

func (s *RunStore) StartRun(ctx context.Context, runID, outputPrefix string, params map[string]string) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, output_prefix, params, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, outputPrefix, string(raw), StatusRunning, s.stamp())
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

func (s *RunStore) RecordStage(ctx context.Context, runID, stage, status, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_events (run_id, stage, status, detail, at) VALUES (?, ?, ?, ?, ?)`,
		runID, stage, status, detail, s.stamp())
	if err != nil {
		return fmt.Errorf("record stage %s of run %s: %w", stage, runID, err)
	}
	return nil
}

// FinishRun closes a run. failedStage and errMsg are empty on success.
func (s *RunStore) FinishRun(ctx context.Context, runID, failedStage, errMsg, finalTable string) error {
	status := StatusSucceeded
	if errMsg != "" {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failed_stage = ?, error = ?, final_table = ?, finished_at = ? WHERE run_id = ?`,
		status, failedStage, errMsg, finalTable, s.stamp(), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// SaveRecords stores the labelled table of a run in one transaction.
func (s *RunStore) SaveRecords(ctx context.Context, runID string, rows []cluster.LabeledRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stm, err := tx.PrepareContext(ctx, `
		INSERT INTO final_records (run_id, row_index, seq_name, collection_date, location,
			deletions, insertions, cluster, cluster_group, final_cluster)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stm.Close()

	for i, r := range rows {
		if _, err := stm.ExecContext(ctx, runID, i, r.SeqName, r.CollectionDate, r.Location,
			r.Deletions, r.Insertions, r.Cluster, r.Group, r.Label); err != nil {
			return fmt.Errorf("save record %s: %w", r.SeqName, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first, without their events.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, output_prefix, params, status, failed_stage, error, final_table, started_at, finished_at
		FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run with its stage events in order.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, output_prefix, params, status, failed_stage, error, final_table, started_at, finished_at
		FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, status, detail, at FROM stage_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ev StageEvent
		var at string
		if err := rows.Scan(&ev.Stage, &ev.Status, &ev.Detail, &at); err != nil {
			return nil, err
		}
		ev.At, _ = time.Parse(stampLayout, at)
		run.Events = append(run.Events, ev)
	}
	return run, rows.Err()
}

// Records returns the labelled rows of a run in their original order,
// optionally restricted to one cluster id.
func (s *RunStore) Records(ctx context.Context, runID string, clusterID *int) ([]cluster.LabeledRecord, error) {
	q := `SELECT seq_name, collection_date, location, deletions, insertions, cluster, cluster_group, final_cluster
		FROM final_records WHERE run_id = ?`
	args := []any{runID}
	if clusterID != nil {
		q += ` AND cluster = ?`
		args = append(args, *clusterID)
	}
	q += ` ORDER BY row_index`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]cluster.LabeledRecord, 0, 16)
	for rows.Next() {
		var r cluster.LabeledRecord
		var m table.MergedRecord
		if err := rows.Scan(&m.SeqName, &m.CollectionDate, &m.Location, &m.Deletions,
			&m.Insertions, &m.Cluster, &r.Group, &r.Label); err != nil {
			return nil, err
		}
		r.MergedRecord = m
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var params, started, finished string
	if err := sc.Scan(&r.ID, &r.OutputPrefix, &params, &r.Status, &r.FailedStage,
		&r.Error, &r.FinalTable, &started, &finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("run %s params: %w", r.ID, err)
	}
	r.StartedAt, _ = time.Parse(stampLayout, started)
	if finished != "" {
		if t, err := time.Parse(stampLayout, finished); err == nil {
			r.FinishedAt = &t
		}
	}
	return &r, nil
}
