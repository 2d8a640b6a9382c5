// Package store keeps an index of exported job reports in sqlite so they stay
// queryable after the job leaves memory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ffbatch/task"
)

var ErrNotFound = errors.New("report not found")

// Record is one stored report.
type Record struct {
	JobID      string       `json:"jobId"`
	Name       string       `json:"name"`
	Status     string       `json:"status"`
	Path       string       `json:"path"`
	ExportedAt time.Time    `json:"exportedAt"`
	Report     *task.Report `json:"report,omitempty"`
}

type ReportStore struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*ReportStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open report db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &ReportStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init report db: %w", err)
	}
	return s, nil
}

func (s *ReportStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS reports (
		job_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		path TEXT NOT NULL,
		body TEXT NOT NULL,
		exported_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_exported ON reports(exported_at);
	`)
	return err
}

// SaveReport inserts or replaces the report of a job.
func (s *ReportStore) SaveReport(ctx context.Context, r *task.Report, path string) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (job_id, name, status, path, body, exported_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			path = excluded.path,
			body = excluded.body,
			exported_at = excluded.exported_at
	`, r.JobID, r.Name, string(r.Status), path, string(body), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save report %s: %w", r.JobID, err)
	}
	return nil
}

// Get returns the full report of a job.
func (s *ReportStore) Get(ctx context.Context, jobID string) (*Record, error) {
	var (
		rec  Record
		body string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, name, status, path, body, exported_at
		FROM reports WHERE job_id = ?
	`, jobID).Scan(&rec.JobID, &rec.Name, &rec.Status, &rec.Path, &body, &rec.ExportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}

	rec.Report = &task.Report{}
	if err := json.Unmarshal([]byte(body), rec.Report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", jobID, err)
	}
	return &rec, nil
}

// List returns the most recently exported reports without their bodies.
func (s *ReportStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, name, status, path, exported_at
		FROM reports ORDER BY exported_at DESC, job_id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.JobID, &rec.Name, &rec.Status, &rec.Path, &rec.ExportedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ReportStore) Close() error {
	return s.db.Close()
}
