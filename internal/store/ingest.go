package store

import (
	"context"
	"database/sql"
	"time"
)

// IngestRun records a single reading-source fetch for auditing.
type IngestRun struct {
	ID           int64
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Source       string // "openweather"
	City         string
	HTTPStatus   sql.NullInt64
	Success      bool
	ErrorMessage sql.NullString
}

// StartIngestRun creates a new ingest run record and returns it.
func (s *Store) StartIngestRun(ctx context.Context, source, city string) (*IngestRun, error) {
	run := &IngestRun{
		StartedAt: time.Now().UTC(),
		Source:    source,
		City:      city,
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (started_at, source, city, success)
		VALUES (?, ?, ?, FALSE)
	`, formatTime(run.StartedAt), run.Source, run.City)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun updates the ingest run with results.
func (s *Store) CompleteIngestRun(ctx context.Context, run *IngestRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE ingest_runs SET
			finished_at = ?,
			http_status = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, formatTime(run.FinishedAt.Time), run.HTTPStatus, run.Success, run.ErrorMessage, run.ID)
	return err
}

// RecentIngestErrors returns the most recent failed runs, newest first.
func (s *Store) RecentIngestErrors(ctx context.Context, limit int) ([]IngestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, source, COALESCE(city, ''), http_status, success, error_message
		FROM ingest_runs
		WHERE success = FALSE
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []IngestRun
	for rows.Next() {
		var r IngestRun
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &startedAt, &finishedAt, &r.Source, &r.City, &r.HTTPStatus, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
