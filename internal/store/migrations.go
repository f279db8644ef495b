package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS readings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    city TEXT NOT NULL COLLATE NOCASE,
    temperature REAL NOT NULL,
    feels_like REAL,
    pressure INTEGER,
    humidity INTEGER,
    weather TEXT,
    wind_speed REAL,
    captured_at TEXT NOT NULL,
    quality_flags TEXT,
    raw_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_readings_city_time ON readings(city, captured_at);
CREATE INDEX IF NOT EXISTS idx_readings_time ON readings(captured_at);

CREATE TABLE IF NOT EXISTS daily_summary (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    city TEXT NOT NULL COLLATE NOCASE,
    date TEXT NOT NULL,
    avg_temp REAL,
    min_temp REAL,
    max_temp REAL,
    dominant_weather TEXT,
    avg_feels_like REAL,
    avg_pressure REAL,
    avg_humidity REAL,
    record_count INTEGER,
    UNIQUE(city, date)
);

CREATE TABLE IF NOT EXISTS alert_definitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL,
    type TEXT NOT NULL,
    threshold REAL NOT NULL,
    city TEXT NOT NULL COLLATE NOCASE,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alert_definitions_city ON alert_definitions(city);

CREATE TABLE IF NOT EXISTS alert_state (
    alert_id INTEGER PRIMARY KEY REFERENCES alert_definitions(id),
    active INTEGER NOT NULL DEFAULT 0,
    last_triggered_at TEXT,
    recovered_at TEXT,
    current_value REAL,
    updated_at TEXT
);

CREATE TABLE IF NOT EXISTS alert_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    alert_id INTEGER NOT NULL REFERENCES alert_definitions(id),
    event_type TEXT NOT NULL,
    at TEXT NOT NULL,
    snapshot TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alert_events_alert ON alert_events(alert_id, at);
`,
	},
	{
		Version:     2,
		Description: "Add ingest run tracking",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    source TEXT NOT NULL,
    city TEXT,
    http_status INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
`,
	},
	{
		Version:     3,
		Description: "Add folded city keys",
		SQL: `
ALTER TABLE readings ADD COLUMN city_key TEXT NOT NULL DEFAULT '';
UPDATE readings SET city_key = fold_city(city);
CREATE INDEX IF NOT EXISTS idx_readings_city_key_time ON readings(city_key, captured_at);

ALTER TABLE daily_summary ADD COLUMN city_key TEXT NOT NULL DEFAULT '';
UPDATE daily_summary SET city_key = fold_city(city);
CREATE INDEX IF NOT EXISTS idx_daily_summary_city_key ON daily_summary(city_key, date);

ALTER TABLE alert_definitions ADD COLUMN city_key TEXT NOT NULL DEFAULT '';
UPDATE alert_definitions SET city_key = fold_city(city);
CREATE INDEX IF NOT EXISTS idx_alert_definitions_city_key ON alert_definitions(city_key);
`,
	},
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, formatTime(time.Now()),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TEXT
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
