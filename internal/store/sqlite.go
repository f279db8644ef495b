package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"modernc.org/sqlite"

	"github.com/lox/weatherwatch/internal/models"
)

// timeLayout is fixed-width so TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000Z"

func init() {
	// fold_city exposes models.CityKey to SQL so migrations can backfill
	// city_key columns with the same rule Go uses.
	sqlite.MustRegisterDeterministicScalarFunction("fold_city", 1, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		switch v := args[0].(type) {
		case string:
			return models.CityKey(v), nil
		case []byte:
			return models.CityKey(string(v)), nil
		default:
			return v, nil
		}
	})
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the SQLite database at path with WAL and a busy timeout.
// Transactions begin IMMEDIATE so a read-then-write transaction waits for the
// write lock instead of failing with SQLITE_BUSY when another connection
// commits first. An in-memory database is pinned to a single connection so
// every caller sees the same data.
func Open(path string) (*sql.DB, error) {
	if path == ":memory:" {
		db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		return db, nil
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	return db, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func parseNullTime(v sql.NullString) (sql.NullTime, error) {
	if !v.Valid {
		return sql.NullTime{}, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return sql.NullTime{}, err
	}
	return sql.NullTime{Time: t, Valid: true}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

const readingColumns = `id, city, temperature, feels_like, pressure, humidity, weather, wind_speed, captured_at, quality_flags, raw_json`

func scanReading(sc scanner) (models.Reading, error) {
	var (
		r          models.Reading
		feelsLike  sql.NullFloat64
		pressure   sql.NullInt64
		humidity   sql.NullInt64
		weather    sql.NullString
		windSpeed  sql.NullFloat64
		capturedAt string
		flags      sql.NullString
		raw        sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.City, &r.Temperature, &feelsLike, &pressure, &humidity, &weather, &windSpeed, &capturedAt, &flags, &raw); err != nil {
		return r, err
	}

	r.FeelsLike = feelsLike.Float64
	r.Pressure = int(pressure.Int64)
	r.Humidity = int(humidity.Int64)
	r.Condition = weather.String
	r.RawJSON = raw.String
	if windSpeed.Valid {
		ws := windSpeed.Float64
		r.WindSpeed = &ws
	}
	if flags.Valid && flags.String != "" {
		if err := json.Unmarshal([]byte(flags.String), &r.QualityFlags); err != nil {
			return r, fmt.Errorf("decode quality flags: %w", err)
		}
	}

	t, err := parseTime(capturedAt)
	if err != nil {
		return r, fmt.Errorf("parse captured_at: %w", err)
	}
	r.CapturedAt = t
	return r, nil
}

// InsertReading appends a reading and returns its sequence id. Duplicate
// timestamps are accepted.
func (s *Store) InsertReading(ctx context.Context, r models.Reading) (int64, error) {
	var windSpeed sql.NullFloat64
	if r.WindSpeed != nil {
		windSpeed = sql.NullFloat64{Float64: *r.WindSpeed, Valid: true}
	}
	var flags sql.NullString
	if len(r.QualityFlags) > 0 {
		b, _ := json.Marshal(r.QualityFlags)
		flags = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO readings (city, city_key, temperature, feels_like, pressure, humidity, weather, wind_speed, captured_at, quality_flags, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.City, models.CityKey(r.City), r.Temperature, r.FeelsLike, r.Pressure, r.Humidity, r.Condition, windSpeed, formatTime(r.CapturedAt), flags, r.RawJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestReading returns the most recent reading for city (matched by
// models.CityKey), or nil if there is none.
func (s *Store) LatestReading(ctx context.Context, city string) (*models.Reading, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+readingColumns+`
		FROM readings
		WHERE city_key = ?
		ORDER BY captured_at DESC, id DESC
		LIMIT 1
	`, models.CityKey(city))

	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ReadingsBetween returns all readings captured in [start, end), oldest first.
func (s *Store) ReadingsBetween(ctx context.Context, start, end time.Time) ([]models.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+readingColumns+`
		FROM readings
		WHERE captured_at >= ? AND captured_at < ?
		ORDER BY captured_at ASC, id ASC
	`, formatTime(start), formatTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// OldestReadingSince returns the capture time of the earliest raw reading at
// or after since. ok is false when there is none.
func (s *Store) OldestReadingSince(ctx context.Context, since time.Time) (t time.Time, ok bool, err error) {
	var v sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(captured_at) FROM readings WHERE captured_at >= ?
	`, formatTime(since)).Scan(&v)
	if err != nil || !v.Valid {
		return time.Time{}, false, err
	}
	t, err = parseTime(v.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse captured_at: %w", err)
	}
	return t, true, nil
}

// CountReadings returns the number of raw readings for city, or for all
// cities when city is empty.
func (s *Store) CountReadings(ctx context.Context, city string) (int, error) {
	var n int
	var err error
	if city == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings WHERE city_key = ?`, models.CityKey(city)).Scan(&n)
	}
	return n, err
}

// DailyReport returns the most recent limit summaries for city, newest first.
func (s *Store) DailyReport(ctx context.Context, city string, limit int) ([]models.DailySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT city, date, avg_temp, min_temp, max_temp, avg_feels_like, avg_pressure, avg_humidity, dominant_weather, record_count
		FROM daily_summary
		WHERE city_key = ?
		ORDER BY date DESC
		LIMIT ?
	`, models.CityKey(city), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []models.DailySummary{}
	for rows.Next() {
		var ds models.DailySummary
		var dominant sql.NullString
		if err := rows.Scan(&ds.City, &ds.Date, &ds.AvgTemp, &ds.MinTemp, &ds.MaxTemp, &ds.AvgFeelsLike, &ds.AvgPressure, &ds.AvgHumidity, &dominant, &ds.RecordCount); err != nil {
			return nil, err
		}
		ds.DominantCondition = dominant.String
		summaries = append(summaries, ds)
	}
	return summaries, rows.Err()
}
