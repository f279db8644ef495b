package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lox/weatherwatch/internal/models"
)

type labelCount struct {
	Label    string
	Count    int
	LastSeen string
}

// dominantCondition returns the most frequent label. Ties go to the label
// seen most recently.
func dominantCondition(counts []labelCount) string {
	var best labelCount
	for i, c := range counts {
		if i == 0 || c.Count > best.Count || (c.Count == best.Count && c.LastSeen > best.LastSeen) {
			best = c
		}
	}
	return best.Label
}

// RollupDay aggregates every reading captured in [start, end) into one
// daily_summary row per city labelled date, then deletes those readings.
// Summaries and the delete share one transaction: if any summary fails to
// write, no raw readings are removed. An existing summary for the same
// (city, date) is replaced.
func (s *Store) RollupDay(ctx context.Context, date string, start, end time.Time) ([]models.DailySummary, error) {
	from, to := formatTime(start), formatTime(end)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rollup: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT MIN(city),
			AVG(temperature), MIN(temperature), MAX(temperature),
			COALESCE(AVG(feels_like), 0), COALESCE(AVG(pressure), 0), COALESCE(AVG(humidity), 0),
			COUNT(*)
		FROM readings
		WHERE captured_at >= ? AND captured_at < ?
		GROUP BY city_key
		ORDER BY city_key
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregate readings: %w", err)
	}

	var summaries []models.DailySummary
	for rows.Next() {
		ds := models.DailySummary{Date: date}
		if err := rows.Scan(&ds.City, &ds.AvgTemp, &ds.MinTemp, &ds.MaxTemp, &ds.AvgFeelsLike, &ds.AvgPressure, &ds.AvgHumidity, &ds.RecordCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		summaries = append(summaries, ds)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate readings: %w", err)
	}
	if len(summaries) == 0 {
		return nil, nil
	}

	labelRows, err := tx.QueryContext(ctx, `
		SELECT city_key, COALESCE(weather, ''), COUNT(*), MAX(captured_at)
		FROM readings
		WHERE captured_at >= ? AND captured_at < ?
		GROUP BY city_key, weather
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("count conditions: %w", err)
	}
	labels := make(map[string][]labelCount)
	for labelRows.Next() {
		var key string
		var lc labelCount
		if err := labelRows.Scan(&key, &lc.Label, &lc.Count, &lc.LastSeen); err != nil {
			labelRows.Close()
			return nil, fmt.Errorf("scan condition count: %w", err)
		}
		labels[key] = append(labels[key], lc)
	}
	labelRows.Close()
	if err := labelRows.Err(); err != nil {
		return nil, fmt.Errorf("count conditions: %w", err)
	}

	for i := range summaries {
		ds := &summaries[i]
		key := models.CityKey(ds.City)
		ds.DominantCondition = dominantCondition(labels[key])

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_summary (city, city_key, date, avg_temp, min_temp, max_temp, dominant_weather, avg_feels_like, avg_pressure, avg_humidity, record_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(city, date) DO UPDATE SET
				avg_temp = excluded.avg_temp,
				min_temp = excluded.min_temp,
				max_temp = excluded.max_temp,
				dominant_weather = excluded.dominant_weather,
				avg_feels_like = excluded.avg_feels_like,
				avg_pressure = excluded.avg_pressure,
				avg_humidity = excluded.avg_humidity,
				record_count = excluded.record_count
		`, ds.City, ds.Date, ds.AvgTemp, ds.MinTemp, ds.MaxTemp, ds.DominantCondition, ds.AvgFeelsLike, ds.AvgPressure, ds.AvgHumidity, ds.RecordCount); err != nil {
			return nil, fmt.Errorf("insert summary %s: %w", ds.City, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM readings WHERE captured_at >= ? AND captured_at < ?`, from, to); err != nil {
		return nil, fmt.Errorf("prune readings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rollup: %w", err)
	}
	return summaries, nil
}
