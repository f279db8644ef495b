package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lox/weatherwatch/internal/metrics"
	"github.com/lox/weatherwatch/internal/models"
	"github.com/lox/weatherwatch/internal/store"
)

const dateLayout = "2006-01-02"

// Archiver stores a day's raw readings somewhere durable before the rollup
// deletes them.
type Archiver interface {
	Archive(ctx context.Context, date string, readings []models.Reading) error
}

// RollupJob compresses one calendar day of raw readings into daily
// summaries and prunes them.
type RollupJob struct {
	mu       sync.Mutex
	store    *store.Store
	loc      *time.Location
	archiver Archiver
	now      func() time.Time
}

func NewRollupJob(store *store.Store, loc *time.Location) *RollupJob {
	return &RollupJob{
		store: store,
		loc:   loc,
		now:   time.Now,
	}
}

// SetArchiver uploads raw readings before they are pruned. A failed upload
// skips the rollup for that day.
func (j *RollupJob) SetArchiver(a Archiver) {
	j.archiver = a
}

// DayBounds returns the calendar date of t in loc and the UTC instants
// bounding that local day as [start, end).
func DayBounds(t time.Time, loc *time.Location) (string, time.Time, time.Time) {
	y, m, d := t.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start.Format(dateLayout), start.UTC(), end.UTC()
}

// ParseDate parses a YYYY-MM-DD date in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// CatchUp rolls up every finished local day that still has raw readings,
// oldest first. A day that fails keeps its readings and is retried on the
// next call; later days are still processed.
func (j *RollupJob) CatchUp(ctx context.Context) ([]models.DailySummary, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, today, _ := DayBounds(j.now(), j.loc)

	var (
		all    []models.DailySummary
		errs   []error
		cursor time.Time
	)
	for {
		oldest, ok, err := j.store.OldestReadingSince(ctx, cursor)
		if err != nil {
			return all, fmt.Errorf("find pending day: %w", err)
		}
		if !ok {
			break
		}
		_, start, end := DayBounds(oldest, j.loc)
		if !start.Before(today) {
			break
		}
		summaries, err := j.runForDate(ctx, start)
		if err != nil {
			if ctx.Err() != nil {
				return all, err
			}
			log.Printf("rollup: warning: %v", err)
			errs = append(errs, err)
		}
		all = append(all, summaries...)
		cursor = end
	}
	return all, errors.Join(errs...)
}

// RunForDate rolls up the local calendar day containing day.
func (j *RollupJob) RunForDate(ctx context.Context, day time.Time) ([]models.DailySummary, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runForDate(ctx, day)
}

func (j *RollupJob) runForDate(ctx context.Context, day time.Time) ([]models.DailySummary, error) {
	date, start, end := DayBounds(day, j.loc)
	log.Printf("rollup: running for %s [%s, %s)", date, start.Format(time.RFC3339), end.Format(time.RFC3339))

	if j.archiver != nil {
		readings, err := j.store.ReadingsBetween(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("load readings for archive: %w", err)
		}
		if len(readings) > 0 {
			if err := j.archiver.Archive(ctx, date, readings); err != nil {
				return nil, fmt.Errorf("archive %s: %w", date, err)
			}
			log.Printf("rollup: archived %d readings for %s", len(readings), date)
		}
	}

	summaries, err := j.store.RollupDay(ctx, date, start, end)
	if err != nil {
		return nil, fmt.Errorf("rollup %s: %w", date, err)
	}
	if len(summaries) == 0 {
		log.Printf("rollup: no data for %s", date)
		return nil, nil
	}

	metrics.RollupSummaries.Add(float64(len(summaries)))
	for _, s := range summaries {
		log.Printf("rollup: %s %s avg=%.1f°C min=%.1f°C max=%.1f°C dominant=%s (%d readings)",
			date, s.City, s.AvgTemp, s.MinTemp, s.MaxTemp, s.DominantCondition, s.RecordCount)
	}
	return summaries, nil
}
