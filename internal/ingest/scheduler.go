package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lox/weatherwatch/internal/alerting"
	"github.com/lox/weatherwatch/internal/events"
	"github.com/lox/weatherwatch/internal/metrics"
	"github.com/lox/weatherwatch/internal/models"
	"github.com/lox/weatherwatch/internal/store"
)

const (
	DefaultCollectSchedule = "*/5 * * * *"
	DefaultRollupSchedule  = "0 0 * * *"

	// catchUpSchedule retries days a scheduled rollup missed or failed.
	catchUpSchedule = "@hourly"

	sourceName = "openweather"
)

type Source interface {
	FetchCurrent(ctx context.Context, city models.City) (*models.Reading, *FetchResult, error)
}

// AlertProcessor evaluates alert definitions against a stored reading.
type AlertProcessor interface {
	Process(ctx context.Context, r models.Reading) (alerting.Summary, error)
}

// CycleStats summarises one collection cycle.
type CycleStats struct {
	Cities int
	Stored int
	Failed int
}

type Scheduler struct {
	store           *store.Store
	source          Source
	alerts          AlertProcessor
	sink            events.Sink
	rollup          *RollupJob
	cities          []models.City
	loc             *time.Location
	collectSchedule string
	rollupSchedule  string
	parallelism     int
}

func NewScheduler(store *store.Store, source Source, cities []models.City, loc *time.Location) *Scheduler {
	return &Scheduler{
		store:           store,
		source:          source,
		cities:          cities,
		loc:             loc,
		collectSchedule: DefaultCollectSchedule,
		rollupSchedule:  DefaultRollupSchedule,
		parallelism:     4,
	}
}

// SetAlertProcessor runs alert evaluation after every stored reading.
func (s *Scheduler) SetAlertProcessor(p AlertProcessor) {
	s.alerts = p
}

// SetEventSink publishes a weatherUpdate event for every stored reading.
func (s *Scheduler) SetEventSink(sink events.Sink) {
	s.sink = sink
}

// SetRollupJob enables the daily rollup schedule and the hourly catch-up.
func (s *Scheduler) SetRollupJob(j *RollupJob) {
	s.rollup = j
}

// SetSchedules overrides the cron expressions. Empty values keep the default.
func (s *Scheduler) SetSchedules(collect, rollup string) {
	if collect != "" {
		s.collectSchedule = collect
	}
	if rollup != "" {
		s.rollupSchedule = rollup
	}
}

// Run collects once and catches up on pending rollups immediately, then
// collects on the collect schedule and rolls up on the rollup schedule and
// hourly until ctx is cancelled. A job still running when it is next due is
// skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cron.PrintfLogger(log.Default())
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(s.collectSchedule, func() { s.Collect(ctx) }); err != nil {
		return fmt.Errorf("collect schedule %q: %w", s.collectSchedule, err)
	}
	if s.rollup != nil {
		if _, err := c.AddFunc(s.rollupSchedule, func() { s.runRollup(ctx) }); err != nil {
			return fmt.Errorf("rollup schedule %q: %w", s.rollupSchedule, err)
		}
		if _, err := c.AddFunc(catchUpSchedule, func() { s.runRollup(ctx) }); err != nil {
			return fmt.Errorf("catch-up schedule: %w", err)
		}
	}

	s.Collect(ctx)
	if s.rollup != nil {
		s.runRollup(ctx)
	}

	c.Start()
	log.Printf("scheduler: started (collect %q, rollup %q, %s)", s.collectSchedule, s.rollupSchedule, s.loc)

	<-ctx.Done()
	log.Println("scheduler: shutting down")
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) runRollup(ctx context.Context) {
	if _, err := s.rollup.CatchUp(ctx); err != nil {
		log.Printf("scheduler: rollup failed: %v", err)
	}
}

// Collect runs one collection cycle across all cities. Cities are processed
// concurrently and independently.
func (s *Scheduler) Collect(ctx context.Context) CycleStats {
	start := time.Now()
	failed := make([]bool, len(s.cities))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, city := range s.cities {
		g.Go(func() error {
			if err := s.collectCity(gctx, city); err != nil {
				log.Printf("scheduler: %s: %v", city.Name, err)
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := CycleStats{Cities: len(s.cities)}
	for _, f := range failed {
		if f {
			stats.Failed++
		} else {
			stats.Stored++
		}
	}
	log.Printf("scheduler: cycle complete: %d/%d cities stored in %s", stats.Stored, stats.Cities, time.Since(start).Round(time.Millisecond))
	return stats
}

func (s *Scheduler) collectCity(ctx context.Context, city models.City) error {
	run, err := s.store.StartIngestRun(ctx, sourceName, city.Name)
	if err != nil {
		log.Printf("scheduler: warning: start ingest run for %s: %v", city.Name, err)
	}

	r, res, fetchErr := s.source.FetchCurrent(ctx, city)
	if run != nil {
		run.Success = fetchErr == nil
		if res != nil && res.HTTPStatus > 0 {
			run.HTTPStatus = sql.NullInt64{Int64: int64(res.HTTPStatus), Valid: true}
		}
		if fetchErr != nil {
			run.ErrorMessage = sql.NullString{String: fetchErr.Error(), Valid: true}
		}
		if err := s.store.CompleteIngestRun(ctx, run); err != nil {
			log.Printf("scheduler: warning: complete ingest run for %s: %v", city.Name, err)
		}
	}
	if fetchErr != nil {
		return fmt.Errorf("fetch: %w", fetchErr)
	}

	if flags := ValidateReading(r); len(flags) > 0 {
		log.Printf("scheduler: warning: %s reading flagged: %v", city.Name, flags)
		r.QualityFlags = flags
	}

	id, err := s.store.InsertReading(ctx, *r)
	if err != nil {
		return fmt.Errorf("store reading: %w", err)
	}
	r.ID = id
	metrics.ReadingsStored.WithLabelValues(city.Name).Inc()

	if s.sink != nil {
		if err := s.sink.Publish(ctx, events.NewEvent(events.TypeWeatherUpdate, r.City, r)); err != nil {
			log.Printf("scheduler: warning: publish reading for %s: %v", city.Name, err)
		}
	}

	if s.alerts != nil {
		sum, err := s.alerts.Process(ctx, *r)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Printf("scheduler: alert evaluation for %s: %v", city.Name, err)
		} else if sum.Triggered+sum.Recovered+sum.Failed > 0 {
			log.Printf("scheduler: %s alerts: %d evaluated, %d triggered, %d recovered, %d failed",
				city.Name, sum.Evaluated, sum.Triggered, sum.Recovered, sum.Failed)
		}
	}
	return nil
}
