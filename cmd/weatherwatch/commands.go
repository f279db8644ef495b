package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lox/weatherwatch/internal/alerting"
	"github.com/lox/weatherwatch/internal/api"
	"github.com/lox/weatherwatch/internal/archive"
	"github.com/lox/weatherwatch/internal/events"
	"github.com/lox/weatherwatch/internal/ingest"
	"github.com/lox/weatherwatch/internal/models"
	"github.com/lox/weatherwatch/internal/notify"
	"github.com/lox/weatherwatch/internal/store"
)

type ServeCmd struct {
	SourceFlags
	AlertFlags
	ArchiveFlags

	Port            string `help:"HTTP server port." default:"5000" env:"PORT"`
	NoPoll          bool   `help:"Disable scheduled collection (server only, for local dev)."`
	CollectSchedule string `help:"Cron expression for collection cycles." default:"*/5 * * * *" env:"COLLECT_SCHEDULE"`
	RollupSchedule  string `help:"Cron expression for the daily rollup." default:"0 0 * * *" env:"ROLLUP_SCHEDULE"`
}

type CollectCmd struct {
	SourceFlags
	AlertFlags
}

type RollupCmd struct {
	ArchiveFlags

	Date string `help:"Day to roll up (YYYY-MM-DD, in --timezone). Defaults to every finished day with raw readings."`
}

type env struct {
	db     *sql.DB
	store  *store.Store
	loc    *time.Location
	cities []models.City
}

func (g *Globals) open(ctx context.Context) (*env, error) {
	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", g.Timezone, err)
	}

	cities, err := selectCities(g.Cities)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(g.DB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.Open(g.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	st := store.New(db)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Println("database migrated")

	return &env{db: db, store: st, loc: loc, cities: cities}, nil
}

func (e *env) Close() error {
	return e.db.Close()
}

func selectCities(names []string) ([]models.City, error) {
	if len(names) == 0 {
		return models.DefaultCities, nil
	}
	var out []models.City
	for _, name := range names {
		found := false
		for _, c := range models.DefaultCities {
			if strings.EqualFold(c.Name, strings.TrimSpace(name)) {
				out = append(out, c)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown city %q", name)
		}
	}
	return out, nil
}

func (f SourceFlags) source() *ingest.OpenWeather {
	src := ingest.NewOpenWeather(f.OpenWeatherAPIKey)
	src.SetEndpoint(f.OpenWeatherEndpoint)
	src.SetRate(f.OpenWeatherRPS)
	src.SetTimeout(f.FetchTimeout)
	return src
}

// pipeline wires the alert orchestrator and event sinks. The returned
// cleanup closes any external connections.
func (f AlertFlags) pipeline(ctx context.Context, st *store.Store, hub *events.Hub) (*alerting.Orchestrator, events.Sink, func(), error) {
	var transport notify.Transport = notify.LogTransport{}
	if f.NotifyURL != "" {
		t, err := notify.NewShoutrrrTransport(f.NotifyURL, f.NotifyTimeout)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("notify transport: %w", err)
		}
		transport = t
	} else {
		log.Println("notify: no NOTIFY_URL configured, alerts will only be logged")
	}

	notifier := notify.New(transport)
	notifier.SetTimeout(f.NotifyTimeout)

	var closers []func() error
	if f.NotifyCooldown > 0 {
		if f.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: f.RedisAddr})
			if err := client.Ping(ctx).Err(); err != nil {
				log.Printf("notify: warning: redis %s unreachable: %v", f.RedisAddr, err)
			}
			closers = append(closers, client.Close)
			notifier.SetCooldown(notify.NewRedisCooldown(client, f.NotifyCooldown))
		} else {
			notifier.SetCooldown(notify.NewMemoryCooldown(f.NotifyCooldown))
		}
		log.Printf("notify: cooldown %s enabled", f.NotifyCooldown)
	}

	sinks := events.Fanout{}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	if len(f.KafkaBrokers) > 0 {
		k := events.NewKafkaSink(f.KafkaBrokers, f.KafkaTopic)
		closers = append(closers, k.Close)
		sinks = append(sinks, k)
		log.Printf("events: publishing to kafka topic %s", f.KafkaTopic)
	}

	orch := alerting.NewOrchestrator(st, notifier)
	orch.SetEventSink(sinks)
	orch.SetEvaluator(alerting.Evaluator{LabelMatch: alerting.ParseLabelMatch(f.LabelMatch)})

	cleanup := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Printf("shutdown: %v", err)
			}
		}
	}
	return orch, sinks, cleanup, nil
}

func (f ArchiveFlags) rollupJob(st *store.Store, loc *time.Location) *ingest.RollupJob {
	job := ingest.NewRollupJob(st, loc)
	if f.FTPAddr != "" {
		job.SetArchiver(archive.NewFTPArchiver(archive.Config{
			Addr:     f.FTPAddr,
			User:     f.FTPUser,
			Password: f.FTPPassword,
			Dir:      f.FTPDir,
		}))
		log.Printf("rollup: archiving raw readings to ftp://%s/%s", f.FTPAddr, f.FTPDir)
	}
	return job
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	hub := events.NewHub()
	orch, sinks, cleanup, err := c.pipeline(ctx, e.store, hub)
	if err != nil {
		return err
	}
	defer cleanup()

	scheduler := ingest.NewScheduler(e.store, c.source(), e.cities, e.loc)
	scheduler.SetAlertProcessor(orch)
	scheduler.SetEventSink(sinks)
	scheduler.SetRollupJob(c.rollupJob(e.store, e.loc))
	scheduler.SetSchedules(c.CollectSchedule, c.RollupSchedule)

	server := api.NewServer(e.store, hub, e.cities, c.Port)

	grp, gctx := errgroup.WithContext(ctx)
	if !c.NoPoll {
		grp.Go(func() error { return scheduler.Run(gctx) })
	} else {
		log.Println("polling disabled (--no-poll)")
	}
	grp.Go(func() error { return server.Run(gctx) })
	return grp.Wait()
}

func (c *CollectCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	orch, sinks, cleanup, err := c.pipeline(ctx, e.store, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	scheduler := ingest.NewScheduler(e.store, c.source(), e.cities, e.loc)
	scheduler.SetAlertProcessor(orch)
	scheduler.SetEventSink(sinks)

	stats := scheduler.Collect(ctx)
	if stats.Stored == 0 && stats.Cities > 0 {
		return fmt.Errorf("no readings stored (%d cities failed)", stats.Failed)
	}
	log.Println("done")
	return nil
}

func (c *RollupCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	job := c.rollupJob(e.store, e.loc)
	if c.Date == "" {
		_, err = job.CatchUp(ctx)
	} else {
		day, perr := ingest.ParseDate(c.Date, e.loc)
		if perr != nil {
			return perr
		}
		_, err = job.RunForDate(ctx, day)
	}
	if err != nil {
		return err
	}
	log.Println("done")
	return nil
}
