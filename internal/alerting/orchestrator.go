// Package alerting evaluates alert definitions against newly stored
// readings and drives each definition's edge-triggered state.
package alerting

import (
	"context"
	"database/sql"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/weatherwatch/internal/events"
	"github.com/lox/weatherwatch/internal/metrics"
	"github.com/lox/weatherwatch/internal/models"
	"github.com/lox/weatherwatch/internal/notify"
)

// Store is the subset of the store the orchestrator reads and writes.
type Store interface {
	AlertsForCity(ctx context.Context, city string) ([]models.AlertWithState, error)
	EnsureAlertState(ctx context.Context, alertID int64, value sql.NullFloat64) (bool, error)
	SetCurrentValue(ctx context.Context, alertID int64, value sql.NullFloat64) error
	TriggerAlert(ctx context.Context, alertID int64, at time.Time, snapshot string) (*models.AlertEvent, error)
	RecoverAlert(ctx context.Context, alertID int64, at time.Time, snapshot string) (*models.AlertEvent, error)
}

// Notifier delivers alert emails for definitions that just triggered.
type Notifier interface {
	Notify(ctx context.Context, defs []models.AlertDefinition, r models.Reading) []notify.Outcome
}

// Summary counts what one Process call did.
type Summary struct {
	Evaluated int
	Triggered int
	Recovered int
	Failed    int
}

// Orchestrator runs every definition for a reading's city through the
// evaluator and applies the resulting state transitions.
type Orchestrator struct {
	store       Store
	notifier    Notifier
	sink        events.Sink
	evaluator   Evaluator
	now         func() time.Time
	parallelism int
}

// NewOrchestrator returns an orchestrator that evaluates with exact label
// matching and four concurrent definitions.
func NewOrchestrator(store Store, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		store:       store,
		notifier:    notifier,
		now:         time.Now,
		parallelism: 4,
	}
}

// SetEventSink publishes alertTriggered/alertRecovered events to sink.
func (o *Orchestrator) SetEventSink(sink events.Sink) {
	o.sink = sink
}

// SetEvaluator replaces the condition evaluator, e.g. to match labels by
// substring.
func (o *Orchestrator) SetEvaluator(e Evaluator) {
	o.evaluator = e
}

type result int

const (
	unchanged result = iota
	triggered
	recovered
	failed
)

// Process evaluates every definition for r's city. Definitions are
// independent: an error on one is logged and the rest still run.
func (o *Orchestrator) Process(ctx context.Context, r models.Reading) (Summary, error) {
	defs, err := o.store.AlertsForCity(ctx, r.City)
	if err != nil {
		return Summary{}, err
	}

	results := make([]result, len(defs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for i, aws := range defs {
		g.Go(func() error {
			res, err := o.processOne(gctx, aws, r)
			if err != nil {
				log.Printf("alerting: alert %d (%s, %s): %v", aws.Definition.ID, aws.Definition.Kind, aws.Definition.City, err)
				res = failed
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{Evaluated: len(defs)}
	for _, res := range results {
		switch res {
		case triggered:
			sum.Triggered++
		case recovered:
			sum.Recovered++
		case failed:
			sum.Failed++
		}
	}
	return sum, nil
}

func (o *Orchestrator) processOne(ctx context.Context, aws models.AlertWithState, r models.Reading) (result, error) {
	def := aws.Definition
	if !SameCity(def.City, r.City) {
		return unchanged, nil
	}

	value := ComparisonValue(def.Kind, r)

	active := false
	if aws.State == nil {
		if _, err := o.store.EnsureAlertState(ctx, def.ID, value); err != nil {
			return failed, err
		}
	} else {
		active = aws.State.Active
	}

	if err := o.store.SetCurrentValue(ctx, def.ID, value); err != nil {
		return failed, err
	}

	holds := o.evaluator.Holds(def, r)

	switch {
	case holds && !active:
		ev, err := o.store.TriggerAlert(ctx, def.ID, o.now(), r.Snapshot())
		if err != nil {
			return failed, err
		}
		if ev == nil {
			return unchanged, nil
		}
		metrics.AlertTransitions.WithLabelValues(string(def.Kind.Normalize()), string(models.EventTriggered)).Inc()
		log.Printf("alerting: alert %d triggered (%s in %s)", def.ID, def.Kind, r.City)
		o.publish(ctx, events.TypeAlertTriggered, r.City, ev)

		if o.notifier != nil {
			o.notifier.Notify(ctx, []models.AlertDefinition{def}, r)
		}
		return triggered, nil

	case !holds && active:
		ev, err := o.store.RecoverAlert(ctx, def.ID, o.now(), r.Snapshot())
		if err != nil {
			return failed, err
		}
		if ev == nil {
			return unchanged, nil
		}
		metrics.AlertTransitions.WithLabelValues(string(def.Kind.Normalize()), string(models.EventRecovered)).Inc()
		log.Printf("alerting: alert %d recovered (%s in %s)", def.ID, def.Kind, r.City)
		o.publish(ctx, events.TypeAlertRecovered, r.City, ev)
		return recovered, nil
	}

	return unchanged, nil
}

func (o *Orchestrator) publish(ctx context.Context, typ, city string, ev *models.AlertEvent) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Publish(ctx, events.NewEvent(typ, city, ev)); err != nil {
		log.Printf("alerting: warning: publish %s for alert %d: %v", typ, ev.AlertID, err)
	}
}
