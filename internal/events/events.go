// Package events carries the push channel: every stored reading and every
// alert transition is published as an Event to the in-process Hub (consumed
// by SSE clients) and to any external sinks.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lox/weatherwatch/internal/metrics"
)

const (
	TypeWeatherUpdate  = "weatherUpdate"
	TypeAlertTriggered = "alertTriggered"
	TypeAlertRecovered = "alertRecovered"
)

type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`

	// Key groups related events (the city) for partitioned sinks.
	Key string `json:"-"`
}

func NewEvent(typ, key string, data any) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: typ,
		Time: time.Now().UTC(),
		Data: data,
		Key:  key,
	}
}

type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const clientBuffer = 64

// Hub broadcasts events to in-process subscribers. A subscriber that falls
// behind by more than its buffer misses events rather than blocking others.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, clientBuffer)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.PushSubscribers.Set(float64(n))

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			n := len(h.clients)
			h.mu.Unlock()
			close(ch)
			metrics.PushSubscribers.Set(float64(n))
		})
	}
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			metrics.PushDropped.Inc()
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
