package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(TypeWeatherUpdate, "Delhi", map[string]any{"temperature": 30})
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, TypeWeatherUpdate, ev.Type)
	assert.Equal(t, "Delhi", ev.Key)
	assert.False(t, ev.Time.IsZero())

	other := NewEvent(TypeWeatherUpdate, "Delhi", nil)
	assert.NotEqual(t, ev.ID, other.ID)
}

func TestHub_Broadcast(t *testing.T) {
	h := NewHub()
	a, unsubA := h.Subscribe()
	b, unsubB := h.Subscribe()
	defer unsubA()
	defer unsubB()

	assert.Equal(t, 2, h.Subscribers())

	ev := NewEvent(TypeWeatherUpdate, "Mumbai", nil)
	require.NoError(t, h.Publish(context.Background(), ev))

	assert.Equal(t, ev.ID, (<-a).ID)
	assert.Equal(t, ev.ID, (<-b).ID)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe()

	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())

	// Publishing with no subscribers is a no-op.
	assert.NoError(t, h.Publish(context.Background(), NewEvent(TypeWeatherUpdate, "", nil)))
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	_, unsub := h.Subscribe()
	defer unsub()

	for i := 0; i < clientBuffer*2; i++ {
		require.NoError(t, h.Publish(context.Background(), NewEvent(TypeWeatherUpdate, "", i)))
	}
}

type errSink struct{ err error }

func (s errSink) Publish(context.Context, Event) error { return s.err }

func TestFanout(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe()
	defer unsub()

	boom := errors.New("broker down")
	f := Fanout{errSink{boom}, nil, h}

	err := f.Publish(context.Background(), NewEvent(TypeAlertTriggered, "Delhi", nil))
	assert.ErrorIs(t, err, boom)

	// Later sinks still receive the event.
	ev := <-ch
	assert.Equal(t, TypeAlertTriggered, ev.Type)
}
