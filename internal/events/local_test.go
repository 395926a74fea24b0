package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestLocalTypeFiltering(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()

	nodeCh := bus.Subscribe(TypeNodeRegistered)
	allCh := bus.Subscribe()

	bus.Publish(context.Background(), New(TypeNodeRegistered, "nodes", "web-01", nil))
	bus.Publish(context.Background(), New(TypeTrustChanged, "trust", "web-01", nil))

	e := recv(t, nodeCh)
	assert.Equal(t, TypeNodeRegistered, e.Type)
	select {
	case extra := <-nodeCh:
		t.Fatalf("unexpected event %s on filtered subscription", extra.Type)
	default:
	}

	assert.Equal(t, TypeNodeRegistered, recv(t, allCh).Type)
	assert.Equal(t, TypeTrustChanged, recv(t, allCh).Type)
}

func TestLocalSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()

	ch := bus.Subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(context.Background(), New(TypeNodeRegistered, "nodes", "n", nil))
	}
	// Publisher survived; the buffer holds what fit.
	assert.Len(t, ch, subscriberBuffer)
}

func TestLocalUnsubscribeClosesChannel(t *testing.T) {
	bus := NewLocal()
	defer bus.Close()

	ch := bus.Subscribe(TypeNodeRevoked)
	bus.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(context.Background(), New(TypeNodeRevoked, "nodes", "n", nil))
}

func TestNewEventFillsEnvelope(t *testing.T) {
	e := New(TypeDeviceCreated, "clients", "alice-laptop", map[string]any{"ip": "10.0.0.100"})
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, "clients", e.Source)
	assert.Equal(t, "alice-laptop", e.Subject)
}
