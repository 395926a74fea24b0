// Package events carries controller state changes to whoever wants them:
// the audit recorder, the admin WebSocket stream, and other replicas when
// Redis is configured.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types published by the controller.
const (
	TypeNodeRegistered = "node.registered"
	TypeNodeApproved   = "node.approved"
	TypeNodeSuspended  = "node.suspended"
	TypeNodeRevoked    = "node.revoked"
	TypeNodeDeleted    = "node.deleted"
	TypeTrustChanged   = "trust.changed"
	TypeTrustAction    = "trust.action"
	TypePolicyChanged  = "policy.changed"
	TypeDeviceCreated  = "device.created"
	TypeDeviceRevoked  = "device.revoked"
	TypeConfigBumped   = "config.bumped"
)

// Event is the envelope published on the bus.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Source  string         `json:"source"`
	Subject string         `json:"subject,omitempty"`
	Time    time.Time      `json:"time"`
	Data    map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh ID and timestamp.
func New(eventType, source, subject string, data map[string]any) *Event {
	return &Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		Source:  source,
		Subject: subject,
		Time:    time.Now().UTC(),
		Data:    data,
	}
}

// Bus is the publish side plus channel subscriptions. Both the in-process
// bus and the Redis-backed bus satisfy it.
type Bus interface {
	// Publish delivers the event to matching subscribers. Delivery is
	// best-effort: slow subscribers drop events rather than block.
	Publish(ctx context.Context, e *Event)
	// Subscribe returns a buffered channel receiving events of the given
	// types; no types means all events.
	Subscribe(types ...string) chan *Event
	// Unsubscribe removes and closes the channel.
	Unsubscribe(ch chan *Event)
	Close()
}
