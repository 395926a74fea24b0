// Package audit writes the append-only trail of security-relevant
// operations and mirrors bus events into the event store.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ztmesh/controlplane/internal/events"
	"github.com/ztmesh/controlplane/internal/store"
)

// Actor types recorded in audit entries.
const (
	ActorNode   = "node"
	ActorAdmin  = "admin"
	ActorClient = "client"
	ActorSystem = "system"
)

// Logger writes audit entries. Failures are logged, never propagated: an
// audit write must not fail the operation it describes.
type Logger struct {
	store   store.Store
	enabled bool
	logger  *slog.Logger
}

// NewLogger returns an audit logger. With enabled false every Record call
// is a no-op.
func NewLogger(s store.Store, enabled bool, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: s, enabled: enabled, logger: logger}
}

// Record appends one audit entry.
func (l *Logger) Record(ctx context.Context, e *store.AuditEntry) {
	if !l.enabled {
		return
	}
	if e.Status == "" {
		e.Status = "success"
	}
	if e.ActorType == "" {
		e.ActorType = ActorSystem
	}
	if err := l.store.AppendAudit(ctx, e); err != nil {
		l.logger.Error("audit write failed",
			"event_type", e.EventType, "action", e.EventAction, "error", err)
	}
}

// Recorder copies every bus event into the events table so the stream can
// be replayed after the fact.
type Recorder struct {
	store  store.Store
	bus    events.Bus
	logger *slog.Logger
	ch     chan *events.Event
	done   chan struct{}
}

// NewRecorder subscribes to the bus and starts persisting events.
func NewRecorder(s store.Store, bus events.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  s,
		bus:    bus,
		logger: logger,
		ch:     bus.Subscribe(),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		payload, err := json.Marshal(e.Data)
		if err != nil {
			r.logger.Warn("event payload marshal failed", "type", e.Type, "error", err)
			payload = nil
		}
		rec := &store.EventRecord{
			EventID:   e.ID,
			EventType: e.Type,
			Source:    e.Source,
			Subject:   e.Subject,
			Payload:   payload,
			CreatedAt: e.Time,
		}
		if err := r.store.AppendEvent(context.Background(), rec); err != nil {
			r.logger.Error("event store write failed", "type", e.Type, "error", err)
		}
	}
}

// Stop unsubscribes and waits for the pending event to finish.
func (r *Recorder) Stop() {
	r.bus.Unsubscribe(r.ch)
	<-r.done
}
