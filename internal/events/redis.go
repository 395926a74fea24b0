package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const defaultChannel = "controlplane:events"

// Redis fans events out through Redis Pub/Sub so every replica sees every
// event. Subscriptions stay channel-based: a background goroutine reads the
// Pub/Sub stream and redelivers through an embedded Local bus, so local
// subscribers receive events published on any replica (including this one).
type Redis struct {
	local   *Local
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
}

// NewRedis connects the bus to Redis and starts the receive loop.
func NewRedis(rdb *redis.Client, channel string, logger *slog.Logger) *Redis {
	if channel == "" {
		channel = defaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Redis{
		local:   NewLocal(),
		rdb:     rdb,
		channel: channel,
		logger:  logger,
		pubsub:  rdb.Subscribe(ctx, channel),
		cancel:  cancel,
	}
	go b.receive(ctx)
	return b
}

func (b *Redis) receive(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			b.local.Publish(ctx, &e)
		}
	}
}

// Publish sends the event through Redis. If Redis is unreachable the event
// is delivered locally so this replica keeps functioning.
func (b *Redis) Publish(ctx context.Context, e *Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("event marshal failed", "type", e.Type, "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Warn("redis publish failed, delivering locally", "type", e.Type, "error", err)
		b.local.Publish(ctx, e)
	}
}

func (b *Redis) Subscribe(types ...string) chan *Event { return b.local.Subscribe(types...) }
func (b *Redis) Unsubscribe(ch chan *Event)            { b.local.Unsubscribe(ch) }

func (b *Redis) Close() {
	b.cancel()
	b.pubsub.Close()
	b.local.Close()
}

var _ Bus = (*Redis)(nil)
