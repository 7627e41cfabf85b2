package events

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Notification actions.
const (
	ActionCreated  = "created"
	ActionUpdated  = "updated"
	ActionResolved = "resolved"
)

// Notification is one entry on the ticket change feed.
type Notification struct {
	Table     string    `json:"table"`
	SysID     string    `json:"sysId"`
	Number    string    `json:"number,omitempty"`
	Action    string    `json:"action"`
	Priority  int       `json:"priority,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus moves ticket change notifications over a Redis channel so every
// instance sees changes any of them observed.
type Bus struct {
	client  *redis.Client
	channel string
}

// NewBus creates a new notification bus on the given channel
func NewBus(client *redis.Client, channel string) *Bus {
	return &Bus{
		client:  client,
		channel: channel,
	}
}

// Publish puts one notification on the change feed
func (b *Bus) Publish(ctx context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	log.Debug().
		Str("table", n.Table).
		Str("sys_id", n.SysID).
		Str("action", n.Action).
		Msg("Notification published")
	return nil
}

// Subscribe consumes the change feed until the context ends, reconnecting
// with backoff when the connection drops. Malformed payloads are logged and
// skipped.
func (b *Bus) Subscribe(ctx context.Context, handler func(Notification)) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		err := b.consume(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().
			Err(err).
			Str("channel", b.channel).
			Dur("backoff", backoff).
			Msg("Notification subscription dropped, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Bus) consume(ctx context.Context, handler func(Notification)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	log.Info().Str("channel", b.channel).Msg("Subscribed to ticket change feed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel %s closed", b.channel)
			}

			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				log.Warn().
					Err(err).
					Str("payload", msg.Payload).
					Msg("Skipping malformed notification")
				continue
			}
			handler(n)
		}
	}
}
