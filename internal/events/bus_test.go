package events

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julianostefano/BunNow-sub006/internal/warmup"
	"github.com/julianostefano/BunNow-sub006/pkg/config"
	"github.com/julianostefano/BunNow-sub006/pkg/models"
)

func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
	})

	return client
}

func TestPublishSubscribe(t *testing.T) {
	client := setupTestRedis(t)
	bus := NewBus(client, "bunnow:test:changes")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan Notification, 1)
	go func() {
		_ = bus.Subscribe(ctx, func(n Notification) {
			received <- n
		})
	}()

	// Give the subscriber a moment to attach before publishing.
	time.Sleep(100 * time.Millisecond)

	sent := Notification{
		Table:    "incident",
		SysID:    "abc123",
		Number:   "INC0010001",
		Action:   ActionUpdated,
		Priority: 1,
	}
	require.NoError(t, bus.Publish(ctx, sent))

	select {
	case got := <-received:
		assert.Equal(t, sent.Table, got.Table)
		assert.Equal(t, sent.SysID, got.SysID)
		assert.Equal(t, sent.Action, got.Action)
		assert.Equal(t, sent.Priority, got.Priority)
		assert.False(t, got.Timestamp.IsZero())
	case <-ctx.Done():
		t.Fatal("notification never arrived")
	}
}

type stubResolver struct{}

func (stubResolver) GetTicket(ctx context.Context, table, sysID string) (*models.Ticket, string, error) {
	return &models.Ticket{SysID: sysID}, models.QuerySourceLocal, nil
}

func TestListenerQueuesWarmup(t *testing.T) {
	queue := warmup.NewQueue(stubResolver{}, config.WarmupConfig{})
	listener := NewListener(nil, queue)

	listener.handle(Notification{Table: "incident", SysID: "abc123", Priority: 1})
	listener.handle(Notification{Table: "incident", SysID: "abc123", Priority: 1})
	listener.handle(Notification{Table: "not_a_table", SysID: "zzz", Priority: 1})

	assert.Equal(t, 1, queue.Len())
}
