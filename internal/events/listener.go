package events

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/julianostefano/BunNow-sub006/internal/warmup"
	"github.com/julianostefano/BunNow-sub006/pkg/servicenow"
)

// Listener turns change feed notifications into warmup work so changed
// tickets are back in the mirror before anyone asks for them.
type Listener struct {
	bus   *Bus
	queue *warmup.Queue
}

// NewListener creates a new change feed listener
func NewListener(bus *Bus, queue *warmup.Queue) *Listener {
	return &Listener{
		bus:   bus,
		queue: queue,
	}
}

// Run consumes the feed until the context ends
func (l *Listener) Run(ctx context.Context) error {
	return l.bus.Subscribe(ctx, l.handle)
}

func (l *Listener) handle(n Notification) {
	if _, err := servicenow.TableByName(n.Table); err != nil {
		log.Warn().
			Str("table", n.Table).
			Str("sys_id", n.SysID).
			Msg("Ignoring notification for unknown table")
		return
	}

	tier := warmup.TierForPriority(n.Priority)
	if l.queue.Enqueue(n.Table, n.SysID, tier) {
		log.Debug().
			Str("table", n.Table).
			Str("sys_id", n.SysID).
			Str("tier", tier.String()).
			Str("action", n.Action).
			Msg("Queued warmup from notification")
	}
}
