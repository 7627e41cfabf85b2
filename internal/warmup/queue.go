package warmup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/julianostefano/BunNow-sub006/pkg/config"
	"github.com/julianostefano/BunNow-sub006/pkg/models"
)

// Tier orders warmup work. Higher tiers drain completely before lower ones.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
	TierCritical
)

// drainOrder is highest first.
var drainOrder = []Tier{TierCritical, TierHigh, TierMedium, TierLow}

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParseTier maps an API tier name to its queue tier
func ParseTier(name string) (Tier, error) {
	switch name {
	case "critical":
		return TierCritical, nil
	case "high":
		return TierHigh, nil
	case "medium":
		return TierMedium, nil
	case "low":
		return TierLow, nil
	}
	return TierLow, fmt.Errorf("unknown warmup tier %q", name)
}

// TierForPriority maps a ticket priority to the tier its warmup runs at
func TierForPriority(priority int) Tier {
	switch priority {
	case 1:
		return TierCritical
	case 2:
		return TierHigh
	case 3:
		return TierMedium
	default:
		return TierLow
	}
}

// Resolver warms one ticket into the local mirror and reports where the
// answer came from.
type Resolver interface {
	GetTicket(ctx context.Context, table, sysID string) (*models.Ticket, string, error)
}

// Item is one pending warmup request.
type Item struct {
	Table string
	SysID string
	Tier  Tier
}

// Stats is a point in time snapshot of queue activity.
type Stats struct {
	Queued   int   `json:"queued"`
	Drains   int64 `json:"drains"`
	Hits     int64 `json:"cacheHits"`
	Misses   int64 `json:"cacheMisses"`
	Failures int64 `json:"failures"`
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Skipped   bool  `json:"skipped"`
	Processed int   `json:"processed"`
	Hits      int64 `json:"cacheHits"`
	Misses    int64 `json:"cacheMisses"`
	Failures  int64 `json:"failures"`
}

// Queue collects warmup requests and drains them through the resolver in
// strict tier order, FIFO inside each tier. Requests are deduplicated per
// table and sys_id while they sit in the queue.
type Queue struct {
	resolver Resolver
	cfg      config.WarmupConfig

	mu       sync.Mutex
	pending  map[Tier][]Item
	queued   map[string]struct{}
	draining bool

	drains   atomic.Int64
	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

// NewQueue creates a new warmup queue
func NewQueue(resolver Resolver, cfg config.WarmupConfig) *Queue {
	return &Queue{
		resolver: resolver,
		cfg:      cfg,
		pending:  map[Tier][]Item{},
		queued:   map[string]struct{}{},
	}
}

// Enqueue adds one warmup request. It reports false when an identical
// request is already waiting.
func (q *Queue) Enqueue(table, sysID string, tier Tier) bool {
	key := table + "|" + sysID

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.queued[key]; dup {
		return false
	}
	q.queued[key] = struct{}{}
	q.pending[tier] = append(q.pending[tier], Item{Table: table, SysID: sysID, Tier: tier})
	return true
}

// Len reports how many requests are waiting
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, items := range q.pending {
		n += len(items)
	}
	return n
}

// Stats reports queue counters
func (q *Queue) Stats() Stats {
	return Stats{
		Queued:   q.Len(),
		Drains:   q.drains.Load(),
		Hits:     q.hits.Load(),
		Misses:   q.misses.Load(),
		Failures: q.failures.Load(),
	}
}

// snapshot takes everything currently queued and leaves the queue empty.
// Requests arriving after this point wait for the next drain.
func (q *Queue) snapshot() (map[Tier][]Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining {
		return nil, false
	}
	q.draining = true

	items := q.pending
	q.pending = map[Tier][]Item{}
	q.queued = map[string]struct{}{}
	return items, true
}

// Drain processes the queued requests tier by tier. Only one drain runs at a
// time; a concurrent call returns immediately with Skipped set. Each tier is
// processed in config sized chunks with bounded concurrency, pausing between
// chunks. Cancellation stops new chunks from starting while requests already
// in flight run to completion; the unprocessed remainder is requeued.
func (q *Queue) Drain(ctx context.Context) DrainResult {
	snapshot, ok := q.snapshot()
	if !ok {
		return DrainResult{Skipped: true}
	}
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	q.drains.Add(1)

	var tally tally
	for ti, tier := range drainOrder {
		items := snapshot[tier]
		if len(items) == 0 {
			continue
		}

		rest, err := q.drainTier(ctx, tier, items, &tally)
		if err != nil {
			q.requeue(rest, snapshot, drainOrder[ti+1:])
			log.Warn().
				Err(err).
				Int("requeued", len(rest)).
				Msg("Warmup drain cancelled")
			break
		}
	}

	result := DrainResult{
		Processed: int(tally.processed.Load()),
		Hits:      tally.hits.Load(),
		Misses:    tally.misses.Load(),
		Failures:  tally.failures.Load(),
	}
	q.hits.Add(result.Hits)
	q.misses.Add(result.Misses)
	q.failures.Add(result.Failures)

	if result.Processed > 0 {
		log.Info().
			Int("processed", result.Processed).
			Int64("cache_hits", result.Hits).
			Int64("cache_misses", result.Misses).
			Int64("failures", result.Failures).
			Msg("Warmup drain completed")
	}
	return result
}

type tally struct {
	processed atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	failures  atomic.Int64
}

// drainTier runs one tier's items and returns whatever was left unstarted
// when the context was cancelled.
func (q *Queue) drainTier(ctx context.Context, tier Tier, items []Item, tally *tally) ([]Item, error) {
	settings := q.tierSettings(tier)

	for start := 0; start < len(items); start += settings.BatchSize {
		if err := ctx.Err(); err != nil {
			return items[start:], err
		}

		end := start + settings.BatchSize
		if end > len(items) {
			end = len(items)
		}

		q.runChunk(ctx, items[start:end], settings.Concurrency, tally)

		if end < len(items) && q.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return items[end:], ctx.Err()
			case <-time.After(q.cfg.ChunkDelay):
			}
		}
	}
	return nil, nil
}

func (q *Queue) runChunk(ctx context.Context, chunk []Item, concurrency int, tally *tally) {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, item := range chunk {
		wg.Add(1)
		sem <- struct{}{}
		go func(it Item) {
			defer wg.Done()
			defer func() { <-sem }()
			q.warm(ctx, it, tally)
		}(item)
	}
	wg.Wait()
}

func (q *Queue) warm(ctx context.Context, item Item, tally *tally) {
	tally.processed.Add(1)

	_, source, err := q.resolver.GetTicket(ctx, item.Table, item.SysID)
	switch {
	case err != nil:
		tally.failures.Add(1)
		log.Warn().
			Err(err).
			Str("table", item.Table).
			Str("sys_id", item.SysID).
			Str("tier", item.Tier.String()).
			Msg("Warmup fetch failed")
	case source == models.QuerySourceLocal:
		tally.hits.Add(1)
	default:
		tally.misses.Add(1)
	}
}

// requeue puts a cancelled drain's leftovers back so the next drain picks
// them up.
func (q *Queue) requeue(rest []Item, snapshot map[Tier][]Item, lowerTiers []Tier) {
	for _, item := range rest {
		q.Enqueue(item.Table, item.SysID, item.Tier)
	}
	for _, tier := range lowerTiers {
		for _, item := range snapshot[tier] {
			q.Enqueue(item.Table, item.SysID, item.Tier)
		}
	}
}

func (q *Queue) tierSettings(tier Tier) config.WarmupTierConfig {
	var settings config.WarmupTierConfig
	switch tier {
	case TierCritical:
		settings = q.cfg.Critical
	case TierHigh:
		settings = q.cfg.High
	case TierMedium:
		settings = q.cfg.Medium
	default:
		settings = q.cfg.Low
	}

	if settings.BatchSize <= 0 {
		settings.BatchSize = 50
	}
	if settings.Concurrency <= 0 {
		settings.Concurrency = 1
	}
	return settings
}
