// Package enrich runs the enrichment worker pool: it consumes tasks from the
// broker, applies the analytics kernels, writes the cache and document store,
// and republishes enriched events — at-least-once delivery made effectively
// exactly-once through idempotency keys and unique indexes.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/deltastream/deltastream/internal/analytics"
	"github.com/deltastream/deltastream/internal/broker"
	"github.com/deltastream/deltastream/internal/cache"
	"github.com/deltastream/deltastream/internal/models"
	"github.com/deltastream/deltastream/internal/store"
)

// Processor executes a single task end to end. It is shared by all workers
// in a pool; per-window serialization happens inside, everything else is
// safe for concurrent use.
type Processor struct {
	cache   *cache.Adapter
	store   *store.Store
	windows *windowLocks
	breaker *gobreaker.CircuitBreaker
}

// NewProcessor wires the adapters together. The circuit breaker guards the
// enriched-publish path only: while it is open, publishes are skipped and
// cache/store writes continue.
func NewProcessor(c *cache.Adapter, s *store.Store) *Processor {
	settings := gobreaker.Settings{Name: "enriched-publish"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 30 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	return &Processor{
		cache:   c,
		store:   s,
		windows: newWindowLocks(),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// errSkipped reports an idempotent no-op (duplicate task).
var errSkipped = errors.New("already processed")

// Process runs one task. Returns errSkipped for idempotent duplicates,
// an error wrapped by permanent() for non-retryable failures, and any other
// error for transient ones.
func (p *Processor) Process(ctx context.Context, task *broker.Task) error {
	switch task.Kind {
	case broker.KindEnrichTick:
		if task.Tick == nil {
			return permanent(fmt.Errorf("enrich_tick task %s has no tick payload", task.ID))
		}
		return p.processTick(ctx, task)
	case broker.KindEnrichChain:
		if task.Chain == nil {
			return permanent(fmt.Errorf("enrich_chain task %s has no chain payload", task.ID))
		}
		return p.processChain(ctx, task)
	case broker.KindRecomputeOHLC:
		if task.Recompute == nil {
			return permanent(fmt.Errorf("recompute task %s has no args", task.ID))
		}
		return p.processRecompute(ctx, task)
	default:
		return permanent(fmt.Errorf("unknown task kind %q", task.Kind))
	}
}

// markOnce applies the idempotency discipline. On first delivery a lost race
// means another worker already handled the entity and the task is skipped.
// Redeliveries bypass the short-circuit: the mark may have been set by an
// attempt that crashed mid-task, so the store's unique index is the
// authority on which effects already happened and the remaining steps must
// run again.
func (p *Processor) markOnce(ctx context.Context, task *broker.Task, key string) error {
	acquired, err := p.cache.TryMarkOnce(ctx, key, cache.IdempotencyTTL)
	if err != nil {
		return fmt.Errorf("idempotency mark: %w", err)
	}
	if !acquired && task.Attempt == 1 {
		return errSkipped
	}
	return nil
}

func (p *Processor) processTick(ctx context.Context, task *broker.Task) error {
	tick := task.Tick
	if err := tick.Validate(); err != nil {
		return permanent(err)
	}
	if err := p.markOnce(ctx, task, cache.KeyProcessedTick(tick.Product, tick.TickID)); err != nil {
		return err
	}

	if err := p.store.InsertTick(ctx, tick); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return err
	}

	if err := p.cacheLatestTick(ctx, tick); err != nil {
		return err
	}

	ohlc := make(map[int]models.OHLCWindow, len(models.Windows))
	for _, w := range models.Windows {
		window, err := p.updateWindow(ctx, tick, w)
		if err != nil {
			return err
		}
		ohlc[w] = window
	}

	p.publish(cache.TopicEnrichedUnderlying, models.EnrichedTick{
		UnderlyingTick: *tick,
		OHLC:           ohlc,
		ProcessedAt:    time.Now().UTC(),
	})
	return nil
}

// cacheLatestTick overwrites latest:underlying:{P} unless the cached value
// is already newer; a stale tick must never regress the hot view.
func (p *Processor) cacheLatestTick(ctx context.Context, tick *models.UnderlyingTick) error {
	key := cache.KeyLatestUnderlying(tick.Product)
	var current models.UnderlyingTick
	found, err := p.cache.GetJSON(ctx, key, &current)
	if err != nil {
		return err
	}
	if found && current.Timestamp.After(tick.Timestamp) {
		return nil
	}
	return p.cache.PutJSON(ctx, key, tick, cache.LatestTTL)
}

// updateWindow folds the tick into its (product, window) candle under the
// per-window lock and returns the resulting state.
func (p *Processor) updateWindow(ctx context.Context, tick *models.UnderlyingTick, window int) (models.OHLCWindow, error) {
	lock := p.windows.get(tick.Product, window)
	lock.Lock()
	defer lock.Unlock()

	key := cache.KeyOHLC(tick.Product, window)
	ttl := time.Duration(window) * time.Second
	tStart := analytics.WindowStart(tick.Timestamp, window)

	var current models.OHLCWindow
	found, err := p.cache.GetJSON(ctx, key, &current)
	if err != nil {
		return models.OHLCWindow{}, err
	}

	switch {
	case !found || tStart.After(current.TStart):
		// First tick of a fresh window (or the cached one aged out).
		current = analytics.NewOHLCWindow(tick, window)
	case tStart.Before(current.TStart):
		// Tick belongs to an already-rolled window; the live candle stays.
		return current, nil
	default:
		analytics.ApplyTick(&current, tick)
	}

	if err := p.cache.PutJSON(ctx, key, current, ttl); err != nil {
		return models.OHLCWindow{}, err
	}
	return current, nil
}

func (p *Processor) processChain(ctx context.Context, task *broker.Task) error {
	chain := task.Chain
	if err := chain.Validate(); err != nil {
		return permanent(err)
	}
	key := cache.KeyProcessedChain(chain.Product, chain.Expiry, chain.IdentityHash())
	if err := p.markOnce(ctx, task, key); err != nil {
		return err
	}

	enriched := analytics.Enrich(chain, time.Now().UTC())

	if err := p.store.InsertChain(ctx, &enriched); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return err
	}

	if err := p.cache.PutJSON(ctx, cache.KeyLatestChain(chain.Product, chain.Expiry), enriched, cache.LatestTTL); err != nil {
		return err
	}
	if err := p.cache.PutJSON(ctx, cache.KeyLatestPCR(chain.Product, chain.Expiry), enriched.Summary(), cache.LatestTTL); err != nil {
		return err
	}
	if err := p.cache.AddKnownExpiry(ctx, chain.Product, chain.Expiry); err != nil {
		return err
	}
	if err := p.rebuildSurface(ctx, chain.Product); err != nil {
		return err
	}

	p.publish(cache.TopicEnrichedChain, enriched)
	return nil
}

// rebuildSurface reassembles the product's IV surface from the latest cached
// chain of every known expiry and atomically replaces the sorted view.
func (p *Processor) rebuildSurface(ctx context.Context, product string) error {
	expiries, err := p.cache.KnownExpiries(ctx, product)
	if err != nil {
		return err
	}
	sets := make([][]models.IVSurfacePoint, 0, len(expiries))
	for _, expiry := range expiries {
		var chain models.EnrichedChain
		found, err := p.cache.GetJSON(ctx, cache.KeyLatestChain(product, expiry), &chain)
		if err != nil {
			return err
		}
		if !found {
			continue // expired from cache; that expiry drops off the surface
		}
		sets = append(sets, analytics.SurfacePoints(&chain))
	}
	return p.cache.ReplaceIVSurface(ctx, product, analytics.MergeSurface(sets...))
}

func (p *Processor) processRecompute(ctx context.Context, task *broker.Task) error {
	args := task.Recompute
	validWindow := false
	for _, w := range models.Windows {
		if args.Window == w {
			validWindow = true
		}
	}
	if !validWindow {
		return permanent(fmt.Errorf("recompute task %s: unsupported window %d", task.ID, args.Window))
	}

	end := args.TStart.Add(time.Duration(args.Window) * time.Second)
	ticks, err := p.store.TicksInWindow(ctx, args.Product, args.TStart, end)
	if err != nil {
		return err
	}

	lock := p.windows.get(args.Product, args.Window)
	lock.Lock()
	defer lock.Unlock()

	window, seeded := analytics.RebuildWindow(args.Product, args.Window, args.TStart, ticks)
	key := cache.KeyOHLC(args.Product, args.Window)
	if !seeded {
		return p.cache.Delete(ctx, key)
	}
	return p.cache.PutJSON(ctx, key, window, time.Duration(args.Window)*time.Second)
}

// publish emits an enriched event through the circuit breaker. The bus is
// best-effort and publish failures never fail the task; the breaker only
// stops us hammering a dead backend while cache reads keep serving.
func (p *Processor) publish(topic string, payload any) {
	_, err := p.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return nil, p.cache.PublishJSON(ctx, topic, payload)
	})
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("enriched publish dropped")
	}
}
