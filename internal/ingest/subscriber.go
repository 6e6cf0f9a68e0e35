// Package ingest subscribes to the raw market topics, validates envelopes
// and dispatches typed enrichment tasks onto the broker.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deltastream/deltastream/internal/broker"
	"github.com/deltastream/deltastream/internal/cache"
	"github.com/deltastream/deltastream/internal/metrics"
	"github.com/deltastream/deltastream/internal/models"
	"github.com/deltastream/deltastream/internal/store"
)

// Config tunes the backpressure watermarks. Ingest pauses once the broker
// backlog crosses High and resumes below Low.
type Config struct {
	HighWatermark int64
	LowWatermark  int64
}

// Subscriber consumes the raw topics. Raw pub/sub is best-effort: envelopes
// arriving while ingest is paused are dropped, and persistence begins
// downstream of the broker.
type Subscriber struct {
	cache  *cache.Adapter
	broker *broker.Broker
	store  *store.Store
	cfg    Config

	paused atomic.Bool
}

// New builds a subscriber. Watermark defaults: high 5000, low 2500.
func New(c *cache.Adapter, b *broker.Broker, s *store.Store, cfg Config) *Subscriber {
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = 5000
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark >= cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark / 2
	}
	return &Subscriber{cache: c, broker: b, store: s, cfg: cfg}
}

// Run blocks consuming raw topics until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	msgs, closeSub := s.cache.Subscribe(ctx,
		cache.TopicRawUnderlying, cache.TopicRawOptionChain, cache.TopicRawOptionQuote)
	defer closeSub()

	log.Info().
		Int64("high_watermark", s.cfg.HighWatermark).
		Int64("low_watermark", s.cfg.LowWatermark).
		Msg("ingest subscriber started")

	depthTicker := time.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("ingest subscriber stopped")
			return nil
		case <-depthTicker.C:
			s.updateBackpressure(ctx)
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("raw subscription closed unexpectedly")
			}
			if s.paused.Load() {
				continue // best-effort feed; shed while over the watermark
			}
			s.dispatch(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

// updateBackpressure applies the Hm/Lm hysteresis against broker depth.
func (s *Subscriber) updateBackpressure(ctx context.Context) {
	depth, err := s.broker.Depth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("queue depth check failed")
		}
		return
	}
	switch {
	case !s.paused.Load() && depth >= s.cfg.HighWatermark:
		s.paused.Store(true)
		metrics.IngestPaused.Set(1)
		log.Warn().Int64("depth", depth).Msg("queue over high-watermark, ingest paused")
	case s.paused.Load() && depth < s.cfg.LowWatermark:
		s.paused.Store(false)
		metrics.IngestPaused.Set(0)
		log.Info().Int64("depth", depth).Msg("queue under low-watermark, ingest resumed")
	}
}

func (s *Subscriber) dispatch(ctx context.Context, topic string, payload []byte) {
	var err error
	switch topic {
	case cache.TopicRawUnderlying:
		err = s.handleTick(ctx, payload)
	case cache.TopicRawOptionChain:
		err = s.handleChain(ctx, payload)
	case cache.TopicRawOptionQuote:
		err = s.handleQuote(ctx, payload)
	default:
		return
	}
	if err != nil {
		metrics.IngestRejected.WithLabelValues(topic).Inc()
		log.Warn().Err(err).Str("topic", topic).Msg("raw envelope rejected")
	}
}

func (s *Subscriber) handleTick(ctx context.Context, payload []byte) error {
	var tick models.UnderlyingTick
	if err := json.Unmarshal(payload, &tick); err != nil {
		return err
	}
	if err := tick.Validate(); err != nil {
		return err
	}
	return s.broker.Enqueue(ctx, broker.NewTickTask(&tick))
}

func (s *Subscriber) handleChain(ctx context.Context, payload []byte) error {
	var chain models.OptionChain
	if err := json.Unmarshal(payload, &chain); err != nil {
		return err
	}
	if err := chain.Validate(); err != nil {
		return err
	}
	return s.broker.Enqueue(ctx, broker.NewChainTask(&chain))
}

// handleQuote caches and persists individual quotes inline. Quotes carry no
// chain-level analytics, so they never become enrichment tasks; the full
// chain snapshot is the analytics input.
func (s *Subscriber) handleQuote(ctx context.Context, payload []byte) error {
	var quote models.OptionQuote
	if err := json.Unmarshal(payload, &quote); err != nil {
		return err
	}
	if err := quote.Validate(); err != nil {
		return err
	}
	if err := s.cache.PutJSON(ctx, cache.KeyLatestOption(quote.Symbol), quote, cache.LatestTTL); err != nil {
		return err
	}
	if err := s.store.InsertQuote(ctx, &quote); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return err
	}
	return nil
}
