package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/deltastream/deltastream/internal/broker"
	"github.com/deltastream/deltastream/internal/cache"
	"github.com/deltastream/deltastream/internal/metrics"
	"github.com/deltastream/deltastream/internal/models"
)

const (
	softTimeout    = 60 * time.Second
	janitorPeriod  = 5 * time.Second
	shutdownWindow = 10 * time.Second
)

// Pool runs N workers against the broker, each with an effective prefetch
// of one: a worker holds at most a single un-acked delivery.
type Pool struct {
	broker    *broker.Broker
	cache     *cache.Adapter
	processor *Processor
	workers   int
}

// NewPool assembles a worker pool.
func NewPool(b *broker.Broker, c *cache.Adapter, p *Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{broker: b, cache: c, processor: p, workers: workers}
}

// Run blocks until ctx is cancelled. On shutdown, in-flight deliveries that
// have not reached a terminal state are requeued.
func (p *Pool) Run(ctx context.Context) error {
	log.Info().Int("workers", p.workers).Msg("enrichment worker pool starting")

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.janitorLoop(ctx)
	}()

	wg.Wait()
	log.Info().Msg("enrichment worker pool stopped")
	return nil
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := p.broker.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("worker", id).Msg("broker fetch failed")
			time.Sleep(time.Second)
			continue
		}
		if delivery == nil {
			continue
		}
		p.handle(ctx, delivery)
	}
}

func (p *Pool) handle(ctx context.Context, d *broker.Delivery) {
	task := d.Task
	start := time.Now()

	taskCtx, cancel := context.WithTimeout(ctx, softTimeout)
	err := p.processor.Process(taskCtx, task)
	cancel()
	metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		p.ack(d, "acked")

	case errors.Is(err, errSkipped):
		log.Debug().Str("task_id", task.ID).Str("kind", string(task.Kind)).Msg("duplicate task skipped")
		p.ack(d, "skipped")

	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// Soft time limit. Partial effects stay guarded by the store's
		// unique indexes; record the failure and stop retrying.
		p.deadLetter(d, err, "timeout")

	case ctx.Err() != nil:
		// Shutdown interrupted the task; give it back untouched.
		if rqErr := p.requeue(d); rqErr != nil {
			log.Error().Err(rqErr).Str("task_id", task.ID).Msg("requeue on shutdown failed")
		}

	case isPermanent(err):
		log.Warn().Err(err).Str("task_id", task.ID).Str("kind", string(task.Kind)).Msg("permanent task failure")
		p.deadLetter(d, err, "dlq")

	case task.Attempt >= maxAttempts:
		log.Warn().Err(err).Str("task_id", task.ID).Int("attempt", task.Attempt).Msg("retries exhausted")
		p.deadLetter(d, err, "dlq")

	default:
		delay := backoffDelay(task.Attempt)
		log.Warn().Err(err).Str("task_id", task.ID).Int("attempt", task.Attempt).
			Dur("delay", delay).Msg("transient task failure, retry scheduled")
		metrics.TasksProcessed.WithLabelValues(string(task.Kind), "retried").Inc()
		if nackErr := p.broker.Nack(context.Background(), d, delay); nackErr != nil {
			log.Error().Err(nackErr).Str("task_id", task.ID).Msg("nack failed; visibility reaper will recover")
		}
	}
}

func (p *Pool) ack(d *broker.Delivery, outcome string) {
	metrics.TasksProcessed.WithLabelValues(string(d.Task.Kind), outcome).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.broker.Ack(ctx, d); err != nil {
		// The reaper will redeliver; idempotency absorbs the duplicate.
		log.Error().Err(err).Str("task_id", d.Task.ID).Msg("ack failed")
	}
}

func (p *Pool) requeue(d *broker.Delivery) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
	defer cancel()
	return p.broker.Requeue(ctx, d)
}

// deadLetter records the failure and acks. DLQ admission is the terminal
// state for a failed task; if even that write fails the delivery is nacked
// so nothing is silently lost.
func (p *Pool) deadLetter(d *broker.Delivery, cause error, outcome string) {
	task := d.Task
	args, _ := task.Encode()
	entry := models.DLQEntry{
		TaskKind: string(task.Kind),
		TaskID:   task.ID,
		Error:    cause.Error(),
		Args:     args,
		FailedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.cache.AppendDLQ(ctx, entry); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("DLQ append failed, retrying task instead")
		if nackErr := p.broker.Nack(ctx, d, backoffDelay(task.Attempt)); nackErr != nil {
			log.Error().Err(nackErr).Str("task_id", task.ID).Msg("nack after DLQ failure failed")
		}
		return
	}
	metrics.TasksProcessed.WithLabelValues(string(task.Kind), outcome).Inc()
	if err := p.broker.Ack(ctx, d); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("ack after DLQ failed")
	}
}

// janitorLoop promotes due retries, requeues expired deliveries and samples
// queue depth for the backpressure gauge.
func (p *Pool) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(janitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := p.broker.PromoteDue(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("retry promotion failed")
		}
		if _, err := p.broker.ReapExpired(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("visibility reap failed")
		}
		if depth, err := p.broker.Depth(ctx); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}
	}
}
