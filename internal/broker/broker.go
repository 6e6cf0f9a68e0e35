// Package broker implements a durable task queue on Redis lists: a pending
// list consumers block on, a processing list holding in-flight deliveries
// under a visibility deadline, and a delayed sorted set for scheduled
// retries. Acks are late — a worker that dies before acking leaves its
// delivery to the reaper, which requeues it with the attempt count bumped.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	keyPending    = "queue:enrichment"
	keyProcessing = "queue:enrichment:processing"
	keyDelayed    = "queue:enrichment:delayed"
	keyInflight   = "queue:enrichment:inflight"  // task id -> raw payload
	keyDeadlines  = "queue:enrichment:deadlines" // task id -> unix ms visibility deadline

	fetchBlock = time.Second
)

// Delivery is one fetched task plus the raw payload needed to ack it.
type Delivery struct {
	Task *Task
	raw  string
}

// Broker is a Redis-backed durable queue with late ack and prefetch 1
// (Fetch returns at most one un-acked delivery per call site).
type Broker struct {
	client     *redis.Client
	visibility time.Duration

	// orphans tracks processing-list entries seen without an inflight
	// record, keyed by task ID. Touched only by ReapExpired, which runs
	// on a single janitor goroutine.
	orphans map[string]bool
}

// New wraps a Redis client. visibility must exceed the p99 task runtime.
func New(client *redis.Client, visibility time.Duration) *Broker {
	if visibility <= 0 {
		visibility = 120 * time.Second
	}
	return &Broker{client: client, visibility: visibility, orphans: make(map[string]bool)}
}

// Enqueue appends a task to the pending list.
func (b *Broker) Enqueue(ctx context.Context, task *Task) error {
	data, err := task.Encode()
	if err != nil {
		return err
	}
	if err := b.client.RPush(ctx, keyPending, data).Err(); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// Fetch blocks up to one second for a task, moving it to the processing
// list and recording its visibility deadline. Returns nil when the queue
// was empty for the whole block.
func (b *Broker) Fetch(ctx context.Context) (*Delivery, error) {
	raw, err := b.client.BLMove(ctx, keyPending, keyProcessing, "LEFT", "RIGHT", fetchBlock).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch task: %w", err)
	}

	task, err := DecodeTask([]byte(raw))
	if err != nil {
		// Unparseable payloads can never be processed; drop from the
		// processing list so the reaper does not recycle them forever.
		b.client.LRem(ctx, keyProcessing, 1, raw)
		return nil, err
	}

	deadline := time.Now().Add(b.visibility).UnixMilli()
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, keyInflight, task.ID, raw)
	pipe.HSet(ctx, keyDeadlines, task.ID, deadline)
	if _, err := pipe.Exec(ctx); err != nil {
		// An unregistered delivery has no visibility deadline, so the
		// reaper cannot see it. Put the payload straight back on the
		// pending list instead of stranding it on the processing list.
		ret := b.client.TxPipeline()
		ret.LRem(ctx, keyProcessing, 1, raw)
		ret.RPush(ctx, keyPending, raw)
		if _, rerr := ret.Exec(ctx); rerr != nil {
			log.Error().Str("task_id", task.ID).Err(rerr).Msg("could not return unregistered delivery to pending")
		}
		return nil, fmt.Errorf("register delivery %s: %w", task.ID, err)
	}
	return &Delivery{Task: task, raw: raw}, nil
}

// Ack removes a completed delivery. Sent only after all task effects have
// committed (late ack).
func (b *Broker) Ack(ctx context.Context, d *Delivery) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, keyProcessing, 1, d.raw)
	pipe.HDel(ctx, keyInflight, d.Task.ID)
	pipe.HDel(ctx, keyDeadlines, d.Task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack task %s: %w", d.Task.ID, err)
	}
	return nil
}

// Nack returns a delivery to the queue with its attempt count bumped. With
// delay zero it lands on the pending list immediately; otherwise it waits in
// the delayed set until PromoteDue moves it.
func (b *Broker) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	retry := *d.Task
	retry.Attempt++
	data, err := retry.Encode()
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, keyProcessing, 1, d.raw)
	pipe.HDel(ctx, keyInflight, d.Task.ID)
	pipe.HDel(ctx, keyDeadlines, d.Task.ID)
	if delay <= 0 {
		pipe.RPush(ctx, keyPending, data)
	} else {
		pipe.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: string(data),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack task %s: %w", d.Task.ID, err)
	}
	return nil
}

// Requeue returns a delivery untouched, attempt count preserved. Used on
// graceful shutdown for tasks whose retry sleep was cancelled.
func (b *Broker) Requeue(ctx context.Context, d *Delivery) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, keyProcessing, 1, d.raw)
	pipe.HDel(ctx, keyInflight, d.Task.ID)
	pipe.HDel(ctx, keyDeadlines, d.Task.ID)
	pipe.RPush(ctx, keyPending, d.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue task %s: %w", d.Task.ID, err)
	}
	return nil
}

// Depth reports the pending backlog. Backpressure watermarks compare
// against this.
func (b *Broker) Depth(ctx context.Context) (int64, error) {
	n, err := b.client.LLen(ctx, keyPending).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// PromoteDue moves delayed tasks whose retry time has arrived onto the
// pending list. Called periodically by the pool janitor.
func (b *Broker) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("promote due: %w", err)
	}
	moved := 0
	for _, raw := range due {
		removed, err := b.client.ZRem(ctx, keyDelayed, raw).Result()
		if err != nil {
			return moved, fmt.Errorf("promote due: %w", err)
		}
		if removed == 0 {
			continue // another janitor won the race
		}
		if err := b.client.RPush(ctx, keyPending, raw).Err(); err != nil {
			return moved, fmt.Errorf("promote due: %w", err)
		}
		moved++
	}
	return moved, nil
}

// ReapExpired requeues deliveries whose visibility deadline passed without
// an ack, bumping their attempt count. This is what makes a worker crash
// redeliver instead of lose the task.
func (b *Broker) ReapExpired(ctx context.Context) (int, error) {
	deadlines, err := b.client.HGetAll(ctx, keyDeadlines).Result()
	if err != nil {
		return 0, fmt.Errorf("reap expired: %w", err)
	}
	now := time.Now().UnixMilli()
	reaped := 0
	for id, raw := range deadlines {
		deadline, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || deadline > now {
			continue
		}
		payload, err := b.client.HGet(ctx, keyInflight, id).Result()
		if errors.Is(err, redis.Nil) {
			b.client.HDel(ctx, keyDeadlines, id)
			continue
		}
		if err != nil {
			return reaped, fmt.Errorf("reap expired %s: %w", id, err)
		}
		task, err := DecodeTask([]byte(payload))
		if err != nil {
			log.Warn().Str("task_id", id).Err(err).Msg("dropping unreadable expired delivery")
			b.client.LRem(ctx, keyProcessing, 1, payload)
			b.client.HDel(ctx, keyInflight, id)
			b.client.HDel(ctx, keyDeadlines, id)
			continue
		}
		task.Attempt++
		data, err := task.Encode()
		if err != nil {
			return reaped, err
		}

		pipe := b.client.TxPipeline()
		pipe.LRem(ctx, keyProcessing, 1, payload)
		pipe.HDel(ctx, keyInflight, id)
		pipe.HDel(ctx, keyDeadlines, id)
		pipe.RPush(ctx, keyPending, data)
		if _, err := pipe.Exec(ctx); err != nil {
			return reaped, fmt.Errorf("reap expired %s: %w", id, err)
		}
		log.Warn().Str("task_id", id).Int("attempt", task.Attempt).Msg("visibility expired, task requeued")
		reaped++
	}

	orphaned, err := b.reconcileOrphans(ctx)
	if err != nil {
		return reaped, err
	}
	return reaped + orphaned, nil
}

// reconcileOrphans requeues processing-list entries that have no inflight
// record. A consumer dying between the BLMove in Fetch and the registration
// pipeline leaves exactly this shape behind, invisible to the deadline scan
// above. An entry is requeued only when it is still orphaned on the next
// scan, so a registration that is merely in progress is never raced.
func (b *Broker) reconcileOrphans(ctx context.Context) (int, error) {
	raws, err := b.client.LRange(ctx, keyProcessing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("reconcile orphans: %w", err)
	}
	seen := make(map[string]bool, len(raws))
	requeued := 0
	for _, raw := range raws {
		task, err := DecodeTask([]byte(raw))
		if err != nil {
			b.client.LRem(ctx, keyProcessing, 1, raw)
			continue
		}
		registered, err := b.client.HExists(ctx, keyInflight, task.ID).Result()
		if err != nil {
			return requeued, fmt.Errorf("reconcile orphans: %w", err)
		}
		if registered {
			continue
		}
		if !b.orphans[task.ID] {
			seen[task.ID] = true // first sighting; recheck next scan
			continue
		}
		task.Attempt++
		data, err := task.Encode()
		if err != nil {
			return requeued, err
		}
		pipe := b.client.TxPipeline()
		pipe.LRem(ctx, keyProcessing, 1, raw)
		pipe.RPush(ctx, keyPending, data)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("reconcile orphans %s: %w", task.ID, err)
		}
		log.Warn().Str("task_id", task.ID).Int("attempt", task.Attempt).Msg("orphaned delivery requeued")
		requeued++
	}
	b.orphans = seen
	return requeued, nil
}
