// Package dlq is the operator surface over the dead-letter queue: listing
// entries and replaying them onto the broker.
package dlq

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/deltastream/deltastream/internal/broker"
	"github.com/deltastream/deltastream/internal/cache"
	"github.com/deltastream/deltastream/internal/models"
)

// List returns up to limit entries without consuming them.
func List(ctx context.Context, c *cache.Adapter, limit int64) ([]models.DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return c.DLQRange(ctx, 0, limit-1)
}

// Replay drains the DLQ and requeues every decodable entry with a fresh
// attempt budget. Undecodable entries are dropped with a log line — they
// already failed permanently once.
func Replay(ctx context.Context, c *cache.Adapter, b *broker.Broker) (int, error) {
	replayed := 0
	for {
		entry, ok, err := c.DLQPop(ctx)
		if err != nil {
			return replayed, fmt.Errorf("dlq drain: %w", err)
		}
		if !ok {
			return replayed, nil
		}

		task, err := broker.DecodeTask(entry.Args)
		if err != nil {
			log.Warn().Str("task_id", entry.TaskID).Err(err).Msg("dropping undecodable DLQ entry")
			continue
		}
		task.Attempt = 1
		if err := b.Enqueue(ctx, task); err != nil {
			// Put the entry back so nothing is lost mid-drain.
			if appendErr := c.AppendDLQ(ctx, entry); appendErr != nil {
				log.Error().Err(appendErr).Str("task_id", entry.TaskID).Msg("DLQ restore failed")
			}
			return replayed, fmt.Errorf("requeue %s: %w", entry.TaskID, err)
		}
		replayed++
	}
}
