// Package cache adapts Redis into the pipeline's hot store, pub/sub bus,
// idempotency primitive and DLQ. One client serves all four roles; the
// broker keeps its own keyspace in package broker.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/deltastream/deltastream/internal/models"
)

// Adapter wraps a Redis client with the typed operations the pipeline needs.
type Adapter struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(addr, password string, db int) (*Adapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Adapter{client: rdb}, nil
}

// NewFromClient wraps an existing client. Used by tests with redismock.
func NewFromClient(client *redis.Client) *Adapter {
	return &Adapter{client: client}
}

// PutJSON upserts a JSON-encoded value with a TTL.
func (a *Adapter) PutJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := a.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// GetJSON reads a key into dest. Returns false on a miss.
func (a *Adapter) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := a.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a key.
func (a *Adapter) Delete(ctx context.Context, key string) error {
	if err := a.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// TryMarkOnce atomically sets key if absent, with a TTL. Returns true when
// this call acquired the mark. This is the pipeline's idempotency primitive.
func (a *Adapter) TryMarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	acquired, err := a.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return acquired, nil
}

// AppendDLQ appends a dead-letter entry. The DLQ list never expires.
func (a *Adapter) AppendDLQ(ctx context.Context, entry models.DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	if err := a.client.RPush(ctx, DLQKey, data).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", DLQKey, err)
	}
	return nil
}

// DLQLen reports the number of dead-lettered entries.
func (a *Adapter) DLQLen(ctx context.Context) (int64, error) {
	n, err := a.client.LLen(ctx, DLQKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", DLQKey, err)
	}
	return n, nil
}

// DLQRange reads entries without consuming them.
func (a *Adapter) DLQRange(ctx context.Context, start, stop int64) ([]models.DLQEntry, error) {
	raw, err := a.client.LRange(ctx, DLQKey, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", DLQKey, err)
	}
	entries := make([]models.DLQEntry, 0, len(raw))
	for _, item := range raw {
		var e models.DLQEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			log.Warn().Err(err).Msg("skipping unreadable DLQ entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DLQPop consumes the oldest entry. Returns false when the queue is empty.
func (a *Adapter) DLQPop(ctx context.Context) (models.DLQEntry, bool, error) {
	var e models.DLQEntry
	data, err := a.client.LPop(ctx, DLQKey).Bytes()
	if err == redis.Nil {
		return e, false, nil
	}
	if err != nil {
		return e, false, fmt.Errorf("redis lpop %s: %w", DLQKey, err)
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, false, fmt.Errorf("unmarshal dlq entry: %w", err)
	}
	return e, true, nil
}

// Publish fires a payload at a topic. Best-effort: delivery to absent
// subscribers is silently dropped by Redis, matching the bus contract.
func (a *Adapter) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := a.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// PublishJSON marshals and publishes in one step.
func (a *Adapter) PublishJSON(ctx context.Context, topic string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return a.Publish(ctx, topic, data)
}

// Subscribe opens a pub/sub subscription on the given topics. The returned
// channel closes when ctx is cancelled.
func (a *Adapter) Subscribe(ctx context.Context, topics ...string) (<-chan *redis.Message, func() error) {
	sub := a.client.Subscribe(ctx, topics...)
	return sub.Channel(), sub.Close
}

// ReplaceIVSurface atomically swaps a product's IV surface for a new point
// set. Points are stored in a sorted set scored by strike so subscribers can
// range-query slices of the surface.
func (a *Adapter) ReplaceIVSurface(ctx context.Context, product string, points []models.IVSurfacePoint) error {
	key := KeyIVSurface(product)
	members := make([]redis.Z, 0, len(points))
	for _, p := range points {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal surface point: %w", err)
		}
		members = append(members, redis.Z{Score: float64(p.Strike), Member: string(data)})
	}

	pipe := a.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		pipe.ZAdd(ctx, key, members...)
		pipe.Expire(ctx, key, LatestTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis replace %s: %w", key, err)
	}
	return nil
}

// IVSurfaceRange returns surface points with strike in [minStrike, maxStrike].
func (a *Adapter) IVSurfaceRange(ctx context.Context, product string, minStrike, maxStrike int64) ([]models.IVSurfacePoint, error) {
	key := KeyIVSurface(product)
	raw, err := a.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", minStrike),
		Max: fmt.Sprintf("%d", maxStrike),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore %s: %w", key, err)
	}
	points := make([]models.IVSurfacePoint, 0, len(raw))
	for _, item := range raw {
		var p models.IVSurfacePoint
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			return nil, fmt.Errorf("unmarshal surface point: %w", err)
		}
		points = append(points, p)
	}
	return points, nil
}

// Client exposes the underlying Redis client for collaborators that keep
// their own keyspace on the same endpoint (the task broker).
func (a *Adapter) Client() *redis.Client {
	return a.client
}

// Ping verifies backend availability; used by health checks.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (a *Adapter) Close() error {
	return a.client.Close()
}
