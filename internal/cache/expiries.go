package cache

import (
	"context"
	"fmt"
)

// The worker maintains a per-product set of expiries it has seen so the IV
// surface can be reassembled across every expiry without touching the
// document store on the hot path.

func keyExpiries(product string) string {
	return "expiries:" + product
}

// AddKnownExpiry records that a chain for (product, expiry) was processed.
func (a *Adapter) AddKnownExpiry(ctx context.Context, product, expiry string) error {
	if err := a.client.SAdd(ctx, keyExpiries(product), expiry).Err(); err != nil {
		return fmt.Errorf("redis sadd expiries %s: %w", product, err)
	}
	return nil
}

// KnownExpiries lists the expiries seen for a product, unordered.
func (a *Adapter) KnownExpiries(ctx context.Context, product string) ([]string, error) {
	expiries, err := a.client.SMembers(ctx, keyExpiries(product)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers expiries %s: %w", product, err)
	}
	return expiries, nil
}
