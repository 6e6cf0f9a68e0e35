package cache

import (
	"fmt"
	"time"
)

// Key grammar for the hot store. These builders are the only place keys are
// assembled; readers and writers must go through them.

const (
	LatestTTL      = 300 * time.Second
	IdempotencyTTL = 3600 * time.Second

	DLQKey = "dlq:enrichment"
)

func KeyLatestUnderlying(product string) string {
	return "latest:underlying:" + product
}

func KeyLatestOption(symbol string) string {
	return "latest:option:" + symbol
}

func KeyLatestChain(product, expiry string) string {
	return fmt.Sprintf("latest:chain:%s:%s", product, expiry)
}

func KeyLatestPCR(product, expiry string) string {
	return fmt.Sprintf("latest:pcr:%s:%s", product, expiry)
}

// KeyOHLC holds the live window for one (product, window) pair; its TTL
// equals the window size so stale candles expire on their own.
func KeyOHLC(product string, window int) string {
	return fmt.Sprintf("ohlc:%s:%d", product, window)
}

func KeyIVSurface(product string) string {
	return "iv_surface:" + product
}

func KeyProcessedTick(product string, tickID int64) string {
	return fmt.Sprintf("processed:underlying:%s:%d", product, tickID)
}

func KeyProcessedChain(product, expiry, hash string) string {
	return fmt.Sprintf("processed:chain:%s:%s:%s", product, expiry, hash)
}
