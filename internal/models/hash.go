package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// IdentityHash derives a stable identity for a chain snapshot from the
// fields that distinguish one observation from the next: product, expiry,
// timestamp, strikes, last prices and open interest on both legs. Two
// snapshots with the same hash are duplicates for idempotency purposes.
func (c *OptionChain) IdentityHash() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%d", c.Product, c.Expiry, c.Timestamp.UnixMilli())
	for i, k := range c.Strikes {
		fmt.Fprintf(&b, "|%d:%.2f:%.2f:%d:%d",
			k, c.Calls[i].Last, c.Puts[i].Last, c.Calls[i].OpenInterest, c.Puts[i].OpenInterest)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}
