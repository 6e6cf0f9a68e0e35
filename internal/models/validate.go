package models

import (
	"errors"
	"fmt"
)

// ErrInvalid marks data that violates the model invariants. Tasks carrying
// invalid data go straight to the DLQ; there is no point retrying them.
var ErrInvalid = errors.New("invalid market data")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks an underlying tick against the data model.
func (t *UnderlyingTick) Validate() error {
	if t.Product == "" {
		return invalidf("tick missing product")
	}
	if t.TickID <= 0 {
		return invalidf("tick %s has non-positive tick_id %d", t.Product, t.TickID)
	}
	if t.Price <= 0 {
		return invalidf("tick %s/%d has non-positive price %v", t.Product, t.TickID, t.Price)
	}
	if t.Timestamp.IsZero() {
		return invalidf("tick %s/%d missing timestamp", t.Product, t.TickID)
	}
	return nil
}

// Validate checks a single option quote.
func (q *OptionQuote) Validate() error {
	if q.Symbol == "" || q.Product == "" {
		return invalidf("quote missing symbol or product")
	}
	if q.OptionType != Call && q.OptionType != Put {
		return invalidf("quote %s has unknown option_type %q", q.Symbol, q.OptionType)
	}
	if _, err := ParseExpiry(q.Expiry); err != nil {
		return invalidf("quote %s: %v", q.Symbol, err)
	}
	if q.Strike <= 0 {
		return invalidf("quote %s has non-positive strike %d", q.Symbol, q.Strike)
	}
	if q.Bid > q.Ask {
		return invalidf("quote %s has bid %v > ask %v", q.Symbol, q.Bid, q.Ask)
	}
	if q.Volume < 0 {
		return invalidf("quote %s has negative volume %d", q.Symbol, q.Volume)
	}
	if q.OpenInterest < 0 {
		return invalidf("quote %s has negative open_interest %d", q.Symbol, q.OpenInterest)
	}
	if q.Timestamp.IsZero() {
		return invalidf("quote %s missing timestamp", q.Symbol)
	}
	return nil
}

// Validate checks the chain structural invariants: aligned legs, strikes
// sorted ascending, and every quote individually valid.
func (c *OptionChain) Validate() error {
	if c.Product == "" {
		return invalidf("chain missing product")
	}
	if _, err := ParseExpiry(c.Expiry); err != nil {
		return invalidf("chain %s: %v", c.Product, err)
	}
	if c.SpotPrice <= 0 {
		return invalidf("chain %s/%s has non-positive spot %v", c.Product, c.Expiry, c.SpotPrice)
	}
	if c.Timestamp.IsZero() {
		return invalidf("chain %s/%s missing timestamp", c.Product, c.Expiry)
	}
	if len(c.Strikes) == 0 {
		return invalidf("chain %s/%s has no strikes", c.Product, c.Expiry)
	}
	if len(c.Calls) != len(c.Strikes) || len(c.Puts) != len(c.Strikes) {
		return invalidf("chain %s/%s leg mismatch: %d strikes, %d calls, %d puts",
			c.Product, c.Expiry, len(c.Strikes), len(c.Calls), len(c.Puts))
	}
	for i, k := range c.Strikes {
		if i > 0 && c.Strikes[i-1] >= k {
			return invalidf("chain %s/%s strikes not sorted at index %d", c.Product, c.Expiry, i)
		}
		if c.Calls[i].Strike != k || c.Puts[i].Strike != k {
			return invalidf("chain %s/%s misaligned legs at strike %d", c.Product, c.Expiry, k)
		}
		if err := c.Calls[i].Validate(); err != nil {
			return err
		}
		if err := c.Puts[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
