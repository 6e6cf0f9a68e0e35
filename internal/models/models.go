package models

import (
	"fmt"
	"strings"
	"time"
)

// OptionType distinguishes the two legs of a chain.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// OHLC window sizes supported by the pipeline, in seconds.
var Windows = []int{60, 300, 900}

// Greeks are informational values passed through from the upstream feed.
// The pipeline never recomputes them.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
}

// UnderlyingTick is a single price observation for an underlying product.
// (product, tick_id) is unique for the lifetime of the pipeline; ingest
// assigns tick_id monotonically per product.
type UnderlyingTick struct {
	Product   string    `json:"product" db:"product"`
	Price     float64   `json:"price" db:"price"`
	TickID    int64     `json:"tick_id" db:"tick_id"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}

// OptionQuote is one side of one strike of an option chain.
type OptionQuote struct {
	Symbol       string     `json:"symbol" db:"symbol"`
	Product      string     `json:"product" db:"product"`
	Strike       int64      `json:"strike" db:"strike"`
	Expiry       string     `json:"expiry" db:"expiry"` // YYYY-MM-DD
	OptionType   OptionType `json:"option_type" db:"option_type"`
	Bid          float64    `json:"bid" db:"bid"`
	Ask          float64    `json:"ask" db:"ask"`
	Last         float64    `json:"last" db:"last"`
	Volume       int64      `json:"volume" db:"volume"`
	OpenInterest int64      `json:"open_interest" db:"open_interest"`
	Greeks       Greeks     `json:"greeks" db:"-"`
	IV           float64    `json:"iv" db:"iv"`
	Timestamp    time.Time  `json:"timestamp" db:"ts"`
}

// OptionChain is an atomic snapshot of one expiry of one product.
// calls[i].Strike == puts[i].Strike == Strikes[i] for every i.
type OptionChain struct {
	Product   string        `json:"product"`
	Expiry    string        `json:"expiry"`
	SpotPrice float64       `json:"spot_price"`
	Strikes   []int64       `json:"strikes"`
	Calls     []OptionQuote `json:"calls"`
	Puts      []OptionQuote `json:"puts"`
	Timestamp time.Time     `json:"timestamp"`
}

// Sentiment holds the chain-level analytics attached during enrichment.
type Sentiment struct {
	PCROI            float64 `json:"pcr_oi"`
	PCRVolume        float64 `json:"pcr_volume"`
	PCRUndefined     bool    `json:"pcr_undefined,omitempty"`
	ATMStrike        int64   `json:"atm_strike"`
	ATMStraddlePrice float64 `json:"atm_straddle_price"`
	MaxPainStrike    int64   `json:"max_pain_strike"`
	TotalCallOI      int64   `json:"total_call_oi"`
	TotalPutOI       int64   `json:"total_put_oi"`
	CallBuildupOTM   int64   `json:"call_buildup_otm"`
	PutBuildupOTM    int64   `json:"put_buildup_otm"`
}

// EnrichedChain is an OptionChain plus its computed sentiment fields.
type EnrichedChain struct {
	OptionChain
	Sentiment
	ProcessedAt time.Time `json:"processed_at"`
}

// ChainSummary is the lightweight projection broadcast to the general room.
type ChainSummary struct {
	Product          string    `json:"product"`
	Expiry           string    `json:"expiry"`
	SpotPrice        float64   `json:"spot_price"`
	PCROI            float64   `json:"pcr_oi"`
	PCRVolume        float64   `json:"pcr_volume"`
	ATMStrike        int64     `json:"atm_strike"`
	ATMStraddlePrice float64   `json:"atm_straddle_price"`
	MaxPainStrike    int64     `json:"max_pain_strike"`
	Timestamp        time.Time `json:"timestamp"`
}

// Summary projects an enriched chain down to its broadcast summary.
func (e *EnrichedChain) Summary() ChainSummary {
	return ChainSummary{
		Product:          e.Product,
		Expiry:           e.Expiry,
		SpotPrice:        e.SpotPrice,
		PCROI:            e.PCROI,
		PCRVolume:        e.PCRVolume,
		ATMStrike:        e.ATMStrike,
		ATMStraddlePrice: e.ATMStraddlePrice,
		MaxPainStrike:    e.MaxPainStrike,
		Timestamp:        e.Timestamp,
	}
}

// OHLCWindow is a time-bucketed candle for one product and window size.
// OpenTS/CloseTS track the timestamps backing open and close so that
// out-of-order ticks cannot regress either value.
type OHLCWindow struct {
	Product string    `json:"product"`
	Window  int       `json:"window"` // seconds
	Open    float64   `json:"open"`
	High    float64   `json:"high"`
	Low     float64   `json:"low"`
	Close   float64   `json:"close"`
	TStart  time.Time `json:"t_start"`
	TEnd    time.Time `json:"t_end"`
	OpenTS  time.Time `json:"open_ts"`
	CloseTS time.Time `json:"close_ts"`
}

// EnrichedTick is the payload published on enriched:underlying.
// OHLC is keyed by window size in seconds.
type EnrichedTick struct {
	UnderlyingTick
	OHLC        map[int]OHLCWindow `json:"ohlc"`
	ProcessedAt time.Time          `json:"processed_at"`
}

// IVSurfacePoint is one (expiry, strike, iv) sample of a product's surface.
type IVSurfacePoint struct {
	Product string  `json:"product"`
	Expiry  string  `json:"expiry"`
	Strike  int64   `json:"strike"`
	IV      float64 `json:"iv"`
}

// DLQEntry records a task that failed permanently.
type DLQEntry struct {
	TaskKind string    `json:"task_kind"`
	TaskID   string    `json:"task_id"`
	Error    string    `json:"error"`
	Args     []byte    `json:"args"`
	FailedAt time.Time `json:"failed_at"`
}

// OptionSymbol renders the canonical symbol {product}{YYYYMMDD}{C|P}{strike}.
func OptionSymbol(product, expiry string, typ OptionType, strike int64) string {
	compact := strings.ReplaceAll(expiry, "-", "")
	side := "C"
	if typ == Put {
		side = "P"
	}
	return fmt.Sprintf("%s%s%s%d", product, compact, side, strike)
}

// ParseExpiry validates the YYYY-MM-DD expiry form.
func ParseExpiry(expiry string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", expiry)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry %q: %w", expiry, err)
	}
	return t, nil
}
