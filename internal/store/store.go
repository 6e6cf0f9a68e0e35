// Package store persists the enriched stream to Postgres. Uniqueness
// constraints back the pipeline's duplicate-effect semantics: a second
// insert of the same entity surfaces as ErrDuplicate, which callers treat
// as idempotent success.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/deltastream/deltastream/internal/models"
)

// ErrDuplicate reports a unique-index violation on insert.
var ErrDuplicate = errors.New("duplicate document")

// Store wraps the Postgres connection with per-call timeouts.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to Postgres and pings it.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	return &Store{db: db, timeout: 5 * time.Second}, nil
}

// NewFromDB wraps an existing connection. Used by tests with sqlmock.
func NewFromDB(db *sqlx.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS underlying_ticks (
		id         BIGSERIAL PRIMARY KEY,
		product    TEXT NOT NULL,
		tick_id    BIGINT NOT NULL,
		price      DOUBLE PRECISION NOT NULL,
		ts         TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_ticks_product_tick ON underlying_ticks (product, tick_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ticks_product_ts ON underlying_ticks (product, ts DESC)`,
	`CREATE TABLE IF NOT EXISTS option_quotes (
		id            BIGSERIAL PRIMARY KEY,
		symbol        TEXT NOT NULL,
		product       TEXT NOT NULL,
		strike        BIGINT NOT NULL,
		expiry        DATE NOT NULL,
		option_type   TEXT NOT NULL,
		bid           DOUBLE PRECISION NOT NULL,
		ask           DOUBLE PRECISION NOT NULL,
		last          DOUBLE PRECISION NOT NULL,
		volume        BIGINT NOT NULL,
		open_interest BIGINT NOT NULL,
		iv            DOUBLE PRECISION NOT NULL,
		greeks        JSONB NOT NULL DEFAULT '{}',
		ts            TIMESTAMPTZ NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quotes_symbol_ts ON option_quotes (symbol, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_quotes_product_ts ON option_quotes (product, ts DESC)`,
	`CREATE TABLE IF NOT EXISTS option_chains (
		id         BIGSERIAL PRIMARY KEY,
		product    TEXT NOT NULL,
		expiry     DATE NOT NULL,
		ts         TIMESTAMPTZ NOT NULL,
		spot_price DOUBLE PRECISION NOT NULL,
		payload    JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_chains_product_expiry_ts ON option_chains (product, expiry, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_chains_product_expiry_ts_desc ON option_chains (product, expiry, ts DESC)`,
}

// EnsureSchema creates tables and indexes. Idempotent; called at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	log.Info().Msg("storage schema ensured")
	return nil
}

func mapPqError(err error, what string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}

// InsertTick appends one underlying tick. ErrDuplicate on (product, tick_id)
// reuse.
func (s *Store) InsertTick(ctx context.Context, tick *models.UnderlyingTick) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO underlying_ticks (product, tick_id, price, ts) VALUES ($1, $2, $3, $4)`,
		tick.Product, tick.TickID, tick.Price, tick.Timestamp)
	if err != nil {
		return mapPqError(err, "tick")
	}
	return nil
}

// InsertQuote appends one option quote.
func (s *Store) InsertQuote(ctx context.Context, q *models.OptionQuote) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	greeks, err := json.Marshal(q.Greeks)
	if err != nil {
		return fmt.Errorf("marshal greeks: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO option_quotes
			(symbol, product, strike, expiry, option_type, bid, ask, last, volume, open_interest, iv, greeks, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		q.Symbol, q.Product, q.Strike, q.Expiry, q.OptionType,
		q.Bid, q.Ask, q.Last, q.Volume, q.OpenInterest, q.IV, greeks, q.Timestamp)
	if err != nil {
		return mapPqError(err, "quote")
	}
	return nil
}

// InsertChain appends one enriched chain snapshot. ErrDuplicate on
// (product, expiry, ts) reuse.
func (s *Store) InsertChain(ctx context.Context, chain *models.EnrichedChain) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO option_chains (product, expiry, ts, spot_price, payload) VALUES ($1, $2, $3, $4, $5)`,
		chain.Product, chain.Expiry, chain.Timestamp, chain.SpotPrice, payload)
	if err != nil {
		return mapPqError(err, "chain")
	}
	return nil
}

// Ping verifies backend availability; used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
