package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deltastream/deltastream/internal/models"
)

// TicksByRange returns ticks for a product, newest first. Zero start/end
// leave the corresponding bound open.
func (s *Store) TicksByRange(ctx context.Context, product string, start, end time.Time, limit int) ([]models.UnderlyingTick, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT product, tick_id, price, ts FROM underlying_ticks WHERE product = $1`
	args := []any{product}
	if !start.IsZero() {
		args = append(args, start)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !end.IsZero() {
		args = append(args, end)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	var ticks []models.UnderlyingTick
	if err := s.db.SelectContext(ctx, &ticks, query, args...); err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	return ticks, nil
}

// ChainsByProduct returns enriched chain snapshots, newest first, optionally
// filtered by expiry.
func (s *Store) ChainsByProduct(ctx context.Context, product, expiry string, limit int) ([]models.EnrichedChain, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT payload FROM option_chains WHERE product = $1`
	args := []any{product}
	if expiry != "" {
		args = append(args, expiry)
		query += fmt.Sprintf(" AND expiry = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chains: %w", err)
	}
	defer rows.Close()

	var chains []models.EnrichedChain
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		var chain models.EnrichedChain
		if err := json.Unmarshal(payload, &chain); err != nil {
			return nil, fmt.Errorf("unmarshal chain: %w", err)
		}
		chains = append(chains, chain)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chains: %w", err)
	}
	return chains, nil
}

// Products returns the distinct product universe observed in ticks,
// ascending.
func (s *Store) Products(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var products []string
	err := s.db.SelectContext(ctx, &products,
		`SELECT DISTINCT product FROM underlying_ticks ORDER BY product`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	return products, nil
}

// Expiries returns a product's known expiries, ascending.
func (s *Store) Expiries(ctx context.Context, product string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var expiries []string
	err := s.db.SelectContext(ctx, &expiries,
		`SELECT DISTINCT to_char(expiry, 'YYYY-MM-DD') FROM option_chains WHERE product = $1 ORDER BY 1`,
		product)
	if err != nil {
		return nil, fmt.Errorf("query expiries: %w", err)
	}
	return expiries, nil
}

// LatestTickTime reports the newest tick timestamp across all products.
// Zero time when the store is empty.
func (s *Store) LatestTickTime(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var latest sql.NullTime
	err := s.db.GetContext(ctx, &latest, `SELECT MAX(ts) FROM underlying_ticks`)
	if err != nil {
		return time.Time{}, fmt.Errorf("query latest tick time: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

// TicksInWindow returns every tick for a product within [start, end),
// oldest first. Used by the OHLC repair task.
func (s *Store) TicksInWindow(ctx context.Context, product string, start, end time.Time) ([]models.UnderlyingTick, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var ticks []models.UnderlyingTick
	err := s.db.SelectContext(ctx, &ticks,
		`SELECT product, tick_id, price, ts FROM underlying_ticks
		 WHERE product = $1 AND ts >= $2 AND ts < $3 ORDER BY ts ASC`,
		product, start, end)
	if err != nil {
		return nil, fmt.Errorf("query window ticks: %w", err)
	}
	return ticks, nil
}
