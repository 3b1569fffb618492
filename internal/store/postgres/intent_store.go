package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// IntentStore implements domain.IntentStore on the trade_intent table.
type IntentStore struct {
	pool *pgxpool.Pool
}

// NewIntentStore creates an IntentStore backed by the given pool.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

const intentSelectCols = `id, created_at, symbol, buy_ex, sell_ex, strategy, valid_until,
	size_quote, target_qty, theoretical_buy_px, theoretical_sell_px, net_edge, worst_edge`

type intentMeta struct {
	WorstEdge float64 `json:"worst_edge"`
	Route     string  `json:"route"`
}

// InsertBatch writes intents in one pgx batch. Rows whose id already exists
// are skipped.
func (s *IntentStore) InsertBatch(ctx context.Context, intents []domain.TradeIntent) error {
	if len(intents) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO trade_intent (
			id, created_at, symbol, buy_ex, sell_ex, strategy, status, valid_until,
			expected_pnl_quote, expected_pnl_bps, size_quote, target_qty,
			theoretical_buy_px, theoretical_sell_px, net_edge, worst_edge, meta
		) VALUES (
			$1, $2, $3, $4, $5, $6, 'created', $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16
		) ON CONFLICT (id) DO NOTHING`

	for _, it := range intents {
		meta, _ := json.Marshal(intentMeta{WorstEdge: it.WorstEdge, Route: it.Route()})
		batch.Queue(query,
			it.ID, it.CreatedAt, it.Symbol, it.BuyVenue, it.SellVenue, it.Strategy, it.ValidUntil,
			it.ExpectedPnL(), it.ExpectedBps(), it.Notional, it.Quantity,
			it.BuyPrice, it.SellPrice, it.NetEdge, it.WorstEdge, string(meta),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range intents {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert intent batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListRecent returns the newest intents first.
func (s *IntentStore) ListRecent(ctx context.Context, limit int) ([]domain.TradeIntent, error) {
	return s.List(ctx, domain.ListOpts{Limit: limit})
}

// List returns intents in a time window, newest first.
func (s *IntentStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeIntent, error) {
	query, args := windowQuery(`SELECT `+intentSelectCols+` FROM trade_intent`, "created_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list intents: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeIntent
	for rows.Next() {
		var it domain.TradeIntent
		if err := rows.Scan(
			&it.ID, &it.CreatedAt, &it.Symbol, &it.BuyVenue, &it.SellVenue, &it.Strategy, &it.ValidUntil,
			&it.Notional, &it.Quantity, &it.BuyPrice, &it.SellPrice, &it.NetEdge, &it.WorstEdge,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan intent: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// windowQuery appends the optional time window, newest-first ordering and
// pagination used by both stores.
func windowQuery(base, tsCol string, opts domain.ListOpts) (string, []any) {
	query := base + " WHERE TRUE"
	var args []any
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", tsCol, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s < $%d", tsCol, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY " + tsCol + " DESC"

	limit := opts.Limit
	if limit <= 0 && opts.Since == nil {
		limit = 50
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
