package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// OutcomeStore implements domain.OutcomeStore on the trade_order_pair table.
type OutcomeStore struct {
	pool *pgxpool.Pool
}

// NewOutcomeStore creates an OutcomeStore backed by the given pool.
func NewOutcomeStore(pool *pgxpool.Pool) *OutcomeStore {
	return &OutcomeStore{pool: pool}
}

const outcomeSelectCols = `intent_id, ts, symbol, kind,
	buy_ex, buy_qty, buy_order_id, buy_status, buy_error, buy_raw,
	sell_ex, sell_qty, sell_order_id, sell_status, sell_error, sell_raw,
	recovery`

// InsertBatch writes outcomes in one pgx batch; one row per intent.
func (s *OutcomeStore) InsertBatch(ctx context.Context, outcomes []domain.OrderOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO trade_order_pair (
			intent_id, ts, symbol, kind,
			buy_ex, buy_qty, buy_order_id, buy_status, buy_error, buy_raw,
			sell_ex, sell_qty, sell_order_id, sell_status, sell_error, sell_raw,
			recovery
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17
		) ON CONFLICT (intent_id) DO NOTHING`

	for _, o := range outcomes {
		var recovery any
		if o.Recovery != nil {
			b, err := json.Marshal(o.Recovery)
			if err != nil {
				return fmt.Errorf("postgres: marshal recovery for %s: %w", o.IntentID, err)
			}
			recovery = string(b)
		}
		batch.Queue(query,
			o.IntentID, o.Timestamp, o.Symbol, string(o.Kind),
			o.BuyLeg.Venue, o.BuyLeg.Qty, o.BuyLeg.OrderID, string(o.BuyLeg.Status), o.BuyLeg.Error, jsonArg(o.BuyLeg.Raw),
			o.SellLeg.Venue, o.SellLeg.Qty, o.SellLeg.OrderID, string(o.SellLeg.Status), o.SellLeg.Error, jsonArg(o.SellLeg.Raw),
			recovery,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range outcomes {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert outcome batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListRecent returns the newest outcomes first.
func (s *OutcomeStore) ListRecent(ctx context.Context, limit int) ([]domain.OrderOutcome, error) {
	return s.List(ctx, domain.ListOpts{Limit: limit})
}

// List returns outcomes in a time window, newest first.
func (s *OutcomeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.OrderOutcome, error) {
	query, args := windowQuery(`SELECT `+outcomeSelectCols+` FROM trade_order_pair`, "ts", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderOutcome
	for rows.Next() {
		var (
			o                     domain.OrderOutcome
			kind                  string
			buyStatus, sellStatus *string
			buyQty, sellQty       *string
			buyID, sellID         *string
			buyErr, sellErr       *string
			buyRaw, sellRaw       []byte
			recovery              []byte
		)
		if err := rows.Scan(
			&o.IntentID, &o.Timestamp, &o.Symbol, &kind,
			&o.BuyLeg.Venue, &buyQty, &buyID, &buyStatus, &buyErr, &buyRaw,
			&o.SellLeg.Venue, &sellQty, &sellID, &sellStatus, &sellErr, &sellRaw,
			&recovery,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan outcome: %w", err)
		}
		o.Kind = domain.OutcomeKind(kind)
		o.BuyLeg.Side, o.SellLeg.Side = domain.OrderSideBuy, domain.OrderSideSell
		o.BuyLeg.Qty, o.SellLeg.Qty = deref(buyQty), deref(sellQty)
		o.BuyLeg.OrderID, o.SellLeg.OrderID = deref(buyID), deref(sellID)
		o.BuyLeg.Status, o.SellLeg.Status = domain.OrderStatus(deref(buyStatus)), domain.OrderStatus(deref(sellStatus))
		o.BuyLeg.Error, o.SellLeg.Error = deref(buyErr), deref(sellErr)
		o.BuyLeg.Raw, o.SellLeg.Raw = buyRaw, sellRaw
		if len(recovery) > 0 {
			var r domain.Recovery
			if err := json.Unmarshal(recovery, &r); err == nil {
				o.Recovery = &r
			}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return string(raw)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
