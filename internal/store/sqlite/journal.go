// Package sqlite is a single-file journal of intents and outcomes for
// single-host and paper runs. It implements the same store interfaces as
// the postgres package.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_intent (
	id          TEXT PRIMARY KEY,
	created_at  INTEGER NOT NULL,
	symbol      TEXT NOT NULL,
	buy_ex      TEXT NOT NULL,
	sell_ex     TEXT NOT NULL,
	strategy    TEXT NOT NULL,
	valid_until INTEGER NOT NULL,
	size_quote  REAL NOT NULL,
	target_qty  REAL NOT NULL,
	buy_px      REAL NOT NULL,
	sell_px     REAL NOT NULL,
	net_edge    REAL NOT NULL,
	worst_edge  REAL NOT NULL,
	pnl_quote   REAL NOT NULL,
	pnl_bps     REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trade_intent_created_at ON trade_intent (created_at);

CREATE TABLE IF NOT EXISTS trade_order_pair (
	intent_id TEXT PRIMARY KEY,
	ts        INTEGER NOT NULL,
	symbol    TEXT NOT NULL,
	kind      TEXT NOT NULL,
	buy_leg   TEXT NOT NULL,
	sell_leg  TEXT NOT NULL,
	recovery  TEXT
);
CREATE INDEX IF NOT EXISTS idx_trade_order_pair_ts ON trade_order_pair (ts);
`

// Journal wraps one sqlite database file.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path and applies the schema.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Ping checks that the database file is usable.
func (j *Journal) Ping(ctx context.Context) error { return j.db.PingContext(ctx) }

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// Intents returns the intent store view.
func (j *Journal) Intents() *IntentStore { return &IntentStore{db: j.db} }

// Outcomes returns the outcome store view.
func (j *Journal) Outcomes() *OutcomeStore { return &OutcomeStore{db: j.db} }

// IntentStore implements domain.IntentStore.
type IntentStore struct {
	db *sql.DB
}

// InsertBatch inserts intents in one transaction, ignoring known ids.
func (s *IntentStore) InsertBatch(ctx context.Context, intents []domain.TradeIntent) error {
	if len(intents) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO trade_intent (
			id, created_at, symbol, buy_ex, sell_ex, strategy, valid_until,
			size_quote, target_qty, buy_px, sell_px, net_edge, worst_edge, pnl_quote, pnl_bps
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare intent insert: %w", err)
	}
	defer stmt.Close()

	for i, it := range intents {
		if _, err := stmt.ExecContext(ctx,
			it.ID, it.CreatedAt.UnixMilli(), it.Symbol, it.BuyVenue, it.SellVenue, it.Strategy, it.ValidUntil.UnixMilli(),
			it.Notional, it.Quantity, it.BuyPrice, it.SellPrice, it.NetEdge, it.WorstEdge, it.ExpectedPnL(), it.ExpectedBps(),
		); err != nil {
			return fmt.Errorf("sqlite: insert intent batch item %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// ListRecent returns the newest intents first.
func (s *IntentStore) ListRecent(ctx context.Context, limit int) ([]domain.TradeIntent, error) {
	return s.List(ctx, domain.ListOpts{Limit: limit})
}

// List returns intents in a time window, newest first.
func (s *IntentStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeIntent, error) {
	query, args := window(`SELECT id, created_at, symbol, buy_ex, sell_ex, strategy, valid_until,
		size_quote, target_qty, buy_px, sell_px, net_edge, worst_edge FROM trade_intent`, "created_at", opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list intents: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeIntent
	for rows.Next() {
		var it domain.TradeIntent
		var created, valid int64
		if err := rows.Scan(&it.ID, &created, &it.Symbol, &it.BuyVenue, &it.SellVenue, &it.Strategy, &valid,
			&it.Notional, &it.Quantity, &it.BuyPrice, &it.SellPrice, &it.NetEdge, &it.WorstEdge); err != nil {
			return nil, fmt.Errorf("sqlite: scan intent: %w", err)
		}
		it.CreatedAt = time.UnixMilli(created)
		it.ValidUntil = time.UnixMilli(valid)
		out = append(out, it)
	}
	return out, rows.Err()
}

// OutcomeStore implements domain.OutcomeStore. Legs and recovery are
// stored as JSON documents.
type OutcomeStore struct {
	db *sql.DB
}

// InsertBatch inserts outcomes in one transaction, ignoring known intent ids.
func (s *OutcomeStore) InsertBatch(ctx context.Context, outcomes []domain.OrderOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO trade_order_pair (intent_id, ts, symbol, kind, buy_leg, sell_leg, recovery)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare outcome insert: %w", err)
	}
	defer stmt.Close()

	for i, o := range outcomes {
		buy, err := json.Marshal(o.BuyLeg)
		if err != nil {
			return fmt.Errorf("sqlite: marshal buy leg %s: %w", o.IntentID, err)
		}
		sell, err := json.Marshal(o.SellLeg)
		if err != nil {
			return fmt.Errorf("sqlite: marshal sell leg %s: %w", o.IntentID, err)
		}
		var recovery sql.NullString
		if o.Recovery != nil {
			b, _ := json.Marshal(o.Recovery)
			recovery = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, o.IntentID, o.Timestamp.UnixMilli(), o.Symbol, string(o.Kind), string(buy), string(sell), recovery); err != nil {
			return fmt.Errorf("sqlite: insert outcome batch item %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// ListRecent returns the newest outcomes first.
func (s *OutcomeStore) ListRecent(ctx context.Context, limit int) ([]domain.OrderOutcome, error) {
	return s.List(ctx, domain.ListOpts{Limit: limit})
}

// List returns outcomes in a time window, newest first.
func (s *OutcomeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.OrderOutcome, error) {
	query, args := window(`SELECT intent_id, ts, symbol, kind, buy_leg, sell_leg, recovery FROM trade_order_pair`, "ts", opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderOutcome
	for rows.Next() {
		var (
			o         domain.OrderOutcome
			ts        int64
			kind      string
			buy, sell string
			recovery  sql.NullString
		)
		if err := rows.Scan(&o.IntentID, &ts, &o.Symbol, &kind, &buy, &sell, &recovery); err != nil {
			return nil, fmt.Errorf("sqlite: scan outcome: %w", err)
		}
		o.Timestamp = time.UnixMilli(ts)
		o.Kind = domain.OutcomeKind(kind)
		if err := json.Unmarshal([]byte(buy), &o.BuyLeg); err != nil {
			return nil, fmt.Errorf("sqlite: decode buy leg %s: %w", o.IntentID, err)
		}
		if err := json.Unmarshal([]byte(sell), &o.SellLeg); err != nil {
			return nil, fmt.Errorf("sqlite: decode sell leg %s: %w", o.IntentID, err)
		}
		if recovery.Valid {
			var r domain.Recovery
			if err := json.Unmarshal([]byte(recovery.String), &r); err == nil {
				o.Recovery = &r
			}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func window(base, tsCol string, opts domain.ListOpts) (string, []any) {
	query := base + " WHERE 1=1"
	var args []any
	if opts.Since != nil {
		query += " AND " + tsCol + " >= ?"
		args = append(args, opts.Since.UnixMilli())
	}
	if opts.Until != nil {
		query += " AND " + tsCol + " < ?"
		args = append(args, opts.Until.UnixMilli())
	}
	query += " ORDER BY " + tsCol + " DESC"
	limit := opts.Limit
	if limit <= 0 && opts.Since == nil {
		limit = 50
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}
	return query, args
}
