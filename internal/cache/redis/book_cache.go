package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// BookCache implements domain.BookCache. Each venue+symbol keeps the latest
// snapshot as JSON and its best prices in a hash, both expiring after ttl so
// a dead feed does not leave stale books behind.
//
// Key schema:
//
//	spotarb:book:{venue}:{symbol}       - snapshot JSON
//	spotarb:book:{venue}:{symbol}:bbo   - hash with "bid", "ask", "ts"
type BookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBookCache creates a BookCache; ttl <= 0 defaults to one minute.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &BookCache{rdb: c.Underlying(), ttl: ttl}
}

func bookKey(venue, symbol string) string { return "spotarb:book:" + venue + ":" + symbol }
func bboKey(venue, symbol string) string  { return bookKey(venue, symbol) + ":bbo" }

type cachedLevel [2]float64

type cachedBook struct {
	Venue  string        `json:"venue"`
	Symbol string        `json:"symbol"`
	TsMs   int64         `json:"ts"`
	Bids   []cachedLevel `json:"bids"`
	Asks   []cachedLevel `json:"asks"`
}

func encodeBook(snap domain.BookSnapshot) ([]byte, error) {
	cb := cachedBook{Venue: snap.Venue, Symbol: snap.Symbol, TsMs: snap.Timestamp.UnixMilli()}
	for _, l := range snap.Bids {
		cb.Bids = append(cb.Bids, cachedLevel{l.Price, l.Qty})
	}
	for _, l := range snap.Asks {
		cb.Asks = append(cb.Asks, cachedLevel{l.Price, l.Qty})
	}
	return json.Marshal(cb)
}

func decodeBook(data []byte) (domain.BookSnapshot, error) {
	var cb cachedBook
	if err := json.Unmarshal(data, &cb); err != nil {
		return domain.BookSnapshot{}, err
	}
	snap := domain.BookSnapshot{Venue: cb.Venue, Symbol: cb.Symbol, Timestamp: time.UnixMilli(cb.TsMs)}
	for _, l := range cb.Bids {
		snap.Bids = append(snap.Bids, domain.PriceLevel{Price: l[0], Qty: l[1]})
	}
	for _, l := range cb.Asks {
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: l[0], Qty: l[1]})
	}
	return snap, nil
}

// SetSnapshot replaces the cached snapshot and best prices atomically.
func (c *BookCache) SetSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	data, err := encodeBook(snap)
	if err != nil {
		return fmt.Errorf("redis: encode book %s/%s: %w", snap.Venue, snap.Symbol, err)
	}
	bk, bbo := bookKey(snap.Venue, snap.Symbol), bboKey(snap.Venue, snap.Symbol)

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, bk, data, c.ttl)
	pipe.HSet(ctx, bbo,
		"bid", strconv.FormatFloat(snap.BestBidPrice(), 'f', -1, 64),
		"ask", strconv.FormatFloat(snap.BestAskPrice(), 'f', -1, 64),
		"ts", strconv.FormatInt(snap.Timestamp.UnixMilli(), 10),
	)
	pipe.Expire(ctx, bbo, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book %s/%s: %w", snap.Venue, snap.Symbol, err)
	}
	return nil
}

// GetSnapshot returns domain.ErrNotFound when nothing is cached.
func (c *BookCache) GetSnapshot(ctx context.Context, venue, symbol string) (domain.BookSnapshot, error) {
	data, err := c.rdb.Get(ctx, bookKey(venue, symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.BookSnapshot{}, domain.ErrNotFound
		}
		return domain.BookSnapshot{}, fmt.Errorf("redis: get book %s/%s: %w", venue, symbol, err)
	}
	snap, err := decodeBook(data)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: decode book %s/%s: %w", venue, symbol, err)
	}
	return snap, nil
}

// GetBBO returns the cached best bid and ask.
func (c *BookCache) GetBBO(ctx context.Context, venue, symbol string) (float64, float64, error) {
	vals, err := c.rdb.HMGet(ctx, bboKey(venue, symbol), "bid", "ask").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis: get bbo %s/%s: %w", venue, symbol, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, 0, domain.ErrNotFound
	}
	bid, _ := strconv.ParseFloat(fmt.Sprint(vals[0]), 64)
	ask, _ := strconv.ParseFloat(fmt.Sprint(vals[1]), 64)
	return bid, ask, nil
}

var _ domain.BookCache = (*BookCache)(nil)
