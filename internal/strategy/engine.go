// Package strategy turns order-book snapshots into sized cross-venue trade
// intents: a top-of-book spread screen, a slippage-bounded liquidity walk,
// a worst-price re-check, then per-route cooldown and per-symbol throttle.
package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// edgeEpsilon absorbs float noise so an edge of exactly zero is rejected.
const edgeEpsilon = 1e-12

// Config holds the decision parameters. Fee, buffer and slippage values are
// fractions (0.001 = 0.1%).
type Config struct {
	Name            string
	Venues          []string
	Symbols         []string
	TakerFees       map[string]float64
	RawSpreadBuffer float64
	Slippage        float64
	QMin            float64
	QMax            float64
	Cooldown        time.Duration
	Throttle        time.Duration
	IntentTTL       time.Duration
	// MaxBookAge of 0 disables the per-snapshot age check.
	MaxBookAge time.Duration
}

// QualityReader reports whether a venue's feed may be traded.
type QualityReader interface {
	Healthy(venue string) bool
}

type bookKey struct {
	venue  string
	symbol string
}

// Engine keeps the latest snapshot per venue and symbol and evaluates
// routes when a symbol's book changes.
type Engine struct {
	cfg     Config
	quality QualityReader
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	symbols map[string]struct{}

	mu         sync.Mutex
	latest     map[bookKey]domain.BookSnapshot
	lastIntent map[string]time.Time // route key
	lastRun    map[string]time.Time // symbol

	recentMu      sync.Mutex
	recentIntents []domain.TradeIntent
	recentLimit   int
}

// NewEngine creates an Engine. now and newID may be nil.
func NewEngine(cfg Config, quality QualityReader, logger *slog.Logger, now func() time.Time, newID func() string) *Engine {
	if now == nil {
		now = time.Now
	}
	if newID == nil {
		newID = uuid.NewString
	}
	if cfg.Name == "" {
		cfg.Name = "arbitrage_v1"
	}
	syms := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		syms[s] = struct{}{}
	}
	return &Engine{
		cfg:         cfg,
		quality:     quality,
		logger:      logger.With(slog.String("component", "strategy_engine")),
		now:         now,
		newID:       newID,
		symbols:     syms,
		latest:      make(map[bookKey]domain.BookSnapshot),
		lastIntent:  make(map[string]time.Time),
		lastRun:     make(map[string]time.Time),
		recentLimit: 500,
	}
}

// Run consumes snapshots until ctx is done and forwards intents to out.
// A full out channel drops the intent rather than stalling market data.
func (e *Engine) Run(ctx context.Context, in <-chan domain.BookSnapshot, out chan<- domain.TradeIntent) error {
	e.logger.Info("strategy engine started",
		slog.String("strategy", e.cfg.Name),
		slog.Duration("cooldown", e.cfg.Cooldown),
		slog.Duration("throttle", e.cfg.Throttle),
		slog.Float64("raw_spread_buffer", e.cfg.RawSpreadBuffer),
		slog.Float64("slippage", e.cfg.Slippage),
		slog.Float64("q_min", e.cfg.QMin),
		slog.Float64("q_max", e.cfg.QMax),
	)
	defer e.logger.Info("strategy engine stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-in:
			if !ok {
				return nil
			}
			for _, it := range e.OnBook(snap) {
				select {
				case out <- it:
				default:
					e.logger.Warn("intent channel full, dropping intent",
						slog.String("intent_id", it.ID),
						slog.String("route", it.Route()),
					)
				}
			}
		}
	}
}

// OnBook stores the snapshot and, unless throttled, evaluates its symbol.
func (e *Engine) OnBook(snap domain.BookSnapshot) []domain.TradeIntent {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.latest[bookKey{snap.Venue, snap.Symbol}] = snap

	if _, ok := e.symbols[snap.Symbol]; !ok {
		return nil
	}

	now := e.now()
	if last, ok := e.lastRun[snap.Symbol]; ok && now.Sub(last) < e.cfg.Throttle {
		return nil
	}
	e.lastRun[snap.Symbol] = now

	var out []domain.TradeIntent
	for _, c := range e.evaluateLocked(snap.Symbol, now) {
		rk := domain.RouteKey(c.Symbol, c.BuyVenue, c.SellVenue)
		if last, ok := e.lastIntent[rk]; ok && now.Sub(last) < e.cfg.Cooldown {
			e.logger.Debug("route in cooldown",
				slog.String("route", rk),
				slog.Duration("age", now.Sub(last)),
			)
			continue
		}
		e.lastIntent[rk] = now

		c.ID = e.newID()
		c.Strategy = e.cfg.Name
		c.CreatedAt = now
		c.ValidUntil = now.Add(e.cfg.IntentTTL)
		out = append(out, c)
		e.remember(c)

		e.logger.Info("trade intent",
			slog.String("intent_id", c.ID),
			slog.String("route", rk),
			slog.Float64("notional", c.Notional),
			slog.Float64("qty", c.Quantity),
			slog.Float64("net_edge_pct", c.NetEdge*100),
			slog.Float64("buy_price", c.BuyPrice),
			slog.Float64("sell_price", c.SellPrice),
		)
	}
	return out
}

// Evaluate runs both decision stages for a symbol against the current cache
// without touching cooldown or throttle state.
func (e *Engine) Evaluate(symbol string) []domain.TradeIntent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluateLocked(symbol, e.now())
}

func (e *Engine) evaluateLocked(symbol string, now time.Time) []domain.TradeIntent {
	var out []domain.TradeIntent
	for _, buyVenue := range e.cfg.Venues {
		for _, sellVenue := range e.cfg.Venues {
			if buyVenue == sellVenue {
				continue
			}
			if it, ok := e.evaluateRoute(symbol, buyVenue, sellVenue, now); ok {
				out = append(out, it)
			}
		}
	}
	return out
}

func (e *Engine) evaluateRoute(symbol, buyVenue, sellVenue string, now time.Time) (domain.TradeIntent, bool) {
	buy, ok := e.latest[bookKey{buyVenue, symbol}]
	if !ok {
		return domain.TradeIntent{}, false
	}
	sell, ok := e.latest[bookKey{sellVenue, symbol}]
	if !ok {
		return domain.TradeIntent{}, false
	}
	if e.quality != nil && (!e.quality.Healthy(buyVenue) || !e.quality.Healthy(sellVenue)) {
		return domain.TradeIntent{}, false
	}
	if e.cfg.MaxBookAge > 0 && (buy.Age(now) > e.cfg.MaxBookAge || sell.Age(now) > e.cfg.MaxBookAge) {
		return domain.TradeIntent{}, false
	}

	// Stage 1: top-of-book spread screen.
	bestAsk := buy.BestAskPrice()
	bestBid := sell.BestBidPrice()
	if bestAsk <= 0 || bestBid <= 0 {
		return domain.TradeIntent{}, false
	}
	fees := e.cfg.TakerFees[buyVenue] + e.cfg.TakerFees[sellVenue]
	raw := (bestBid - bestAsk) / bestAsk
	net1 := raw - (fees + e.cfg.RawSpreadBuffer)
	if net1 <= edgeEpsilon {
		return domain.TradeIntent{}, false
	}

	// Stage 2: liquidity inside the slippage band.
	askSide := QWithinSlippage(buy.Asks, SideAsk, e.cfg.Slippage, e.cfg.QMax)
	bidSide := QWithinSlippage(sell.Bids, SideBid, e.cfg.Slippage, e.cfg.QMax)
	if askSide.Notional < e.cfg.QMin || bidSide.Notional < e.cfg.QMin {
		e.logger.Debug("insufficient liquidity",
			slog.String("route", domain.RouteKey(symbol, buyVenue, sellVenue)),
			slog.Float64("ask_notional", askSide.Notional),
			slog.Float64("bid_notional", bidSide.Notional),
		)
		return domain.TradeIntent{}, false
	}
	q := min(askSide.Notional, bidSide.Notional, e.cfg.QMax)

	net2 := (bidSide.WorstPrice-askSide.WorstPrice)/askSide.WorstPrice - fees
	if net2 <= edgeEpsilon {
		return domain.TradeIntent{}, false
	}

	return domain.TradeIntent{
		Symbol:    symbol,
		BuyVenue:  buyVenue,
		SellVenue: sellVenue,
		Notional:  q,
		Quantity:  q / askSide.WorstPrice,
		NetEdge:   net1,
		WorstEdge: net2,
		BuyPrice:  bestAsk,
		SellPrice: bestBid,
	}, true
}

// Latest returns the cached snapshot for a venue and symbol.
func (e *Engine) Latest(venue, symbol string) (domain.BookSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.latest[bookKey{venue, symbol}]
	return s, ok
}

// RecentIntents returns up to limit emitted intents, newest first.
func (e *Engine) RecentIntents(limit int) []domain.TradeIntent {
	if limit <= 0 {
		limit = 20
	}
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	n := len(e.recentIntents)
	if limit > n {
		limit = n
	}
	out := make([]domain.TradeIntent, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recentIntents[i])
	}
	return out
}

func (e *Engine) remember(it domain.TradeIntent) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	e.recentIntents = append(e.recentIntents, it)
	if overflow := len(e.recentIntents) - e.recentLimit; overflow > 0 {
		e.recentIntents = append([]domain.TradeIntent(nil), e.recentIntents[overflow:]...)
	}
}
