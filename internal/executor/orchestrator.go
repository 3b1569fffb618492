package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spotarb/internal/domain"
	"github.com/alanyoungcy/spotarb/internal/rules"
)

// Adapter is a venue's private execution channel.
type Adapter interface {
	Venue() string
	StartupBalances(ctx context.Context, assets []string) (map[string]float64, error)
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, req domain.CancelRequest) (domain.OrderResult, error)
}

// SymbolLookup resolves a canonical symbol on a venue.
type SymbolLookup interface {
	Get(canon, venue string) (*rules.SymbolInfo, bool)
}

// VenueStates reports whether a venue is enabled for trading.
type VenueStates interface {
	Enabled(venue string) bool
}

// Alerter delivers operator alerts. notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Alert event names.
const (
	EventRecoveryFailed = "recovery_failed"
	EventExposureOpen   = "exposure_open"
)

// Config holds the orchestrator policy.
type Config struct {
	TakerFees       map[string]float64
	QuoteFloor      float64
	AutoFix         bool // allow the unwind order after a one-sided fill
	OrderTimeout    time.Duration
	DedupTTL        time.Duration
	OrderRateLimit  int
	OrderRateWindow time.Duration
}

// Orchestrator executes one intent at a time as two concurrent market
// orders and repairs one-sided fills.
type Orchestrator struct {
	cfg      Config
	symbols  SymbolLookup
	venues   VenueStates
	adapters map[string]Adapter
	balances *Balances
	limiter  domain.RateLimiter
	alerter  Alerter
	dedup    *Dedup
	busy     atomic.Bool
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewOrchestrator wires an orchestrator over the given adapters.
func NewOrchestrator(cfg Config, symbols SymbolLookup, venues VenueStates, adapters []Adapter, balances *Balances, logger *slog.Logger) *Orchestrator {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 10 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 2 * time.Minute
	}
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Venue()] = a
	}
	return &Orchestrator{
		cfg:      cfg,
		symbols:  symbols,
		venues:   venues,
		adapters: m,
		balances: balances,
		dedup:    NewDedup(cfg.DedupTTL, nil),
		logger:   logger.With(slog.String("component", "orchestrator")),
		now:      time.Now,
		newID:    func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
}

// SetRateLimiter enables the per-venue order rate limit.
func (o *Orchestrator) SetRateLimiter(l domain.RateLimiter) { o.limiter = l }

// SetAlerter sets the operator alert channel.
func (o *Orchestrator) SetAlerter(a Alerter) { o.alerter = a }

// Busy reports whether an intent is in flight.
func (o *Orchestrator) Busy() bool { return o.busy.Load() }

// Balances returns the local balance snapshot.
func (o *Orchestrator) Balances() *Balances { return o.balances }

// Dedup returns the intent dedup window, for periodic cleanup.
func (o *Orchestrator) Dedup() *Dedup { return o.dedup }

// LoadBalances seeds the balance snapshot from every adapter.
func (o *Orchestrator) LoadBalances(ctx context.Context, assets map[string][]string) error {
	for venue, a := range o.adapters {
		free, err := a.StartupBalances(ctx, assets[venue])
		if err != nil {
			return fmt.Errorf("executor: startup balances %s: %w", venue, err)
		}
		o.balances.Set(venue, free)
		o.logger.Info("startup balances loaded",
			slog.String("venue", venue),
			slog.Int("assets", len(free)),
		)
	}
	return nil
}

type leg struct {
	req      domain.OrderRequest
	res      domain.OrderResult
	err      error
	price    float64
	rule     *rules.Rule
	filled   bool
	quoteQty float64
	baseQty  float64
}

func (l *leg) report() domain.LegReport {
	r := domain.LegReport{
		Venue:   l.req.Venue,
		Side:    l.req.Side,
		Qty:     l.req.Quantity,
		OrderID: l.res.OrderID,
		Status:  l.res.Status,
		Raw:     l.res.Raw,
	}
	if l.err != nil {
		r.Error = l.err.Error()
		if r.Status == "" {
			r.Status = domain.OrderStatusFailed
		}
	}
	return r
}

// TryHandle executes it unless another intent is in flight, it has expired,
// it was seen before, or a precheck rejects it. The bool is false when no
// order was sent.
func (o *Orchestrator) TryHandle(ctx context.Context, it domain.TradeIntent) (domain.OrderOutcome, bool) {
	log := o.logger.With(
		slog.String("intent_id", it.ID),
		slog.String("route", it.Route()),
	)
	if !o.busy.CompareAndSwap(false, true) {
		log.Warn("dropping intent", slog.String("reason", "executor busy"))
		return domain.OrderOutcome{}, false
	}
	defer o.busy.Store(false)

	if it.Expired(o.now()) {
		log.Warn("dropping intent",
			slog.String("reason", "expired"),
			slog.Time("valid_until", it.ValidUntil),
		)
		return domain.OrderOutcome{}, false
	}
	if o.dedup.IsDuplicate(it.ID) {
		log.Warn("dropping intent", slog.String("reason", "duplicate"))
		return domain.OrderOutcome{}, false
	}

	buyAd, sellAd := o.adapters[it.BuyVenue], o.adapters[it.SellVenue]
	if buyAd == nil || sellAd == nil {
		log.Warn("dropping intent",
			slog.String("reason", "adapter missing"),
			slog.String("error", domain.ErrAdapterMissing.Error()),
		)
		return domain.OrderOutcome{}, false
	}
	buyInfo, ok1 := o.symbols.Get(it.Symbol, it.BuyVenue)
	sellInfo, ok2 := o.symbols.Get(it.Symbol, it.SellVenue)
	if !ok1 || !ok2 || !buyInfo.Enabled || !sellInfo.Enabled {
		log.Debug("precheck rejected", slog.String("reason", string(ReasonSymbolDisabled)))
		return domain.OrderOutcome{}, false
	}

	qty := CommonQty(it.Quantity, buyInfo.Rule, sellInfo.Rule)
	buyCheck := Precheck(PrecheckInput{
		Side:         domain.OrderSideBuy,
		Qty:          qty,
		Notional:     it.Notional,
		Price:        it.BuyPrice,
		Rule:         buyInfo.Rule,
		VenueEnabled: o.venueEnabled(it.BuyVenue),
		QuoteFree:    o.balances.Free(it.BuyVenue, buyInfo.Quote),
		BaseFree:     o.balances.Free(it.BuyVenue, buyInfo.Base),
		FeeRate:      o.cfg.TakerFees[it.BuyVenue],
		QuoteFloor:   o.cfg.QuoteFloor,
	})
	if !buyCheck.OK() {
		log.Debug("precheck rejected",
			slog.String("side", "BUY"),
			slog.String("reason", string(buyCheck.Reason)),
		)
		return domain.OrderOutcome{}, false
	}
	sellCheck := Precheck(PrecheckInput{
		Side:         domain.OrderSideSell,
		Qty:          qty,
		Notional:     it.Notional,
		Price:        it.SellPrice,
		Rule:         sellInfo.Rule,
		VenueEnabled: o.venueEnabled(it.SellVenue),
		QuoteFree:    o.balances.Free(it.SellVenue, sellInfo.Quote),
		BaseFree:     o.balances.Free(it.SellVenue, sellInfo.Base),
		FeeRate:      o.cfg.TakerFees[it.SellVenue],
		QuoteFloor:   o.cfg.QuoteFloor,
	})
	if !sellCheck.OK() {
		log.Debug("precheck rejected",
			slog.String("side", "SELL"),
			slog.String("reason", string(sellCheck.Reason)),
		)
		return domain.OrderOutcome{}, false
	}

	buy := &leg{
		req: domain.OrderRequest{
			Venue:         it.BuyVenue,
			Symbol:        buyInfo.OrderKey,
			Side:          domain.OrderSideBuy,
			Type:          domain.OrderTypeMarket,
			Quantity:      buyCheck.QtyText,
			Price:         formatPrice(it.BuyPrice),
			ClientOrderID: o.newID(),
		},
		price: it.BuyPrice,
		rule:  buyInfo.Rule,
	}
	sell := &leg{
		req: domain.OrderRequest{
			Venue:         it.SellVenue,
			Symbol:        sellInfo.OrderKey,
			Side:          domain.OrderSideSell,
			Type:          domain.OrderTypeMarket,
			Quantity:      sellCheck.QtyText,
			Price:         formatPrice(it.SellPrice),
			ClientOrderID: o.newID(),
		},
		price: it.SellPrice,
		rule:  sellInfo.Rule,
	}

	// Neither leg's failure cancels the other, so the group has no shared context.
	var g errgroup.Group
	g.Go(func() error { o.place(ctx, buyAd, buy); return nil })
	g.Go(func() error { o.place(ctx, sellAd, sell); return nil })
	_ = g.Wait()

	out := domain.OrderOutcome{
		IntentID:  it.ID,
		Timestamp: o.now().UTC(),
		Symbol:    it.Symbol,
	}

	switch {
	case buy.filled && sell.filled:
		out.Kind = domain.OutcomeBothFilled
		o.book(buyInfo, buy)
		o.book(sellInfo, sell)
		log.Info("both legs filled",
			slog.String("buy_order_id", buy.res.OrderID),
			slog.String("sell_order_id", sell.res.OrderID),
			slog.String("qty", buy.req.Quantity),
			slog.Float64("expected_pnl", it.ExpectedPnL()),
		)
	case buy.filled:
		out.Kind = domain.OutcomeBuyOnly
		o.book(buyInfo, buy)
		out.Recovery = o.recover(ctx, log, buyInfo, buy, sellAd, sell)
	case sell.filled:
		out.Kind = domain.OutcomeSellOnly
		o.book(sellInfo, sell)
		out.Recovery = o.recover(ctx, log, sellInfo, sell, buyAd, buy)
	default:
		out.Kind = domain.OutcomeBothFailed
		log.Warn("both legs failed",
			slog.String("buy_error", errText(buy.err)),
			slog.String("sell_error", errText(sell.err)),
		)
	}

	out.BuyLeg = buy.report()
	out.SellLeg = sell.report()
	return out, true
}

func (o *Orchestrator) venueEnabled(venue string) bool {
	if o.venues == nil {
		return true
	}
	return o.venues.Enabled(venue)
}

// place sends one order. The request outlives ctx cancellation and is
// bounded only by the order timeout, so shutdown abandons rather than
// cancels it.
func (o *Orchestrator) place(ctx context.Context, a Adapter, l *leg) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.OrderTimeout)
	defer cancel()

	if o.limiter != nil && o.cfg.OrderRateLimit > 0 {
		allowed, err := o.limiter.Allow(ctx, "orders:"+l.req.Venue, o.cfg.OrderRateLimit, o.cfg.OrderRateWindow)
		if err != nil {
			o.logger.Warn("order rate limiter unavailable",
				slog.String("venue", l.req.Venue),
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			l.err = fmt.Errorf("executor: place %s: %w", l.req.Venue, domain.ErrRateLimited)
			return
		}
	}

	res, err := a.PlaceOrder(ctx, l.req)
	l.res = res
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrRequestTimeout):
		l.err = fmt.Errorf("executor: place %s: %w: %v", l.req.Venue, domain.ErrRequestTimeout, err)
	case err != nil:
		l.err = fmt.Errorf("executor: place %s: %w", l.req.Venue, err)
	case !res.Filled():
		l.err = fmt.Errorf("executor: place %s: order %s status %s", l.req.Venue, res.OrderID, res.Status)
	default:
		l.filled = true
		l.baseQty = res.ExecutedQty
		if l.baseQty <= 0 {
			l.baseQty, _ = strconv.ParseFloat(l.req.Quantity, 64)
		}
		l.quoteQty = res.QuoteQty
		if l.quoteQty <= 0 {
			l.quoteQty = l.baseQty * l.price
		}
	}
}

// book applies a filled leg to the local balance snapshot.
func (o *Orchestrator) book(info *rules.SymbolInfo, l *leg) {
	fee := o.cfg.TakerFees[l.req.Venue]
	if l.req.Side == domain.OrderSideBuy {
		o.balances.ApplyBuy(l.req.Venue, info.Base, info.Quote, l.baseQty, l.quoteQty, fee)
		return
	}
	o.balances.ApplySell(l.req.Venue, info.Base, info.Quote, l.baseQty, l.quoteQty, fee)
}

// recover runs the one-sided fill state machine: cancel the failed leg in
// case it is resting; if that fails too, and auto fix is on, trade the
// filled quantity back on the filled leg's venue.
func (o *Orchestrator) recover(ctx context.Context, log *slog.Logger, filledInfo *rules.SymbolInfo, filled *leg, failedAd Adapter, failed *leg) *domain.Recovery {
	rec := &domain.Recovery{Attempted: true}
	log = log.With(
		slog.String("filled_venue", filled.req.Venue),
		slog.String("failed_venue", failed.req.Venue),
		slog.String("failed_error", errText(failed.err)),
	)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.OrderTimeout)
	_, err := failedAd.CancelOrder(cctx, domain.CancelRequest{
		Venue:         failed.req.Venue,
		Symbol:        failed.req.Symbol,
		OrderID:       failed.res.OrderID,
		ClientOrderID: failed.req.ClientOrderID,
	})
	cancel()
	if err == nil {
		rec.CancelOK = true
		log.Warn("failed leg cancelled, filled leg left open")
		o.alert(ctx, EventExposureOpen, "Open exposure",
			fmt.Sprintf("%s %s filled on %s, %s leg on %s cancelled",
				filled.req.Side, filled.req.Quantity, filled.req.Venue, failed.req.Side, failed.req.Venue))
		return rec
	}
	log.Error("cancel of failed leg failed", slog.String("error", err.Error()))

	if !o.cfg.AutoFix {
		rec.Error = "auto fix disabled"
		log.Error("recovery failed: one-sided position left for manual intervention")
		o.alert(ctx, EventRecoveryFailed, "Recovery failed",
			fmt.Sprintf("%s %s on %s is unhedged; auto fix disabled", filled.req.Side, filled.req.Quantity, filled.req.Venue))
		return rec
	}

	unwindQty := filled.req.Quantity
	if filled.rule != nil {
		if q, text := filled.rule.Floor(filled.baseQty); q > 0 {
			unwindQty = text
		}
	}
	unwind := &leg{
		req: domain.OrderRequest{
			Venue:         filled.req.Venue,
			Symbol:        filled.req.Symbol,
			Side:          filled.req.Side.Opposite(),
			Type:          domain.OrderTypeMarket,
			Quantity:      unwindQty,
			Price:         formatPrice(filled.price),
			ClientOrderID: o.newID(),
		},
		price: filled.price,
	}
	rec.UnwindAttempted = true
	rec.UnwindVenue = unwind.req.Venue
	o.place(ctx, o.adapters[unwind.req.Venue], unwind)
	rec.UnwindOrderID = unwind.res.OrderID

	if !unwind.filled {
		rec.Error = errText(unwind.err)
		log.Error("recovery failed: unwind order failed",
			slog.String("unwind_side", string(unwind.req.Side)),
			slog.String("unwind_qty", unwindQty),
			slog.String("error", rec.Error),
		)
		o.alert(ctx, EventRecoveryFailed, "Recovery failed",
			fmt.Sprintf("unwind %s %s on %s failed: %s", unwind.req.Side, unwindQty, unwind.req.Venue, rec.Error))
		return rec
	}

	rec.UnwindOK = true
	o.book(filledInfo, unwind)
	log.Warn("one-sided fill unwound",
		slog.String("unwind_order_id", unwind.res.OrderID),
		slog.String("unwind_qty", unwindQty),
	)
	return rec
}

func (o *Orchestrator) alert(ctx context.Context, event, title, msg string) {
	if o.alerter == nil {
		return
	}
	if err := o.alerter.Notify(context.WithoutCancel(ctx), event, title, msg); err != nil {
		o.logger.Warn("alert delivery failed", slog.String("error", err.Error()))
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// formatPrice renders the reference price carried on market orders. Venues
// that size market buys in quote use it to convert the base quantity.
func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
