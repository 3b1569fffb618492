package executor

import (
	"github.com/alanyoungcy/spotarb/internal/domain"
	"github.com/alanyoungcy/spotarb/internal/rules"
)

// Reason is a typed precheck reject code. The empty Reason means ok.
type Reason string

const (
	ReasonOK                Reason = ""
	ReasonSymbolDisabled    Reason = "EX_SYMBOL_DISABLED"
	ReasonExchangeDisabled  Reason = "EX_EXCHANGE_DISABLED"
	ReasonMinNotional       Reason = "EX_MIN_NOTIONAL"
	ReasonMinQty            Reason = "EX_MIN_QTY"
	ReasonMaxQty            Reason = "EX_MAX_QTY"
	ReasonInsufficientQuote Reason = "INT_INSUFFICIENT_BALANCE_USDT"
	ReasonInsufficientBase  Reason = "INT_INSUFFICIENT_BALANCE_BASE"
)

// PrecheckInput is everything a precheck needs. Balances are the free
// amounts on the leg's venue.
type PrecheckInput struct {
	Side         domain.OrderSide
	Qty          float64 // requested base quantity, unrounded
	Notional     float64 // requested quote notional
	Price        float64 // best price, used for the post-rounding notional check
	Rule         *rules.Rule
	VenueEnabled bool
	QuoteFree    float64
	BaseFree     float64
	FeeRate      float64
	QuoteFloor   float64 // quote balance that must remain after a buy
}

// PrecheckResult carries the verdict and the rule-compliant quantity.
type PrecheckResult struct {
	Reason  Reason
	Qty     float64
	QtyText string
}

// OK reports whether the leg may be sent.
func (r PrecheckResult) OK() bool { return r.Reason == ReasonOK }

// Precheck validates one market-order leg. It has no side effects; the
// first failing check wins.
func Precheck(in PrecheckInput) PrecheckResult {
	if in.Rule == nil || !in.Rule.Enabled {
		return PrecheckResult{Reason: ReasonSymbolDisabled}
	}
	if !in.VenueEnabled {
		return PrecheckResult{Reason: ReasonExchangeDisabled}
	}
	if in.Notional < in.Rule.MinNotional {
		return PrecheckResult{Reason: ReasonMinNotional}
	}

	qty, text := in.Rule.Floor(in.Qty)
	if qty <= 0 || qty < in.Rule.MinQty {
		return PrecheckResult{Reason: ReasonMinQty}
	}
	if in.Rule.MaxQty > 0 && qty > in.Rule.MaxQty {
		return PrecheckResult{Reason: ReasonMaxQty}
	}

	// Flooring shrinks the order, so the venue minimum is checked again.
	notional := in.Notional
	if in.Price > 0 {
		notional = qty * in.Price
		if notional < in.Rule.MinNotional {
			return PrecheckResult{Reason: ReasonMinNotional}
		}
	}

	switch in.Side {
	case domain.OrderSideBuy:
		// A market buy walks past the reference price, up to the sized notional.
		spend := max(in.Notional, notional)
		if in.QuoteFree-spend*(1+in.FeeRate) < in.QuoteFloor {
			return PrecheckResult{Reason: ReasonInsufficientQuote}
		}
	case domain.OrderSideSell:
		if in.BaseFree-qty < 0 {
			return PrecheckResult{Reason: ReasonInsufficientBase}
		}
	}
	return PrecheckResult{Qty: qty, QtyText: text}
}

// CommonQty floors q onto both venues' quantity grids so both legs trade
// the same amount. Flooring only ever decreases q, so the loop settles on a
// value valid for both rules or gives up with zero.
func CommonQty(q float64, a, b *rules.Rule) float64 {
	if a == nil || b == nil {
		return 0
	}
	for range 8 {
		qa, _ := a.Floor(q)
		qb, _ := b.Floor(qa)
		if qb == q {
			return q
		}
		q = qb
		if q <= 0 {
			return 0
		}
	}
	return 0
}
