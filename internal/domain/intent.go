package domain

import (
	"fmt"
	"time"
)

// TradeIntent is a sized two-leg arbitrage decision. It is never mutated after creation.
type TradeIntent struct {
	ID         string
	Strategy   string
	Symbol     string
	BuyVenue   string
	SellVenue  string
	Notional   float64 // quote asset
	Quantity   float64 // base asset, unrounded
	NetEdge    float64 // top-of-book edge after fees and buffer, fraction
	WorstEdge  float64 // edge at the worst in-band prices, fees only
	BuyPrice   float64 // best ask on the buy venue
	SellPrice  float64 // best bid on the sell venue
	CreatedAt  time.Time
	ValidUntil time.Time
}

// RouteKey identifies the ordered venue pair for a symbol, e.g. BTC_USDT|binance->bitget.
func RouteKey(symbol, buyVenue, sellVenue string) string {
	return fmt.Sprintf("%s|%s->%s", symbol, buyVenue, sellVenue)
}

// Route returns the intent's route key.
func (t TradeIntent) Route() string {
	return RouteKey(t.Symbol, t.BuyVenue, t.SellVenue)
}

// Expired reports whether the intent's validity window has passed.
func (t TradeIntent) Expired(now time.Time) bool {
	return !t.ValidUntil.IsZero() && now.After(t.ValidUntil)
}

// ExpectedPnL is the quote-asset profit implied by the net edge.
func (t TradeIntent) ExpectedPnL() float64 {
	return t.Notional * t.NetEdge
}

// ExpectedBps is the net edge in basis points.
func (t TradeIntent) ExpectedBps() float64 {
	return t.NetEdge * 10_000
}
