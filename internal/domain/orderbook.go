package domain

import (
	"fmt"
	"math"
	"time"
)

// PriceLevel is a single price+quantity entry in an order book.
type PriceLevel struct {
	Price float64
	Qty   float64
}

// BookSnapshot is the canonical top-N order book of one symbol on one venue.
// Upstream ordering of Bids and Asks is not trusted: use BestBid and BestAsk.
type BookSnapshot struct {
	Venue     string
	Symbol    string // canonical pair, e.g. AXS_USDT
	Timestamp time.Time
	Bids      []PriceLevel
	Asks      []PriceLevel
}

// NewBookSnapshot validates the snapshot before it is handed to consumers.
func NewBookSnapshot(venue, symbol string, ts time.Time, bids, asks []PriceLevel) (BookSnapshot, error) {
	s := BookSnapshot{Venue: venue, Symbol: symbol, Timestamp: ts, Bids: bids, Asks: asks}
	if venue == "" || symbol == "" {
		return BookSnapshot{}, fmt.Errorf("%w: missing venue or symbol", ErrInvalidBook)
	}
	if len(bids) == 0 || len(asks) == 0 {
		return BookSnapshot{}, fmt.Errorf("%w: empty side for %s on %s", ErrInvalidBook, symbol, venue)
	}
	for _, l := range bids {
		if !validLevel(l) {
			return BookSnapshot{}, fmt.Errorf("%w: bad bid level %v", ErrInvalidBook, l)
		}
	}
	for _, l := range asks {
		if !validLevel(l) {
			return BookSnapshot{}, fmt.Errorf("%w: bad ask level %v", ErrInvalidBook, l)
		}
	}
	return s, nil
}

func validLevel(l PriceLevel) bool {
	return l.Price > 0 && l.Qty >= 0 && !math.IsInf(l.Price, 0) && !math.IsNaN(l.Qty) && !math.IsInf(l.Qty, 0)
}

// BestBid returns the index of the highest bid price, or -1 if there are no bids.
func (s BookSnapshot) BestBid() int {
	best := -1
	for i, l := range s.Bids {
		if best < 0 || l.Price > s.Bids[best].Price {
			best = i
		}
	}
	return best
}

// BestAsk returns the index of the lowest ask price, or -1 if there are no asks.
func (s BookSnapshot) BestAsk() int {
	best := -1
	for i, l := range s.Asks {
		if best < 0 || l.Price < s.Asks[best].Price {
			best = i
		}
	}
	return best
}

// BestBidPrice is a convenience wrapper returning 0 for an empty side.
func (s BookSnapshot) BestBidPrice() float64 {
	if i := s.BestBid(); i >= 0 {
		return s.Bids[i].Price
	}
	return 0
}

// BestAskPrice is a convenience wrapper returning 0 for an empty side.
func (s BookSnapshot) BestAskPrice() float64 {
	if i := s.BestAsk(); i >= 0 {
		return s.Asks[i].Price
	}
	return 0
}

// Age is how old the snapshot is relative to now.
func (s BookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}
