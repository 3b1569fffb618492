package domain

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestBestPricesScanRegardlessOfOrder(t *testing.T) {
	bids := []PriceLevel{{99, 1}, {100, 2}, {98, 3}, {99.5, 1}}
	asks := []PriceLevel{{101.5, 1}, {101, 2}, {103, 1}, {102, 4}}

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		r.Shuffle(len(bids), func(a, b int) { bids[a], bids[b] = bids[b], bids[a] })
		r.Shuffle(len(asks), func(a, b int) { asks[a], asks[b] = asks[b], asks[a] })
		s := BookSnapshot{Bids: bids, Asks: asks}
		if got := s.BestBidPrice(); got != 100 {
			t.Fatalf("shuffle %d: best bid = %v, want 100", i, got)
		}
		if got := s.BestAskPrice(); got != 101 {
			t.Fatalf("shuffle %d: best ask = %v, want 101", i, got)
		}
	}
}

func TestBestPricesReversed(t *testing.T) {
	s := BookSnapshot{
		Bids: []PriceLevel{{97, 1}, {98, 1}, {99, 1}},
		Asks: []PriceLevel{{103, 1}, {102, 1}, {101, 1}},
	}
	if s.BestBid() != 2 || s.BestAsk() != 2 {
		t.Fatalf("best indices = %d/%d, want 2/2", s.BestBid(), s.BestAsk())
	}
}

func TestBestPricesEmpty(t *testing.T) {
	var s BookSnapshot
	if s.BestBid() != -1 || s.BestAsk() != -1 {
		t.Fatal("expected -1 for empty sides")
	}
	if s.BestBidPrice() != 0 || s.BestAskPrice() != 0 {
		t.Fatal("expected 0 prices for empty sides")
	}
}

func TestNewBookSnapshotValidation(t *testing.T) {
	now := time.Now()
	ok := []PriceLevel{{100, 1}}
	cases := []struct {
		name       string
		venue, sym string
		bids, asks []PriceLevel
		wantErr    bool
	}{
		{"valid", "binance", "BTC_USDT", ok, ok, false},
		{"missing venue", "", "BTC_USDT", ok, ok, true},
		{"empty bids", "binance", "BTC_USDT", nil, ok, true},
		{"zero price", "binance", "BTC_USDT", []PriceLevel{{0, 1}}, ok, true},
		{"negative qty", "binance", "BTC_USDT", ok, []PriceLevel{{100, -1}}, true},
	}
	for _, tc := range cases {
		_, err := NewBookSnapshot(tc.venue, tc.sym, now, tc.bids, tc.asks)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidBook) {
				t.Errorf("%s: err = %v, want ErrInvalidBook", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestNewEventRejectsMismatchedPayload(t *testing.T) {
	if _, err := NewEvent(EventIntent, time.Now(), OrderOutcome{}); err == nil {
		t.Fatal("expected error for mismatched payload")
	}
	ev, err := NewEvent(EventIntent, time.Now(), TradeIntent{ID: "x"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if ev.Type != EventIntent || len(ev.Data) == 0 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRouteKey(t *testing.T) {
	it := TradeIntent{Symbol: "BTC_USDT", BuyVenue: "binance", SellVenue: "bitget"}
	if got := it.Route(); got != "BTC_USDT|binance->bitget" {
		t.Fatalf("route = %q", got)
	}
}
