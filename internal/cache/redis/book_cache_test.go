package redis

import (
	"testing"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

func TestBookEncoding(t *testing.T) {
	snap := domain.BookSnapshot{
		Venue:     "gate",
		Symbol:    "AXS_USDT",
		Timestamp: time.UnixMilli(1_700_000_000_123),
		Bids:      []domain.PriceLevel{{Price: 5.1, Qty: 2}, {Price: 5.09, Qty: 1}},
		Asks:      []domain.PriceLevel{{Price: 5.12, Qty: 3}},
	}
	data, err := encodeBook(snap)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeBook(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Venue != "gate" || !got.Timestamp.Equal(snap.Timestamp) || len(got.Bids) != 2 || got.Asks[0] != snap.Asks[0] {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestKeysAndChannels(t *testing.T) {
	if got := bboKey("binance", "AXS_USDT"); got != "spotarb:book:binance:AXS_USDT:bbo" {
		t.Fatalf("bboKey = %q", got)
	}
	if ChannelFor(domain.EventOutcome) != domain.ChannelOutcomes || ChannelFor(domain.EventControl) != domain.ChannelControl {
		t.Fatal("unexpected channel mapping")
	}
	if !hasPattern("spotarb:*") || hasPattern(domain.ChannelIntents) {
		t.Fatal("pattern detection")
	}
}
