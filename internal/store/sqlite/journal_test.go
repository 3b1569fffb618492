package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestIntentRoundTrip(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	intents := []domain.TradeIntent{
		{ID: "a", Strategy: "spot_xarb", Symbol: "AXS_USDT", BuyVenue: "gate", SellVenue: "binance", Notional: 50, Quantity: 9.8, NetEdge: 0.002, BuyPrice: 5.1, SellPrice: 5.13, CreatedAt: base, ValidUntil: base.Add(1500 * time.Millisecond)},
		{ID: "b", Strategy: "spot_xarb", Symbol: "AXS_USDT", BuyVenue: "binance", SellVenue: "gate", Notional: 20, Quantity: 3.9, NetEdge: 0.001, BuyPrice: 5.1, SellPrice: 5.12, CreatedAt: base.Add(time.Second), ValidUntil: base.Add(2500 * time.Millisecond)},
	}
	if err := j.Intents().InsertBatch(ctx, intents); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	// Duplicate ids are ignored.
	if err := j.Intents().InsertBatch(ctx, intents[:1]); err != nil {
		t.Fatalf("InsertBatch duplicate: %v", err)
	}

	got, err := j.Intents().ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("got %+v", got)
	}
	if !got[1].CreatedAt.Equal(base) || got[1].Notional != 50 || got[1].BuyVenue != "gate" {
		t.Fatalf("intent a = %+v", got[1])
	}

	since, until := base, base.Add(time.Second)
	day, err := j.Intents().List(ctx, domain.ListOpts{Since: &since, Until: &until})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(day) != 1 || day[0].ID != "a" {
		t.Fatalf("window = %+v", day)
	}
}

func TestOutcomeRoundTrip(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	out := domain.OrderOutcome{
		IntentID:  "a",
		Timestamp: time.UnixMilli(1_700_000_000_000),
		Symbol:    "AXS_USDT",
		Kind:      domain.OutcomeBuyOnly,
		BuyLeg:    domain.LegReport{Venue: "gate", Side: domain.OrderSideBuy, Qty: "9.8", OrderID: "1", Status: domain.OrderStatusFilled, Raw: json.RawMessage(`{"id":1}`)},
		SellLeg:   domain.LegReport{Venue: "binance", Side: domain.OrderSideSell, Qty: "9.8", Error: "rate limited"},
		Recovery:  &domain.Recovery{Attempted: true, UnwindAttempted: true, UnwindVenue: "gate", UnwindOK: true},
	}
	if err := j.Outcomes().InsertBatch(ctx, []domain.OrderOutcome{out}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	got, err := j.Outcomes().ListRecent(ctx, 5)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d outcomes", len(got))
	}
	o := got[0]
	if o.Kind != domain.OutcomeBuyOnly || o.BuyLeg.OrderID != "1" || o.SellLeg.Error != "rate limited" || string(o.BuyLeg.Raw) != `{"id":1}` {
		t.Fatalf("outcome = %+v", o)
	}
	if o.Recovery == nil || !o.Recovery.UnwindOK || o.Recovery.UnwindVenue != "gate" {
		t.Fatalf("recovery = %+v", o.Recovery)
	}
}
