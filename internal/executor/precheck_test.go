package executor

import (
	"testing"

	"github.com/alanyoungcy/spotarb/internal/domain"
	"github.com/alanyoungcy/spotarb/internal/rules"
)

func testRule(step string, minNotional float64) *rules.Rule {
	return rules.Compile(&rules.RawSymbolInfo{
		QtyStep:     step,
		MinQty:      0.01,
		MaxQty:      1000,
		MinNotional: minNotional,
	})
}

func TestPrecheck(t *testing.T) {
	off := false
	disabled := rules.Compile(&rules.RawSymbolInfo{Enabled: &off, QtyStep: "0.01", MinQty: 0.01, MaxQty: 1000})
	rule := testRule("0.01", 5)

	base := PrecheckInput{
		Side:         domain.OrderSideBuy,
		Qty:          0.95,
		Notional:     95,
		Price:        100,
		Rule:         rule,
		VenueEnabled: true,
		QuoteFree:    200,
		BaseFree:     1,
		FeeRate:      0.001,
		QuoteFloor:   10,
	}

	tests := []struct {
		name     string
		mutate   func(in *PrecheckInput)
		want     Reason
		wantText string
	}{
		{"buy ok", func(in *PrecheckInput) {}, ReasonOK, "0.95"},
		{"sell ok", func(in *PrecheckInput) { in.Side = domain.OrderSideSell }, ReasonOK, "0.95"},
		{"no rule", func(in *PrecheckInput) { in.Rule = nil }, ReasonSymbolDisabled, ""},
		{"symbol disabled", func(in *PrecheckInput) { in.Rule = disabled }, ReasonSymbolDisabled, ""},
		{"symbol before venue", func(in *PrecheckInput) { in.Rule = disabled; in.VenueEnabled = false }, ReasonSymbolDisabled, ""},
		{"venue disabled", func(in *PrecheckInput) { in.VenueEnabled = false }, ReasonExchangeDisabled, ""},
		{"min notional", func(in *PrecheckInput) { in.Notional = 4 }, ReasonMinNotional, ""},
		{"rounds to zero", func(in *PrecheckInput) { in.Qty = 0.004 }, ReasonMinQty, ""},
		{"max qty", func(in *PrecheckInput) { in.Qty = 2000; in.Price = 0.01 }, ReasonMaxQty, ""},
		{"notional after rounding", func(in *PrecheckInput) {
			in.Rule = testRule("0.01", 5.2)
			in.Qty = 0.0549
			in.Notional = 5.49
		}, ReasonMinNotional, ""},
		{"quote floor", func(in *PrecheckInput) { in.QuoteFree = 100 }, ReasonInsufficientQuote, ""},
		{"buy spend uses sized notional", func(in *PrecheckInput) {
			// Sized at the worst in-band ask of 101; best ask is 100.
			in.Qty = 100.0 / 101
			in.Notional = 100
			in.FeeRate = 0
			in.QuoteFree = 100
			in.QuoteFloor = 0.6
		}, ReasonInsufficientQuote, ""},
		{"buy spend within floor", func(in *PrecheckInput) {
			in.Qty = 100.0 / 101
			in.Notional = 100
			in.FeeRate = 0
			in.QuoteFree = 101
			in.QuoteFloor = 0.6
		}, ReasonOK, "0.99"},
		{"sell without base", func(in *PrecheckInput) { in.Side = domain.OrderSideSell; in.BaseFree = 0.5 }, ReasonInsufficientBase, ""},
		{"sell ignores quote", func(in *PrecheckInput) { in.Side = domain.OrderSideSell; in.QuoteFree = 0 }, ReasonOK, "0.95"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			got := Precheck(in)
			if got.Reason != tc.want {
				t.Fatalf("reason = %q, want %q", got.Reason, tc.want)
			}
			if got.QtyText != tc.wantText {
				t.Fatalf("qty text = %q, want %q", got.QtyText, tc.wantText)
			}
		})
	}
}

func TestCommonQty(t *testing.T) {
	a := testRule("0.01", 0)
	b := testRule("0.05", 0)
	if got := CommonQty(1.234, a, b); got != 1.2 {
		t.Fatalf("CommonQty = %v, want 1.2", got)
	}
	if got := CommonQty(1.234, a, a); got != 1.23 {
		t.Fatalf("CommonQty = %v, want 1.23", got)
	}
	if got := CommonQty(0.004, a, b); got != 0 {
		t.Fatalf("CommonQty = %v, want 0", got)
	}
	if got := CommonQty(1, nil, b); got != 0 {
		t.Fatalf("CommonQty = %v, want 0", got)
	}
}
