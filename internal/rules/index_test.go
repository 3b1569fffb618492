package rules

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testVenues() map[string]VenueSpec {
	return map[string]VenueSpec{
		"binance": {Enabled: true, QuoteMap: map[string]string{"USDT": "USDC"}, Levels: 10, UpdateMs: 100},
		"bitget":  {Enabled: true, Levels: 15},
		"gate":    {Enabled: true, Levels: 10, UpdateMs: 100},
		"kraken":  {Enabled: false},
	}
}

func TestBuildIndexKeys(t *testing.T) {
	infos := map[string]map[string]RawSymbolInfo{
		"binance": {"AXSUSDC": {QtyStep: "0.01", MinQty: 0.01, MaxQty: 900000, MinNotional: 5}},
		"bitget":  {"AXSUSDT": {QtyStep: "0.0001", MaxQty: 1e20, MinNotional: 1}},
		"gate":    {},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx, err := BuildIndex([]string{"AXS_USDT"}, testVenues(), infos, logger)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	b, ok := idx.Get("AXS_USDT", "binance")
	if !ok {
		t.Fatal("binance entry missing")
	}
	if b.Quote != "USDC" || b.OrderKey != "AXSUSDC" || b.MDKey != "axsusdc@depth10@100ms" || !b.Enabled {
		t.Fatalf("binance entry = %+v", b)
	}

	bg, _ := idx.Get("AXS_USDT", "bitget")
	if bg.OrderKey != "AXSUSDT" || bg.MDKey != "AXSUSDT" || bg.Extra["channel"] != "books15" {
		t.Fatalf("bitget entry = %+v", bg)
	}

	g, _ := idx.Get("AXS_USDT", "gate")
	if g.Enabled || g.Rule != nil || g.OrderKey != "AXS_USDT" {
		t.Fatalf("gate entry should be present but disabled: %+v", g)
	}

	if _, ok := idx.Get("AXS_USDT", "kraken"); ok {
		t.Fatal("disabled venue must not be indexed")
	}

	if c, ok := idx.CanonFromMDKey("binance", "axsusdc@depth10@100ms"); !ok || c != "AXS_USDT" {
		t.Fatalf("reverse md lookup = %q %v", c, ok)
	}
	if c, ok := idx.CanonFromOrderKey("binance", "AXSUSDC"); !ok || c != "AXS_USDT" {
		t.Fatalf("reverse order lookup = %q %v", c, ok)
	}
	if got := idx.Assets("binance", "BNB"); len(got) != 3 {
		t.Fatalf("assets = %v", got)
	}
}

func TestBuildIndexRejectsMalformedSymbol(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := BuildIndex([]string{"AXSUSDT"}, testVenues(), nil, logger); err == nil {
		t.Fatal("expected error for symbol without separator")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	content := `meta:
  fetchedAt: 2026-01-01
symbols:
  AXSUSDC:
    symbol: AXSUSDC
    baseAsset: AXS
    quoteAsset: USDC
    enabled: true
    qtyStep: 0.010
    priceTick: "0.001"
    minQty: 0.01
    maxQty: 900000
    minNotional: 5
`
	if err := os.WriteFile(filepath.Join(dir, "binance.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadDir(dir, []string{"binance", "gate"})
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if _, ok := got["gate"]; ok {
		t.Fatal("missing file should be skipped")
	}
	raw, ok := got["binance"]["AXSUSDC"]
	if !ok {
		t.Fatal("AXSUSDC not loaded")
	}
	if raw.QtyStep != "0.010" {
		t.Fatalf("qtyStep text = %q, want the literal", raw.QtyStep)
	}
	r := Compile(&raw)
	if r.Qty.StepInt != 1 || r.Qty.Decimals != 2 {
		t.Fatalf("compiled = %+v", r.Qty)
	}
}
