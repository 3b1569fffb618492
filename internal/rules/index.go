package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// VenueSpec is the part of a venue's configuration the symbol index needs.
type VenueSpec struct {
	Enabled  bool
	QuoteMap map[string]string
	Levels   int
	UpdateMs int
}

// SymbolInfo is one canonical symbol as traded on one venue.
type SymbolInfo struct {
	Venue    string
	Canon    string
	Base     string
	Quote    string // venue quote after quote_map
	MDKey    string
	OrderKey string
	Enabled  bool
	Rule     *Rule
	Extra    map[string]string
}

// Index maps canonical symbols to per-venue info and back. It is read-only
// after BuildIndex.
type Index struct {
	symbols  []string
	forward  map[string]map[string]*SymbolInfo // canon -> venue
	mdRev    map[string]map[string]string      // venue -> md key -> canon
	orderRev map[string]map[string]string      // venue -> order key -> canon
}

// SplitCanon splits AXS_USDT into AXS and USDT.
func SplitCanon(sym string) (base, quote string) {
	base, quote, _ = strings.Cut(sym, "_")
	return base, quote
}

// OrderKey is the symbol a venue's order API expects.
func OrderKey(venue, mapped string) string {
	switch venue {
	case "binance", "bitget":
		return strings.ToUpper(strings.Replace(mapped, "_", "", 1))
	default:
		return mapped
	}
}

// MDKey is the market-data subscription key for a venue.
func MDKey(venue, mapped string, levels, updateMs int) string {
	switch venue {
	case "binance":
		return fmt.Sprintf("%s@depth%d@%dms", strings.ToLower(strings.Replace(mapped, "_", "", 1)), levels, updateMs)
	case "bitget":
		return strings.ToUpper(strings.Replace(mapped, "_", "", 1))
	case "gate":
		return strings.ToUpper(mapped)
	default:
		return mapped
	}
}

func extraFor(venue string, levels int) map[string]string {
	if venue == "bitget" {
		return map[string]string{"channel": fmt.Sprintf("books%d", levels)}
	}
	return map[string]string{}
}

// BuildIndex resolves every canonical symbol against every enabled venue.
// infos is venue -> order key -> raw rules. Missing or disabled rules mark
// the venue entry disabled and are logged, never fatal.
func BuildIndex(symbols []string, venues map[string]VenueSpec, infos map[string]map[string]RawSymbolInfo, logger *slog.Logger) (*Index, error) {
	idx := &Index{
		forward:  make(map[string]map[string]*SymbolInfo, len(symbols)),
		mdRev:    make(map[string]map[string]string),
		orderRev: make(map[string]map[string]string),
	}
	log := logger.With(slog.String("component", "symbol_index"))

	venueNames := make([]string, 0, len(venues))
	for v := range venues {
		venueNames = append(venueNames, v)
	}
	sort.Strings(venueNames)

	for _, canon := range symbols {
		base, quote := SplitCanon(canon)
		if base == "" || quote == "" {
			return nil, fmt.Errorf("rules: build index: malformed symbol %q, want BASE_QUOTE", canon)
		}
		if _, dup := idx.forward[canon]; dup {
			continue
		}
		idx.symbols = append(idx.symbols, canon)
		idx.forward[canon] = make(map[string]*SymbolInfo)

		for _, venue := range venueNames {
			spec := venues[venue]
			if !spec.Enabled {
				continue
			}
			symbolsMap, ok := infos[venue]
			if !ok {
				continue
			}

			quoteEx := quote
			if q, ok := spec.QuoteMap[quote]; ok && q != "" {
				quoteEx = q
			}
			mapped := base + "_" + quoteEx

			info := &SymbolInfo{
				Venue:    venue,
				Canon:    canon,
				Base:     base,
				Quote:    quoteEx,
				MDKey:    MDKey(venue, mapped, spec.Levels, spec.UpdateMs),
				OrderKey: OrderKey(venue, mapped),
				Extra:    extraFor(venue, spec.Levels),
			}

			if raw, ok := symbolsMap[info.OrderKey]; ok {
				info.Rule = Compile(&raw)
			} else {
				log.Warn("symbol info missing for mapped symbol",
					slog.String("venue", venue),
					slog.String("symbol", canon),
					slog.String("order_key", info.OrderKey),
					slog.String("md_key", info.MDKey),
				)
			}
			info.Enabled = info.Rule != nil && info.Rule.Enabled
			if !info.Enabled {
				log.Warn("symbol disabled or not trading",
					slog.String("venue", venue),
					slog.String("symbol", canon),
					slog.String("order_key", info.OrderKey),
				)
			}

			idx.forward[canon][venue] = info
			if idx.mdRev[venue] == nil {
				idx.mdRev[venue] = make(map[string]string)
				idx.orderRev[venue] = make(map[string]string)
			}
			idx.mdRev[venue][info.MDKey] = canon
			idx.orderRev[venue][info.OrderKey] = canon
		}
	}
	return idx, nil
}

// Symbols returns the canonical symbols in configuration order.
func (x *Index) Symbols() []string {
	return append([]string(nil), x.symbols...)
}

// Get returns the venue entry for a canonical symbol.
func (x *Index) Get(canon, venue string) (*SymbolInfo, bool) {
	v, ok := x.forward[canon][venue]
	return v, ok
}

// Venues lists the venues that carry the canonical symbol.
func (x *Index) Venues(canon string) []string {
	out := make([]string, 0, len(x.forward[canon]))
	for v := range x.forward[canon] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// CanonFromMDKey maps a stream key such as axsusdc@depth10@100ms back to AXS_USDT.
func (x *Index) CanonFromMDKey(venue, key string) (string, bool) {
	c, ok := x.mdRev[venue][key]
	return c, ok
}

// CanonFromOrderKey maps an order symbol such as AXSUSDC back to AXS_USDT.
func (x *Index) CanonFromOrderKey(venue, key string) (string, bool) {
	c, ok := x.orderRev[venue][key]
	return c, ok
}

// MDKeys lists the subscription keys of a venue, sorted.
func (x *Index) MDKeys(venue string) []string {
	out := make([]string, 0, len(x.mdRev[venue]))
	for k := range x.mdRev[venue] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Assets returns every base and venue quote asset of a venue, plus extra.
func (x *Index) Assets(venue string, extra ...string) []string {
	set := make(map[string]struct{})
	for _, e := range extra {
		set[e] = struct{}{}
	}
	for _, byVenue := range x.forward {
		if info, ok := byVenue[venue]; ok {
			set[info.Base] = struct{}{}
			set[info.Quote] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
