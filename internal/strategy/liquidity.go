package strategy

import (
	"cmp"
	"slices"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// Side selects which book side a walk consumes.
type Side int

const (
	// SideAsk walks asks upward from the best (lowest) price.
	SideAsk Side = iota
	// SideBid walks bids downward from the best (highest) price.
	SideBid
)

// SlippageResult is the liquidity usable within a slippage band.
type SlippageResult struct {
	Notional   float64 // accumulated quote notional, never above the cap
	Qty        float64 // accumulated base quantity
	BestPrice  float64
	WorstPrice float64 // price of the last level visited
	LastIdx    int     // index into the input levels of the last level visited, -1 if none
	CapHit     bool
}

// QWithinSlippage walks levels from the best price outward until the price
// leaves the band best*(1±slip), the cap is reached, or levels run out. The
// final level is prorated when the cap is hit inside it.
func QWithinSlippage(levels []domain.PriceLevel, side Side, slip, qMax float64) SlippageResult {
	res := SlippageResult{LastIdx: -1}
	if len(levels) == 0 || qMax <= 0 {
		return res
	}

	// Walk a price-ordered permutation so LastIdx stays an input index.
	order := make([]int, len(levels))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if side == SideAsk {
			return cmp.Compare(levels[a].Price, levels[b].Price)
		}
		return cmp.Compare(levels[b].Price, levels[a].Price)
	})

	best := levels[order[0]].Price
	res.BestPrice = best
	limit := best * (1 + slip)
	if side == SideBid {
		limit = best * (1 - slip)
	}

	for _, i := range order {
		l := levels[i]
		if side == SideAsk && l.Price > limit {
			break
		}
		if side == SideBid && l.Price < limit {
			break
		}
		if l.Qty <= 0 {
			continue
		}
		levelNotional := l.Price * l.Qty
		remaining := qMax - res.Notional
		res.LastIdx = i
		res.WorstPrice = l.Price
		if levelNotional >= remaining {
			res.Qty += remaining / l.Price
			res.Notional = qMax
			res.CapHit = true
			break
		}
		res.Notional += levelNotional
		res.Qty += l.Qty
	}
	return res
}
