// Package rules compiles venue trading rules into exact integer-scaled
// rounding metadata and indexes them by canonical symbol.
package rules

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// RawSymbolInfo is one symbol's trading rules as published by a venue.
type RawSymbolInfo struct {
	Symbol         string  `yaml:"symbol"`
	BaseAsset      string  `yaml:"baseAsset"`
	QuoteAsset     string  `yaml:"quoteAsset"`
	Status         string  `yaml:"status"`
	Enabled        *bool   `yaml:"enabled"`
	PricePrecision *int    `yaml:"pricePrecision"`
	QtyPrecision   *int    `yaml:"qtyPrecision"`
	PriceTick      string  `yaml:"priceTick"`
	QtyStep        string  `yaml:"qtyStep"`
	MinQty         float64 `yaml:"minQty"`
	MaxQty         float64 `yaml:"maxQty"`
	MinNotional    float64 `yaml:"minNotional"`
}

// StepMeta is the integer form of a quantity step: Scale = 10^Decimals and
// StepInt = step * Scale.
type StepMeta struct {
	Decimals int32
	Scale    int64
	StepInt  int64
}

// Rule is an immutable compiled trading rule.
type Rule struct {
	Enabled     bool
	QtyStep     float64
	Qty         StepMeta
	PriceTick   float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
}

// Compile turns raw metadata into a Rule. It returns nil for nil input.
func Compile(raw *RawSymbolInfo) *Rule {
	if raw == nil {
		return nil
	}
	enabled := raw.Enabled == nil || *raw.Enabled

	meta := CompileStep(raw.QtyStep, raw.QtyPrecision)
	return &Rule{
		Enabled:     enabled,
		QtyStep:     stepValue(raw.QtyStep, raw.QtyPrecision),
		Qty:         meta,
		PriceTick:   stepValue(raw.PriceTick, raw.PricePrecision),
		MinQty:      raw.MinQty,
		MaxQty:      raw.MaxQty,
		MinNotional: raw.MinNotional,
	}
}

// CompileStep derives StepMeta from the step's text. Without a usable step
// it falls back to a unit step at the given precision.
func CompileStep(step string, precision *int) StepMeta {
	if d, ok := parseStep(step); ok {
		decimals := decimalsFromText(d.String())
		return StepMeta{
			Decimals: decimals,
			Scale:    pow10(decimals),
			StepInt:  d.Shift(decimals).Round(0).IntPart(),
		}
	}
	if precision != nil && *precision >= 0 {
		p := int32(*precision)
		return StepMeta{Decimals: p, Scale: pow10(p), StepInt: 1}
	}
	return StepMeta{Decimals: 0, Scale: 1, StepInt: 0}
}

// Floor rounds v down to the step grid and returns the value and its
// fixed-decimal text. A zero step or non-positive v yields zero.
func (m StepMeta) Floor(v float64) (float64, string) {
	if m.StepInt <= 0 || !(v > 0) || math.IsInf(v, 0) {
		return 0, decimal.Zero.StringFixed(m.Decimals)
	}
	vInt := decimal.NewFromFloat(v).Shift(m.Decimals).Floor()
	step := decimal.NewFromInt(m.StepInt)
	n, _ := vInt.QuoRem(step, 0)
	q := n.Mul(step).Shift(-m.Decimals)
	return q.InexactFloat64(), q.StringFixed(m.Decimals)
}

// Floor is shorthand for r.Qty.Floor.
func (r *Rule) Floor(v float64) (float64, string) {
	return r.Qty.Floor(v)
}

func parseStep(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d, true
}

// decimalsFromText counts fractional digits, ignoring trailing zeros.
func decimalsFromText(s string) int32 {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0
	}
	frac := strings.TrimRight(s[dot+1:], "0")
	return int32(len(frac))
}

func stepValue(step string, precision *int) float64 {
	if d, ok := parseStep(step); ok {
		return d.InexactFloat64()
	}
	if precision != nil && *precision >= 0 {
		v, _ := strconv.ParseFloat("1e-"+strconv.Itoa(*precision), 64)
		return v
	}
	return 0
}

func pow10(n int32) int64 {
	out := int64(1)
	for i := int32(0); i < n; i++ {
		out *= 10
	}
	return out
}
