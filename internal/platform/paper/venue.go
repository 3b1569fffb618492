// Package paper provides a simulated venue that fills every market order at
// the reference price it is given.
package paper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// Venue is a paper trading stand-in for one exchange.
type Venue struct {
	name     string
	balances map[string]float64
	seq      atomic.Int64
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	orders []domain.OrderRequest
}

// New creates a paper venue seeded with the given free balances.
func New(name string, balances map[string]float64, logger *slog.Logger) *Venue {
	seeded := make(map[string]float64, len(balances))
	for k, v := range balances {
		seeded[k] = v
	}
	return &Venue{
		name:     name,
		balances: seeded,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "paper_venue"), slog.String("venue", name)),
	}
}

// Venue returns the simulated exchange name.
func (v *Venue) Venue() string { return v.name }

// StartupBalances returns the seeded balances for the requested assets.
func (v *Venue) StartupBalances(_ context.Context, assets []string) (map[string]float64, error) {
	out := make(map[string]float64, len(assets))
	for _, a := range assets {
		out[a] = v.balances[a]
	}
	return out, nil
}

// PlaceOrder fills market orders completely at req.Price.
func (v *Venue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderResult{}, err
	}
	qty, err := strconv.ParseFloat(req.Quantity, 64)
	if err != nil || qty <= 0 {
		return domain.OrderResult{}, fmt.Errorf("paper: quantity %q: %w", req.Quantity, domain.ErrInvalidOrder)
	}
	px, err := strconv.ParseFloat(req.Price, 64)
	if err != nil || px <= 0 {
		return domain.OrderResult{}, fmt.Errorf("paper: price %q: %w", req.Price, domain.ErrInvalidOrder)
	}

	v.mu.Lock()
	v.orders = append(v.orders, req)
	v.mu.Unlock()

	id := fmt.Sprintf("paper-%s-%d", v.name, v.seq.Add(1))
	raw, _ := json.Marshal(map[string]any{
		"orderId":  id,
		"side":     req.Side,
		"qty":      req.Quantity,
		"price":    req.Price,
		"filledAt": v.now().UnixMilli(),
	})
	return domain.OrderResult{
		Venue:         v.name,
		Symbol:        req.Symbol,
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Status:        domain.OrderStatusFilled,
		ExecutedQty:   qty,
		QuoteQty:      qty * px,
		Raw:           raw,
	}, nil
}

// CancelOrder always succeeds; paper orders never rest.
func (v *Venue) CancelOrder(_ context.Context, req domain.CancelRequest) (domain.OrderResult, error) {
	return domain.OrderResult{
		Venue:         v.name,
		Symbol:        req.Symbol,
		OrderID:       req.OrderID,
		ClientOrderID: req.ClientOrderID,
		Status:        domain.OrderStatusCancelled,
	}, nil
}

// Orders returns every order placed so far.
func (v *Venue) Orders() []domain.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.OrderRequest(nil), v.orders...)
}

// IntentLog logs every intent that reaches the dispatcher in paper mode.
type IntentLog struct {
	logger *slog.Logger
}

// NewIntentLog creates the paper intent logger.
func NewIntentLog(logger *slog.Logger) *IntentLog {
	return &IntentLog{logger: logger.With(slog.String("component", "paper_intents"))}
}

// RecordIntent implements executor.IntentSink.
func (l *IntentLog) RecordIntent(_ context.Context, it domain.TradeIntent) {
	l.logger.Info("paper intent",
		slog.String("id", it.ID),
		slog.String("route", it.Route()),
		slog.Float64("notional", it.Notional),
		slog.String("edge_pct", strconv.FormatFloat(it.NetEdge*100, 'f', 4, 64)),
		slog.Float64("buy_price", it.BuyPrice),
		slog.Float64("sell_price", it.SellPrice),
	)
}
