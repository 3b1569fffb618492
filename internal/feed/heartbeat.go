package feed

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SymbolStat is the per-symbol view reported by the heartbeat.
type SymbolStat struct {
	Symbol   string
	Count    int64
	LastSeen time.Time
	Age      time.Duration
	Lag      time.Duration // receive time minus venue timestamp
}

// HeartbeatSummary is one heartbeat log record.
type HeartbeatSummary struct {
	Total      int64
	Symbols    int
	Stale      int
	AnyAge     time.Duration
	MostStale  []SymbolStat
	StaleAfter time.Duration
}

// Heartbeat tracks message flow per symbol for one collector.
type Heartbeat struct {
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.Mutex
	total   int64
	lastAny time.Time
	symbols map[string]*SymbolStat
}

// NewHeartbeat creates a heartbeat; symbols silent longer than staleAfter
// count as stale.
func NewHeartbeat(staleAfter time.Duration, now func() time.Time) *Heartbeat {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Heartbeat{staleAfter: staleAfter, now: now, symbols: make(map[string]*SymbolStat)}
}

// Observe records one message for symbol with the venue timestamp ts.
func (h *Heartbeat) Observe(symbol string, ts time.Time) {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.lastAny = now
	s, ok := h.symbols[symbol]
	if !ok {
		s = &SymbolStat{Symbol: symbol}
		h.symbols[symbol] = s
	}
	s.Count++
	s.LastSeen = now
	if !ts.IsZero() {
		s.Lag = now.Sub(ts)
	}
}

// Summary returns the counters and the n stalest symbols.
func (h *Heartbeat) Summary(n int) HeartbeatSummary {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()

	out := HeartbeatSummary{Total: h.total, Symbols: len(h.symbols), StaleAfter: h.staleAfter}
	if !h.lastAny.IsZero() {
		out.AnyAge = now.Sub(h.lastAny)
	}
	stats := make([]SymbolStat, 0, len(h.symbols))
	for _, s := range h.symbols {
		st := *s
		st.Age = now.Sub(s.LastSeen)
		if st.Age > h.staleAfter {
			out.Stale++
		}
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Age != stats[j].Age {
			return stats[i].Age > stats[j].Age
		}
		return stats[i].Symbol < stats[j].Symbol
	})
	if len(stats) > n {
		stats = stats[:n]
	}
	out.MostStale = stats
	return out
}

// Run logs a summary every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := h.Summary(6)
			stalest := make([]string, 0, len(s.MostStale))
			for _, st := range s.MostStale {
				stalest = append(stalest, st.Symbol+"="+st.Age.Round(time.Millisecond).String())
			}
			logger.Info("collector heartbeat",
				slog.Int64("total_msgs", s.Total),
				slog.Int("symbols", s.Symbols),
				slog.Int("stale_symbols", s.Stale),
				slog.Duration("age_any", s.AnyAge),
				slog.Any("most_stale", stalest),
			)
		}
	}
}
