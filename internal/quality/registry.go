// Package quality tracks per-venue connection health and derives a
// healthy/degraded/blocked verdict from socket state and message recency.
package quality

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// Verdict reasons, in evaluation order.
const (
	ReasonNotConfigured = "exchange_not_configured"
	ReasonDisabled      = "exchange_disabled"
	ReasonNoState       = "no_state_yet"
	ReasonSocketNotOpen = "ws_not_open"
	ReasonNoMsgsStop    = "no_msgs_trade_stop"
	ReasonNoMsgsWarn    = "no_msgs_trade_warn"
	ReasonOK            = "ok"
)

// VenueConfig holds the per-venue gating thresholds. A zero Stop threshold
// disables the message-age check, which suits request/response channels.
type VenueConfig struct {
	Enabled bool
	Warn    time.Duration
	Stop    time.Duration
}

type venueState struct {
	socket     atomic.Value // domain.SocketState
	lastMsg    atomic.Int64 // unix nanos
	lastErr    atomic.Int64
	lastReconn atomic.Int64
	msgs       atomic.Int64
	errs       atomic.Int64
	reconnects atomic.Int64
}

// Registry is the process-wide venue state map. Writers are the connection
// callbacks; every other component only reads.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	cfgMu sync.RWMutex
	cfg   map[string]VenueConfig

	mu     sync.RWMutex
	states map[string]*venueState
}

// NewRegistry builds a Registry for the configured venues.
func NewRegistry(venues map[string]VenueConfig, logger *slog.Logger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	cfg := make(map[string]VenueConfig, len(venues))
	for k, v := range venues {
		cfg[k] = v
	}
	return &Registry{
		logger: logger.With(slog.String("component", "quality")),
		now:    now,
		cfg:    cfg,
		states: make(map[string]*venueState),
	}
}

// Configure adds or replaces the thresholds of one venue or channel.
func (r *Registry) Configure(venue string, vc VenueConfig) {
	r.cfgMu.Lock()
	r.cfg[venue] = vc
	r.cfgMu.Unlock()
}

// SetEnabled toggles a configured venue at runtime.
func (r *Registry) SetEnabled(venue string, enabled bool) bool {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	vc, ok := r.cfg[venue]
	if !ok {
		return false
	}
	vc.Enabled = enabled
	r.cfg[venue] = vc
	return true
}

// Enabled reports whether the venue is configured and switched on.
func (r *Registry) Enabled(venue string) bool {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	vc, ok := r.cfg[venue]
	return ok && vc.Enabled
}

// state returns the venue record, creating it on first reference.
func (r *Registry) state(venue string) *venueState {
	r.mu.RLock()
	s, ok := r.states[venue]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.states[venue]; ok {
		return s
	}
	s = &venueState{}
	s.socket.Store(domain.SocketUnknown)
	r.states[venue] = s
	return s
}

func (r *Registry) lookup(venue string) (*venueState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[venue]
	return s, ok
}

// RecordSocketState stores the latest socket lifecycle state.
func (r *Registry) RecordSocketState(venue string, st domain.SocketState) {
	s := r.state(venue)
	prev := s.socket.Swap(st)
	if prev != st {
		r.logger.Info("socket state changed",
			slog.String("venue", venue),
			slog.Any("from", prev),
			slog.String("to", string(st)),
		)
	}
}

// RecordMessage marks data arrival.
func (r *Registry) RecordMessage(venue string) {
	s := r.state(venue)
	s.lastMsg.Store(r.now().UnixNano())
	s.msgs.Add(1)
}

// RecordReconnect counts a reconnect attempt.
func (r *Registry) RecordReconnect(venue string) {
	s := r.state(venue)
	s.lastReconn.Store(r.now().UnixNano())
	s.reconnects.Add(1)
}

// RecordError counts a transport error.
func (r *Registry) RecordError(venue string, err error) {
	s := r.state(venue)
	s.lastErr.Store(r.now().UnixNano())
	s.errs.Add(1)
	if err != nil {
		r.logger.Debug("venue error", slog.String("venue", venue), slog.String("error", err.Error()))
	}
}

// Evaluate computes the verdict for one venue.
func (r *Registry) Evaluate(venue string) domain.VenueStatus {
	now := r.now()
	st := domain.VenueStatus{Venue: venue, Socket: domain.SocketUnknown, Quality: domain.QualityBlocked}

	r.cfgMu.RLock()
	vc, configured := r.cfg[venue]
	r.cfgMu.RUnlock()
	st.Enabled = configured && vc.Enabled

	s, hasState := r.lookup(venue)
	if hasState {
		st.Socket = s.socket.Load().(domain.SocketState)
		st.Messages = s.msgs.Load()
		st.Errors = s.errs.Load()
		st.Reconnects = s.reconnects.Load()
		st.LastMsgAt = fromNanos(s.lastMsg.Load())
		st.LastErrorAt = fromNanos(s.lastErr.Load())
		st.LastReconnAt = fromNanos(s.lastReconn.Load())
		if !st.LastMsgAt.IsZero() {
			st.MsgAge = now.Sub(st.LastMsgAt)
		}
	}

	switch {
	case !configured:
		st.Reason = ReasonNotConfigured
	case !vc.Enabled:
		st.Reason = ReasonDisabled
	case !hasState:
		st.Reason = ReasonNoState
	case st.Socket != domain.SocketOpen:
		st.Reason = ReasonSocketNotOpen
	case vc.Stop > 0 && (st.LastMsgAt.IsZero() || st.MsgAge > vc.Stop):
		st.Reason = ReasonNoMsgsStop
	case vc.Warn > 0 && st.MsgAge > vc.Warn:
		st.Quality = domain.QualityDegraded
		st.Reason = ReasonNoMsgsWarn
	default:
		st.Quality = domain.QualityHealthy
		st.Reason = ReasonOK
	}
	return st
}

// Quality is shorthand for Evaluate(venue).Quality.
func (r *Registry) Quality(venue string) domain.Quality {
	return r.Evaluate(venue).Quality
}

// Healthy reports whether the venue may be traded right now.
func (r *Registry) Healthy(venue string) bool {
	return r.Quality(venue) == domain.QualityHealthy
}

// Snapshot evaluates every configured or observed venue, sorted by name.
func (r *Registry) Snapshot() []domain.VenueStatus {
	names := make(map[string]struct{})
	r.cfgMu.RLock()
	for k := range r.cfg {
		names[k] = struct{}{}
	}
	r.cfgMu.RUnlock()
	r.mu.RLock()
	for k := range r.states {
		names[k] = struct{}{}
	}
	r.mu.RUnlock()

	out := make([]domain.VenueStatus, 0, len(names))
	for name := range names {
		out = append(out, r.Evaluate(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// Run logs a status snapshot every interval and hands it to onSnapshot.
func (r *Registry) Run(ctx context.Context, interval time.Duration, onSnapshot func([]domain.VenueStatus)) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap := r.Snapshot()
			for _, s := range snap {
				level := slog.LevelInfo
				if s.Enabled && s.Quality != domain.QualityHealthy {
					level = slog.LevelWarn
				}
				r.logger.Log(ctx, level, "venue status",
					slog.String("venue", s.Venue),
					slog.String("quality", string(s.Quality)),
					slog.String("socket", string(s.Socket)),
					slog.String("reason", s.Reason),
					slog.Duration("msg_age", s.MsgAge),
					slog.Int64("msgs", s.Messages),
					slog.Int64("reconnects", s.Reconnects),
					slog.Int64("errors", s.Errors),
				)
			}
			if onSnapshot != nil {
				onSnapshot(snap)
			}
		}
	}
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
