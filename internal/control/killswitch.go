// Package control holds the process-wide trading switch consulted before any
// intent reaches the execution orchestrator.
package control

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// Switch is the kill switch. The zero value is not usable; call NewSwitch.
type Switch struct {
	mu        sync.RWMutex
	state     domain.TradingState
	listeners []func(domain.TradingState)
	logger    *slog.Logger
	now       func() time.Time
}

// NewSwitch returns a switch in the given initial state.
func NewSwitch(enabled bool, logger *slog.Logger, now func() time.Time) *Switch {
	if now == nil {
		now = time.Now
	}
	s := &Switch{
		logger: logger.With(slog.String("component", "kill_switch")),
		now:    now,
	}
	s.state.Enabled = enabled
	if !enabled {
		s.state.DisabledAt = now().UTC()
		s.state.DisabledBy = "startup"
		s.state.DisabledReason = "trading disabled in configuration"
	}
	return s
}

// OnChange registers fn to be called after every state transition. fn runs
// on the caller's goroutine and must not call back into the switch.
func (s *Switch) OnChange(fn func(domain.TradingState)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Enabled reports whether trading is allowed.
func (s *Switch) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Enabled
}

// Disable turns trading off. It returns false if trading was already off,
// in which case the original metadata is kept.
func (s *Switch) Disable(by, reason string) bool {
	s.mu.Lock()
	if !s.state.Enabled {
		s.mu.Unlock()
		return false
	}
	s.state = domain.TradingState{
		Enabled:        false,
		DisabledAt:     s.now().UTC(),
		DisabledBy:     by,
		DisabledReason: reason,
	}
	snap, listeners := s.state, s.listeners
	s.mu.Unlock()

	s.logger.Warn("trading disabled",
		slog.String("by", by),
		slog.String("reason", reason),
	)
	for _, fn := range listeners {
		fn(snap)
	}
	return true
}

// Enable turns trading back on. It returns false if trading was already on.
func (s *Switch) Enable(by string) bool {
	s.mu.Lock()
	if s.state.Enabled {
		s.mu.Unlock()
		return false
	}
	s.state = domain.TradingState{Enabled: true}
	snap, listeners := s.state, s.listeners
	s.mu.Unlock()

	s.logger.Info("trading enabled", slog.String("by", by))
	for _, fn := range listeners {
		fn(snap)
	}
	return true
}

// Snapshot returns a copy of the current state.
func (s *Switch) Snapshot() domain.TradingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
