package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// StatusSource reports per-venue status. quality.Registry satisfies it.
type StatusSource interface {
	Snapshot() []domain.VenueStatus
}

// TradingControl is the kill switch. control.Switch satisfies it.
type TradingControl interface {
	Disable(by, reason string) bool
	Enable(by string) bool
	Snapshot() domain.TradingState
}

// BalanceSource reports free balances per venue and asset.
// executor.Balances satisfies it.
type BalanceSource interface {
	Snapshot() map[string]map[string]float64
}

// CounterSource reports named monotonic counters such as queue drops and
// rows written.
type CounterSource interface {
	Counters() map[string]int64
}

type venueView struct {
	Venue      string  `json:"venue"`
	Enabled    bool    `json:"enabled"`
	Quality    string  `json:"quality"`
	Socket     string  `json:"socket"`
	Reason     string  `json:"reason"`
	MsgAgeMs   *int64  `json:"msg_age_ms"`
	Messages   int64   `json:"messages"`
	Reconnects int64   `json:"reconnects"`
	Errors     int64   `json:"errors"`
	LastMsgAt  *string `json:"last_msg_at"`
}

type tradingView struct {
	Enabled        bool   `json:"enabled"`
	DisabledAt     string `json:"disabled_at,omitempty"`
	DisabledBy     string `json:"disabled_by,omitempty"`
	DisabledReason string `json:"disabled_reason,omitempty"`
}

func toTradingView(st domain.TradingState) tradingView {
	v := tradingView{Enabled: st.Enabled, DisabledBy: st.DisabledBy, DisabledReason: st.DisabledReason}
	if !st.DisabledAt.IsZero() {
		v.DisabledAt = st.DisabledAt.UTC().Format(time.RFC3339Nano)
	}
	return v
}

// StatusHandler serves the operator status view.
type StatusHandler struct {
	mode     string
	quality  StatusSource
	control  TradingControl
	balances BalanceSource // may be nil
	counters CounterSource // may be nil
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, quality StatusSource, control TradingControl, balances BalanceSource) *StatusHandler {
	return &StatusHandler{mode: mode, quality: quality, control: control, balances: balances}
}

// SetCounters adds a counters object to the status body.
func (h *StatusHandler) SetCounters(c CounterSource) { h.counters = c }

// GetStatus responds with the trading flag, per-venue feed status and
// balances.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	statuses := h.quality.Snapshot()
	venues := make([]venueView, 0, len(statuses))
	for _, st := range statuses {
		v := venueView{
			Venue:      st.Venue,
			Enabled:    st.Enabled,
			Quality:    string(st.Quality),
			Socket:     string(st.Socket),
			Reason:     st.Reason,
			Messages:   st.Messages,
			Reconnects: st.Reconnects,
			Errors:     st.Errors,
		}
		if !st.LastMsgAt.IsZero() {
			age := st.MsgAge.Milliseconds()
			at := st.LastMsgAt.UTC().Format(time.RFC3339Nano)
			v.MsgAgeMs, v.LastMsgAt = &age, &at
		}
		venues = append(venues, v)
	}

	body := map[string]any{
		"mode":    h.mode,
		"trading": toTradingView(h.control.Snapshot()),
		"venues":  venues,
	}
	if h.balances != nil {
		body["balances"] = h.balances.Snapshot()
	}
	if h.counters != nil {
		body["counters"] = h.counters.Counters()
	}
	writeJSON(w, http.StatusOK, body)
}
