package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

type intentView struct {
	ID          string  `json:"id"`
	Strategy    string  `json:"strategy"`
	Symbol      string  `json:"symbol"`
	BuyVenue    string  `json:"buy_venue"`
	SellVenue   string  `json:"sell_venue"`
	Notional    float64 `json:"notional"`
	Quantity    float64 `json:"quantity"`
	NetEdge     float64 `json:"net_edge"`
	WorstEdge   float64 `json:"worst_edge"`
	BuyPrice    float64 `json:"buy_price"`
	SellPrice   float64 `json:"sell_price"`
	ExpectedPnL float64 `json:"expected_pnl"`
	CreatedAt   string  `json:"created_at"`
	ValidUntil  string  `json:"valid_until"`
}

func toIntentView(it domain.TradeIntent) intentView {
	return intentView{
		ID:          it.ID,
		Strategy:    it.Strategy,
		Symbol:      it.Symbol,
		BuyVenue:    it.BuyVenue,
		SellVenue:   it.SellVenue,
		Notional:    it.Notional,
		Quantity:    it.Quantity,
		NetEdge:     it.NetEdge,
		WorstEdge:   it.WorstEdge,
		BuyPrice:    it.BuyPrice,
		SellPrice:   it.SellPrice,
		ExpectedPnL: it.ExpectedPnL(),
		CreatedAt:   it.CreatedAt.UTC().Format(time.RFC3339Nano),
		ValidUntil:  it.ValidUntil.UTC().Format(time.RFC3339Nano),
	}
}

// HistoryHandler serves persisted intents and outcomes.
type HistoryHandler struct {
	intents  domain.IntentStore
	outcomes domain.OutcomeStore
	logger   *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(intents domain.IntentStore, outcomes domain.OutcomeStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{intents: intents, outcomes: outcomes, logger: logger.With(slog.String("handler", "history"))}
}

// RecentIntents lists intents, newest first.
// GET /api/intents/recent?limit=&offset=&since=&until=
func (h *HistoryHandler) RecentIntents(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since/until")
		return
	}
	intents, err := h.intents.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("list intents", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list intents")
		return
	}
	out := make([]intentView, 0, len(intents))
	for _, it := range intents {
		out = append(out, toIntentView(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": out, "count": len(out)})
}

// RecentOutcomes lists order outcomes, newest first.
// GET /api/outcomes/recent
func (h *HistoryHandler) RecentOutcomes(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since/until")
		return
	}
	outcomes, err := h.outcomes.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("list outcomes", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list outcomes")
		return
	}
	if outcomes == nil {
		outcomes = []domain.OrderOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes, "count": len(outcomes)})
}
