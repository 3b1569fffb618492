package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

type toggleRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// TradingHandler flips the kill switch.
type TradingHandler struct {
	control TradingControl
	logger  *slog.Logger
}

// NewTradingHandler creates a TradingHandler.
func NewTradingHandler(control TradingControl, logger *slog.Logger) *TradingHandler {
	return &TradingHandler{control: control, logger: logger.With(slog.String("handler", "trading"))}
}

func readToggle(r *http.Request) (toggleRequest, error) {
	var req toggleRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		return req, err
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return req, err
		}
	}
	if req.By == "" {
		req.By = "api"
	}
	return req, nil
}

// Disable turns trading off. The body {"by","reason"} is optional.
// POST /api/trading/disable
func (h *TradingHandler) Disable(w http.ResponseWriter, r *http.Request) {
	req, err := readToggle(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "disabled via api"
	}
	changed := h.control.Disable(req.By, req.Reason)
	h.logger.Info("trading disable requested", slog.String("by", req.By), slog.Bool("changed", changed))
	writeJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"trading": toTradingView(h.control.Snapshot()),
	})
}

// Enable turns trading on.
// POST /api/trading/enable
func (h *TradingHandler) Enable(w http.ResponseWriter, r *http.Request) {
	req, err := readToggle(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	changed := h.control.Enable(req.By)
	h.logger.Info("trading enable requested", slog.String("by", req.By), slog.Bool("changed", changed))
	writeJSON(w, http.StatusOK, map[string]any{
		"changed": changed,
		"trading": toTradingView(h.control.Snapshot()),
	})
}
