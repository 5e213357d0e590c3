package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/amerfu/sentinel/internal/services/billing"
	"github.com/amerfu/sentinel/internal/services/memory"
	"github.com/amerfu/sentinel/internal/services/pricing"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AdminHandler exposes the budget controls, session history and the manual
// price refresh endpoint.
type AdminHandler struct {
	logger   *zap.Logger
	budget   *billing.Budget
	cache    *pricing.Cache
	memory   *memory.Store
	currency string
}

type AdminHandlerConfig struct {
	Logger   *zap.Logger
	Budget   *billing.Budget
	Cache    *pricing.Cache
	Memory   *memory.Store
	Currency string
}

func NewAdminHandler(cfg AdminHandlerConfig) *AdminHandler {
	return &AdminHandler{
		logger:   cfg.Logger,
		budget:   cfg.Budget,
		cache:    cfg.Cache,
		memory:   cfg.Memory,
		currency: cfg.Currency,
	}
}

// Status reports the running total against the configured limit.
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	_, current, limit := h.budget.Gate()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_cost": current,
		"limit":      limit,
		"currency":   h.currency,
	})
}

// CheckGate answers the pre-flight budget probe.
func (h *AdminHandler) CheckGate(w http.ResponseWriter, r *http.Request) {
	allowed, current, limit := h.budget.Gate()
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":      allowed,
		"current_cost": current,
		"limit":        limit,
	})
}

// UpdateLimit replaces the budget limit at runtime.
func (h *AdminHandler) UpdateLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit float64 `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if req.Limit <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be positive"})
		return
	}

	h.budget.SetLimit(req.Limit)
	h.logger.Info("Budget limit updated", zap.Float64("limit", req.Limit))
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"limit":  req.Limit,
	})
}

// ResetCost zeroes the accumulated cost and re-arms the gate.
func (h *AdminHandler) ResetCost(w http.ResponseWriter, r *http.Request) {
	h.budget.Reset()
	h.logger.Info("Budget cost reset")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"current_cost": 0.0,
	})
}

// SessionMessages returns the stored conversation for a session, oldest
// first.
func (h *AdminHandler) SessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	history, err := h.memory.History(r.Context(), sessionID)
	if err != nil {
		h.logger.Warn("Session history read failed",
			zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "history unavailable"})
		return
	}
	if history == nil {
		history = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"history":    history,
	})
}

// RefreshPrices reloads the in-memory cache from the price store. The
// catalogue sync runs on its own timer; a stale or unreachable catalogue
// never blocks reloading what Redis already holds.
func (h *AdminHandler) RefreshPrices(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Refresh(r.Context()); err != nil {
		h.logger.Error("Price cache reload failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"models": h.cache.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
