package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/amerfu/sentinel/internal/services/billing"
	"go.uber.org/zap"
)

// BudgetGate rejects requests with 402 once the running total has reached
// the limit, before anything is dispatched upstream.
func BudgetGate(budget *billing.Budget, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, current, limit := budget.Gate()
			if !allowed {
				logger.Warn("Budget exhausted, rejecting request",
					zap.Float64("current_cost", current),
					zap.Float64("limit", limit))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusPaymentRequired)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":        "budget exhausted",
					"current_cost": current,
					"limit":        limit,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
