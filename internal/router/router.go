package router

import (
	"github.com/amerfu/sentinel/internal/config"
	"github.com/amerfu/sentinel/internal/handlers"
	custommw "github.com/amerfu/sentinel/internal/middleware"
	"github.com/amerfu/sentinel/internal/services/billing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Dependencies struct {
	Config *config.Config
	Logger *zap.Logger
	Budget *billing.Budget
	Chat   *handlers.ChatHandler
	Admin  *handlers.AdminHandler
	WS     *handlers.WSHandler
	Health *handlers.HealthHandler
}

func New(deps Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(custommw.Logger(deps.Logger))
	r.Use(custommw.Metrics())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.CORS.AllowedOrigins,
		AllowedMethods:   deps.Config.CORS.AllowedMethods,
		AllowedHeaders:   deps.Config.CORS.AllowedHeaders,
		AllowCredentials: deps.Config.CORS.AllowCredentials,
		MaxAge:           deps.Config.CORS.MaxAge,
	}))

	r.Get("/health", deps.Health.Health)
	r.Get("/ready", deps.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// The budget endpoints answer at the root and under /v1 so both
	// dashboard generations keep working.
	r.Get("/status", deps.Admin.Status)
	r.Get("/check_gate", deps.Admin.CheckGate)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", deps.Admin.Status)
		r.Get("/check_gate", deps.Admin.CheckGate)

		r.With(custommw.BudgetGate(deps.Budget, deps.Logger)).
			Post("/chat/completions", deps.Chat.ChatCompletions)

		r.Post("/config/limit", deps.Admin.UpdateLimit)
		r.Post("/config/reset_cost", deps.Admin.ResetCost)
		r.Get("/sessions/{session_id}/messages", deps.Admin.SessionMessages)
		r.Get("/admin/refresh_prices", deps.Admin.RefreshPrices)

		r.Get("/ws", deps.WS.Events)
	})

	return r
}
