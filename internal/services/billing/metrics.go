package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	meteredTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_metered_tokens_total",
			Help: "Completion tokens counted by the streaming meter",
		},
		[]string{"model"},
	)

	busEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_billing_events_total",
			Help: "Billing events published on the broadcast bus",
		},
		[]string{"type"},
	)

	breakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_budget_breaker_trips_total",
			Help: "Times the budget circuit breaker fused a stream",
		},
	)
)
