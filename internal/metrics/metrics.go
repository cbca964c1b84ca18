package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_http_request_duration_seconds",
			Help:    "HTTP request duration, including streamed responses",
			Buckets: []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	TurnsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_turns_routed_total",
			Help: "Turns routed by classified intent",
		},
		[]string{"intent"}, // "calendar" or "qa"
	)

	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_runs_total",
			Help: "Agent runs by path and outcome",
		},
		[]string{"path", "outcome"}, // outcome: "completed", "error", "canceled"
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_run_duration_seconds",
			Help:    "Agent run duration",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"path"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_tool_calls_total",
			Help: "Tool calls by tool and outcome",
		},
		[]string{"tool", "outcome"}, // outcome: "ok", "error", "declined"
	)

	Approvals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_approvals_total",
			Help: "Approval requests by outcome",
		},
		[]string{"outcome"}, // "approved", "denied", "timeout", "canceled", "error"
	)

	SerializerChains = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_serializer_active_chains",
			Help: "Users with queued or running mutations",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)
)
