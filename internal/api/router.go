package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/concierge/internal/api/middleware"
	"github.com/eldtechnologies/concierge/internal/config"
	"github.com/eldtechnologies/concierge/internal/handlers"
	"github.com/eldtechnologies/concierge/internal/store"
)

// NewRouter creates and configures the HTTP router. redisStore may be nil,
// in which case sessions come from the static token table and rate limits
// are kept in memory.
func NewRouter(logger zerolog.Logger, cfg *config.Config, h *handlers.Handler, redisStore *store.RedisStore) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS - the browser UI sends the session as a bearer token
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Cache-Control"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	limiterCfg := middleware.RateLimiterConfig{
		Whitelist:        cfg.RateLimitWhitelist,
		AutoBlockEnabled: cfg.AutoBlockEnabled,
	}
	var sessions middleware.SessionLookup
	var limiter *middleware.RateLimiter
	if redisStore != nil {
		sessions = redisStore
		limiter = middleware.NewRedisRateLimiter(redisStore.Client(), logger, limiterCfg)
	} else {
		limiter = middleware.NewLocalRateLimiter(logger, limiterCfg)
	}
	auth := middleware.NewSessionResolver(sessions, cfg.SessionTokens, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	// Authenticated routes (require a session)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireSession)
		r.Use(limiter.Middleware)

		r.Post("/turn", h.Turn)
		r.Post("/runs/calendar", h.RunCalendar)
		r.Post("/runs/qa", h.RunQA)

		r.Get("/approvals", h.GetApproval)
		r.Post("/approvals", h.PostApproval)

		r.Get("/threads", h.ListThreads)
		r.Get("/threads/{id}", h.GetThread)
	})

	return r
}
