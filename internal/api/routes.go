package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yegors/co-traffic/internal/config"
	"github.com/yegors/co-traffic/internal/traffic"
	"github.com/yegors/co-traffic/pkg/logger"
)

// Router is the API router
type Router struct {
	handler    *Handler
	middleware *Middleware
	config     *config.Config
	logger     *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(refresher Refresher, reader traffic.Reader, config *config.Config, logger *logger.Logger) *Router {
	return &Router{
		handler:    NewHandler(refresher, reader, config, logger),
		middleware: NewMiddleware(logger),
		config:     config,
		logger:     logger.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	router.Use(r.middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(r.middleware.Logger)
	router.Use(r.middleware.Recoverer)
	router.Use(r.middleware.CORS(r.config.Server.CORSAllowedOrigins))

	router.Route("/api/v1", func(router chi.Router) {
		router.Get("/health", r.handler.GetHealth)

		// Traffic data, refreshed on demand when stale
		router.Get("/traffic/flow", r.handler.GetFlow)
		router.Get("/traffic/incidents", r.handler.GetIncidents)
		router.Get("/traffic/roads", r.handler.GetRoads)

		// Pipeline operations
		router.Get("/etl/status", r.handler.GetETLStatus)
		router.Post("/etl/trigger", r.handler.TriggerETL)
		router.Post("/cleanup/trigger", r.handler.TriggerCleanup)
	})

	return router
}
