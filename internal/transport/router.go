package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/peerflow/internal/catalog"
	"github.com/pitabwire/peerflow/internal/config"
	"github.com/pitabwire/peerflow/internal/guest"
	"github.com/pitabwire/peerflow/internal/observability"
	"github.com/pitabwire/peerflow/internal/progression"
)

// Dependencies holds everything the HTTP layer needs.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Authenticate func(http.Handler) http.Handler
	Catalog      *catalog.Registry
	Coordinator  *progression.Coordinator
	Guest        *guest.Handler
	Readiness    observability.ReadinessChecks
}

// NewRouter builds the chi router. Health, readiness, metrics and guest
// routes bypass authentication; everything under /api requires a staff
// token.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newValidator()

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(middleware.RealIP)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	metricsPath := deps.Config.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Use(observability.Tracing("/health", "/ready", metricsPath))
	r.Use(deps.Metrics.MetricsMiddleware)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Handle(metricsPath, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(AttachLogger(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/workflows/{instanceId}/transitions", handleTransition(deps.Coordinator, v, logger))
		r.Get("/workflows/{instanceId}", handleInstanceGet(deps.Coordinator, logger))
		r.Get("/workflows/{instanceId}/history", handleHistory(deps.Coordinator, logger))
		r.Get("/catalog/{workflowType}", handleCatalogGet(deps.Catalog))
		r.Get("/catalog/{workflowType}/legal-actions", handleLegalActions(deps.Catalog, deps.Coordinator))
	})

	r.Route("/guest", func(r chi.Router) {
		r.Use(AttachLogger(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/feedback/{token}", handleGuestResolve(deps.Guest, logger))
		r.Post("/feedback/{token}", handleGuestSubmit(deps.Guest, v, logger))
	})

	return r
}
