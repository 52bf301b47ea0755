package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pharmaflow/pharmaflow/internal/observability"
)

// RouterParams aggregates the handlers mounted on the API router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	Metrics           *observability.Metrics
	ProcurementRoutes chi.Router
	QualityRoutes     chi.Router
	InventoryRoutes   chi.Router
	MasterdataRoutes  chi.Router
	HealthCheck       func(r *http.Request) error
}

// NewRouter assembles the HTTP router with the middleware stack, the domain
// routes under /api/v1, and the operational endpoints.
func NewRouter(params RouterParams) chi.Router {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if params.HealthCheck != nil {
			if err := params.HealthCheck(req); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if params.ProcurementRoutes != nil {
			api.Mount("/", params.ProcurementRoutes)
		}
		if params.QualityRoutes != nil {
			api.Mount("/quality", params.QualityRoutes)
		}
		if params.InventoryRoutes != nil {
			api.Mount("/stock", params.InventoryRoutes)
		}
		if params.MasterdataRoutes != nil {
			api.Mount("/masterdata", params.MasterdataRoutes)
		}
	})

	return r
}
