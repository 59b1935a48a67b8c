package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/craftdeck/craftdeck/internal/accounts"
	"github.com/craftdeck/craftdeck/internal/assets"
	"github.com/craftdeck/craftdeck/internal/bootstrap"
	"github.com/craftdeck/craftdeck/internal/instances"
	"github.com/craftdeck/craftdeck/internal/observability"
	"github.com/craftdeck/craftdeck/internal/workspaces"
	"github.com/craftdeck/craftdeck/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	AccountsHandler   *accounts.Handler
	BootstrapHandler  *bootstrap.Handler
	WorkspacesHandler *workspaces.Handler
	InstancesHandler  *instances.Handler
	AssetsHandler     *assets.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with craftdeck defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/account", func(r chi.Router) {
		params.BootstrapHandler.MountRoutes(r)
		params.WorkspacesHandler.MountRoutes(r)
		if params.AssetsHandler != nil {
			params.AssetsHandler.MountRoutes(r)
		}
	})

	if params.AccountsHandler != nil {
		r.Route("/api/accounts", params.AccountsHandler.MountRoutes)
	}

	r.Route("/api/workspaces/{workspaceID}", params.InstancesHandler.MountRoutes)

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
