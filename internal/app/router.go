package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/bursary/internal/billing"
	"github.com/odyssey-erp/bursary/internal/expenses"
	"github.com/odyssey-erp/bursary/internal/identity"
	"github.com/odyssey-erp/bursary/internal/navguard"
	"github.com/odyssey-erp/bursary/internal/observability"
	"github.com/odyssey-erp/bursary/internal/roles"
	"github.com/odyssey-erp/bursary/internal/shared"
	"github.com/odyssey-erp/bursary/internal/users"
	"github.com/odyssey-erp/bursary/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Guard          *navguard.Guard
	AuthHandler    *identity.Handler
	BillingHandler *billing.Handler
	ExpenseHandler *expenses.Handler
	UsersHandler   *users.Handler
	RolesHandler   *roles.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with the application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, navguard.Canonical(r.URL.Path), http.StatusSeeOther)
	})

	r.Route("/auth", func(r chi.Router) {
		if params.AuthHandler != nil {
			params.AuthHandler.MountRoutes(r)
		}
		r.With(params.Guard.AuthenticatedAllowingPasswordChange()).Get("/me", params.Guard.SessionHandler(params.CSRFManager))
	})

	r.Route("/api", func(r chi.Router) {
		// The navigation check answers anonymous callers too.
		params.Guard.MountRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(params.Guard.Authenticated())
			if params.BillingHandler != nil {
				params.BillingHandler.MountRoutes(r)
			}
			if params.ExpenseHandler != nil {
				r.Route("/expenses", params.ExpenseHandler.MountRoutes)
			}
			if params.UsersHandler != nil {
				r.Route("/users", params.UsersHandler.MountRoutes)
			}
			if params.RolesHandler != nil {
				r.Route("/roles", params.RolesHandler.MountRoutes)
			}
			if params.JobHandler != nil {
				r.Route("/jobs", params.JobHandler.MountRoutes)
			}
		})
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
