// internal/httpapi/router.go

// Package httpapi exposes the lending services over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"libralend/internal/audit"
	"libralend/internal/auth"
	"libralend/internal/catalog"
	"libralend/internal/loan"
	"libralend/internal/settings"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HistoryReader returns the audit trail of a loan.
type HistoryReader interface {
	LoanHistory(ctx context.Context, id uuid.UUID) ([]audit.Event, error)
}

// SettingsStore reads and changes the caller's tenant settings.
type SettingsStore interface {
	FindOrCreateDefault(ctx context.Context, user auth.User) (settings.Settings, error)
	Save(ctx context.Context, user auth.User, loanPeriodDays int) (settings.Settings, error)
}

// Dependencies are the services behind the router. History and Settings are optional.
type Dependencies struct {
	Loans    loan.Service
	Catalog  catalog.Service
	History  HistoryReader
	Settings SettingsStore
	Roles    auth.RoleAuthority
	Logger   *zap.Logger
	Registry *prometheus.Registry

	// ImportRate limits POST /loans/import. Zero disables the limit.
	ImportRate  rate.Limit
	ImportBurst int
}

type Handler struct {
	loans    loan.Service
	catalog  catalog.Service
	history  HistoryReader
	settings SettingsStore
	roles    auth.RoleAuthority
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewRouter builds the chi router of the lending API.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	roles := deps.Roles
	if roles == nil {
		roles = auth.StaticRoles{}
	}
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	h := &Handler{
		loans:    deps.Loans,
		catalog:  deps.Catalog,
		history:  deps.History,
		settings: deps.Settings,
		roles:    roles,
		logger:   logger,
	}
	if deps.ImportRate > 0 {
		burst := deps.ImportBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(deps.ImportRate, burst)
	}

	metrics := newMetrics(registry)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(authenticate)

		r.Route("/loans", func(r chi.Router) {
			r.Post("/", h.createLoan)
			r.Get("/", h.listLoans)
			r.Delete("/", h.destroyLoans)
			r.Get("/autocomplete", h.autocompleteLoans)
			r.Post("/import", h.importLoan)
			r.Get("/{id}", h.getLoan)
			r.Put("/{id}", h.updateLoan)
			if h.history != nil {
				r.Get("/{id}/history", h.loanHistory)
			}
		})

		r.Route("/items", func(r chi.Router) {
			r.Post("/", h.addItem)
			r.Get("/{id}", h.getItem)
			r.Patch("/{id}", h.updateItem)
		})

		if h.settings != nil {
			r.Get("/settings", h.getSettings)
			r.Put("/settings", h.saveSettings)
		}
	})

	return r
}

type userKey struct{}

// authenticate reads the caller resolved by the upstream gateway.
func authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := userFromHeaders(r.Header)
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func currentUser(r *http.Request) auth.User {
	user, _ := r.Context().Value(userKey{}).(auth.User)
	return user
}
