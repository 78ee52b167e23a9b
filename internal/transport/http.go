// Package transport is the HTTP surface of the activity log host.
package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rpggio/activitylog/internal/domain/activity"
	"github.com/rpggio/activitylog/internal/repository"
)

// ActivityService is the activity surface served under /activities.
type ActivityService interface {
	Record(ctx context.Context, req activity.RecordRequest) (activity.Outcome, error)
	Latest(ctx context.Context, opts activity.ListOptions) ([]activity.Entry, error)
}

// ActorResolver identifies the acting user of a request.
type ActorResolver interface {
	Resolve(r *http.Request) (string, error)
}

// Deps are the collaborators mounted by NewServer. Nil members disable their routes.
type Deps struct {
	Logger      *zap.Logger
	Gatherer    prometheus.Gatherer
	Activities  ActivityService
	Actors      ActorResolver
	APIKeys     repository.APIKeyRepository
	Sessions    sessions.Store
	SessionName string
	// CRUD is the generic record layer, mounted at /api.
	CRUD http.Handler
	// MCP is the MCP streamable HTTP handler, mounted at /mcp.
	MCP http.Handler
}

// Server wires HTTP handlers.
type Server struct {
	deps   Deps
	logger *zap.Logger
}

// NewServer creates an HTTP server router with middleware.
func NewServer(deps Deps) *chi.Mux {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{deps: deps, logger: logger.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(srv.logger))
	r.Use(middleware.Recoverer)
	if deps.APIKeys != nil {
		r.Use(AuthMiddleware(deps.APIKeys))
	}

	r.Get("/health", srv.handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if deps.Activities != nil {
		r.Get("/activities", srv.handleListActivities)
		r.Post("/activities", srv.handleRecordActivity)
	}
	if deps.Sessions != nil {
		r.Post("/session", srv.handleLogin)
		r.Delete("/session", srv.handleLogout)
	}
	if deps.CRUD != nil {
		r.Mount("/api", deps.CRUD)
	}
	if deps.MCP != nil {
		r.Handle("/mcp", deps.MCP)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
