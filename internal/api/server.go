// Copyright 2025 James Ross
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubbing-orchestrator/internal/audit"
	"github.com/flyingrobots/dubbing-orchestrator/internal/config"
	"github.com/flyingrobots/dubbing-orchestrator/internal/events"
	"github.com/flyingrobots/dubbing-orchestrator/internal/identity"
	"github.com/flyingrobots/dubbing-orchestrator/internal/library"
	"github.com/flyingrobots/dubbing-orchestrator/internal/policy"
	"github.com/flyingrobots/dubbing-orchestrator/internal/quota"
	"github.com/flyingrobots/dubbing-orchestrator/internal/queuebackend"
	"github.com/flyingrobots/dubbing-orchestrator/internal/ratelimit"
	"github.com/flyingrobots/dubbing-orchestrator/internal/scheduler"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
	"github.com/flyingrobots/dubbing-orchestrator/internal/upload"
	"github.com/flyingrobots/dubbing-orchestrator/internal/validate"
	"github.com/flyingrobots/dubbing-orchestrator/internal/voicestore"
)

// Deps bundles every already-built package Server wires together. Each
// field is a concrete collaborator built at process startup (cmd/server).
type Deps struct {
	Config    *config.Config
	DB        *store.DB
	Tokens    *identity.TokenIssuer
	Resolver  *identity.Resolver
	Validator *validate.Validator
	Quota     *quota.Enforcer
	Backend   queuebackend.Backend
	Sched     *scheduler.Scheduler
	Uploads   *upload.Manager
	Voices    *voicestore.Store
	Library   *library.Registry
	SSE       *events.SSEHandler
	WS        *events.WSHandler
	RateLimit *ratelimit.Limiter
	Audit     audit.Emitter
	GPUProbe  policy.GPUProbe
	Log       *zap.Logger
}

// Server is the HTTP entrypoint of the orchestrator, replacing the
// teacher's admin-api.Server with one built on gorilla/mux (already wired
// in go.mod and used by several teacher packages) and the new
// identity/quota/policy/scheduler stack instead of raw JWT+sync.Map.
type Server struct {
	deps   Deps
	http   *http.Server
	router *mux.Router
}

// exemptPaths skip identity resolution: health checks and the login
// endpoint, which issues the very tokens Resolve would otherwise require.
var exemptPaths = map[string]bool{
	"/healthz":    true,
	"/auth/login": true,
}

// NewServer builds the full route table and middleware chain.
func NewServer(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	s := &Server{deps: deps}
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:         deps.Config.HTTP.Host + ":" + strconv.Itoa(deps.Config.HTTP.Port),
		Handler:      s.applyMiddleware(s.router),
		ReadTimeout:  deps.Config.HTTP.ReadTimeout,
		WriteTimeout: deps.Config.HTTP.WriteTimeout,
		IdleTimeout:  deps.Config.HTTP.IdleTimeout,
	}
	return s
}

// Handler returns the fully wrapped handler, for tests that don't want a
// live listener.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.deps.Log.Info("starting api server", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) applyMiddleware(h http.Handler) http.Handler {
	// Each wrap encloses the handler built so far, so the last one applied
	// runs first: identity, rate limiting (keyed on that identity), CORS,
	// request ID, access log (which reads the request ID), then recovery
	// around the router.
	h = RecoveryMiddleware(s.deps.Log)(h)
	h = AccessLogMiddleware(s.deps.Log)(h)
	h = RequestIDMiddleware()(h)
	if len(s.deps.Config.HTTP.CORSAllowOrigins) > 0 {
		h = CORSMiddleware(s.deps.Config.HTTP.CORSAllowOrigins)(h)
	}
	if s.deps.RateLimit != nil {
		h = ratelimit.Middleware(s.deps.RateLimit)(h)
	}
	h = identity.Middleware(s.deps.Resolver, exemptPaths)(h)
	return h
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/apikeys", s.handleCreateAPIKey).Methods(http.MethodPost)
	r.HandleFunc("/auth/apikeys/{id}", s.handleRevokeAPIKey).Methods(http.MethodDelete)

	r.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/priority", s.handleSetJobPriority).Methods(http.MethodPost)

	r.HandleFunc("/uploads", s.handleInitUpload).Methods(http.MethodPost)
	r.HandleFunc("/uploads/{id}", s.handleGetUpload).Methods(http.MethodGet)
	r.HandleFunc("/uploads/{id}/chunks/{index}", s.handleUploadChunk).Methods(http.MethodPut)
	r.HandleFunc("/uploads/{id}/complete", s.handleCompleteUpload).Methods(http.MethodPost)

	r.HandleFunc("/library/series", s.handleListLibrarySeries).Methods(http.MethodGet)
	r.HandleFunc("/library/{slug}/seasons", s.handleListLibrarySeasons).Methods(http.MethodGet)
	r.HandleFunc("/library/{slug}/{season}/episodes", s.handleListLibraryEpisodes).Methods(http.MethodGet)

	r.HandleFunc("/series/{series}/characters", s.handleListCharacters).Methods(http.MethodGet)
	r.HandleFunc("/series/{series}/characters/{character}", s.handleSaveCharacterRef).Methods(http.MethodPut)
	r.HandleFunc("/series/{series}/characters/{character}", s.handleDeleteCharacter).Methods(http.MethodDelete)
	r.HandleFunc("/series/{series}/characters/{character}/versions", s.handleListCharacterVersions).Methods(http.MethodGet)
	r.HandleFunc("/series/{series}/characters/{character}/rollback", s.handleRollbackCharacter).Methods(http.MethodPost)

	r.HandleFunc("/admin/users/{id}/quotas", s.handleGetQuotaOverride).Methods(http.MethodGet)
	r.HandleFunc("/admin/users/{id}/quotas", s.handlePutQuotaOverride).Methods(http.MethodPut)

	r.HandleFunc("/jobs/events", s.deps.SSE.ServeHTTP).Methods(http.MethodGet)
	r.HandleFunc("/ws/jobs/{id}", s.deps.WS.ServeHTTP).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
