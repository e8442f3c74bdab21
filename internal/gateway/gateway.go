// Package gateway exposes the HTTP API: auth, group membership, pipeline
// runs, and the WebSocket chat channel for interactive runs.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/membership"
	"github.com/loomworks/loom/internal/otel"
	"github.com/loomworks/loom/internal/persistence"
	"github.com/loomworks/loom/internal/runner"
	"github.com/loomworks/loom/internal/shared"
)

type Config struct {
	Auth       *auth.Service
	Membership *membership.Service
	Runner     *runner.Runner
	Store      *persistence.Store

	Gateway config.GatewayConfig
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	Log *slog.Logger
}

type Server struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log}
}

// Handler builds the route table with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/auth/register", s.handleRegister)
	mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /v1/auth/logout", s.requireUser(s.handleLogout))

	mux.HandleFunc("GET /v1/groups", s.requireUser(s.handleListGroups))
	mux.HandleFunc("POST /v1/groups", s.requireUser(s.handleCreateGroup))
	mux.HandleFunc("DELETE /v1/groups/{group}", s.requireUser(s.handleDeleteGroup))
	mux.HandleFunc("POST /v1/groups/{group}/leave", s.requireUser(s.handleLeaveGroup))
	mux.HandleFunc("GET /v1/groups/{group}/members", s.requireUser(s.handleListMembers))
	mux.HandleFunc("POST /v1/groups/{group}/members", s.requireUser(s.handleAddMember))
	mux.HandleFunc("PATCH /v1/groups/{group}/members/{user}", s.requireUser(s.handleUpdateMember))
	mux.HandleFunc("DELETE /v1/groups/{group}/members/{user}", s.requireUser(s.handleDeleteMember))

	mux.HandleFunc("GET /v1/groups/{group}/runs", s.requireUser(s.handleListRuns))
	mux.HandleFunc("POST /v1/runs", s.requireUser(s.handleStartRun))
	mux.HandleFunc("GET /v1/runs/{run}", s.requireUser(s.handleGetRun))
	mux.HandleFunc("GET /v1/runs/{run}/chat", s.requireUser(s.handleChat))

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.Gateway.MaxBodyBytes)(h)
	if s.cfg.Gateway.RateLimit.Enabled {
		h = NewRateLimitMiddleware(s.cfg.Gateway.RateLimit, s.log).Wrap(h)
	}
	h = NewCORSMiddleware(s.cfg.Gateway.CORS)(h)
	if s.cfg.Metrics != nil {
		h = RequestMetricsMiddleware(s.cfg.Metrics)(h)
	}
	if s.cfg.Tracer != nil {
		h = TracingMiddleware(s.cfg.Tracer)(h)
	}
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	}
	if !dbOK {
		writeJSONStatus(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, payload)
}

// userContextKey carries the authenticated user through the request.
type userContextKey struct{}

// requireUser resolves the request token and injects the user.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		user, err := s.cfg.Auth.Resolve(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "not authorized")
				return
			}
			s.log.Error("resolve token", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, user)
		ctx = shared.WithUserID(ctx, user.ID)
		next(w, r.WithContext(ctx))
	}
}

func userFrom(r *http.Request) *persistence.User {
	u, _ := r.Context().Value(userContextKey{}).(*persistence.User)
	return u
}

// extractToken checks, in order: Authorization: Bearer <token>, the
// X-API-Key header, and the token query param (for WebSocket clients
// that cannot set headers).
func extractToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONStatus(w, http.StatusOK, payload)
}

func writeJSONStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONStatus(w, status, map[string]string{"error": message})
}

// writeServiceError maps service errors to response codes. Unknown errors
// are logged and hidden behind a generic 500.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, membership.ErrGroupNotFound),
		errors.Is(err, membership.ErrUserNotFound),
		errors.Is(err, membership.ErrUserNotInGroup):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, membership.ErrNoPermission),
		errors.Is(err, membership.ErrHaraKiri):
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.PermissionDenied.Add(context.Background(), 1)
		}
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, membership.ErrUserAlreadyInGroup),
		errors.Is(err, membership.ErrGroupExists),
		errors.Is(err, auth.ErrLoginTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrBadCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
