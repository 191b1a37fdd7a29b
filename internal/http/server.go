// Package http serves passwd and group lookups as JSON, for hosts that
// resolve identities through an HTTP name service module.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/singleflight"

	"nsskeycloak/internal/keycloak"
	"nsskeycloak/internal/nss"
	"nsskeycloak/internal/observability"
)

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Lookups is the context-aware side of *nss.Service.
type Lookups interface {
	AllPasswdContext(ctx context.Context) nss.Response[[]nss.Passwd]
	PasswdByNameContext(ctx context.Context, name string) nss.Response[nss.Passwd]
	PasswdByUIDContext(ctx context.Context, uid uint32) nss.Response[nss.Passwd]
	AllGroupsContext(ctx context.Context) nss.Response[[]nss.Group]
	GroupByNameContext(ctx context.Context, name string) nss.Response[nss.Group]
	GroupByGIDContext(ctx context.Context, gid uint32) nss.Response[nss.Group]
}

// TokenStater reports the cached token state for health checks.
// *keycloak.TokenManager implements it.
type TokenStater interface {
	State() keycloak.TokenState
}

// Server routes lookup requests to the nss service. Concurrent requests for
// the same key share one provider round trip.
type Server struct {
	mux     *http.ServeMux
	lookups Lookups
	tokens  TokenStater
	logger  *slog.Logger
	metrics *observability.Metrics
	flight  singleflight.Group
}

// NewServer creates a Server. tokens and metrics may be nil.
func NewServer(mux *http.ServeMux, lookups Lookups, tokens TokenStater, logger *slog.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		mux:     mux,
		lookups: lookups,
		tokens:  tokens,
		logger:  observability.OrDefault(logger),
		metrics: metrics,
	}
}

// RegisterRoutes installs the lookup, health and metrics handlers.
func (s *Server) RegisterRoutes() {
	s.mux.HandleFunc("/passwd", s.handlePasswd)
	s.mux.HandleFunc("/group", s.handleGroup)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
}

// Handler returns the mux wrapped in the standard middleware chain.
func (s *Server) Handler(rl RateLimitConfig) http.Handler {
	return ApplyMiddlewares(s.mux,
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
		observability.MetricsMiddleware(s.metrics),
		observability.RateLimitMetricsMiddleware(s.metrics, rl.Enabled()),
		RateLimitMiddleware(rl, s.logger),
	)
}

// GET /passwd, /passwd?name=<login>, /passwd?uid=<n>
func (s *Server) handlePasswd(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	q := r.URL.Query()
	name, uidStr := q.Get("name"), q.Get("uid")

	switch {
	case name != "" && uidStr != "":
		s.writeErr(w, r, http.StatusBadRequest, "specify at most one of name and uid", "")
	case name != "":
		serveLookup(s, w, r, "passwd", "name", func(ctx context.Context) nss.Response[nss.Passwd] {
			return s.lookups.PasswdByNameContext(ctx, name)
		})
	case uidStr != "":
		uid, err := parseID(uidStr)
		if err != nil {
			s.writeErr(w, r, http.StatusBadRequest, "invalid uid", err.Error())
			return
		}
		serveLookup(s, w, r, "passwd", "uid", func(ctx context.Context) nss.Response[nss.Passwd] {
			return s.lookups.PasswdByUIDContext(ctx, uid)
		})
	default:
		serveLookup(s, w, r, "passwd", "all", s.lookups.AllPasswdContext)
	}
}

// GET /group, /group?name=<name>, /group?gid=<n>
func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	if !s.allowGet(w, r) {
		return
	}
	q := r.URL.Query()
	name, gidStr := q.Get("name"), q.Get("gid")

	switch {
	case name != "" && gidStr != "":
		s.writeErr(w, r, http.StatusBadRequest, "specify at most one of name and gid", "")
	case name != "":
		serveLookup(s, w, r, "group", "name", func(ctx context.Context) nss.Response[nss.Group] {
			return s.lookups.GroupByNameContext(ctx, name)
		})
	case gidStr != "":
		gid, err := parseID(gidStr)
		if err != nil {
			s.writeErr(w, r, http.StatusBadRequest, "invalid gid", err.Error())
			return
		}
		serveLookup(s, w, r, "group", "gid", func(ctx context.Context) nss.Response[nss.Group] {
			return s.lookups.GroupByGIDContext(ctx, gid)
		})
	default:
		serveLookup(s, w, r, "group", "all", s.lookups.AllGroupsContext)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.tokens != nil {
		body["token"] = s.tokens.State().String()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	s.writeErr(w, r, http.StatusMethodNotAllowed, "method not allowed", "")
	return false
}

// serveLookup runs fn once for all in-flight requests with the same path and
// query, records the outcome for the request log and writes the response.
// The shared call is detached from the cancellation of whichever request
// started it.
func serveLookup[T any](s *Server, w http.ResponseWriter, r *http.Request, database, key string, fn func(context.Context) nss.Response[T]) {
	flightKey := r.URL.Path + "?" + r.URL.Query().Encode()
	ctx := context.WithoutCancel(r.Context())
	v, _, shared := s.flight.Do(flightKey, func() (any, error) {
		return fn(ctx), nil
	})
	resp := v.(nss.Response[T])

	if o := outcomeFrom(r.Context()); o != nil {
		*o = lookupOutcome{
			database: database,
			key:      key,
			status:   resp.Status,
			records:  recordCount(resp),
			shared:   shared,
		}
	}
	writeResponse(s, w, r, resp)
}

func recordCount[T any](resp nss.Response[T]) int {
	if resp.Status != nss.Success {
		return 0
	}
	switch v := any(resp.Value).(type) {
	case []nss.Passwd:
		return len(v)
	case []nss.Group:
		return len(v)
	default:
		return 1
	}
}

// writeResponse translates a lookup outcome into an HTTP status.
func writeResponse[T any](s *Server, w http.ResponseWriter, r *http.Request, resp nss.Response[T]) {
	switch resp.Status {
	case nss.Success:
		writeJSON(w, http.StatusOK, resp.Value)
	case nss.NotFound:
		writeJSON(w, http.StatusNotFound, apiError{Error: "not found"})
	case nss.TryAgain:
		w.Header().Set("Retry-After", "1")
		s.writeErr(w, r, http.StatusServiceUnavailable, "identity provider temporarily unavailable", "")
	default:
		s.writeErr(w, r, http.StatusBadGateway, "identity provider returned an unusable answer", "")
	}
}

// writeErr logs the error and reports 5xx responses to Sentry.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, code int, msg string, detail string) {
	s.logger.DebugContext(r.Context(), "http error response", "status", code, "error", msg, "detail", detail)
	if code >= 500 {
		hub := sentry.GetHubFromContext(r.Context())
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.CaptureMessage(fmt.Sprintf("HTTP %d: %s %s: %s", code, r.Method, r.URL.Path, msg))
	}
	writeJSON(w, code, apiError{Error: msg, Detail: detail})
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is not a 32-bit unsigned integer", s)
	}
	return uint32(id), nil
}
