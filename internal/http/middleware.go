package http

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"nsskeycloak/internal/nss"
	"nsskeycloak/internal/observability"
)

const (
	requestIDHeader    = "X-Request-ID"
	maxRequestIDLength = 64
	limiterIdleTTL     = 5 * time.Minute
	limiterSweepEvery  = 30 * time.Second
)

// Middleware represents an HTTP middleware that wraps a handler.
type Middleware func(http.Handler) http.Handler

// ApplyMiddlewares applies the provided middleware in order, where the first middleware
// in the list is the outermost handler.
func ApplyMiddlewares(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestIDMiddleware tags each request with an ID that is echoed to the
// caller and forwarded on every admin API call made for it. A caller ID is
// kept when it is safe to put in an outgoing header.
func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(requestIDHeader))
			if !validRequestID(id) {
				id = uuid.NewString()
			}
			ctx := observability.WithRequestID(r.Context(), id)
			ctx = observability.WithComponent(ctx, "http")
			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validRequestID accepts 1 to 64 characters of [A-Za-z0-9._-].
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	return !strings.ContainsFunc(id, func(c rune) bool {
		return !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '-' || c == '_' || c == '.')
	})
}

// lookupOutcome is what a lookup handler resolved. LoggingMiddleware
// installs an empty one and logs whatever the handler filled in.
type lookupOutcome struct {
	database string
	key      string
	status   nss.Status
	records  int
	shared   bool
}

type outcomeKey struct{}

func outcomeFrom(ctx context.Context) *lookupOutcome {
	o, _ := ctx.Value(outcomeKey{}).(*lookupOutcome)
	return o
}

func (o *lookupOutcome) logValue() slog.Attr {
	return slog.Group("lookup",
		"database", o.database,
		"key", o.key,
		"status", o.status.String(),
		"records", o.records,
		"shared", o.shared,
	)
}

// logLevel picks the level for a completed request. Lookup outcomes decide
// when present: a provider that is briefly unreachable is a warning, an
// unusable answer is an error. Misses are normal traffic for a name service.
func logLevel(status int, o *lookupOutcome) slog.Level {
	if o.database != "" {
		switch o.status {
		case nss.TryAgain:
			return slog.LevelWarn
		case nss.Unavail:
			return slog.LevelError
		default:
			return slog.LevelInfo
		}
	}
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400 && status != http.StatusNotFound:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// LoggingMiddleware logs each request with its lookup outcome and runs it
// inside a Sentry transaction. Panics are recovered, reported and answered
// with a 500.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	logger = observability.OrDefault(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outcome := &lookupOutcome{}
			ctx := context.WithValue(r.Context(), outcomeKey{}, outcome)

			hub := sentry.GetHubFromContext(ctx)
			if hub == nil {
				hub = sentry.CurrentHub().Clone()
				ctx = sentry.SetHubOnContext(ctx, hub)
			}
			transaction := sentry.StartTransaction(
				ctx,
				fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				sentry.WithOpName("http.server"),
				sentry.ContinueFromRequest(r),
				sentry.WithTransactionSource(sentry.SourceURL),
			)
			defer transaction.Finish()
			r = r.WithContext(transaction.Context())
			ctx = r.Context()
			hub.Scope().SetRequest(r)

			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				if rec := recover(); rec != nil {
					transaction.Status = sentry.SpanStatusInternalError
					hub.RecoverWithContext(ctx, rec)
					logger.ErrorContext(ctx, "panic recovered", "method", r.Method, "path", r.URL.Path, "panic", rec)
					writeJSON(recorder, http.StatusInternalServerError, apiError{Error: "internal server error"})
				}
			}()

			next.ServeHTTP(recorder, r)

			transaction.Status = sentry.HTTPtoSpanStatus(recorder.status)
			if outcome.database != "" {
				transaction.SetTag("nss.database", outcome.database)
				transaction.SetTag("nss.status", outcome.status.String())
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"status", recorder.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if outcome.database != "" {
				attrs = append(attrs, outcome.logValue())
			}
			logger.Log(ctx, logLevel(recorder.status, outcome), "request completed", attrs...)
		})
	}
}

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Enabled reports whether rate limiting should be enforced.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerSecond > 0 && c.Burst > 0
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet holds one token bucket per client and forgets idle clients.
type limiterSet struct {
	cfg       RateLimitConfig
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

func (l *limiterSet) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.clients[key] = c
	}
	c.lastSeen = now

	if now.Sub(l.lastSweep) > limiterSweepEvery {
		for k, v := range l.clients {
			if now.Sub(v.lastSeen) > limiterIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}
	return c.limiter
}

// RateLimitMiddleware enforces a token bucket per client. Rejected requests
// get a Retry-After of the whole seconds until a token is available.
func RateLimitMiddleware(cfg RateLimitConfig, logger *slog.Logger) Middleware {
	if !cfg.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	logger = observability.OrDefault(logger)
	set := &limiterSet{cfg: cfg, clients: make(map[string]*clientLimiter)}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			key := limiterKey(r)

			res := set.get(key, now).ReserveN(now, 1)
			if delay := res.DelayFrom(now); delay > 0 {
				res.CancelAt(now)
				retry := strconv.Itoa(int(math.Ceil(delay.Seconds())))
				logger.WarnContext(r.Context(), "rate limit exceeded", "client", key, "path", r.URL.Path, "retry_after", retry)
				w.Header().Set("Retry-After", retry)
				writeJSON(w, http.StatusTooManyRequests, apiError{Error: "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limiterKey identifies the caller for rate limiting. Name service shims
// connect over loopback, so X-Forwarded-For is only trusted from a loopback
// peer; a remote client cannot choose its own bucket.
func limiterKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip, err := netip.ParseAddr(host); err == nil && ip.IsLoopback() {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) { s.status = code; s.ResponseWriter.WriteHeader(code) }

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
