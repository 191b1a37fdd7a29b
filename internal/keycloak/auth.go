package keycloak

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nsskeycloak/internal/observability"
)

// TokenManager hands out a valid access token, refreshing or re-granting
// against the provider only when the cached one has expired.
//
// The mutex is held across the whole check, refresh and store sequence, so
// concurrent callers never issue duplicate grants. It is never held while
// admin API calls run.
type TokenManager struct {
	creds  Credentials
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	store TokenStore
}

// NewTokenManager creates a manager with an empty store. No request is made
// until the first AccessToken call. Only WithClock and WithLogger apply;
// token metrics are recorded by the Credentials implementation.
func NewTokenManager(creds Credentials, opts ...Option) *TokenManager {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TokenManager{
		creds:  creds,
		now:    o.now,
		logger: observability.OrDefault(o.logger),
	}
}

// AccessToken returns an unexpired access token.
//
// A valid cached access token is returned without I/O. Otherwise a valid
// refresh token is exchanged, and failing that a full grant is made. On
// failure the stored token is left untouched and the AuthError is returned;
// a failed refresh does not fall back to a full grant within the same call.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current, _ := m.store.Load()

	var (
		next Token
		err  error
	)
	switch m.store.State(now) {
	case TokenValid:
		return current.AccessToken, nil
	case TokenRefreshable:
		m.logger.Debug("access token expired, refreshing")
		next, err = m.creds.Refresh(ctx, current.RefreshToken)
	default:
		m.logger.Debug("no usable token, requesting grant")
		next, err = m.creds.Grant(ctx)
	}
	if err != nil {
		return "", err
	}
	m.store.Replace(next)
	return next.AccessToken, nil
}

// HasValidToken reports whether a token is stored and either of its halves
// is unexpired. It never performs I/O.
func (m *TokenManager) HasValidToken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.store.State(m.now())
	return s == TokenValid || s == TokenRefreshable
}

// State returns the lifecycle state of the cached token.
func (m *TokenManager) State() TokenState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.State(m.now())
}

// AccessTokenExpiresIn returns the remaining access token lifetime. ok is
// false when there is no token or it has already expired.
func (m *TokenManager) AccessTokenExpiresIn() (time.Duration, bool) {
	return m.remaining(func(t Token) time.Time { return t.AccessExpiry })
}

// RefreshTokenExpiresIn returns the remaining refresh token lifetime.
func (m *TokenManager) RefreshTokenExpiresIn() (time.Duration, bool) {
	return m.remaining(func(t Token) time.Time { return t.RefreshExpiry })
}

func (m *TokenManager) remaining(expiry func(Token) time.Time) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.store.Load()
	if !ok {
		return 0, false
	}
	d := expiry(t).Sub(m.now())
	if d < 0 {
		return 0, false
	}
	return d, true
}
