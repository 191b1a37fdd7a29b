package keycloak

import "time"

// Token is a bearer credential pair as issued by the token endpoint.
// Both expiry instants already have tokenExpiryBuffer subtracted.
type Token struct {
	AccessToken   string
	AccessExpiry  time.Time
	RefreshToken  string
	RefreshExpiry time.Time
}

// AccessValid reports whether the access token is still usable at now.
func (t Token) AccessValid(now time.Time) bool {
	return t.AccessToken != "" && t.AccessExpiry.After(now)
}

// RefreshValid reports whether the refresh token is still usable at now.
// An empty refresh token means refresh is not available.
func (t Token) RefreshValid(now time.Time) bool {
	return t.RefreshToken != "" && t.RefreshExpiry.After(now)
}

// TokenState is the lifecycle state of the cached token.
type TokenState int

const (
	// TokenEmpty means no token was ever fetched.
	TokenEmpty TokenState = iota
	// TokenValid means the access token is unexpired.
	TokenValid
	// TokenRefreshable means only the refresh token is unexpired.
	TokenRefreshable
	// TokenStale means both tokens are expired or absent.
	TokenStale
)

func (s TokenState) String() string {
	switch s {
	case TokenEmpty:
		return "empty"
	case TokenValid:
		return "valid"
	case TokenRefreshable:
		return "refreshable"
	case TokenStale:
		return "stale"
	default:
		return "unknown"
	}
}

// TokenStore holds at most one token. It performs no I/O and no locking;
// TokenManager serializes access to it.
type TokenStore struct {
	token *Token
}

// Load returns the stored token, if any.
func (s *TokenStore) Load() (Token, bool) {
	if s.token == nil {
		return Token{}, false
	}
	return *s.token, true
}

// Replace swaps the stored token for t wholesale.
func (s *TokenStore) Replace(t Token) {
	s.token = &t
}

// State classifies the stored token at now.
func (s *TokenStore) State(now time.Time) TokenState {
	switch {
	case s.token == nil:
		return TokenEmpty
	case s.token.AccessValid(now):
		return TokenValid
	case s.token.RefreshValid(now):
		return TokenRefreshable
	default:
		return TokenStale
	}
}
