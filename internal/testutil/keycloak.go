package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// SigningKey is the HMAC key the fake server signs access tokens with.
var SigningKey = []byte("nss-keycloak-test-signing-key-0123456789")

// FakeUser is a user record served by KeycloakServer.
type FakeUser struct {
	ID         string
	Username   string
	Attributes map[string][]string
}

// FakeGroup is a group record served by KeycloakServer. Members are
// usernames, returned in order.
type FakeGroup struct {
	ID         string
	Name       string
	Attributes map[string][]string
	Members    []string
}

// Page is the first/max pair of a paginated request.
type Page struct {
	First int
	Max   int
}

// Request kinds counted by KeycloakServer.
const (
	KindToken     = "token"
	KindDiscovery = "discovery"
	KindCount     = "count"
	KindUsers     = "users"
	KindGroups    = "groups"
	KindMembers   = "members"
)

// KeycloakServer is an in-process fake of the Keycloak token endpoint,
// OpenID discovery document and the admin REST endpoints for users and
// groups. Access tokens are HS256 JWTs signed with SigningKey.
type KeycloakServer struct {
	*httptest.Server

	Realm        string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string

	mu              sync.Mutex
	accessLifetime  int
	refreshLifetime int
	omitRefresh     bool
	tokenStatus     int
	tokenBody       string
	adminStatus     int
	users           []FakeUser
	groups          []FakeGroup
	seq             int
	accessTokens    map[string]bool
	refreshTokens   map[string]bool
	grants          []url.Values
	counts          map[string]int
	userPages       []Page
	adminRequestIDs []string
}

// NewKeycloakServer starts a fake server with realm "test", client
// "nss-client"/"nss-secret", user "svc"/"svc-pass" and lifetimes of 300s
// (access) and 1800s (refresh). It is closed when the test ends.
func NewKeycloakServer(t *testing.T) *KeycloakServer {
	t.Helper()
	s := &KeycloakServer{
		Realm:           "test",
		ClientID:        "nss-client",
		ClientSecret:    "nss-secret",
		Username:        "svc",
		Password:        "svc-pass",
		accessLifetime:  300,
		refreshLifetime: 1800,
		accessTokens:    map[string]bool{},
		refreshTokens:   map[string]bool{},
		counts:          map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /realms/{realm}/protocol/openid-connect/token", s.handleToken)
	mux.HandleFunc("GET /realms/{realm}/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("GET /admin/realms/{realm}/users/count", s.admin(KindCount, s.handleCount))
	mux.HandleFunc("GET /admin/realms/{realm}/users", s.admin(KindUsers, s.handleUsers))
	mux.HandleFunc("GET /admin/realms/{realm}/groups", s.admin(KindGroups, s.handleGroups))
	mux.HandleFunc("GET /admin/realms/{realm}/groups/{id}/members", s.admin(KindMembers, s.handleMembers))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// SetLifetimes sets expires_in and refresh_expires_in for future tokens.
func (s *KeycloakServer) SetLifetimes(access, refresh int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessLifetime, s.refreshLifetime = access, refresh
}

// OmitRefreshToken makes token responses leave out refresh_token.
func (s *KeycloakServer) OmitRefreshToken(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitRefresh = omit
}

// FailToken makes the token endpoint answer with status. Zero restores
// normal behaviour.
func (s *KeycloakServer) FailToken(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenStatus = status
}

// SetTokenBody makes the token endpoint answer 200 with a raw body.
func (s *KeycloakServer) SetTokenBody(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenBody = body
}

// FailAdmin makes every admin endpoint answer with status. Zero restores
// normal behaviour.
func (s *KeycloakServer) FailAdmin(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminStatus = status
}

// SetClientSecret changes the secret the token endpoint accepts.
func (s *KeycloakServer) SetClientSecret(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClientSecret = secret
}

// SetUsers replaces the served users.
func (s *KeycloakServer) SetUsers(users ...FakeUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = users
}

// SetGroups replaces the served groups.
func (s *KeycloakServer) SetGroups(groups ...FakeGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = groups
}

// RevokeAccessTokens invalidates every issued access token.
func (s *KeycloakServer) RevokeAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens = map[string]bool{}
}

// Count returns how many requests of kind were served.
func (s *KeycloakServer) Count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

// Grants returns the form of every token request, in order.
func (s *KeycloakServer) Grants() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]url.Values, len(s.grants))
	copy(out, s.grants)
	return out
}

// UserPages returns the first/max of every paginated user listing request.
func (s *KeycloakServer) UserPages() []Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Page, len(s.userPages))
	copy(out, s.userPages)
	return out
}

// AdminRequestIDs returns the X-Request-ID headers seen on admin requests.
func (s *KeycloakServer) AdminRequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.adminRequestIDs))
	copy(out, s.adminRequestIDs)
	return out
}

// Issuer returns the realm issuer URL.
func (s *KeycloakServer) Issuer() string {
	return s.URL + "/realms/" + s.Realm
}

func (s *KeycloakServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[KindToken]++
	s.grants = append(s.grants, r.PostForm)

	if s.tokenStatus != 0 {
		writeOAuthError(w, s.tokenStatus, "server_error")
		return
	}
	if s.tokenBody != "" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.tokenBody))
		return
	}
	if r.PathValue("realm") != s.Realm {
		writeOAuthError(w, http.StatusNotFound, "realm_not_found")
		return
	}
	if r.PostForm.Get("client_id") != s.ClientID || r.PostForm.Get("client_secret") != s.ClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "password":
		if r.PostForm.Get("username") != s.Username || r.PostForm.Get("password") != s.Password {
			writeOAuthError(w, http.StatusUnauthorized, "invalid_grant")
			return
		}
	case "client_credentials":
	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		if !s.refreshTokens[rt] {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	access, err := s.mintAccessToken()
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.accessTokens[access] = true

	resp := map[string]any{
		"access_token":       access,
		"token_type":         "Bearer",
		"expires_in":         s.accessLifetime,
		"refresh_expires_in": s.refreshLifetime,
	}
	if !s.omitRefresh {
		refresh := fmt.Sprintf("refresh-%d", s.seq)
		s.refreshTokens[refresh] = true
		resp["refresh_token"] = refresh
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// mintAccessToken signs a new access token. Callers hold s.mu.
func (s *KeycloakServer) mintAccessToken() (string, error) {
	s.seq++
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: SigningKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.Claims{
		Issuer:   s.Issuer(),
		Subject:  "service-account-" + s.ClientID,
		Audience: jwt.Audience{"account"},
		ID:       strconv.Itoa(s.seq),
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(time.Duration(s.accessLifetime) * time.Second)),
	}
	extra := map[string]any{
		"azp":                s.ClientID,
		"preferred_username": "service-account-" + s.ClientID,
		"scope":              "profile email",
		"realm_access":       map[string]any{"roles": []string{"view-users", "query-groups"}},
	}
	return jwt.Signed(signer).Claims(claims).Claims(extra).Serialize()
}

func (s *KeycloakServer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.counts[KindDiscovery]++
	s.mu.Unlock()

	if r.PathValue("realm") != s.Realm {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Realm does not exist"})
		return
	}
	issuer := s.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                 issuer,
		"authorization_endpoint": issuer + "/protocol/openid-connect/auth",
		"token_endpoint":         issuer + "/protocol/openid-connect/token",
		"jwks_uri":               issuer + "/protocol/openid-connect/certs",
		"userinfo_endpoint":      issuer + "/protocol/openid-connect/userinfo",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

// admin wraps an admin handler with counting, bearer token checks and
// injected failures. The handler runs with s.mu held.
func (s *KeycloakServer) admin(kind string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.counts[kind]++
		if id := r.Header.Get("X-Request-ID"); id != "" {
			s.adminRequestIDs = append(s.adminRequestIDs, id)
		}

		if s.adminStatus != 0 {
			writeJSON(w, s.adminStatus, map[string]string{"error": "injected failure"})
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !s.accessTokens[token] {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "HTTP 401 Unauthorized"})
			return
		}
		if r.PathValue("realm") != s.Realm {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Realm not found."})
			return
		}
		h(w, r)
	}
}

func (s *KeycloakServer) handleCount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, len(s.users))
}

func (s *KeycloakServer) handleUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	users := s.users

	if name := q.Get("username"); name != "" {
		var matched []FakeUser
		for _, u := range users {
			if q.Get("exact") == "true" && strings.EqualFold(u.Username, name) ||
				q.Get("exact") != "true" && strings.Contains(strings.ToLower(u.Username), strings.ToLower(name)) {
				matched = append(matched, u)
			}
		}
		users = matched
	}

	if q.Has("first") || q.Has("max") {
		first, _ := strconv.Atoi(q.Get("first"))
		limit, err := strconv.Atoi(q.Get("max"))
		if err != nil {
			limit = 100
		}
		s.userPages = append(s.userPages, Page{First: first, Max: limit})
		users = paginate(users, first, limit)
	}

	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]any{
			"id":         u.ID,
			"username":   u.Username,
			"enabled":    true,
			"attributes": u.Attributes,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *KeycloakServer) handleGroups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search := q.Get("search")

	out := []map[string]any{}
	for _, g := range s.groups {
		if search != "" {
			if q.Get("exact") == "true" && g.Name != search {
				continue
			}
			if q.Get("exact") != "true" && !strings.Contains(strings.ToLower(g.Name), strings.ToLower(search)) {
				continue
			}
		}
		out = append(out, map[string]any{
			"id":         g.ID,
			"name":       g.Name,
			"path":       "/" + g.Name,
			"attributes": g.Attributes,
			"subGroups":  []any{},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *KeycloakServer) handleMembers(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, g := range s.groups {
		if g.ID != id {
			continue
		}
		q := r.URL.Query()
		first, _ := strconv.Atoi(q.Get("first"))
		limit, err := strconv.Atoi(q.Get("max"))
		if err != nil {
			limit = 100
		}
		out := []map[string]any{}
		for _, name := range paginate(g.Members, first, limit) {
			out = append(out, map[string]any{"id": "user-" + name, "username": name})
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Could not find group by id"})
}

func paginate[T any](items []T, first, limit int) []T {
	if first < 0 {
		first = 0
	}
	if first >= len(items) {
		return nil
	}
	end := first + limit
	if limit < 0 || end > len(items) {
		end = len(items)
	}
	return items[first:end]
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
