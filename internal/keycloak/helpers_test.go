package keycloak

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"nsskeycloak/internal/testutil"
)

var testMapping = AttributeMapping{
	UserHome:  "homeDirectory",
	UserShell: "loginShell",
	UserGecos: "gecos",
	UserUID:   "uidNumber",
	UserGID:   "gidNumber",
	GroupGID:  "gidNumber",
}

// fakeClock is a manually advanced clock shared by the manager and client.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func serverConfig(srv *testutil.KeycloakServer, passwordGrant bool) ProviderConfig {
	cfg := ProviderConfig{
		URL:          srv.URL,
		Realm:        srv.Realm,
		ClientID:     srv.ClientID,
		ClientSecret: srv.ClientSecret,
	}
	if passwordGrant {
		cfg.Username = srv.Username
		cfg.Password = srv.Password
	}
	return cfg
}

func newTestCredentialClient(t *testing.T, srv *testutil.KeycloakServer, passwordGrant bool, opts ...Option) *CredentialClient {
	t.Helper()
	opts = append([]Option{WithLogger(testutil.DiscardLogger())}, opts...)
	c, err := NewCredentialClient(context.Background(), serverConfig(srv, passwordGrant), opts...)
	if err != nil {
		t.Fatalf("NewCredentialClient: %v", err)
	}
	return c
}

// resolverFixture returns a resolver and a valid access token for srv.
func resolverFixture(t *testing.T, srv *testutil.KeycloakServer, opts ...Option) (*Resolver, string) {
	t.Helper()
	creds := newTestCredentialClient(t, srv, false)
	token, err := NewTokenManager(creds).AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	opts = append([]Option{WithLogger(testutil.DiscardLogger())}, opts...)
	return NewResolver(serverConfig(srv, false), testMapping, opts...), token
}

func fakeUser(name string, uid, gid int) testutil.FakeUser {
	return testutil.FakeUser{
		ID:       "id-" + name,
		Username: name,
		Attributes: map[string][]string{
			"uidNumber": {fmt.Sprint(uid)},
			"gidNumber": {fmt.Sprint(gid)},
		},
	}
}

func fakeUsers(n int) []testutil.FakeUser {
	users := make([]testutil.FakeUser, 0, n)
	for i := 0; i < n; i++ {
		users = append(users, fakeUser(fmt.Sprintf("user%03d", i), 10000+i, 100))
	}
	return users
}

func fakeGroup(name string, gid int, members ...string) testutil.FakeGroup {
	return testutil.FakeGroup{
		ID:         "gid-" + name,
		Name:       name,
		Attributes: map[string][]string{"gidNumber": {fmt.Sprint(gid)}},
		Members:    members,
	}
}
