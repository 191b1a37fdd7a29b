package keycloak

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	prometheustest "github.com/prometheus/client_golang/prometheus/testutil"

	"nsskeycloak/internal/observability"
	"nsskeycloak/internal/testutil"
)

func TestListUsersPaginates(t *testing.T) {
	srv := testutil.NewKeycloakServer(t)
	srv.SetUsers(fakeUsers(250)...)
	r, token := resolverFixture(t, srv)

	users, err := r.ListUsers(context.Background(), token)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 250 {
		t.Fatalf("expected 250 users, got %d", len(users))
	}
	if users[0].Username != "user000" || users[249].Username != "user249" {
		t.Errorf("unexpected order: first %q, last %q", users[0].Username, users[249].Username)
	}

	want := []testutil.Page{{First: 0, Max: 100}, {First: 100, Max: 100}, {First: 200, Max: 100}}
	if got := srv.UserPages(); !reflect.DeepEqual(got, want) {
		t.Errorf("pages = %v, want %v", got, want)
	}
	if got := srv.Count(testutil.KindCount); got != 1 {
		t.Errorf("expected 1 count request, got %d", got)
	}
}

func TestListUsersEmptyRealm(t *testing.T) {
	srv := testutil.NewKeycloakServer(t)
	r, token := resolverFixture(t, srv)

	users, err := r.ListUsers(context.Background(), token)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("expected no users, got %d", len(users))
	}
	if got := srv.Count(testutil.KindUsers); got != 0 {
		t.Errorf("expected no listing requests, got %d", got)
	}
}

func TestListUsersAppliesDefaultsAndMapping(t *testing.T) {
	srv := testutil.NewKeycloakServer(t)
	full := fakeUser("alice", 1000, 1000)
	full.Attributes["homeDirectory"] = []string{"/home/alice"}
	full.Attributes["loginShell"] = []string{"/bin/bash"}
	full.Attributes["gecos"] = []string{"Alice,,,"}
	srv.SetUsers(full, fakeUser("bob", 1001, 100))
	r, token := resolverFixture(t, srv)

	users, err := r.ListUsers(context.Background(), token)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	want := []User{
		{Username: "alice", UID: 1000, GID: 1000, Gecos: "Alice,,,", HomeDir: "/home/alice", Shell: "/bin/bash"},
		{Username: "bob", UID: 1001, GID: 100, Gecos: DefaultGecos, HomeDir: DefaultHomeDir, Shell: DefaultShell},
	}
	if !reflect.DeepEqual(users, want) {
		t.Errorf("users = %+v\nwant %+v", users, want)
	}
}

func TestListUsersDropsUnmappableRecords(t *testing.T) {
	srv := testutil.NewKeycloakServer(t)
	noUID := fakeUser("nouid", 0, 100)
	delete(noUID.Attributes, "uidNumber")
	twoGIDs := fakeUser("twogids", 1002, 0)
	twoGIDs.Attributes["gidNumber"] = []string{"100", "200"}
	badUID := fakeUser("baduid", 0, 100)
	badUID.Attributes["uidNumber"] = []string{"abc"}
	srv.SetUsers(fakeUser("first", 1000, 100), noUID, twoGIDs, badUID, fakeUser("last", 1001, 100))

	metrics := observability.NewMetrics(observability.MetricsConfig{Namespace: "test"}, prometheus.NewRegistry())
	r, token := resolverFixture(t, srv, WithMetrics(metrics))

	users, err := r.ListUsers(context.Background(), token)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0].Username != "first" || users[1].Username != "last" {
		t.Errorf("expected [first last], got %+v", users)
	}
	if got := prometheustest.ToFloat64(metrics.DroppedRecordsTotal.WithLabelValues("user")); got != 3 {
		t.Errorf("expected 3 dropped users, got %v", got)
	}
}

func TestGetUserByName(t *testing.T) {
	srv := testutil.NewKeycloakServer(t)
	noUID := fakeUser("nouid", 0, 100)
	delete(noUID.Attributes, "uidNumber")
	ambiguous := fakeUser("ambiguous", 1005, 100)
	ambiguous.Attributes["loginShell"] = []string{"/bin/sh", "/bin/bash"}
	srv.SetUsers(fakeUser("user01", 1000, 100), fakeUser("user010", 1010, 100), noUID, ambiguous)
	r, token := resolverFixture(t, srv)
	ctx := context.Background()

	u, err := r.GetUserByName(ctx, token, "user01")
	if err != nil {
		t.Fatalf("GetUserByName: %v", err)
	}
	if u.Username != "user01" || u.UID != 1000 {
		t.Errorf("unexpected user %+v", u)
	}

	if _, err := r.GetUserByName(ctx, token, "USER01"); err != nil {
		t.Errorf("expected case-insensitive match, got %v", err)
	}

	for _, name := range []string{"user", "nobody", "nouid"} {
		if _, err := r.GetUserByName(ctx, token, name); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetUserByName(%q): expected ErrNotFound, got %v", name, err)
		}
	}

	_, err = r.GetUserByName(ctx, token, "ambiguous")
	var mapErr *MappingError
	if !errors.As(err, &mapErr) || !errors.Is(err, ErrMultipleValues) {
		t.Fatalf("expected MappingError wrapping ErrMultipleValues, got %v", err)
	}
	if mapErr.Attribute != "loginShell" || mapErr.Record != "ambiguous" {
		t.Errorf("unexpected mapping error %+v", mapErr)
	}
}

func TestGetUserByUID(t *testing.T) {
	srv := testutil.NewKeycloakServer(t)
	srv.SetUsers(fakeUsers(150)...)
	r, token := resolverFixture(t, srv)
	ctx := context.Background()

	u, err := r.GetUserByUID(ctx, token, 10005)
	if err != nil {
		t.Fatalf("GetUserByUID: %v", err)
	}
	if u.Username != "user005" {
		t.Errorf("expected user005, got %q", u.Username)
	}
	if got := len(srv.UserPages()); got != 1 {
		t.Errorf("expected paging to stop at the match, got %d pages", got)
	}

	u, err = r.GetUserByUID(ctx, token, 10149)
	if err != nil || u.Username != "user149" {
		t.Errorf("expected user149 on the second page, got %+v, %v", u, err)
	}

	if _, err := r.GetUserByUID(ctx, token, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUserLookupErrors(t *testing.T) {
	srv := testutil.NewKeycloakServer(t)
	srv.SetUsers(fakeUsers(3)...)
	r, token := resolverFixture(t, srv)
	ctx := context.Background()

	srv.FailAdmin(http.StatusServiceUnavailable)
	_, err := r.ListUsers(ctx, token)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) || protoErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected ProtocolError 503, got %v", err)
	}
	if IsTransient(err) {
		t.Error("expected protocol errors to be non-transient")
	}

	srv.FailAdmin(0)
	_, err = r.GetUserByName(ctx, token+"tampered", "user000")
	if !errors.As(err, &protoErr) || protoErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected ProtocolError 401 for a bad token, got %v", err)
	}
}

func TestUserLookupTransportError(t *testing.T) {
	srv := testutil.NewKeycloakServer(t)
	r, token := resolverFixture(t, srv)
	srv.Close()

	_, err := r.ListUsers(context.Background(), token)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("expected transport errors to be transient")
	}
}

func TestUserLookupPropagatesRequestID(t *testing.T) {
	srv := testutil.NewKeycloakServer(t)
	srv.SetUsers(fakeUsers(1)...)
	r, token := resolverFixture(t, srv)

	ctx := observability.WithRequestID(context.Background(), "req-42")
	if _, err := r.GetUserByName(ctx, token, "user000"); err != nil {
		t.Fatalf("GetUserByName: %v", err)
	}
	ids := srv.AdminRequestIDs()
	if len(ids) != 1 || ids[0] != "req-42" {
		t.Errorf("expected X-Request-ID req-42, got %v", ids)
	}
}
