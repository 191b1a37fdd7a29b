package keycloak

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"nsskeycloak/internal/testutil"
)

func twoGroupServer(t *testing.T) *testutil.KeycloakServer {
	t.Helper()
	srv := testutil.NewKeycloakServer(t)
	srv.SetUsers(fakeUser("user01", 1000, 500), fakeUser("user02", 1001, 501))
	srv.SetGroups(
		fakeGroup("group01", 500, "user01"),
		fakeGroup("group02", 501, "user02"),
	)
	return srv
}

func TestListGroups(t *testing.T) {
	srv := twoGroupServer(t)
	r, token := resolverFixture(t, srv)

	groups, err := r.ListGroups(context.Background(), token)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	want := []Group{
		{Name: "group01", GID: 500, Members: []string{"user01"}},
		{Name: "group02", GID: 501, Members: []string{"user02"}},
	}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("groups = %+v\nwant %+v", groups, want)
	}
	if got := srv.Count(testutil.KindMembers); got != 2 {
		t.Errorf("expected one membership request per group, got %d", got)
	}
}

func TestGroupLookups(t *testing.T) {
	srv := twoGroupServer(t)
	r, token := resolverFixture(t, srv)
	ctx := context.Background()

	g, err := r.GetGroupByGID(ctx, token, 501)
	if err != nil {
		t.Fatalf("GetGroupByGID: %v", err)
	}
	if g.Name != "group02" || !reflect.DeepEqual(g.Members, []string{"user02"}) {
		t.Errorf("unexpected group %+v", g)
	}
	if got := srv.Count(testutil.KindMembers); got != 1 {
		t.Errorf("expected membership fetched only for the match, got %d requests", got)
	}

	g, err = r.GetGroupByName(ctx, token, "group01")
	if err != nil {
		t.Fatalf("GetGroupByName: %v", err)
	}
	if g.GID != 500 || !reflect.DeepEqual(g.Members, []string{"user01"}) {
		t.Errorf("unexpected group %+v", g)
	}

	if _, err := r.GetGroupByGID(ctx, token, 502); !errors.Is(err, ErrNotFound) {
		t.Errorf("gid 502: expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetGroupByName(ctx, token, "group03"); !errors.Is(err, ErrNotFound) {
		t.Errorf("group03: expected ErrNotFound, got %v", err)
	}
}

func TestListGroupsDropsUnmappableGroups(t *testing.T) {
	srv := twoGroupServer(t)
	noGID := fakeGroup("nogid", 0, "user01")
	delete(noGID.Attributes, "gidNumber")
	twoGIDs := fakeGroup("twogids", 0)
	twoGIDs.Attributes["gidNumber"] = []string{"600", "601"}
	srv.SetGroups(fakeGroup("group01", 500, "user01"), noGID, twoGIDs, fakeGroup("group02", 501, "user02"))
	r, token := resolverFixture(t, srv)

	groups, err := r.ListGroups(context.Background(), token)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 2 || groups[0].Name != "group01" || groups[1].Name != "group02" {
		t.Errorf("expected [group01 group02], got %+v", groups)
	}
	if got := srv.Count(testutil.KindMembers); got != 2 {
		t.Errorf("expected no membership requests for dropped groups, got %d", got)
	}
}

func TestGetGroupByNameAmbiguousGID(t *testing.T) {
	srv := testutil.NewKeycloakServer(t)
	g := fakeGroup("admins", 0)
	g.Attributes["gidNumber"] = []string{"600", "601"}
	srv.SetGroups(g)
	r, token := resolverFixture(t, srv)

	_, err := r.GetGroupByName(context.Background(), token, "admins")
	if !errors.Is(err, ErrMultipleValues) {
		t.Fatalf("expected ErrMultipleValues, got %v", err)
	}
	var mapErr *MappingError
	if !errors.As(err, &mapErr) {
		t.Errorf("expected MappingError, got %T", err)
	}
}

func TestGroupWithoutMembers(t *testing.T) {
	srv := testutil.NewKeycloakServer(t)
	srv.SetGroups(fakeGroup("empty", 700))
	r, token := resolverFixture(t, srv)

	g, err := r.GetGroupByGID(context.Background(), token, 700)
	if err != nil {
		t.Fatalf("GetGroupByGID: %v", err)
	}
	if g.Members == nil || len(g.Members) != 0 {
		t.Errorf("expected empty non-nil member list, got %#v", g.Members)
	}
}

func TestGroupMembersPaginate(t *testing.T) {
	srv := testutil.NewKeycloakServer(t)
	members := make([]string, 150)
	for i := range members {
		members[i] = fmt.Sprintf("member%03d", i)
	}
	srv.SetGroups(fakeGroup("big", 800, members...))
	r, token := resolverFixture(t, srv)

	g, err := r.GetGroupByName(context.Background(), token, "big")
	if err != nil {
		t.Fatalf("GetGroupByName: %v", err)
	}
	if !reflect.DeepEqual(g.Members, members) {
		t.Errorf("expected all 150 members in order, got %d", len(g.Members))
	}
	if got := srv.Count(testutil.KindMembers); got != 2 {
		t.Errorf("expected 2 membership pages, got %d", got)
	}
}
