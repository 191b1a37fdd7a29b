package keycloak

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// ListGroups returns every group that maps to a group record, with its
// members. One membership request is made per mapped group. Groups whose
// gid does not map are dropped before their members are fetched.
func (r *Resolver) ListGroups(ctx context.Context, token string) ([]Group, error) {
	reps, err := r.listGroupRepresentations(ctx, token, "")
	if err != nil {
		return nil, err
	}
	groups := make([]Group, 0, len(reps))
	for _, rep := range reps {
		gid, err := requiredID(rep.Name, rep.Attributes, r.mapping.GroupGID)
		if err != nil {
			r.drop("group", rep.Name, err)
			continue
		}
		g, err := r.expand(ctx, token, rep, gid)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// GetGroupByName searches groups by name and returns the exact match.
func (r *Resolver) GetGroupByName(ctx context.Context, token, name string) (Group, error) {
	reps, err := r.listGroupRepresentations(ctx, token, name)
	if err != nil {
		return Group{}, err
	}
	for _, rep := range reps {
		if rep.Name != name {
			continue
		}
		gid, err := requiredID(rep.Name, rep.Attributes, r.mapping.GroupGID)
		if errors.Is(err, ErrMissingAttribute) {
			r.logger.Debug("skipping unmapped group", "name", rep.Name, "error", err)
			continue
		}
		if err != nil {
			return Group{}, err
		}
		return r.expand(ctx, token, rep, gid)
	}
	return Group{}, fmt.Errorf("group %q: %w", name, ErrNotFound)
}

// GetGroupByGID lists all groups and expands membership only for the first
// group whose mapped gid equals gid.
func (r *Resolver) GetGroupByGID(ctx context.Context, token string, gid uint32) (Group, error) {
	reps, err := r.listGroupRepresentations(ctx, token, "")
	if err != nil {
		return Group{}, err
	}
	for _, rep := range reps {
		id, err := requiredID(rep.Name, rep.Attributes, r.mapping.GroupGID)
		if err != nil || id != gid {
			continue
		}
		return r.expand(ctx, token, rep, id)
	}
	return Group{}, fmt.Errorf("gid %d: %w", gid, ErrNotFound)
}

func (r *Resolver) listGroupRepresentations(ctx context.Context, token, search string) ([]groupRepresentation, error) {
	q := url.Values{}
	q.Set("briefRepresentation", "false")
	if search != "" {
		q.Set("search", search)
		q.Set("exact", "true")
	}
	var reps []groupRepresentation
	if err := getJSON(ctx, r.client, "list groups", r.cfg.AdminURL("groups"), q, token, &reps); err != nil {
		return nil, err
	}
	return reps, nil
}

func (r *Resolver) expand(ctx context.Context, token string, rep groupRepresentation, gid uint32) (Group, error) {
	members, err := r.groupMembers(ctx, token, rep.ID)
	if err != nil {
		return Group{}, fmt.Errorf("group %q members: %w", rep.Name, err)
	}
	return Group{Name: rep.Name, GID: gid, Members: members}, nil
}

// groupMembers returns member usernames verbatim, in provider order.
func (r *Resolver) groupMembers(ctx context.Context, token, groupID string) ([]string, error) {
	members := []string{}
	for first := 0; ; first += pageSize {
		q := url.Values{}
		q.Set("briefRepresentation", "true")
		q.Set("first", strconv.Itoa(first))
		q.Set("max", strconv.Itoa(pageSize))

		var page []memberRepresentation
		if err := getJSON(ctx, r.client, "list group members", r.cfg.AdminURL("groups", groupID, "members"), q, token, &page); err != nil {
			return nil, err
		}
		for _, m := range page {
			members = append(members, m.Username)
		}
		if len(page) < pageSize {
			return members, nil
		}
	}
}
