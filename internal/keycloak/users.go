package keycloak

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// CountUsers returns the realm's user count.
func (r *Resolver) CountUsers(ctx context.Context, token string) (int, error) {
	var count int
	if err := getJSON(ctx, r.client, "count users", r.cfg.AdminURL("users", "count"), nil, token, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListUsers returns every user that maps to a passwd record. Users that fail
// mapping are dropped, logged and counted, and never abort the listing.
func (r *Resolver) ListUsers(ctx context.Context, token string) ([]User, error) {
	var users []User
	err := r.eachUserPage(ctx, token, func(page []userRepresentation) bool {
		for _, rep := range page {
			u, err := rep.toUser(r.mapping)
			if err != nil {
				r.drop("user", rep.Username, err)
				continue
			}
			users = append(users, u)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// GetUserByName looks the user up with an exact username search.
// Keycloak stores usernames lowercased, so the match is case-insensitive.
func (r *Resolver) GetUserByName(ctx context.Context, token, name string) (User, error) {
	q := url.Values{}
	q.Set("username", name)
	q.Set("exact", "true")
	q.Set("briefRepresentation", "false")

	var reps []userRepresentation
	if err := getJSON(ctx, r.client, "search users", r.cfg.AdminURL("users"), q, token, &reps); err != nil {
		return User{}, err
	}
	for _, rep := range reps {
		if !strings.EqualFold(rep.Username, name) {
			continue
		}
		u, err := rep.toUser(r.mapping)
		if errors.Is(err, ErrMissingAttribute) {
			r.logger.Debug("skipping unmapped user", "name", rep.Username, "error", err)
			continue
		}
		return u, err
	}
	return User{}, fmt.Errorf("user %q: %w", name, ErrNotFound)
}

// GetUserByUID pages through the realm and returns the first user whose
// mapped uid equals uid. Paging stops at the first match.
func (r *Resolver) GetUserByUID(ctx context.Context, token string, uid uint32) (User, error) {
	var (
		found    User
		matchErr error
		matched  bool
	)
	err := r.eachUserPage(ctx, token, func(page []userRepresentation) bool {
		for _, rep := range page {
			id, err := requiredID(rep.Username, rep.Attributes, r.mapping.UserUID)
			if err != nil || id != uid {
				continue
			}
			u, err := rep.toUser(r.mapping)
			if errors.Is(err, ErrMissingAttribute) {
				continue
			}
			found, matchErr, matched = u, err, true
			return false
		}
		return true
	})
	if err != nil {
		return User{}, err
	}
	if !matched {
		return User{}, fmt.Errorf("uid %d: %w", uid, ErrNotFound)
	}
	return found, matchErr
}

// eachUserPage counts the realm's users, then fetches them in batches of
// pageSize, calling fn for each page until fn returns false.
func (r *Resolver) eachUserPage(ctx context.Context, token string, fn func([]userRepresentation) bool) error {
	count, err := r.CountUsers(ctx, token)
	if err != nil {
		return err
	}
	for first := 0; first < count; first += pageSize {
		q := url.Values{}
		q.Set("briefRepresentation", "false")
		q.Set("first", strconv.Itoa(first))
		q.Set("max", strconv.Itoa(pageSize))

		var page []userRepresentation
		if err := getJSON(ctx, r.client, "list users", r.cfg.AdminURL("users"), q, token, &page); err != nil {
			return err
		}
		if len(page) == 0 || !fn(page) {
			return nil
		}
	}
	return nil
}
