package nss

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"nsskeycloak/internal/keycloak"
	"nsskeycloak/internal/observability"
)

// placeholderPasswd marks the password field as stored elsewhere.
const placeholderPasswd = "x"

// TokenSource supplies a valid access token. *keycloak.TokenManager
// implements it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Directory resolves identities with an access token. *keycloak.Resolver
// implements it.
type Directory interface {
	ListUsers(ctx context.Context, token string) ([]keycloak.User, error)
	GetUserByName(ctx context.Context, token, name string) (keycloak.User, error)
	GetUserByUID(ctx context.Context, token string, uid uint32) (keycloak.User, error)
	ListGroups(ctx context.Context, token string) ([]keycloak.Group, error)
	GetGroupByName(ctx context.Context, token, name string) (keycloak.Group, error)
	GetGroupByGID(ctx context.Context, token string, gid uint32) (keycloak.Group, error)
}

// Service answers passwd and group queries from the provider. The hook
// methods run with a background context bounded by the configured timeout;
// the ...Context variants take the caller's context.
type Service struct {
	tokens  TokenSource
	dir     Directory
	logger  *slog.Logger
	metrics *observability.Metrics
	timeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTimeout bounds each lookup, token acquisition included.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// NewService creates a Service.
func NewService(tokens TokenSource, dir Directory, opts ...Option) *Service {
	s := &Service{tokens: tokens, dir: dir}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.OrDefault(s.logger)
	return s
}

var (
	_ PasswdHooks = (*Service)(nil)
	_ GroupHooks  = (*Service)(nil)
)

func (s *Service) AllPasswd() Response[[]Passwd] {
	return s.AllPasswdContext(context.Background())
}

func (s *Service) PasswdByName(name string) Response[Passwd] {
	return s.PasswdByNameContext(context.Background(), name)
}

func (s *Service) PasswdByUID(uid uint32) Response[Passwd] {
	return s.PasswdByUIDContext(context.Background(), uid)
}

func (s *Service) AllGroups() Response[[]Group] {
	return s.AllGroupsContext(context.Background())
}

func (s *Service) GroupByName(name string) Response[Group] {
	return s.GroupByNameContext(context.Background(), name)
}

func (s *Service) GroupByGID(gid uint32) Response[Group] {
	return s.GroupByGIDContext(context.Background(), gid)
}

// AllPasswdContext lists every mappable user.
func (s *Service) AllPasswdContext(ctx context.Context) Response[[]Passwd] {
	return lookup(ctx, s, "passwd", "all", func(ctx context.Context, token string) ([]Passwd, error) {
		users, err := s.dir.ListUsers(ctx, token)
		if err != nil {
			return nil, err
		}
		out := make([]Passwd, 0, len(users))
		for _, u := range users {
			out = append(out, passwdFrom(u))
		}
		return out, nil
	})
}

// PasswdByNameContext looks a user up by login name.
func (s *Service) PasswdByNameContext(ctx context.Context, name string) Response[Passwd] {
	return lookup(ctx, s, "passwd", "by_name", func(ctx context.Context, token string) (Passwd, error) {
		u, err := s.dir.GetUserByName(ctx, token, name)
		return passwdFrom(u), err
	})
}

// PasswdByUIDContext looks a user up by uid.
func (s *Service) PasswdByUIDContext(ctx context.Context, uid uint32) Response[Passwd] {
	return lookup(ctx, s, "passwd", "by_uid", func(ctx context.Context, token string) (Passwd, error) {
		u, err := s.dir.GetUserByUID(ctx, token, uid)
		return passwdFrom(u), err
	})
}

// AllGroupsContext lists every mappable group with its members.
func (s *Service) AllGroupsContext(ctx context.Context) Response[[]Group] {
	return lookup(ctx, s, "group", "all", func(ctx context.Context, token string) ([]Group, error) {
		groups, err := s.dir.ListGroups(ctx, token)
		if err != nil {
			return nil, err
		}
		out := make([]Group, 0, len(groups))
		for _, g := range groups {
			out = append(out, groupFrom(g))
		}
		return out, nil
	})
}

// GroupByNameContext looks a group up by name.
func (s *Service) GroupByNameContext(ctx context.Context, name string) Response[Group] {
	return lookup(ctx, s, "group", "by_name", func(ctx context.Context, token string) (Group, error) {
		g, err := s.dir.GetGroupByName(ctx, token, name)
		return groupFrom(g), err
	})
}

// GroupByGIDContext looks a group up by gid.
func (s *Service) GroupByGIDContext(ctx context.Context, gid uint32) Response[Group] {
	return lookup(ctx, s, "group", "by_gid", func(ctx context.Context, token string) (Group, error) {
		g, err := s.dir.GetGroupByGID(ctx, token, gid)
		return groupFrom(g), err
	})
}

func lookup[T any](ctx context.Context, s *Service, database, operation string, fn func(context.Context, string) (T, error)) Response[T] {
	start := time.Now()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx = observability.WithComponent(ctx, "nss")

	var value T
	token, err := s.tokens.AccessToken(ctx)
	if err == nil {
		value, err = fn(ctx, token)
	}
	status := StatusFor(err)
	s.metrics.RecordLookup(database, operation, status.String(), time.Since(start))

	switch status {
	case Success:
		return Response[T]{Status: Success, Value: value}
	case NotFound:
		s.logger.DebugContext(ctx, "lookup found nothing", "database", database, "operation", operation)
	default:
		s.logger.ErrorContext(ctx, "lookup failed",
			"database", database, "operation", operation, "status", status.String(), "error", err)
	}
	var zero T
	return Response[T]{Status: status, Value: zero}
}

// StatusFor maps a lookup error to its outcome code. Token and transport
// failures are worth retrying; protocol and mapping failures are not.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, keycloak.ErrNotFound):
		return NotFound
	case keycloak.IsTransient(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return TryAgain
	default:
		return Unavail
	}
}

func passwdFrom(u keycloak.User) Passwd {
	return Passwd{
		Name:   u.Username,
		Passwd: placeholderPasswd,
		UID:    u.UID,
		GID:    u.GID,
		Gecos:  u.Gecos,
		Dir:    u.HomeDir,
		Shell:  u.Shell,
	}
}

func groupFrom(g keycloak.Group) Group {
	return Group{
		Name:    g.Name,
		Passwd:  placeholderPasswd,
		GID:     g.GID,
		Members: g.Members,
	}
}
