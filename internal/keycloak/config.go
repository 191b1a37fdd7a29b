package keycloak

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nsskeycloak/internal/observability"
)

// DefaultRequestTimeout bounds every provider round trip when the
// configuration does not set one.
const DefaultRequestTimeout = 10 * time.Second

// ProviderConfig holds the connection settings for one Keycloak realm.
type ProviderConfig struct {
	URL          string
	Realm        string
	ClientID     string
	ClientSecret string

	// Username and Password are optional. When both are set the password
	// grant is used, otherwise the client credentials grant.
	Username string
	Password string

	// RequestTimeout bounds each HTTP round trip (default: DefaultRequestTimeout).
	RequestTimeout time.Duration

	// Discovery resolves the token endpoint from the realm's OpenID
	// configuration instead of deriving it from URL and Realm.
	Discovery bool
}

// UsesPasswordGrant reports whether user-bound credentials are configured.
func (c ProviderConfig) UsesPasswordGrant() bool {
	return c.Username != "" && c.Password != ""
}

// Issuer returns the realm issuer URL, {url}/realms/{realm}.
func (c ProviderConfig) Issuer() string {
	return strings.TrimSuffix(c.URL, "/") + "/realms/" + url.PathEscape(c.Realm)
}

// TokenURL returns the realm's token endpoint.
func (c ProviderConfig) TokenURL() string {
	return c.Issuer() + "/protocol/openid-connect/token"
}

// AdminURL returns {url}/admin/realms/{realm} followed by the escaped segments.
func (c ProviderConfig) AdminURL(segments ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(c.URL, "/"))
	b.WriteString("/admin/realms/")
	b.WriteString(url.PathEscape(c.Realm))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// AttributeMapping names the provider attributes that feed the fixed fields
// of passwd and group records.
type AttributeMapping struct {
	UserHome  string
	UserShell string
	UserGecos string
	UserUID   string
	UserGID   string
	GroupGID  string
}

// Option configures the clients in this package.
type Option func(*options)

type options struct {
	httpClient *http.Client
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func newOptions(cfg ProviderConfig, opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		o.httpClient = &http.Client{Timeout: timeout}
	}
	o.logger = observability.OrDefault(o.logger)
	return o
}

// WithHTTPClient sets the HTTP client used for provider requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithClock replaces time.Now, for tests that need to move time.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics collector. A nil collector records nothing.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
