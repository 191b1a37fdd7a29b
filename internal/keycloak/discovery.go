package keycloak

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// DiscoverTokenURL fetches {issuer}/.well-known/openid-configuration and
// returns its token_endpoint.
func DiscoverTokenURL(ctx context.Context, cfg ProviderConfig, hc *http.Client) (string, error) {
	if hc != nil {
		ctx = gooidc.ClientContext(ctx, hc)
	}
	provider, err := gooidc.NewProvider(ctx, cfg.Issuer())
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return "", &TransportError{Op: "discovery", Err: err}
		}
		return "", &ProtocolError{Op: "discovery", Err: err}
	}
	tokenURL := provider.Endpoint().TokenURL
	if tokenURL == "" {
		return "", &ProtocolError{Op: "discovery", Err: errors.New("provider metadata has no token_endpoint")}
	}
	return tokenURL, nil
}
