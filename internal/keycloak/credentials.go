package keycloak

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryBuffer is subtracted from every lifetime the provider reports,
// so a token is never presented right at its expiry.
const tokenExpiryBuffer = 3 * time.Second

// Grant type names as sent in grant_type.
const (
	GrantPassword          = "password"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

// Credentials obtains tokens from the provider. *CredentialClient is the
// production implementation.
type Credentials interface {
	Grant(ctx context.Context) (Token, error)
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// CredentialClient talks to the realm's token endpoint.
type CredentialClient struct {
	cfg      ProviderConfig
	tokenURL string
	opts     options
}

// NewCredentialClient returns a client for cfg. When cfg.Discovery is set the
// token endpoint is resolved from the realm's OpenID configuration, which
// makes one request bounded by ctx.
func NewCredentialClient(ctx context.Context, cfg ProviderConfig, opts ...Option) (*CredentialClient, error) {
	o := newOptions(cfg, opts)
	tokenURL := cfg.TokenURL()
	if cfg.Discovery {
		discovered, err := DiscoverTokenURL(ctx, cfg, o.httpClient)
		if err != nil {
			return nil, err
		}
		tokenURL = discovered
	}
	o.logger.Debug("token endpoint configured", "token_url", tokenURL, "password_grant", cfg.UsesPasswordGrant())
	return &CredentialClient{cfg: cfg, tokenURL: tokenURL, opts: o}, nil
}

// TokenURL returns the endpoint used for grants and refreshes.
func (c *CredentialClient) TokenURL() string { return c.tokenURL }

// GrantType returns the grant Grant will use.
func (c *CredentialClient) GrantType() string {
	if c.cfg.UsesPasswordGrant() {
		return GrantPassword
	}
	return GrantClientCredentials
}

// Grant obtains a fresh token pair: password grant when a username and
// password are configured, client credentials grant otherwise.
func (c *CredentialClient) Grant(ctx context.Context) (Token, error) {
	grant := c.GrantType()
	requestTime := c.opts.now()
	ctx = c.clientContext(ctx)

	var (
		tok *oauth2.Token
		err error
	)
	if grant == GrantPassword {
		tok, err = c.oauthConfig().PasswordCredentialsToken(ctx, c.cfg.Username, c.cfg.Password)
	} else {
		cc := clientcredentials.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			TokenURL:     c.tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tok, err = cc.Token(ctx)
	}
	return c.finish(grant, tok, err, requestTime)
}

// Refresh exchanges refreshToken for a fresh token pair.
func (c *CredentialClient) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	requestTime := c.opts.now()
	ctx = c.clientContext(ctx)
	tok, err := c.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	return c.finish(GrantRefreshToken, tok, err, requestTime)
}

func (c *CredentialClient) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (c *CredentialClient) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.opts.httpClient)
}

func (c *CredentialClient) finish(grant string, tok *oauth2.Token, err error, requestTime time.Time) (Token, error) {
	if err == nil {
		var t Token
		t, err = formatToken(tok, requestTime)
		if err == nil {
			c.opts.metrics.RecordTokenRequest(grant, nil)
			c.opts.logger.Debug("token obtained", "grant", grant,
				"access_expiry", t.AccessExpiry, "refresh_expiry", t.RefreshExpiry)
			return t, nil
		}
	}
	err = &AuthError{Grant: grant, Err: classifyTokenError(err)}
	c.opts.metrics.RecordTokenRequest(grant, err)
	c.opts.logger.Warn("token request failed", "grant", grant, "error", err)
	return Token{}, err
}

// formatToken converts a token endpoint response into a Token. Expiries are
// measured from requestTime, sampled before the request was sent.
func formatToken(tok *oauth2.Token, requestTime time.Time) (Token, error) {
	if tok == nil || tok.AccessToken == "" {
		return Token{}, errors.New("response has no access_token")
	}
	expiresIn, ok := extraSeconds(tok, "expires_in")
	if !ok {
		return Token{}, errors.New("response has no valid expires_in")
	}
	refreshExpiresIn, _ := extraSeconds(tok, "refresh_expires_in")

	// The oauth2 package carries the old refresh token forward when the
	// response omits one, so read the raw field instead.
	refreshToken, _ := tok.Extra("refresh_token").(string)

	return Token{
		AccessToken:   tok.AccessToken,
		AccessExpiry:  requestTime.Add(expiresIn).Add(-tokenExpiryBuffer),
		RefreshToken:  refreshToken,
		RefreshExpiry: requestTime.Add(refreshExpiresIn).Add(-tokenExpiryBuffer),
	}, nil
}

// extraSeconds reads a lifetime field from the raw response. JSON bodies
// decode numbers as float64, form bodies as strings.
func extraSeconds(tok *oauth2.Token, key string) (time.Duration, bool) {
	var secs float64
	switch v := tok.Extra(key).(type) {
	case float64:
		secs = v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		secs = f
	default:
		return 0, false
	}
	if secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func classifyTokenError(err error) error {
	var transportErr *TransportError
	var protocolErr *ProtocolError
	if errors.As(err, &transportErr) || errors.As(err, &protocolErr) {
		return err
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		detail := retrieveErr.ErrorCode
		if detail == "" {
			detail = "token request rejected"
		}
		return &ProtocolError{Op: "token", StatusCode: status, Err: errors.New(detail)}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &TransportError{Op: "token", Err: err}
	}
	return &ProtocolError{Op: "token", Err: err}
}

var _ Credentials = (*CredentialClient)(nil)
