package keycloak

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// tokenAlgorithms are the signature algorithms Keycloak realms issue.
var tokenAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.EdDSA,
}

// TokenClaims is the diagnostic view of an access token.
type TokenClaims struct {
	Subject           string
	Issuer            string
	Audience          []string
	AuthorizedParty   string
	PreferredUsername string
	Scope             string
	RealmRoles        []string
	IssuedAt          time.Time
	Expiry            time.Time
}

// InspectToken decodes the claims of a JWT access token WITHOUT verifying
// its signature. The result is for display only and must not be used for
// any trust decision.
func InspectToken(raw string) (TokenClaims, error) {
	parsed, err := jwt.ParseSigned(raw, tokenAlgorithms)
	if err != nil {
		return TokenClaims{}, fmt.Errorf("parse access token: %w", err)
	}

	var std jwt.Claims
	var extra struct {
		AuthorizedParty   string `json:"azp"`
		PreferredUsername string `json:"preferred_username"`
		Scope             string `json:"scope"`
		RealmAccess       struct {
			Roles []string `json:"roles"`
		} `json:"realm_access"`
	}
	if err := parsed.UnsafeClaimsWithoutVerification(&std, &extra); err != nil {
		return TokenClaims{}, fmt.Errorf("decode access token claims: %w", err)
	}

	c := TokenClaims{
		Subject:           std.Subject,
		Issuer:            std.Issuer,
		Audience:          []string(std.Audience),
		AuthorizedParty:   extra.AuthorizedParty,
		PreferredUsername: extra.PreferredUsername,
		Scope:             extra.Scope,
		RealmRoles:        extra.RealmAccess.Roles,
	}
	if std.IssuedAt != nil {
		c.IssuedAt = std.IssuedAt.Time()
	}
	if std.Expiry != nil {
		c.Expiry = std.Expiry.Time()
	}
	return c, nil
}
