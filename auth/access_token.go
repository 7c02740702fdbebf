package auth

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/ggoodman/sharedoc/internal/jwtauth"
)

// TokenOption adjusts how access tokens are validated.
type TokenOption func(*jwtauth.Config)

// WithRequiredScopes rejects tokens missing any of scopes.
func WithRequiredScopes(scopes ...string) TokenOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = slices.Clone(scopes)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope accepts tokens holding at least one of scopes.
func WithAnyRequiredScope(scopes ...string) TokenOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = slices.Clone(scopes)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs replaces the accepted signing algorithms (RS256 by
// default).
func WithAllowedAlgs(algs ...string) TokenOption {
	return func(c *jwtauth.Config) { c.AllowedAlgs = slices.Clone(algs) }
}

// WithLeeway tolerates clock skew when checking exp, nbf and iat.
func WithLeeway(d time.Duration) TokenOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts tokens minted for other audiences too,
// typically a local development URL.
func WithAdditionalAudiences(aud ...string) TokenOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, aud...)
	}
}

// WithUserClaim takes the user id from claim instead of "sub". Op metadata
// records this id as the author.
func WithUserClaim(claim string) TokenOption {
	return func(c *jwtauth.Config) { c.UserClaim = claim }
}

// WithoutAccessTokenType accepts tokens whose typ header is not "at+jwt".
func WithoutAccessTokenType() TokenOption {
	return func(c *jwtauth.Config) { c.RequireAccessTokenType = false }
}

// NewFromDiscovery verifies access tokens issued by issuer, locating its keys
// through OpenID Connect discovery. audience is the expected "aud" claim,
// usually the public WebSocket URL.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...TokenOption) (Authenticator, error) {
	cfg, err := tokenConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return verifier{v}, nil
}

// NewStatic is NewFromDiscovery for issuers without a discovery document.
func NewStatic(ctx context.Context, issuer, audience, jwksURI string, opts ...TokenOption) (Authenticator, error) {
	cfg, err := tokenConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewStatic(ctx, cfg, jwksURI)
	if err != nil {
		return nil, err
	}
	return verifier{v}, nil
}

func tokenConfig(issuer, audience string, opts []TokenOption) (*jwtauth.Config, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

type verifier struct{ v *jwtauth.Verifier }

func (a verifier) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	p, err := a.v.CheckAuthentication(ctx, tok)
	switch {
	case errors.Is(err, jwtauth.ErrInsufficientScope):
		return nil, errors.Join(ErrInsufficientScope, err)
	case err != nil:
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return p, nil
}
