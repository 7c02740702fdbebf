// Package jwtauth verifies JWT access tokens presented in a client's auth
// message against an issuer's published signing keys.
package jwtauth

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized wraps every reason a token is not trusted.
	ErrUnauthorized = errors.New("jwtauth: unauthorized")
	// ErrInsufficientScope is returned for a trusted token lacking the
	// configured scopes.
	ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")
)

// maxIssuedAhead bounds how far in the future (beyond Leeway) an iat claim
// may lie.
const maxIssuedAhead = 5 * time.Minute

// Config controls token validation.
type Config struct {
	Issuer string
	// ExpectedAudiences lists every accepted "aud" value. A token must carry
	// at least one of them.
	ExpectedAudiences []string
	RequiredScopes    []string
	// ScopeModeAny accepts a token holding any one of RequiredScopes instead
	// of all of them.
	ScopeModeAny bool
	AllowedAlgs  []string
	Leeway       time.Duration
	// RequireAccessTokenType enforces the RFC 9068 "at+jwt" typ header.
	RequireAccessTokenType bool
	// UserClaim names the string claim used as the user id. Empty means
	// "sub".
	UserClaim string
}

// DefaultConfig accepts RS256 tokens of type at+jwt with a minute of clock
// skew.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:            []string{"RS256"},
		Leeway:                 time.Minute,
		RequireAccessTokenType: true,
		UserClaim:              "sub",
	}
}

// Principal is the user named by a verified token.
type Principal struct {
	ID     string
	Scopes []string
	claims jwt.MapClaims
}

func (p *Principal) UserID() string { return p.ID }

// Claims decodes the full claim set into ref.
func (p *Principal) Claims(ref any) error {
	raw, err := json.Marshal(p.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, ref)
}

// Verifier checks tokens signed by keys from a JWKS.
type Verifier struct {
	cfg     Config
	issuer  string
	keyfunc jwt.Keyfunc
	now     func() time.Time
}

// NewFromDiscovery reads the issuer's OpenID configuration to locate its
// JWKS. Keys are refreshed in the background until ctx is done.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", cfg.Issuer, err)
	}
	var doc struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.JwksURI == "" {
		return nil, fmt.Errorf("discovery document of %s has no jwks_uri", cfg.Issuer)
	}
	issuer := cmp.Or(doc.Issuer, cfg.Issuer)
	return newVerifier(ctx, cfg, issuer, doc.JwksURI)
}

// NewStatic skips discovery and loads keys from jwksURI directly.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Verifier, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	return newVerifier(ctx, cfg, cfg.Issuer, jwksURI)
}

func checkConfig(cfg *Config) error {
	switch {
	case cfg == nil:
		return errors.New("config is required")
	case cfg.Issuer == "":
		return errors.New("issuer is required")
	case len(cfg.ExpectedAudiences) == 0:
		return errors.New("at least one expected audience required")
	}
	return nil
}

func newVerifier(ctx context.Context, cfg *Config, issuer, jwksURI string) (*Verifier, error) {
	keys, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("load jwks %s: %w", jwksURI, err)
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	c.UserClaim = cmp.Or(c.UserClaim, "sub")
	return &Verifier{
		cfg:     c,
		issuer:  issuer,
		keyfunc: keys.Keyfunc,
		now:     time.Now,
	}, nil
}

// CheckAuthentication verifies tok and returns the user it names. Failures
// wrap ErrUnauthorized or ErrInsufficientScope.
func (v *Verifier) CheckAuthentication(ctx context.Context, tok string) (*Principal, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, v.keyfunc,
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if err := v.checkClaims(parsed.Header, claims); err != nil {
		return nil, err
	}

	scopes := scopesOf(claims)
	if !v.scopesSatisfied(scopes) {
		return nil, ErrInsufficientScope
	}

	id, _ := claims[v.cfg.UserClaim].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrUnauthorized, v.cfg.UserClaim)
	}
	return &Principal{ID: id, Scopes: scopes, claims: claims}, nil
}

func (v *Verifier) checkClaims(header map[string]any, claims jwt.MapClaims) error {
	if v.cfg.RequireAccessTokenType {
		typ, _ := header["typ"].(string)
		if !strings.EqualFold(strings.TrimPrefix(typ, "application/"), "at+jwt") {
			return fmt.Errorf("%w: typ %q is not at+jwt", ErrUnauthorized, typ)
		}
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(v.cfg.ExpectedAudiences, a) }) {
		return fmt.Errorf("%w: audience %v not accepted", ErrUnauthorized, []string(aud))
	}

	iat, err := claims.GetIssuedAt()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if iat != nil && iat.After(v.now().Add(v.cfg.Leeway+maxIssuedAhead)) {
		return fmt.Errorf("%w: issued in the future", ErrUnauthorized)
	}
	return nil
}

func (v *Verifier) scopesSatisfied(have []string) bool {
	held := func(s string) bool { return slices.Contains(have, s) }
	switch {
	case len(v.cfg.RequiredScopes) == 0:
		return true
	case v.cfg.ScopeModeAny:
		return slices.ContainsFunc(v.cfg.RequiredScopes, held)
	}
	for _, s := range v.cfg.RequiredScopes {
		if !held(s) {
			return false
		}
	}
	return true
}

// scopesOf reads the space-delimited "scope" claim, falling back to the
// "scp" array some issuers emit.
func scopesOf(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	list, _ := claims["scp"].([]any)
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
