package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testAudience = "wss://docs.example.com/channel"

type mockIssuer struct {
	srv      *httptest.Server
	issuer   string
	metaJWKS *string
}

// newMockIssuer serves OIDC discovery metadata and a JWKS. A non-nil
// jwksOverride replaces the advertised jwks_uri.
func newMockIssuer(t *testing.T, keysJSON []byte, jwksOverride *string) *mockIssuer {
	t.Helper()
	m := &mockIssuer{metaJWKS: jwksOverride}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		jwks := m.issuer + "/keys"
		if m.metaJWKS != nil {
			jwks = *m.metaJWKS
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 jwks,
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{testAudience}
	cfg.Leeway = 0
	return cfg
}

func claimsFor(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "editor-7",
		"aud":   testAudience,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "docs:read docs:write",
	}
}

func discover(t *testing.T, cfg *Config) *Verifier {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return v
}

func TestVerifier_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks, nil)
	v := discover(t, baseConfig(iss.issuer))

	ui, err := v.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claimsFor(iss.issuer)))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "editor-7" {
		t.Fatalf("want sub editor-7, got %s", ui.UserID())
	}
	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Scope != "docs:read docs:write" {
		t.Fatalf("scope roundtrip mismatch: %q", out.Scope)
	}
}

func TestVerifier_DiscoveryMissingJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	empty := ""
	iss := newMockIssuer(t, jwks, &empty)
	if _, err := NewFromDiscovery(context.Background(), baseConfig(iss.issuer)); err == nil {
		t.Fatal("expected error due to missing jwks_uri")
	}
}

func TestVerifier_Audiences(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks, nil)
	cfg := baseConfig(iss.issuer)
	cfg.ExpectedAudiences = append(cfg.ExpectedAudiences, "ws://localhost:7007/channel")
	v := discover(t, cfg)

	cases := []struct {
		name string
		aud  any
		ok   bool
	}{
		{"primary", testAudience, true},
		{"additional", "ws://localhost:7007/channel", true},
		{"array", []string{"https://other", testAudience}, true},
		{"unknown", "https://unknown", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := claimsFor(iss.issuer)
			claims["aud"] = tc.aud
			_, err := v.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims))
			if tc.ok && err != nil {
				t.Fatalf("check: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestVerifier_Scopes(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks, nil)

	all := baseConfig(iss.issuer)
	all.RequiredScopes = []string{"docs:write", "docs:admin"}
	tok := signToken(t, pk, kid, "at+jwt", claimsFor(iss.issuer))
	if _, err := discover(t, all).CheckAuthentication(context.Background(), tok); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope, got %v", err)
	}

	anyOf := baseConfig(iss.issuer)
	anyOf.RequiredScopes = []string{"docs:write", "docs:admin"}
	anyOf.ScopeModeAny = true
	if _, err := discover(t, anyOf).CheckAuthentication(context.Background(), tok); err != nil {
		t.Fatalf("any-of scopes: %v", err)
	}
}

func TestVerifier_Rejections(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks, nil)
	v := discover(t, baseConfig(iss.issuer))

	wrongIssuer := claimsFor(iss.issuer)
	wrongIssuer["iss"] = "https://evil.example.com"
	expired := claimsFor(iss.issuer)
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	noSub := claimsFor(iss.issuer)
	delete(noSub, "sub")

	cases := []struct {
		name string
		tok  string
	}{
		{"empty", ""},
		{"wrong typ", signToken(t, pk, kid, "JWT", claimsFor(iss.issuer))},
		{"issuer mismatch", signToken(t, pk, kid, "at+jwt", wrongIssuer)},
		{"expired", signToken(t, pk, kid, "at+jwt", expired)},
		{"missing sub", signToken(t, pk, kid, "at+jwt", noSub)},
		{"garbage", "not.a.token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.CheckAuthentication(context.Background(), tc.tok); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestVerifier_Static(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks, nil)

	if _, err := NewStatic(context.Background(), baseConfig("https://issuer.example"), ""); err == nil {
		t.Fatal("expected error without jwks uri")
	}

	cfg := baseConfig("https://issuer.example")
	cfg.RequireAccessTokenType = false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewStatic(ctx, cfg, iss.issuer+"/keys")
	if err != nil {
		t.Fatalf("new static: %v", err)
	}

	ui, err := v.CheckAuthentication(ctx, signToken(t, pk, kid, "JWT", claimsFor("https://issuer.example")))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "editor-7" {
		t.Fatalf("unexpected subject %q", ui.UserID())
	}
}

func TestVerifier_UserClaimAndScp(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks, nil)
	cfg := baseConfig(iss.issuer)
	cfg.UserClaim = "preferred_username"
	cfg.RequiredScopes = []string{"docs:write"}
	v := discover(t, cfg)

	claims := claimsFor(iss.issuer)
	delete(claims, "scope")
	claims["scp"] = []string{"docs:read", "docs:write"}
	claims["preferred_username"] = "alice"
	p, err := v.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if p.UserID() != "alice" || len(p.Scopes) != 2 {
		t.Fatalf("unexpected principal %+v", p)
	}

	delete(claims, "preferred_username")
	if _, err := v.CheckAuthentication(context.Background(), signToken(t, pk, kid, "at+jwt", claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized without the user claim, got %v", err)
	}
}
