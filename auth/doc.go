// Package auth checks the credential a client presents in its first "auth"
// message. Credentials are JWT access tokens issued by an external OAuth 2.0
// / OIDC authorization server.
//
// An Authenticator validates a token string and returns a UserInfo or an
// error. Mapping that outcome onto a session identity is the caller's job.
//
// # Access Token Authentication
//
// NewFromDiscovery validates RFC 9068 access tokens using OpenID Connect
// discovery to find the issuer's JWKS. NewStatic skips discovery and takes
// the JWKS URL directly. Both accept functional options for scopes, allowed
// algorithms and clock-skew leeway.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "wss://docs.example/channel",
//	    auth.WithRequiredScopes("docs:write"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	ui, err := authn.CheckAuthentication(ctx, token)
//	if errors.Is(err, auth.ErrUnauthorized) { /* reject */ }
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals a valid token missing required scopes.
package auth
