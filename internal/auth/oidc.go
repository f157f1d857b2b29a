package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCAuthenticator is the optional external-identity login path named
// by the /users/oidc-config and OIDC-callback public paths.
// It is grounded on the same coreos/go-oidc provider/verifier pair the
// teacher's internal/middleware/oidc.go uses for bearer-token
// verification, paired with golang.org/x/oauth2 for the authorization
// code exchange a login flow needs that a bearer-only verifier
// doesn't. A verified ID token's subject is handed to Gate.LoginOIDC,
// which issues this server's own JWT — OIDC here authenticates the
// user once at login, it never replaces the local bearer token.
type OIDCAuthenticator struct {
	verifier *oidc.IDTokenVerifier
	oauth2   oauth2.Config
	gate     *Gate
}

// NewOIDCAuthenticator discovers issuer's provider metadata and builds
// an authenticator that exchanges authorization codes for ID tokens
// and completes login against gate. Returns an error if discovery
// fails, so callers should treat OIDC as optional and skip this
// constructor entirely when issuer is unconfigured.
func NewOIDCAuthenticator(ctx context.Context, issuer, clientID, clientSecret, redirectURL string, gate *Gate) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to init oidc provider: %w", err)
	}

	return &OIDCAuthenticator{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		oauth2: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		gate: gate,
	}, nil
}

// AuthCodeURL returns the provider URL the browser should be
// redirected to, embedding state for CSRF protection on return.
func (o *OIDCAuthenticator) AuthCodeURL(state string) string {
	return o.oauth2.AuthCodeURL(state)
}

// HandleCallback exchanges an authorization code for tokens, verifies
// the ID token, and completes login for the linked local account.
func (o *OIDCAuthenticator) HandleCallback(ctx context.Context, code string) (LoginResult, error) {
	token, err := o.oauth2.Exchange(ctx, code)
	if err != nil {
		return LoginResult{}, fmt.Errorf("token exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return LoginResult{}, fmt.Errorf("token response missing id_token")
	}

	idToken, err := o.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return LoginResult{}, fmt.Errorf("id token verification failed: %w", err)
	}

	return o.gate.LoginOIDC(ctx, idToken.Subject)
}
