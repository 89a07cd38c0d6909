package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// oidcScopes is the fixed scope set requested from the IdP.
var oidcScopes = []string{oidc.ScopeOpenID, "email", "profile", "offline_access"}

// IdPClaims are the id_token claims the platform consumes.
type IdPClaims struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email"`
	Name    string   `json:"name"`
	Groups  []string `json:"groups"`
}

// IdPClient wraps discovery, the code exchange, and id_token verification
// against one upstream identity provider.
type IdPClient struct {
	issuer       string
	clientID     string
	clientSecret string
	redirectURL  string
	endpoint     oauth2.Endpoint
	verifier     *oidc.IDTokenVerifier
}

// NewIdPClient discovers the issuer's endpoints, falling back to
// {issuer}/authorize and {issuer}/token with a JWKS at {issuer}/keys when
// the discovery document is unavailable.
func NewIdPClient(ctx context.Context, logger *slog.Logger, issuer, clientID, clientSecret, redirectURL string) (*IdPClient, error) {
	c := &IdPClient{
		issuer:       issuer,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		logger.Warn("oidc discovery failed, falling back to conventional endpoints",
			"issuer", issuer, "error", err)
		base := strings.TrimRight(issuer, "/")
		c.endpoint = oauth2.Endpoint{AuthURL: base + "/authorize", TokenURL: base + "/token"}
		keySet := oidc.NewRemoteKeySet(ctx, base+"/keys")
		c.verifier = oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: clientID})
		return c, nil
	}

	c.endpoint = provider.Endpoint()
	c.verifier = provider.Verifier(&oidc.Config{ClientID: clientID})
	return c, nil
}

func (c *IdPClient) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  c.redirectURL,
		Endpoint:     c.endpoint,
		Scopes:       oidcScopes,
	}
}

// AuthCodeURL builds the IdP authorize redirect carrying the S256 PKCE
// challenge.
func (c *IdPClient) AuthCodeURL(state, codeChallenge string) string {
	return c.oauth2Config().AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange posts the authorization code and PKCE verifier to the token
// endpoint and verifies the returned id_token against the issuer's JWKS.
// The exchange is not retried; a failure surfaces to the user.
func (c *IdPClient) Exchange(ctx context.Context, code, codeVerifier string) (*IdPClaims, error) {
	token, err := c.oauth2Config().Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("token response contained no id_token")
	}

	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verifying id_token: %w", err)
	}

	var claims IdPClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding id_token claims: %w", err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("id_token carries no email claim")
	}
	return &claims, nil
}
