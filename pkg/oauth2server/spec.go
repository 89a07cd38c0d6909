// Package oauth2server makes Rise act as an RFC 6749 authorization server
// for project apps that re-delegate an upstream provider: the app never
// sees the upstream client credentials, only tokens re-issued through the
// /oidc/{project}/{extension} surface.
package oauth2server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/risedotdev/rise/pkg/encryption"
)

// ExtensionType tags the extension rows this server (and the matching
// provider loop) owns.
const ExtensionType = "oauth"

// ExtensionSpec is the user-declared desired state of an oauth extension.
// The upstream client secret arrives either as an environment variable
// reference or encrypted at rest in the spec itself. The Rise client pair
// is written by the provider loop, never by the user.
type ExtensionSpec struct {
	Provider              string   `json:"provider"`
	AuthorizeURL          string   `json:"authorize_url"`
	TokenURL              string   `json:"token_url"`
	ClientID              string   `json:"client_id"`
	ClientSecretEnv       string   `json:"client_secret_env,omitempty"`
	ClientSecretEncrypted string   `json:"client_secret_encrypted,omitempty"`
	Scopes                []string `json:"scopes,omitempty"`

	RiseClientID              string `json:"rise_client_id,omitempty"`
	RiseClientSecretEncrypted string `json:"rise_client_secret_encrypted,omitempty"`
}

// ParseSpec decodes and sanity-checks an oauth extension spec.
func ParseSpec(raw []byte) (*ExtensionSpec, error) {
	var spec ExtensionSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decoding oauth spec: %w", err)
	}
	if spec.AuthorizeURL == "" || spec.TokenURL == "" {
		return nil, fmt.Errorf("oauth spec requires authorize_url and token_url")
	}
	if spec.ClientID == "" {
		return nil, fmt.Errorf("oauth spec requires client_id")
	}
	if spec.ClientSecretEnv == "" && spec.ClientSecretEncrypted == "" {
		return nil, fmt.Errorf("oauth spec requires client_secret_env or client_secret_encrypted")
	}
	return &spec, nil
}

// UpstreamClientSecret resolves the upstream provider's client secret from
// whichever storage form the spec uses.
func (s *ExtensionSpec) UpstreamClientSecret(ctx context.Context, enc encryption.Encryptor) (string, error) {
	if s.ClientSecretEnv != "" {
		v := os.Getenv(s.ClientSecretEnv)
		if v == "" {
			return "", fmt.Errorf("client secret env %s is unset", s.ClientSecretEnv)
		}
		return v, nil
	}
	secret, err := encryption.DecryptString(ctx, enc, s.ClientSecretEncrypted)
	if err != nil {
		return "", fmt.Errorf("decrypting upstream client secret: %w", err)
	}
	return secret, nil
}

// RiseClientSecret resolves the Rise-issued confidential client secret,
// or "" when none has been provisioned.
func (s *ExtensionSpec) RiseClientSecret(ctx context.Context, enc encryption.Encryptor) (string, error) {
	if s.RiseClientSecretEncrypted == "" {
		return "", nil
	}
	secret, err := encryption.DecryptString(ctx, enc, s.RiseClientSecretEncrypted)
	if err != nil {
		return "", fmt.Errorf("decrypting rise client secret: %w", err)
	}
	return secret, nil
}
