package oauth2server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/risedotdev/rise/pkg/auth"
)

// Both state families are one-time-use with a 10-minute TTL.
const (
	flowStateTTL = 10 * time.Minute
	authCodeTTL  = 10 * time.Minute
)

// flowState remembers a caller's authorize request across the upstream
// round trip.
type flowState struct {
	ProjectName          string `json:"project_name"`
	ExtensionName        string `json:"extension_name"`
	UpstreamCodeVerifier string `json:"upstream_code_verifier"`

	ClientRedirectURI     string `json:"client_redirect_uri"`
	ClientState           string `json:"client_state,omitempty"`
	ClientCodeChallenge   string `json:"client_code_challenge,omitempty"`
	ClientChallengeMethod string `json:"client_challenge_method,omitempty"`
}

// codeState binds a minted authorization code to the encrypted upstream
// tokens it redeems for.
type codeState struct {
	ProjectName   string `json:"project_name"`
	ExtensionName string `json:"extension_name"`

	EncryptedAccessToken  string `json:"encrypted_access_token"`
	EncryptedRefreshToken string `json:"encrypted_refresh_token,omitempty"`
	EncryptedIDToken      string `json:"encrypted_id_token,omitempty"`
	ExpiresIn             int64  `json:"expires_in,omitempty"`
	Scope                 string `json:"scope,omitempty"`

	ClientCodeChallenge   string `json:"client_code_challenge,omitempty"`
	ClientChallengeMethod string `json:"client_challenge_method,omitempty"`
}

func putJSON(ctx context.Context, cache auth.StateCache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	return cache.Set(ctx, key, raw, ttl)
}

// takeJSON consumes the entry; the caller never reads the same key twice.
func takeJSON(ctx context.Context, cache auth.StateCache, key string, out any) error {
	raw, err := cache.GetDel(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
