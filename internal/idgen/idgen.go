// Package idgen centralizes the random identifier and token generation used
// throughout Rise: entity UUIDs, human-readable deployment IDs, PKCE
// material, and opaque bearer tokens.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh random entity identifier.
func NewID() uuid.UUID {
	return uuid.New()
}

// randomBytes returns n cryptographically random bytes, panicking only if
// the platform CSPRNG itself is unavailable (a condition no caller can
// usefully recover from).
func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("idgen: reading random bytes: %v", err))
	}
	return b
}

// base64URLNoPad encodes b as unpadded base64url, the shared alphabet of
// every token this package mints (code_verifier, state, authorization
// codes).
func base64URLNoPad(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// CodeVerifier generates a PKCE code_verifier: 48 random bytes, base64url
// without padding (64 characters).
func CodeVerifier() string {
	return base64URLNoPad(randomBytes(48))
}

// CodeChallengeS256 computes the PKCE S256 code_challenge for a verifier.
func CodeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64URLNoPad(sum[:])
}

// State generates a PKCE/OAuth2 state token: 32 random bytes, base64url
// without padding (43 characters).
func State() string {
	return base64URLNoPad(randomBytes(32))
}

// AuthorizationCode generates a one-time OAuth2 authorization code for
// the token re-issuance surface: random 32 bytes, base64url.
func AuthorizationCode() string {
	return base64URLNoPad(randomBytes(32))
}

// CompletedAuthSessionToken generates the one-time token used to bridge a
// main-domain callback to a custom-domain cookie set.
func CompletedAuthSessionToken() string {
	return base64URLNoPad(randomBytes(32))
}

// DeploymentID formats a human-readable deployment identifier as
// YYYYMMDD-HHMMSS-xxxx. The bare timestamp can collide when two
// deployments land in the same second; the random suffix disambiguates.
func DeploymentID(now time.Time) string {
	suffix := hex.EncodeToString(randomBytes(2))
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), suffix)
}

// RawToken generates a generic opaque bearer token of n random bytes,
// hex-encoded, for use by callers (e.g. Rise-issued OAuth2 client secrets)
// that don't need the base64url alphabet.
func RawToken(n int) string {
	return hex.EncodeToString(randomBytes(n))
}

// HashToken returns a stable, irreversible SHA-256 hex digest of a raw
// token, suitable for storing the lookup key of a secret without storing
// the secret itself (personal access tokens, Rise-issued client secrets).
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// FinalizerName builds the opaque finalizer string an extension provider
// attaches to a project: "rise.dev/extension/{provider_type}/{name}".
func FinalizerName(providerType, extensionName string) string {
	return fmt.Sprintf("rise.dev/extension/%s/%s", providerType, extensionName)
}
