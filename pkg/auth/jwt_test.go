package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	secret := base64.StdEncoding.EncodeToString(make([]byte, 32))
	ti, err := NewTokenIssuer("https://rise.dev", time.Hour, "", secret)
	require.NoError(t, err)
	return ti
}

func TestNewTokenIssuerRejectsShortSecret(t *testing.T) {
	short := base64.StdEncoding.EncodeToString(make([]byte, 16))
	_, err := NewTokenIssuer("https://rise.dev", time.Hour, "", short)
	require.Error(t, err)
}

func TestPlatformTokenRoundTrip(t *testing.T) {
	ti := testIssuer(t)

	token, err := ti.MintPlatformToken(PlatformClaims{
		Subject: "u1", Email: "alice@example.com", Name: "Alice",
	})
	require.NoError(t, err)

	claims, err := ti.VerifyPlatformToken(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.Equal(t, "alice@example.com", claims.Email)
	require.Equal(t, "Alice", claims.Name)
}

func TestIngressTokenRoundTrip(t *testing.T) {
	ti := testIssuer(t)

	token, err := ti.MintIngressToken(IngressClaims{
		Subject: "u1", Email: "alice@example.com", Project: "app",
	})
	require.NoError(t, err)

	claims, err := ti.VerifyIngressToken(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.Equal(t, "alice@example.com", claims.Email)
	require.Equal(t, "app", claims.Project)
}

func TestIngressTokenRequiresProject(t *testing.T) {
	ti := testIssuer(t)
	_, err := ti.MintIngressToken(IngressClaims{Subject: "u1", Email: "a@b.c"})
	require.Error(t, err)
}

func TestTokenFamiliesAreNotInterchangeable(t *testing.T) {
	ti := testIssuer(t)

	platform, err := ti.MintPlatformToken(PlatformClaims{Subject: "u1", Email: "a@b.c"})
	require.NoError(t, err)
	ingress, err := ti.MintIngressToken(IngressClaims{Subject: "u1", Email: "a@b.c", Project: "app"})
	require.NoError(t, err)

	_, err = ti.VerifyIngressToken(platform)
	require.Error(t, err, "platform token must fail ingress verification")

	_, err = ti.VerifyPlatformToken(ingress)
	require.Error(t, err, "ingress token must fail platform verification")
}

func TestExpiredTokensRejected(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString(make([]byte, 32))
	ti, err := NewTokenIssuer("https://rise.dev", -time.Hour, "", secret)
	require.NoError(t, err)

	platform, err := ti.MintPlatformToken(PlatformClaims{Subject: "u1", Email: "a@b.c"})
	require.NoError(t, err)
	_, err = ti.VerifyPlatformToken(platform)
	require.Error(t, err)

	ingress, err := ti.MintIngressToken(IngressClaims{Subject: "u1", Email: "a@b.c", Project: "app"})
	require.NoError(t, err)
	_, err = ti.VerifyIngressToken(ingress)
	require.Error(t, err)
}

func TestTokensFromDifferentIssuersRejected(t *testing.T) {
	ti := testIssuer(t)
	other, err := NewTokenIssuer("https://other.dev", time.Hour,
		"", base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)

	token, err := other.MintIngressToken(IngressClaims{Subject: "u1", Email: "a@b.c", Project: "app"})
	require.NoError(t, err)
	_, err = ti.VerifyIngressToken(token)
	require.Error(t, err)
}

func TestEphemeralKeyFlag(t *testing.T) {
	ti := testIssuer(t)
	require.True(t, ti.EphemeralPlatformKey())
	require.NotNil(t, ti.PublicKey())
}
