// Package auth implements the sign-in flow: PKCE material, IdP discovery,
// code-for-token exchange, session derivation into the two Rise token
// families, cookie handling, and the device-code variant used by
// non-browser clients.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/golang-jwt/jwt/v4"
)

// The two audiences keep the token families non-interchangeable: a
// platform token presented at the ingress fails aud validation and vice
// versa.
const (
	AudiencePlatform = "rise-platform"
	AudienceIngress  = "rise-ingress"
)

// PlatformClaims are carried by the RS256 platform token used for
// CLI/API authentication.
type PlatformClaims struct {
	Subject string
	Email   string
	Name    string
}

// IngressClaims are carried by the HS256 ingress token. Project is the
// single project the token grants access to; it is never empty on a
// token this issuer minted.
type IngressClaims struct {
	Subject string `json:"sub,omitempty"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Project string `json:"project"`
}

// TokenIssuer mints and verifies both token families from independent
// signing material.
type TokenIssuer struct {
	issuer        string
	expiry        time.Duration
	rsaKey        *rsa.PrivateKey
	ephemeralRSA  bool
	ingressSecret []byte
}

// NewTokenIssuer builds the issuer. rs256PrivateKeyPEM may be empty, in
// which case a fresh key pair is generated and every platform token is
// invalidated on restart. ingressSecretBase64 must decode to at least 32
// bytes.
func NewTokenIssuer(issuer string, expiry time.Duration, rs256PrivateKeyPEM, ingressSecretBase64 string) (*TokenIssuer, error) {
	secret, err := base64.StdEncoding.DecodeString(ingressSecretBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding ingress signing secret: %w", err)
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("ingress signing secret must be at least 32 bytes, got %d", len(secret))
	}

	ti := &TokenIssuer{issuer: issuer, expiry: expiry, ingressSecret: secret}

	if rs256PrivateKeyPEM != "" {
		key, err := parseRSAPrivateKeyPEM(rs256PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parsing rs256 private key: %w", err)
		}
		ti.rsaKey = key
	} else {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generating ephemeral rs256 key: %w", err)
		}
		ti.rsaKey = key
		ti.ephemeralRSA = true
	}

	return ti, nil
}

// EphemeralPlatformKey reports whether platform tokens will be
// invalidated on process restart.
func (ti *TokenIssuer) EphemeralPlatformKey() bool { return ti.ephemeralRSA }

// PublicKey returns the RS256 verification key.
func (ti *TokenIssuer) PublicKey() *rsa.PublicKey { return &ti.rsaKey.PublicKey }

// MintPlatformToken issues an RS256 platform token for CLI/API use.
func (ti *TokenIssuer) MintPlatformToken(c PlatformClaims) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   AudiencePlatform,
		"sub":   c.Subject,
		"email": c.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(ti.expiry).Unix(),
	}
	if c.Name != "" {
		claims["name"] = c.Name
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(ti.rsaKey)
	if err != nil {
		return "", fmt.Errorf("signing platform token: %w", err)
	}
	return signed, nil
}

// VerifyPlatformToken checks signature, expiry, issuer and audience.
func (ti *TokenIssuer) VerifyPlatformToken(raw string) (*PlatformClaims, error) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return &ti.rsaKey.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing platform token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("platform token claims invalid")
	}
	if !claims.VerifyAudience(AudiencePlatform, true) {
		return nil, fmt.Errorf("platform token audience mismatch")
	}
	if !claims.VerifyIssuer(ti.issuer, true) {
		return nil, fmt.Errorf("platform token issuer mismatch")
	}

	out := &PlatformClaims{}
	out.Subject, _ = claims["sub"].(string)
	out.Email, _ = claims["email"].(string)
	out.Name, _ = claims["name"].(string)
	if out.Subject == "" || out.Email == "" {
		return nil, fmt.Errorf("platform token missing sub or email")
	}
	return out, nil
}

// MintIngressToken issues an HS256 token scoped to exactly one project.
func (ti *TokenIssuer) MintIngressToken(c IngressClaims) (string, error) {
	if c.Project == "" {
		return "", fmt.Errorf("ingress token requires a project scope")
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: ti.ingressSecret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := josejwt.Claims{
		Issuer:   ti.issuer,
		Subject:  c.Subject,
		Audience: josejwt.Audience{AudienceIngress},
		IssuedAt: josejwt.NewNumericDate(now),
		Expiry:   josejwt.NewNumericDate(now.Add(ti.expiry)),
	}

	token, err := josejwt.Signed(signer).Claims(registered).Claims(c).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing ingress token: %w", err)
	}
	return token, nil
}

// VerifyIngressToken checks signature, expiry, issuer and audience, and
// rejects tokens without a project scope.
func (ti *TokenIssuer) VerifyIngressToken(raw string) (*IngressClaims, error) {
	tok, err := josejwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing ingress token: %w", err)
	}

	var registered josejwt.Claims
	var custom IngressClaims
	if err := tok.Claims(ti.ingressSecret, &registered, &custom); err != nil {
		return nil, fmt.Errorf("verifying ingress token: %w", err)
	}

	if err := registered.ValidateWithLeeway(josejwt.Expected{
		Issuer:      ti.issuer,
		AnyAudience: josejwt.Audience{AudienceIngress},
		Time:        time.Now(),
	}, 5*time.Second); err != nil {
		return nil, fmt.Errorf("validating ingress claims: %w", err)
	}
	if custom.Project == "" {
		return nil, fmt.Errorf("ingress token missing project claim")
	}
	if custom.Subject == "" {
		custom.Subject = registered.Subject
	}
	return &custom, nil
}

func parseRSAPrivateKeyPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want *rsa.PrivateKey", parsed)
	}
	return key, nil
}
