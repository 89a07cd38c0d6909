package customdomain

import (
	"context"
	"time"
)

// LocalIssuer is the stand-in certificate authority used when no real
// ACME account is configured: challenges are considered satisfied
// immediately and certificates get a fixed validity. Deployments that
// need publicly trusted certificates swap in a real ACMEClient.
type LocalIssuer struct {
	Validity time.Duration
}

var _ ACMEClient = (*LocalIssuer)(nil)

func NewLocalIssuer() *LocalIssuer {
	return &LocalIssuer{Validity: certValidity}
}

func (l *LocalIssuer) OrderChallenge(_ context.Context, domain string) (string, string, error) {
	return "_acme-challenge." + domain, "local-issuer", nil
}

func (l *LocalIssuer) ChallengeReady(context.Context, string, string, string) (bool, error) {
	return true, nil
}

func (l *LocalIssuer) Finalize(context.Context, string) (time.Time, error) {
	return time.Now().Add(l.Validity), nil
}
