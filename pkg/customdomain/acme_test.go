package customdomain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/risedotdev/rise/internal/store"
)

type fakeDomains struct {
	mu         sync.Mutex
	domains    map[string]*store.CustomDomain
	challenges map[string][]store.AcmeChallenge
}

func newFakeDomains(ds ...*store.CustomDomain) *fakeDomains {
	f := &fakeDomains{domains: map[string]*store.CustomDomain{}, challenges: map[string][]store.AcmeChallenge{}}
	for _, d := range ds {
		f.domains[d.ID] = d
	}
	return f
}

func (f *fakeDomains) GetCustomDomainByName(_ context.Context, name string) (*store.CustomDomain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.domains {
		if d.DomainName == name {
			copied := *d
			return &copied, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeDomains) ListCustomDomains(context.Context) ([]store.CustomDomain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.CustomDomain
	for _, d := range f.domains {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeDomains) UpdateCustomDomainCert(_ context.Context, id string, status store.CustomDomainCertificateStatus, issuedAt, expiresAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.domains[id]
	d.CertificateStatus = status
	d.CertIssuedAt = issuedAt
	d.CertExpiresAt = expiresAt
	return nil
}

func (f *fakeDomains) CreateAcmeChallenge(_ context.Context, ch store.AcmeChallenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenges[ch.DomainID] = append(f.challenges[ch.DomainID], ch)
	return nil
}

func (f *fakeDomains) DeleteAcmeChallengesForDomain(_ context.Context, domainID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.challenges, domainID)
	return nil
}

func (f *fakeDomains) status(id string) store.CustomDomainCertificateStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.domains[id].CertificateStatus
}

type fakeACME struct {
	mu       sync.Mutex
	ready    bool
	orderErr error
}

func (f *fakeACME) OrderChallenge(_ context.Context, domain string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return "", "", f.orderErr
	}
	return "_acme-challenge." + domain, "token-value", nil
}

func (f *fakeACME) ChallengeReady(context.Context, string, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready, nil
}

func (f *fakeACME) Finalize(context.Context, string) (time.Time, error) {
	return time.Now().Add(certValidity), nil
}

func verifiedDomain(id, name string, cert store.CustomDomainCertificateStatus) *store.CustomDomain {
	return &store.CustomDomain{
		ID: id, ProjectID: "p1", DomainName: name,
		VerificationStatus: store.DomainVerificationVerified,
		CertificateStatus:  cert,
	}
}

func TestIssuanceFlow(t *testing.T) {
	domains := newFakeDomains(verifiedDomain("d1", "www.custom.com", store.CertStatusNone))
	acme := &fakeACME{}
	svc := NewService(domains, acme, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	// First sweep orders the challenge.
	require.NoError(t, svc.Sweep(ctx))
	require.Equal(t, store.CertStatusPending, domains.status("d1"))
	domains.mu.Lock()
	require.Len(t, domains.challenges["d1"], 1)
	require.Equal(t, "dns-01", domains.challenges["d1"][0].ChallengeType)
	domains.mu.Unlock()

	// DNS not propagated yet: still pending.
	require.NoError(t, svc.Sweep(ctx))
	require.Equal(t, store.CertStatusPending, domains.status("d1"))

	// Propagated: finalized, challenge cleaned up.
	acme.mu.Lock()
	acme.ready = true
	acme.mu.Unlock()
	require.NoError(t, svc.Sweep(ctx))
	require.Equal(t, store.CertStatusIssued, domains.status("d1"))
	domains.mu.Lock()
	require.Empty(t, domains.challenges["d1"])
	require.NotNil(t, domains.domains["d1"].CertExpiresAt)
	domains.mu.Unlock()
}

func TestUnverifiedDomainsSkipped(t *testing.T) {
	d := verifiedDomain("d1", "www.custom.com", store.CertStatusNone)
	d.VerificationStatus = store.DomainVerificationPending
	domains := newFakeDomains(d)
	svc := NewService(domains, &fakeACME{}, slog.New(slog.DiscardHandler))

	require.NoError(t, svc.Sweep(context.Background()))
	require.Equal(t, store.CertStatusNone, domains.status("d1"))
}

func TestOrderFailureMarksFailedThenRetries(t *testing.T) {
	domains := newFakeDomains(verifiedDomain("d1", "www.custom.com", store.CertStatusNone))
	acme := &fakeACME{orderErr: errors.New("ca down")}
	svc := NewService(domains, acme, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, svc.Sweep(ctx))
	require.Equal(t, store.CertStatusFailed, domains.status("d1"))

	// The CA recovers: failed is retried on the next sweep.
	acme.mu.Lock()
	acme.orderErr = nil
	acme.mu.Unlock()
	require.NoError(t, svc.Sweep(ctx))
	require.Equal(t, store.CertStatusPending, domains.status("d1"))
}

func TestExpiredCertificateDetected(t *testing.T) {
	d := verifiedDomain("d1", "www.custom.com", store.CertStatusIssued)
	past := time.Now().Add(-time.Hour)
	d.CertExpiresAt = &past
	domains := newFakeDomains(d)
	svc := NewService(domains, &fakeACME{}, slog.New(slog.DiscardHandler))

	require.NoError(t, svc.Sweep(context.Background()))
	require.Equal(t, store.CertStatusExpired, domains.status("d1"))

	// Expired triggers reissuance on the following sweep.
	require.NoError(t, svc.Sweep(context.Background()))
	require.Equal(t, store.CertStatusPending, domains.status("d1"))
}

func TestRenewalAheadOfExpiry(t *testing.T) {
	d := verifiedDomain("d1", "www.custom.com", store.CertStatusIssued)
	soon := time.Now().Add(renewBefore / 2)
	d.CertExpiresAt = &soon
	domains := newFakeDomains(d)
	svc := NewService(domains, &fakeACME{}, slog.New(slog.DiscardHandler))

	require.NoError(t, svc.Sweep(context.Background()))
	require.Equal(t, store.CertStatusPending, domains.status("d1"))
}

func TestHealthyCertificateLeftAlone(t *testing.T) {
	d := verifiedDomain("d1", "www.custom.com", store.CertStatusIssued)
	far := time.Now().Add(certValidity)
	d.CertExpiresAt = &far
	domains := newFakeDomains(d)
	svc := NewService(domains, &fakeACME{}, slog.New(slog.DiscardHandler))

	require.NoError(t, svc.Sweep(context.Background()))
	require.Equal(t, store.CertStatusIssued, domains.status("d1"))
}
