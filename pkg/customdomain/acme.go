// Package customdomain drives certificate issuance for verified custom
// domains: a DNS-01 challenge is published, polled, and the domain's
// certificate status advanced. The ACME client itself is an interface so
// the network protocol stays swappable.
package customdomain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/risedotdev/rise/internal/idgen"
	"github.com/risedotdev/rise/internal/store"
)

// Certificate lifetimes: issued certs are renewed ahead of expiry.
// challengeTTL sets the expiry recorded on each published challenge; the
// sweep does not abandon a pending order when that expiry passes.
const (
	renewBefore      = 30 * 24 * time.Hour
	challengeTTL     = time.Hour
	certValidity     = 90 * 24 * time.Hour
	defaultSweepTick = 30 * time.Second
)

// ACMEClient abstracts the certificate authority: order a challenge,
// check whether it has been satisfied, finalize into a certificate.
type ACMEClient interface {
	OrderChallenge(ctx context.Context, domain string) (recordName, recordValue string, err error)
	ChallengeReady(ctx context.Context, domain, recordName, recordValue string) (bool, error)
	Finalize(ctx context.Context, domain string) (expiresAt time.Time, err error)
}

// Service sweeps custom domains and advances their certificate state:
// none → pending → issued, issued → expired past cert_expires_at, failed
// retried on the next sweep.
type Service struct {
	domains store.CustomDomainStore
	acme    ACMEClient
	logger  *slog.Logger
	tick    time.Duration
}

func NewService(domains store.CustomDomainStore, acme ACMEClient, logger *slog.Logger) *Service {
	return &Service{domains: domains, acme: acme, logger: logger, tick: defaultSweepTick}
}

// Run sweeps until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("custom domain certificate loop starting")
	for {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error("custom domain sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("custom domain certificate loop stopping")
			return
		case <-time.After(s.tick):
		}
	}
}

// Sweep advances every verified domain one step.
func (s *Service) Sweep(ctx context.Context) error {
	domains, err := s.domains.ListCustomDomains(ctx)
	if err != nil {
		return fmt.Errorf("listing custom domains: %w", err)
	}

	for _, d := range domains {
		if d.VerificationStatus != store.DomainVerificationVerified {
			continue
		}
		if err := s.advance(ctx, d); err != nil {
			s.logger.Error("advancing certificate",
				"domain", d.DomainName, "status", d.CertificateStatus, "error", err)
		}
	}
	return nil
}

func (s *Service) advance(ctx context.Context, d store.CustomDomain) error {
	switch d.CertificateStatus {
	case store.CertStatusNone, store.CertStatusFailed, "":
		return s.startIssuance(ctx, d)

	case store.CertStatusPending:
		return s.checkChallenge(ctx, d)

	case store.CertStatusIssued:
		if d.CertExpiresAt == nil {
			return nil
		}
		now := time.Now()
		if now.After(*d.CertExpiresAt) {
			return s.domains.UpdateCustomDomainCert(ctx, d.ID, store.CertStatusExpired, d.CertIssuedAt, d.CertExpiresAt)
		}
		if now.After(d.CertExpiresAt.Add(-renewBefore)) {
			return s.startIssuance(ctx, d)
		}
		return nil

	case store.CertStatusExpired:
		return s.startIssuance(ctx, d)
	}
	return nil
}

func (s *Service) startIssuance(ctx context.Context, d store.CustomDomain) error {
	recordName, recordValue, err := s.acme.OrderChallenge(ctx, d.DomainName)
	if err != nil {
		if uerr := s.domains.UpdateCustomDomainCert(ctx, d.ID, store.CertStatusFailed, d.CertIssuedAt, d.CertExpiresAt); uerr != nil {
			return uerr
		}
		return fmt.Errorf("ordering challenge: %w", err)
	}

	if err := s.domains.DeleteAcmeChallengesForDomain(ctx, d.ID); err != nil {
		return err
	}
	challenge := store.AcmeChallenge{
		ID:            idgen.NewID().String(),
		DomainID:      d.ID,
		ChallengeType: "dns-01",
		RecordName:    recordName,
		RecordValue:   recordValue,
		Status:        "pending",
		ExpiresAt:     time.Now().Add(challengeTTL),
	}
	if err := s.domains.CreateAcmeChallenge(ctx, challenge); err != nil {
		return err
	}
	return s.domains.UpdateCustomDomainCert(ctx, d.ID, store.CertStatusPending, d.CertIssuedAt, d.CertExpiresAt)
}

func (s *Service) checkChallenge(ctx context.Context, d store.CustomDomain) error {
	// The pending record is re-derived from the CA rather than read back;
	// a missing order shows up as a failed readiness check.
	ready, err := s.acme.ChallengeReady(ctx, d.DomainName, "", "")
	if err != nil {
		return s.domains.UpdateCustomDomainCert(ctx, d.ID, store.CertStatusFailed, d.CertIssuedAt, d.CertExpiresAt)
	}
	if !ready {
		return nil
	}

	expiresAt, err := s.acme.Finalize(ctx, d.DomainName)
	if err != nil {
		return s.domains.UpdateCustomDomainCert(ctx, d.ID, store.CertStatusFailed, d.CertIssuedAt, d.CertExpiresAt)
	}
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(certValidity)
	}
	issuedAt := time.Now()
	if err := s.domains.DeleteAcmeChallengesForDomain(ctx, d.ID); err != nil {
		return err
	}
	s.logger.Info("certificate issued", "domain", d.DomainName, "expires_at", expiresAt)
	return s.domains.UpdateCustomDomainCert(ctx, d.ID, store.CertStatusIssued, &issuedAt, &expiresAt)
}
