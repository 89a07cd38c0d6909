package customdomain

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/acme"
)

// RFC8555Client is the production ACMEClient, issuing certificates
// through the configured ACME directory with DNS-01
// challenges. Order state between the three calls is held in memory; a
// restart mid-order starts the order over, which the CA tolerates.
type RFC8555Client struct {
	client *acme.Client

	mu     sync.Mutex
	orders map[string]*acmeOrder
}

type acmeOrder struct {
	finalizeURL string
	challenge   *acme.Challenge
	authzURL    string
	accepted    bool
}

// NewRFC8555Client registers an ACME account at the directory under a
// freshly generated account key.
func NewRFC8555Client(ctx context.Context, directoryURL, contactEmail string) (*RFC8555Client, error) {
	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating account key: %w", err)
	}

	client := &acme.Client{Key: accountKey, DirectoryURL: directoryURL}
	account := &acme.Account{}
	if contactEmail != "" {
		account.Contact = []string{"mailto:" + contactEmail}
	}
	if _, err := client.Register(ctx, account, acme.AcceptTOS); err != nil && err != acme.ErrAccountAlreadyExists {
		return nil, fmt.Errorf("registering acme account: %w", err)
	}

	return &RFC8555Client{client: client, orders: make(map[string]*acmeOrder)}, nil
}

var _ ACMEClient = (*RFC8555Client)(nil)

// OrderChallenge starts a new order and returns the DNS-01 record the
// domain owner must publish.
func (c *RFC8555Client) OrderChallenge(ctx context.Context, domain string) (string, string, error) {
	order, err := c.client.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return "", "", fmt.Errorf("authorizing order: %w", err)
	}
	if len(order.AuthzURLs) == 0 {
		return "", "", fmt.Errorf("order for %s has no authorizations", domain)
	}

	authz, err := c.client.GetAuthorization(ctx, order.AuthzURLs[0])
	if err != nil {
		return "", "", fmt.Errorf("fetching authorization: %w", err)
	}

	var challenge *acme.Challenge
	for _, ch := range authz.Challenges {
		if ch.Type == "dns-01" {
			challenge = ch
			break
		}
	}
	if challenge == nil {
		return "", "", fmt.Errorf("authorization for %s offers no dns-01 challenge", domain)
	}

	recordValue, err := c.client.DNS01ChallengeRecord(challenge.Token)
	if err != nil {
		return "", "", fmt.Errorf("computing challenge record: %w", err)
	}

	c.mu.Lock()
	c.orders[domain] = &acmeOrder{finalizeURL: order.FinalizeURL, challenge: challenge, authzURL: authz.URI}
	c.mu.Unlock()

	return "_acme-challenge." + domain, recordValue, nil
}

// ChallengeReady tells the CA to validate once, then polls the
// authorization status.
func (c *RFC8555Client) ChallengeReady(ctx context.Context, domain, _, _ string) (bool, error) {
	c.mu.Lock()
	order := c.orders[domain]
	c.mu.Unlock()
	if order == nil {
		return false, fmt.Errorf("no pending order for %s", domain)
	}

	if !order.accepted {
		if _, err := c.client.Accept(ctx, order.challenge); err != nil {
			return false, fmt.Errorf("accepting challenge: %w", err)
		}
		c.mu.Lock()
		order.accepted = true
		c.mu.Unlock()
	}

	authz, err := c.client.GetAuthorization(ctx, order.authzURL)
	if err != nil {
		return false, fmt.Errorf("polling authorization: %w", err)
	}
	switch authz.Status {
	case acme.StatusValid:
		return true, nil
	case acme.StatusPending, acme.StatusProcessing:
		return false, nil
	default:
		return false, fmt.Errorf("authorization for %s is %s", domain, authz.Status)
	}
}

// Finalize submits a CSR and returns the leaf certificate's expiry. The
// issued chain is left for the cluster's TLS secret sync (out of band).
func (c *RFC8555Client) Finalize(ctx context.Context, domain string) (time.Time, error) {
	c.mu.Lock()
	order := c.orders[domain]
	delete(c.orders, domain)
	c.mu.Unlock()
	if order == nil {
		return time.Time{}, fmt.Errorf("no pending order for %s", domain)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return time.Time{}, fmt.Errorf("generating certificate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, certKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("creating csr: %w", err)
	}

	der, _, err := c.client.CreateOrderCert(ctx, order.finalizeURL, csr, true)
	if err != nil {
		return time.Time{}, fmt.Errorf("finalizing order: %w", err)
	}
	if len(der) == 0 {
		return time.Time{}, fmt.Errorf("ca returned an empty chain for %s", domain)
	}
	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing issued certificate: %w", err)
	}
	return leaf.NotAfter, nil
}
