package acme

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/go-acme/lego/v4/registration"
)

// AcmeUser implements lego's registration.User interface (internal helper type)
type AcmeUser struct {
	Email        string
	Registration *registration.Resource
	PrivateKey   crypto.PrivateKey
}

func (u *AcmeUser) GetEmail() string                        { return u.Email }
func (u *AcmeUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *AcmeUser) GetPrivateKey() crypto.PrivateKey        { return u.PrivateKey }

var errNotInitialized = errors.New("acme client not initialized")

// LegoCA is the CAClient backed by lego. A lego client is bound to one user,
// so a short-lived client is built per operation.
type LegoCA struct {
	config *Config
	logger *slog.Logger

	mu           sync.RWMutex
	directoryURL string
}

// NewLegoCA creates the CA client. Init must succeed before accounts can be
// created or certificates issued.
func NewLegoCA(cfg *Config, logger *slog.Logger) *LegoCA {
	if cfg == nil || logger == nil {
		panic("NewLegoCA: received nil config or logger")
	}
	return &LegoCA{
		config: cfg,
		logger: logger.With("component", "lego"),
	}
}

// Init fetches the directory with a throwaway key to make sure the CA is
// reachable.
func (c *LegoCA) Init(ctx context.Context, directoryURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return fmt.Errorf("failed to generate probe key: %w", err)
	}
	if _, err := c.newClient(&AcmeUser{PrivateKey: key}, directoryURL); err != nil {
		return err
	}

	c.mu.Lock()
	c.directoryURL = directoryURL
	c.mu.Unlock()
	return nil
}

func (c *LegoCA) directory() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.directoryURL == "" {
		return "", errNotInitialized
	}
	return c.directoryURL, nil
}

func (c *LegoCA) newClient(user *AcmeUser, directoryURL string) (*lego.Client, error) {
	legoConfig := lego.NewConfig(user)
	legoConfig.CADirURL = directoryURL

	legoClient, err := lego.NewClient(legoConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create ACME client: %w", err)
	}
	return legoClient, nil
}

// CreateAccount registers a new account and returns its URI.
func (c *LegoCA) CreateAccount(ctx context.Context, req AccountRequest) (string, error) {
	directoryURL, err := c.directory()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key, err := certcrypto.ParsePEMPrivateKey([]byte(req.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse ACME account private key: %w", err)
	}
	user := &AcmeUser{Email: req.Email, PrivateKey: key}
	legoClient, err := c.newClient(user, directoryURL)
	if err != nil {
		return "", err
	}

	reg, err := legoClient.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		c.logger.Error("ACME account registration failed", "email", req.Email, "error", err)
		return "", fmt.Errorf("ACME registration failed for %s: %w", req.Email, err)
	}
	return reg.URI, nil
}

// IssueCertificate runs the order, challenge and finalize steps for req.CSR.
func (c *LegoCA) IssueCertificate(ctx context.Context, req IssueRequest) (*IssuedCertificate, error) {
	directoryURL, err := c.directory()
	if err != nil {
		return nil, err
	}
	if req.Account == nil {
		return nil, errors.New("issue: account is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := certcrypto.ParsePEMPrivateKey([]byte(req.Account.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ACME account private key: %w", err)
	}
	user := &AcmeUser{
		Email:        req.Account.Email,
		PrivateKey:   key,
		Registration: &registration.Resource{URI: req.Account.URI},
	}
	legoClient, err := c.newClient(user, directoryURL)
	if err != nil {
		return nil, err
	}
	if err := c.setChallengeProvider(legoClient, req.Responder); err != nil {
		return nil, err
	}

	csr, err := x509.ParseCertificateRequest(req.CSR)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSR: %w", err)
	}

	// This is the main blocking call that performs the ACME flow (order, challenge, finalize)
	resource, err := legoClient.Certificate.ObtainForCSR(certificate.ObtainForCSRRequest{
		CSR:    csr,
		Bundle: false,
	})
	if err != nil {
		c.logger.Error("Failed to obtain certificate", "domain", req.Domain, "error", err)
		return nil, fmt.Errorf("failed to obtain certificate for %s: %w", req.Domain, err)
	}
	c.logger.Info("Successfully obtained certificate", "domain", req.Domain, "certificate_url", resource.CertURL)

	chain, err := splitPEMBundle(resource.IssuerCertificate)
	if err != nil {
		return nil, fmt.Errorf("failed to split issuer chain: %w", err)
	}
	return &IssuedCertificate{Cert: string(resource.Certificate), Chain: chain}, nil
}

func (c *LegoCA) setChallengeProvider(legoClient *lego.Client, responder challenge.Provider) error {
	if c.config.Challenge != ChallengeDNS01 {
		if responder == nil {
			return errors.New("issue: http-01 responder is required")
		}
		if err := legoClient.Challenge.SetHTTP01Provider(responder); err != nil {
			return fmt.Errorf("failed to set HTTP01 provider: %w", err)
		}
		return nil
	}

	var dnsProvider challenge.Provider
	switch c.config.DNSProvider {
	case DNSProviderCloudflare:
		cfLegoConfig := cloudflare.NewDefaultConfig()
		cfLegoConfig.AuthToken = c.config.CloudflareAPIToken

		cfProvider, err := cloudflare.NewDNSProviderConfig(cfLegoConfig)
		if err != nil {
			return fmt.Errorf("failed to create Cloudflare provider: %w", err)
		}
		dnsProvider = cfProvider
	default:
		return fmt.Errorf("unsupported DNS provider configured: %q", c.config.DNSProvider)
	}

	if err := legoClient.Challenge.SetDNS01Provider(dnsProvider, dns01.AddDNSTimeout(10*time.Minute)); err != nil {
		return fmt.Errorf("failed to set DNS01 provider: %w", err)
	}
	return nil
}

// splitPEMBundle re-encodes every certificate of bundle as its own PEM block,
// keeping order.
func splitPEMBundle(bundle []byte) ([]string, error) {
	if len(bundle) == 0 {
		return nil, nil
	}
	certs, err := certcrypto.ParsePEMBundle(bundle)
	if err != nil {
		return nil, err
	}
	chain := make([]string, 0, len(certs))
	for _, cert := range certs {
		chain = append(chain, string(certcrypto.PEMEncode(certcrypto.DERCertificateBytes(cert.Raw))))
	}
	return chain, nil
}
