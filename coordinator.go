package acme

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-acme/lego/v4/challenge"
)

// Outcome classifies how a renewal attempt ended.
type Outcome int

const (
	// OutcomeIssued means a new certificate was obtained and stored.
	OutcomeIssued Outcome = iota
	// OutcomeFresh means another actor renewed the record while we waited for the lease.
	OutcomeFresh
	// OutcomeSkipped means cooldown or validation prevented an attempt.
	OutcomeSkipped
	// OutcomeFallback means issuance failed and the previous certificate is served.
	OutcomeFallback
	// OutcomeFailed means there was nothing usable to return.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIssued:
		return "issued"
	case OutcomeFresh:
		return "fresh"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFallback:
		return "fallback"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RenewalResult carries either a new certificate, a stale fallback or a
// terminal error. Err is only set with OutcomeFailed.
type RenewalResult struct {
	Record  *CertificateRecord
	Outcome Outcome
	Err     error
}

// Dependencies are the collaborators of the Manager and RenewalCoordinator.
type Dependencies struct {
	Store     Store
	Locker    Locker
	Cooldown  Cooldown
	Resolver  CAAResolver // may be nil without AllowedIssuers
	CA        CAClient
	Keys      KeyGenerator
	Parser    CertificateParser
	Responder challenge.Provider
	Metrics   *Metrics // optional
}

// RenewalCoordinator performs one renewal attempt under the per-domain lease
// and maintains the failure cooldown.
type RenewalCoordinator struct {
	store     Store
	locker    Locker
	cooldown  Cooldown
	ca        CAClient
	keys      KeyGenerator
	parser    CertificateParser
	responder challenge.Provider
	validator *DomainValidator
	accounts  *AccountProvisioner
	metrics   *Metrics

	renewalHorizon time.Duration
	leaseTTL       time.Duration
	leaseMaxWait   time.Duration
	cooldownTTL    time.Duration
	issueTimeout   time.Duration

	logger *slog.Logger
	now    func() time.Time
}

func NewRenewalCoordinator(cfg *Config, deps Dependencies, validator *DomainValidator, accounts *AccountProvisioner, logger *slog.Logger) *RenewalCoordinator {
	if cfg == nil || validator == nil || accounts == nil || logger == nil {
		panic("NewRenewalCoordinator: received nil config, validator, accounts or logger")
	}
	if deps.Store == nil || deps.Locker == nil || deps.Cooldown == nil || deps.CA == nil ||
		deps.Keys == nil || deps.Parser == nil || deps.Responder == nil {
		panic("NewRenewalCoordinator: missing dependency")
	}
	return &RenewalCoordinator{
		store:          deps.Store,
		locker:         deps.Locker,
		cooldown:       deps.Cooldown,
		ca:             deps.CA,
		keys:           deps.Keys,
		parser:         deps.Parser,
		responder:      deps.Responder,
		validator:      validator,
		accounts:       accounts,
		metrics:        deps.Metrics,
		renewalHorizon: cfg.RenewalHorizon.Duration,
		leaseTTL:       cfg.LeaseTTL.Duration,
		leaseMaxWait:   cfg.LeaseMaxWait.Duration,
		cooldownTTL:    cfg.CooldownTTL.Duration,
		issueTimeout:   cfg.BackgroundTimeout.Duration,
		logger:         logger.With("component", "renewal_coordinator"),
		now:            time.Now,
	}
}

// AcquireCertificate renews domain if needed and returns the record to serve.
// current is what the caller already has and is returned unchanged when no
// attempt is made or when issuance fails but current has a certificate.
func (c *RenewalCoordinator) AcquireCertificate(ctx context.Context, domain string, opts Options, current *CertificateRecord) (*CertificateRecord, error) {
	res := c.Renew(ctx, domain, opts, current)
	return res.Record, res.Err
}

// Renew is AcquireCertificate with the outcome made explicit.
func (c *RenewalCoordinator) Renew(ctx context.Context, domain string, opts Options, current *CertificateRecord) (res RenewalResult) {
	logger := c.logger.With("domain", domain)
	defer func() { c.metrics.observeRenewal(res.Outcome) }()

	active, err := c.cooldown.Active(ctx, domain)
	if err != nil {
		logger.Warn("Failed to read cooldown flag, continuing", "error", err)
	}
	if active {
		logger.Debug("Domain in cooldown, skipping renewal")
		return RenewalResult{Record: current, Outcome: OutcomeSkipped}
	}

	if err := c.validator.Validate(ctx, domain); err != nil {
		logger.Warn("Domain not eligible for issuance", "error", err)
		return RenewalResult{Record: current, Outcome: OutcomeSkipped}
	}

	lease, err := c.locker.Acquire(ctx, leaseKey(domain), c.leaseTTL, c.leaseMaxWait)
	if err != nil {
		logger.Error("Failed to acquire renewal lease", "error", err)
		return RenewalResult{Outcome: OutcomeFailed, Err: fmt.Errorf("renewal lease for %s: %w", domain, err)}
	}
	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			logger.Warn("Failed to release renewal lease", "error", err)
		}
	}()

	latest, err := c.store.GetRecord(ctx, domain, true)
	if err != nil {
		return RenewalResult{Outcome: OutcomeFailed, Err: fmt.Errorf("failed to reload record for %s: %w", domain, err)}
	}
	if latest == nil {
		return RenewalResult{Outcome: OutcomeFailed, Err: fmt.Errorf("%w: %s", ErrMissingCertificate, domain)}
	}
	if latest.Expires.After(c.now().Add(c.renewalHorizon)) {
		logger.Info("Certificate already renewed by another worker", "expires", latest.Expires)
		return RenewalResult{Record: latest, Outcome: OutcomeFresh}
	}

	// Past this point the attempt no longer follows the caller: a certificate
	// the CA has issued must reach the store.
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.issueTimeout)
	defer cancel()

	updated, err := c.issue(ictx, domain, opts, latest)
	if err != nil {
		return c.fallback(ictx, logger, domain, current, err)
	}
	logger.Info("Successfully renewed certificate", "expires", updated.Expires, "issuer", updated.Issuer)
	return RenewalResult{Record: updated, Outcome: OutcomeIssued}
}

// issue runs the key, CSR, account, CA and store steps.
func (c *RenewalCoordinator) issue(ctx context.Context, domain string, opts Options, latest *CertificateRecord) (*CertificateRecord, error) {
	keyPEM := latest.PrivateKey
	if keyPEM == "" {
		var err error
		keyPEM, err = c.keys.GenerateKey(opts.KeyBits, opts.KeyExponent)
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		if err := c.store.ResetPrivateKey(ctx, domain, keyPEM); err != nil {
			return nil, fmt.Errorf("failed to store private key: %w", err)
		}
		c.logger.Info("Generated certificate private key", "domain", domain)
	}

	csr, err := c.keys.CreateCSR(keyPEM, []string{domain})
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	account, err := c.accounts.GetAccount(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("account unavailable: %w", err)
	}

	issued, err := c.ca.IssueCertificate(ctx, IssueRequest{
		Domain:    domain,
		CSR:       csr,
		Account:   account,
		Responder: c.responder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to obtain certificate: %w", err)
	}

	info, err := c.parser.Parse(issued.Cert)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued certificate: %w", err)
	}
	if !info.ValidTo.After(latest.Expires) {
		return nil, fmt.Errorf("issued certificate expires %s, not after stored %s", TimeFormat(info.ValidTo), TimeFormat(latest.Expires))
	}

	now := c.now().UTC()
	ok, err := c.store.Update(ctx, domain, RecordUpdate{
		Cert:      issued.Cert,
		Chain:     issued.Chain,
		ValidFrom: info.ValidFrom,
		Expires:   info.ValidTo,
		AltNames:  info.DNSNames,
		Issuer:    info.Issuer,
		Status:    StatusValid,
		LastCheck: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store certificate: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("failed to store certificate: %w", ErrMissingCertificate)
	}

	updated, err := c.store.GetRecord(ctx, domain, true)
	if err != nil {
		return nil, fmt.Errorf("failed to reload certificate: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("failed to reload certificate: %w", ErrMissingCertificate)
	}
	return updated, nil
}

// fallback sets the cooldown and decides between serving current and failing.
func (c *RenewalCoordinator) fallback(ctx context.Context, logger *slog.Logger, domain string, current *CertificateRecord, cause error) RenewalResult {
	logger.Error("Certificate issuance failed", "error", cause)

	if err := c.cooldown.Set(context.WithoutCancel(ctx), domain, c.cooldownTTL); err != nil {
		logger.Error("Failed to set cooldown flag", "error", err)
	}

	if current.HasCertificate() {
		logger.Warn("Serving previous certificate", "expires", current.Expires)
		return RenewalResult{Record: current, Outcome: OutcomeFallback}
	}
	return RenewalResult{Outcome: OutcomeFailed, Err: fmt.Errorf("%w for %s: %w", ErrIssuanceFailed, domain, cause)}
}

func leaseKey(domain string) string {
	return "renew:" + domain
}
