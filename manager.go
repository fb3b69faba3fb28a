package acme

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type freshness int

const (
	stateMissing freshness = iota
	stateFresh
	stateStale
	stateExpired
)

func (f freshness) String() string {
	switch f {
	case stateFresh:
		return "fresh"
	case stateStale:
		return "stale"
	case stateExpired:
		return "expired"
	default:
		return "missing"
	}
}

// Manager is the entry point for certificate lookups. It serves cached
// certificates and triggers renewals depending on how close they are to
// expiry. It never sweeps domains on its own.
type Manager struct {
	store       Store
	coordinator *RenewalCoordinator
	metrics     *Metrics

	freshnessHorizon  time.Duration
	backgroundTimeout time.Duration

	refreshing singleflight.Group
	wg         sync.WaitGroup

	logger *slog.Logger
	now    func() time.Time
}

// NewManager wires the validator, account provisioner and coordinator from cfg
// and deps.
func NewManager(cfg *Config, deps Dependencies, logger *slog.Logger) *Manager {
	if cfg == nil || logger == nil {
		panic("NewManager: received nil config or logger")
	}
	validator := NewDomainValidator(deps.Resolver, cfg.AllowedIssuers, logger)
	accounts := NewAccountProvisioner(deps.CA, deps.Store, deps.Keys, logger)
	coordinator := NewRenewalCoordinator(cfg, deps, validator, accounts, logger)
	return &Manager{
		store:             deps.Store,
		coordinator:       coordinator,
		metrics:           deps.Metrics,
		freshnessHorizon:  cfg.FreshnessHorizon.Duration,
		backgroundTimeout: cfg.BackgroundTimeout.Duration,
		logger:            logger.With("component", "certificate_manager"),
		now:               time.Now,
	}
}

// GetCertificate returns the certificate record for domain.
//
// Fresh records are returned as is. Records expiring within the freshness
// horizon are returned immediately while a renewal runs in the background.
// Expired records are renewed synchronously. Errors are ErrInvalidDomain,
// ErrMissingCertificate or opaque internal failures (see ErrorCode).
func (m *Manager) GetCertificate(ctx context.Context, domain string, opts Options) (*CertificateRecord, error) {
	name, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}

	record, err := m.store.GetRecord(ctx, name, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate record for %s: %w", name, err)
	}

	state := m.classify(record)
	m.metrics.observeLookup(state)

	switch state {
	case stateMissing:
		return nil, fmt.Errorf("%w: %s", ErrMissingCertificate, name)
	case stateFresh:
		return record, nil
	case stateStale:
		m.refreshInBackground(ctx, name, opts, record)
		return record, nil
	default:
		m.logger.Info("Certificate expired, renewing", "domain", name, "expires", record.Expires)
		return m.coordinator.AcquireCertificate(ctx, name, opts, record)
	}
}

func (m *Manager) classify(record *CertificateRecord) freshness {
	if record == nil {
		return stateMissing
	}
	now := m.now()
	switch {
	case record.Expires.After(now.Add(m.freshnessHorizon)):
		return stateFresh
	case record.Expires.After(now):
		return stateStale
	default:
		return stateExpired
	}
}

// refreshInBackground starts a detached renewal. Its outcome is only visible in
// logs and metrics. Concurrent triggers for one domain share a single run.
func (m *Manager) refreshInBackground(ctx context.Context, domain string, opts Options, current *CertificateRecord) {
	bg := context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, err, shared := m.refreshing.Do(domain, func() (interface{}, error) {
			rctx, cancel := context.WithTimeout(bg, m.backgroundTimeout)
			defer cancel()
			return m.coordinator.AcquireCertificate(rctx, domain, opts, current)
		})
		if shared {
			return
		}
		if err != nil {
			m.logger.Error("Background renewal failed", "domain", domain, "error", err)
		}
	}()
}

// Wait blocks until all background renewals started so far have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}
