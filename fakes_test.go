package acme

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	cfg := &Config{
		Email:          "ops@example.com",
		CADirectoryURL: "https://ca.example/directory",
		CooldownTTL:    Duration{time.Hour},
		LeaseMaxWait:   Duration{5 * time.Second},
	}
	cfg.ApplyDefaults()
	return cfg
}

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	records  map[string]*CertificateRecord
	accounts map[string]AccountRecord

	getErr error
	// honorCtx makes every call fail once its context is done, as the
	// sqlite pool does when taking a connection.
	honorCtx    bool
	putAccounts atomic.Int32
	resetKeys   atomic.Int32
	updates     atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{
		records:  make(map[string]*CertificateRecord),
		accounts: make(map[string]AccountRecord),
	}
}

func (s *memStore) put(rec *CertificateRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.records[rec.Servername] = &c
}

func (s *memStore) ctxErr(ctx context.Context) error {
	if s.honorCtx {
		return ctx.Err()
	}
	return nil
}

func (s *memStore) GetRecord(ctx context.Context, domain string, includeSecrets bool) (*CertificateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctxErr(ctx); err != nil {
		return nil, err
	}
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[domain]
	if !ok {
		return nil, nil
	}
	c := *rec
	if !includeSecrets {
		c.PrivateKey = ""
	}
	return &c, nil
}

func (s *memStore) Update(ctx context.Context, domain string, u RecordUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctxErr(ctx); err != nil {
		return false, err
	}
	s.updates.Add(1)
	rec, ok := s.records[domain]
	if !ok {
		return false, nil
	}
	rec.Cert = u.Cert
	rec.Chain = u.Chain
	rec.ValidFrom = u.ValidFrom
	rec.Expires = u.Expires
	rec.AltNames = u.AltNames
	rec.Issuer = u.Issuer
	rec.Status = u.Status
	rec.LastCheck = u.LastCheck
	return true, nil
}

func (s *memStore) ResetPrivateKey(ctx context.Context, domain string, keyPEM string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctxErr(ctx); err != nil {
		return err
	}
	s.resetKeys.Add(1)
	rec, ok := s.records[domain]
	if !ok {
		return ErrMissingCertificate
	}
	rec.PrivateKey = keyPEM
	return nil
}

func (s *memStore) GetAccount(ctx context.Context, keyID string) (*AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctxErr(ctx); err != nil {
		return nil, err
	}
	acct, ok := s.accounts[keyID]
	if !ok {
		return nil, nil
	}
	return &acct, nil
}

func (s *memStore) PutAccount(ctx context.Context, keyID string, rec AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctxErr(ctx); err != nil {
		return err
	}
	s.putAccounts.Add(1)
	s.accounts[keyID] = rec
	return nil
}

// memLocker is an in-process Locker with the same wait semantics as the
// Redis one.
type memLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}

	acquireErr error
	acquires   atomic.Int32
	releases   atomic.Int32
}

func newMemLocker() *memLocker {
	return &memLocker{slots: make(map[string]chan struct{})}
}

func (l *memLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *memLocker) Acquire(ctx context.Context, key string, ttl, maxWait time.Duration) (*Lease, error) {
	l.acquires.Add(1)
	if l.acquireErr != nil {
		return nil, l.acquireErr
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case l.slot(key) <- struct{}{}:
		return &Lease{Key: key, Token: "token"}, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrLeaseTimeout, key)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memLocker) Release(ctx context.Context, lease *Lease) error {
	l.releases.Add(1)
	<-l.slot(lease.Key)
	return nil
}

type memCooldown struct {
	mu      sync.Mutex
	flags   map[string]time.Duration
	readErr error
	sets    atomic.Int32
}

func newMemCooldown() *memCooldown {
	return &memCooldown{flags: make(map[string]time.Duration)}
}

func (c *memCooldown) Active(ctx context.Context, domain string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return false, c.readErr
	}
	_, ok := c.flags[domain]
	return ok, nil
}

func (c *memCooldown) Set(ctx context.Context, domain string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets.Add(1)
	c.flags[domain] = ttl
	return nil
}

func (c *memCooldown) ttl(domain string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ttl, ok := c.flags[domain]
	return ttl, ok
}

// fakeResolver answers CAA queries from a fixed table and records every query.
type fakeResolver struct {
	mu      sync.Mutex
	records map[string][]CAARecord
	errs    map[string]error
	queries []string
}

func (r *fakeResolver) LookupCAA(ctx context.Context, name string) ([]CAARecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, name)
	if err := r.errs[name]; err != nil {
		return nil, err
	}
	return r.records[name], nil
}

func (r *fakeResolver) queried() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...)
}

// fakeCA counts calls. issue decides the IssueCertificate result.
type fakeCA struct {
	initErr   func(call int32) error
	initDelay time.Duration
	issue     func(ctx context.Context, req IssueRequest) (*IssuedCertificate, error)

	inits   atomic.Int32
	creates atomic.Int32
	issues  atomic.Int32
}

func (c *fakeCA) Init(ctx context.Context, directoryURL string) error {
	n := c.inits.Add(1)
	if c.initDelay > 0 {
		time.Sleep(c.initDelay)
	}
	if c.initErr != nil {
		return c.initErr(n)
	}
	return nil
}

func (c *fakeCA) CreateAccount(ctx context.Context, req AccountRequest) (string, error) {
	n := c.creates.Add(1)
	// Widen the window so concurrent callers overlap.
	time.Sleep(20 * time.Millisecond)
	return fmt.Sprintf("https://ca.example/acct/%d", n), nil
}

func (c *fakeCA) IssueCertificate(ctx context.Context, req IssueRequest) (*IssuedCertificate, error) {
	c.issues.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.issue == nil {
		return &IssuedCertificate{Cert: "CERT:" + req.Domain, Chain: []string{"ISSUER"}}, nil
	}
	return c.issue(ctx, req)
}

var errCADown = errors.New("ca unavailable")

func failingIssue(ctx context.Context, req IssueRequest) (*IssuedCertificate, error) {
	return nil, errCADown
}

type fakeKeys struct {
	generated atomic.Int32
	genErr    error
}

func (k *fakeKeys) GenerateKey(bits, exponent int) (string, error) {
	if k.genErr != nil {
		return "", k.genErr
	}
	n := k.generated.Add(1)
	return fmt.Sprintf("KEY-%d-%d", bits, n), nil
}

func (k *fakeKeys) CreateCSR(keyPEM string, domains []string) ([]byte, error) {
	return []byte(keyPEM + ":" + domains[0]), nil
}

// fakeParser reports the same validity window for every certificate.
type fakeParser struct {
	info CertificateInfo
}

func (p *fakeParser) Parse(certPEM string) (*CertificateInfo, error) {
	info := p.info
	return &info, nil
}

type nopResponder struct{}

func (nopResponder) Present(domain, token, keyAuth string) error { return nil }
func (nopResponder) CleanUp(domain, token, keyAuth string) error { return nil }

// harness bundles fakes for coordinator and manager tests.
type harness struct {
	cfg      *Config
	store    *memStore
	locker   *memLocker
	cooldown *memCooldown
	resolver *fakeResolver
	ca       *fakeCA
	keys     *fakeKeys
	parser   *fakeParser
	metrics  *Metrics
}

func newHarness() *harness {
	now := time.Now().UTC()
	return &harness{
		cfg:      testConfig(),
		store:    newMemStore(),
		locker:   newMemLocker(),
		cooldown: newMemCooldown(),
		resolver: &fakeResolver{},
		ca:       &fakeCA{},
		keys:     &fakeKeys{},
		parser: &fakeParser{info: CertificateInfo{
			ValidFrom: now,
			ValidTo:   now.Add(90 * 24 * time.Hour),
			DNSNames:  []string{"example.com"},
			Issuer:    "Test CA",
		}},
		metrics: NewMetrics(nil),
	}
}

func (h *harness) deps() Dependencies {
	return Dependencies{
		Store:     h.store,
		Locker:    h.locker,
		Cooldown:  h.cooldown,
		Resolver:  h.resolver,
		CA:        h.ca,
		Keys:      h.keys,
		Parser:    h.parser,
		Responder: nopResponder{},
		Metrics:   h.metrics,
	}
}

func (h *harness) coordinator() *RenewalCoordinator {
	logger := discardLogger()
	deps := h.deps()
	validator := NewDomainValidator(deps.Resolver, h.cfg.AllowedIssuers, logger)
	accounts := NewAccountProvisioner(deps.CA, deps.Store, deps.Keys, logger)
	return NewRenewalCoordinator(h.cfg, deps, validator, accounts, logger)
}

func (h *harness) manager() *Manager {
	return NewManager(h.cfg, h.deps(), discardLogger())
}

// seed stores a record for domain expiring in d and returns a copy of it.
func (h *harness) seed(domain string, d time.Duration) *CertificateRecord {
	rec := &CertificateRecord{
		Servername: domain,
		PrivateKey: "EXISTING-KEY",
		Cert:       "OLD-CERT",
		Chain:      []string{"OLD-ISSUER"},
		Expires:    time.Now().UTC().Add(d),
		Status:     StatusValid,
	}
	h.store.put(rec)
	c := *rec
	return &c
}

func (h *harness) seedAccount() {
	h.store.accounts[h.cfg.AccountKeyID] = AccountRecord{
		KeyID:      h.cfg.AccountKeyID,
		PrivateKey: "ACCOUNT-KEY",
		URI:        "https://ca.example/acct/0",
		Email:      h.cfg.Email,
	}
}
