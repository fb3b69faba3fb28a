package acme

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type initState int

const (
	stateUninitialized initState = iota
	stateInitializing
	stateReady
)

func (s initState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	default:
		return "unknown"
	}
}

var errDirectoryMismatch = errors.New("acme client bound to another directory")

// initCall is the shared completion every concurrent ensureReady caller waits on.
type initCall struct {
	done chan struct{}
	err  error
}

// AccountProvisioner makes sure one ACME account exists per account key
// identifier. Its state lives for the process lifetime.
type AccountProvisioner struct {
	ca     CAClient
	store  Store
	keys   KeyGenerator
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     initState
	pending   *initCall
	directory string

	group singleflight.Group
}

func NewAccountProvisioner(ca CAClient, store Store, keys KeyGenerator, logger *slog.Logger) *AccountProvisioner {
	if ca == nil || store == nil || keys == nil || logger == nil {
		panic("NewAccountProvisioner: received nil ca, store, keys or logger")
	}
	return &AccountProvisioner{
		ca:     ca,
		store:  store,
		keys:   keys,
		logger: logger.With("component", "account_provisioner"),
		now:    time.Now,
	}
}

// ensureReady initializes the CA client exactly once. Callers arriving while
// initialization runs wait for the same outcome. A failed initialization
// resets the state so that a later call tries again. Once bound, the client
// only serves its first directory.
func (p *AccountProvisioner) ensureReady(ctx context.Context, directoryURL string) error {
	p.mu.Lock()
	if p.state != stateUninitialized && p.directory != directoryURL {
		bound := p.directory
		p.mu.Unlock()
		return fmt.Errorf("%w: %s, requested %s", errDirectoryMismatch, bound, directoryURL)
	}
	switch p.state {
	case stateReady:
		p.mu.Unlock()
		return nil
	case stateInitializing:
		call := p.pending
		p.mu.Unlock()
		return p.wait(ctx, call)
	}

	call := &initCall{done: make(chan struct{})}
	p.state = stateInitializing
	p.pending = call
	p.directory = directoryURL
	p.mu.Unlock()

	// Waiters share this run, so the first caller's cancellation must not
	// reject them.
	go func() {
		err := p.ca.Init(context.WithoutCancel(ctx), directoryURL)

		p.mu.Lock()
		if err != nil {
			p.state = stateUninitialized
			p.directory = ""
			call.err = fmt.Errorf("acme client init: %w", err)
			p.logger.Error("ACME client initialization failed", "directory", directoryURL, "error", err)
		} else {
			p.state = stateReady
			p.logger.Info("ACME client initialized", "directory", directoryURL)
		}
		p.pending = nil
		p.mu.Unlock()
		close(call.done)
	}()

	return p.wait(ctx, call)
}

func (p *AccountProvisioner) wait(ctx context.Context, call *initCall) error {
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetAccount returns the account for opts.AccountKeyID, registering one with
// the CA on first use. The provisioner is bound to the directory of its first
// successful initialization; other directories are rejected.
func (p *AccountProvisioner) GetAccount(ctx context.Context, opts Options) (*AccountRecord, error) {
	if err := p.ensureReady(ctx, opts.DirectoryURL); err != nil {
		return nil, err
	}

	// Concurrent first-time callers in this process share one registration.
	// Other processes can still race to create the same account. The shared
	// run outlives any single caller so that a registered account is always
	// persisted.
	ch := p.group.DoChan(opts.AccountKeyID, func() (interface{}, error) {
		return p.getOrCreate(context.WithoutCancel(ctx), opts)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			p.logger.Debug("account lookup coalesced", "key_id", opts.AccountKeyID)
		}
		acct := *res.Val.(*AccountRecord)
		return &acct, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *AccountProvisioner) getOrCreate(ctx context.Context, opts Options) (*AccountRecord, error) {
	existing, err := p.store.GetAccount(ctx, opts.AccountKeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %q: %w", opts.AccountKeyID, err)
	}
	if existing != nil {
		return existing, nil
	}

	p.logger.Info("No ACME account stored, registering", "key_id", opts.AccountKeyID, "email", opts.ContactEmail)
	keyPEM, err := p.keys.GenerateKey(opts.KeyBits, opts.KeyExponent)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	uri, err := p.ca.CreateAccount(ctx, AccountRequest{PrivateKey: keyPEM, Email: opts.ContactEmail})
	if err != nil {
		return nil, fmt.Errorf("ACME registration failed for %s: %w", opts.ContactEmail, err)
	}

	acct := &AccountRecord{
		KeyID:      opts.AccountKeyID,
		PrivateKey: keyPEM,
		URI:        uri,
		Email:      opts.ContactEmail,
		CreatedAt:  p.now().UTC(),
	}
	if err := p.store.PutAccount(ctx, opts.AccountKeyID, *acct); err != nil {
		return nil, fmt.Errorf("failed to persist account %q: %w", opts.AccountKeyID, err)
	}
	p.logger.Info("ACME account registered", "key_id", opts.AccountKeyID, "uri", uri)
	return acct, nil
}
