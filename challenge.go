package acme

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-acme/lego/v4/challenge"
)

var _ challenge.Provider = (*HTTPChallengeResponder)(nil)

// HTTPChallengeResponder publishes HTTP-01 key authorizations to the shared
// challenge store. Serving them under /.well-known/acme-challenge/ is left to
// the HTTP layer of every node.
type HTTPChallengeResponder struct {
	store   ChallengeStore
	timeout time.Duration
	logger  *slog.Logger
}

func NewHTTPChallengeResponder(store ChallengeStore, logger *slog.Logger) *HTTPChallengeResponder {
	if store == nil || logger == nil {
		panic("NewHTTPChallengeResponder: received nil store or logger")
	}
	return &HTTPChallengeResponder{
		store:   store,
		timeout: 10 * time.Second,
		logger:  logger.With("component", "http01_responder"),
	}
}

func (r *HTTPChallengeResponder) Present(domain, token, keyAuth string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.PutChallenge(ctx, domain, token, keyAuth); err != nil {
		return fmt.Errorf("failed to publish challenge for %s: %w", domain, err)
	}
	r.logger.Debug("challenge published", "domain", domain, "token", token)
	return nil
}

func (r *HTTPChallengeResponder) CleanUp(domain, token, keyAuth string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.DeleteChallenge(ctx, token); err != nil {
		return fmt.Errorf("failed to remove challenge for %s: %w", domain, err)
	}
	return nil
}
