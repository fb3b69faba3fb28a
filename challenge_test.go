package acme

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memChallengeStore struct {
	mu     sync.Mutex
	tokens map[string]string
	err    error
}

func (s *memChallengeStore) PutChallenge(ctx context.Context, domain, token, keyAuth string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tokens[token] = keyAuth
	return nil
}

func (s *memChallengeStore) GetChallenge(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keyAuth, ok := s.tokens[token]
	if !ok {
		return "", errors.New("not found")
	}
	return keyAuth, nil
}

func (s *memChallengeStore) DeleteChallenge(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.tokens, token)
	return nil
}

func TestHTTPChallengeResponder(t *testing.T) {
	t.Parallel()

	store := &memChallengeStore{tokens: make(map[string]string)}
	r := NewHTTPChallengeResponder(store, discardLogger())

	require.NoError(t, r.Present("example.com", "token", "token.thumbprint"))
	keyAuth, err := store.GetChallenge(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, "token.thumbprint", keyAuth)

	require.NoError(t, r.CleanUp("example.com", "token", "token.thumbprint"))
	_, err = store.GetChallenge(context.Background(), "token")
	assert.Error(t, err)
}

func TestHTTPChallengeResponderStoreError(t *testing.T) {
	t.Parallel()

	errStore := errors.New("database is locked")
	store := &memChallengeStore{tokens: make(map[string]string), err: errStore}
	r := NewHTTPChallengeResponder(store, discardLogger())

	assert.ErrorIs(t, r.Present("example.com", "token", "keyauth"), errStore)
	assert.ErrorIs(t, r.CleanUp("example.com", "token", "keyauth"), errStore)
}
