// Package redis provides the cluster coordination state of the certificate
// manager: the per-domain renewal lease and the failure cooldown flag. Both
// live in Redis under separate key prefixes with their own TTL semantics.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
)

var (
	ErrFailedToParseRedisConnString = errors.New("failed to parse redis connection string")
	ErrRedisNotReady                = errors.New("redis did not become ready within the given time period")
	ErrEmptyConnectionURL           = errors.New("empty redis connection URL")
)

// Config controls Connect.
type Config struct {
	ConnectionURL  string
	RetryAttempts  int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

// Connect parses cfg.ConnectionURL (redis://, rediss:// or unix://) and pings
// the server with exponential backoff until it answers or the attempts are
// exhausted.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.ConnectionURL == "" {
		return nil, ErrEmptyConnectionURL
	}
	opts, err := goredis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToParseRedisConnString, err)
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	client := goredis.NewClient(opts)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryInterval
	retry := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.RetryAttempts-1)), ctx)
	err = backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, retry)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrRedisNotReady, err)
	}
	return client, nil
}
