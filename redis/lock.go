package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	acme "github.com/caasmo/restinpieces-acme-ondemand"
)

const leasePrefix = "acme:lease:"

var errLeaseHeld = errors.New("lease held by another owner")

// releaseScript deletes the lease only if it still carries our token, so an
// expired and re-acquired lease is never released by the former holder.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements acme.Locker with SET NX PX and a token-checked delete.
type Locker struct {
	client goredis.UniversalClient

	// Polling bounds while waiting for a held lease.
	initialInterval time.Duration
	maxInterval     time.Duration
}

var _ acme.Locker = (*Locker)(nil)

func NewLocker(client goredis.UniversalClient) *Locker {
	if client == nil {
		panic("redis.NewLocker: received nil client")
	}
	return &Locker{
		client:          client,
		initialInterval: 50 * time.Millisecond,
		maxInterval:     2 * time.Second,
	}
}

// Acquire polls for the lease with exponential backoff until maxWait elapses.
func (l *Locker) Acquire(ctx context.Context, key string, ttl, maxWait time.Duration) (*acme.Lease, error) {
	lease := &acme.Lease{Key: leasePrefix + key, Token: uuid.NewString()}

	// A zero MaxElapsedTime would retry forever.
	var bo backoff.BackOff = &backoff.StopBackOff{}
	if maxWait > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = l.initialInterval
		b.MaxInterval = l.maxInterval
		b.MaxElapsedTime = maxWait
		bo = b
	}

	err := backoff.Retry(func() error {
		ok, err := l.client.SetNX(ctx, lease.Key, lease.Token, ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("redis: acquire %s: %w", lease.Key, err))
		}
		if !ok {
			return errLeaseHeld
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	switch {
	case err == nil:
		return lease, nil
	case errors.Is(err, errLeaseHeld):
		return nil, fmt.Errorf("%w: %s after %s", acme.ErrLeaseTimeout, key, maxWait)
	default:
		return nil, err
	}
}

func (l *Locker) Release(ctx context.Context, lease *acme.Lease) error {
	if lease == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{lease.Key}, lease.Token).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", lease.Key, err)
	}
	return nil
}
