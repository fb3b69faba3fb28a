package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	acme "github.com/caasmo/restinpieces-acme-ondemand"
)

const cooldownPrefix = "acme:cooldown:"

// Cooldown implements acme.Cooldown as self-expiring keys. It has no owner:
// presence is all that matters.
type Cooldown struct {
	client goredis.UniversalClient
	now    func() time.Time
}

var _ acme.Cooldown = (*Cooldown)(nil)

func NewCooldown(client goredis.UniversalClient) *Cooldown {
	if client == nil {
		panic("redis.NewCooldown: received nil client")
	}
	return &Cooldown{client: client, now: time.Now}
}

func (c *Cooldown) Active(ctx context.Context, domain string) (bool, error) {
	n, err := c.client.Exists(ctx, cooldownPrefix+domain).Result()
	if err != nil {
		return false, fmt.Errorf("redis: cooldown %s: %w", domain, err)
	}
	return n > 0, nil
}

// Set records the failure time. A later failure restarts the TTL.
func (c *Cooldown) Set(ctx context.Context, domain string, ttl time.Duration) error {
	if err := c.client.Set(ctx, cooldownPrefix+domain, acme.TimeFormat(c.now()), ttl).Err(); err != nil {
		return fmt.Errorf("redis: set cooldown %s: %w", domain, err)
	}
	return nil
}
