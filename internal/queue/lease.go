package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// releaseScript deletes the key only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a SET NX lock with a TTL so a crashed holder cannot wedge bookings.
type Lease struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewLease(client *redis.Client, prefix string, ttl time.Duration) *Lease {
	return &Lease{client: client, prefix: prefix, ttl: ttl}
}

func (l *Lease) Acquire(ctx context.Context, key, holder string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return ok, nil
}

func (l *Lease) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, holder).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
