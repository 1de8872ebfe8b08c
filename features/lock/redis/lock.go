// Package redis provides a Redis-backed scheduler lock. Callers build a
// Redis client, pass it to New, and receive a schedule.Locker whose leases
// expire on their own when a holder dies mid-run.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loopcast/loopcast/engine/schedule"
)

type (
	// Options configures the locker.
	Options struct {
		// Client is the Redis connection backing the locks. Required.
		Client *redis.Client
		// KeyPrefix namespaces lock keys. Defaults to "loopcast:lock:".
		KeyPrefix string
	}

	// Locker implements schedule.Locker with SET NX leases. Each acquisition
	// stores a random token so a stale holder cannot release a lock it no
	// longer owns.
	Locker struct {
		client *redis.Client
		prefix string
	}
)

// releaseScript deletes the key only when the stored token matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// New builds a Locker. The Client field in opts is required.
func New(opts Options) (*Locker, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "loopcast:lock:"
	}
	return &Locker{client: opts.Client, prefix: opts.KeyPrefix}, nil
}

// Acquire takes the named lock for ttl. ok is false when another holder owns
// it. The returned release is safe to call after the lease expired; it only
// deletes the key when this holder's token is still stored.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	full := l.prefix + key
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{full}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lock %q: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

// Name identifies the locker in health reports.
func (l *Locker) Name() string { return "lock-redis" }

// Ping reports Redis connectivity.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ schedule.Locker = (*Locker)(nil)
