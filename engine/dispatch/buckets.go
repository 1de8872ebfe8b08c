package dispatch

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/loopcast/loopcast/engine/platform"
)

// limiterTTL bounds how long an idle per-platform limiter stays cached.
// Re-creating a limiter after idleness is harmless: a fresh bucket starts
// full, and an idle platform has earned its burst back anyway.
const limiterTTL = time.Hour

// buckets hands out one token-bucket limiter per (platform, method) pair,
// derived from the adapter's advertised limits. Methods without a limit
// descriptor run unthrottled.
type buckets struct {
	limiters *gocache.Cache
}

func newBuckets() *buckets {
	return &buckets{limiters: gocache.New(limiterTTL, 10*time.Minute)}
}

// wait blocks until the (platform, method) bucket grants a token or ctx is
// done.
func (b *buckets) wait(ctx context.Context, adapter platform.Adapter, method string) error {
	limits := adapter.RateLimits()
	lim, ok := limits[method]
	if !ok || lim.PerMinute <= 0 {
		return nil
	}
	key := adapter.ID() + "/" + method
	if cached, found := b.limiters.Get(key); found {
		return cached.(*rate.Limiter).Wait(ctx)
	}
	burst := lim.Burst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(lim.PerMinute/60.0), burst)
	// Add loses the race to a concurrent insert; re-read so every caller
	// shares one bucket.
	if err := b.limiters.Add(key, limiter, gocache.DefaultExpiration); err != nil {
		if cached, found := b.limiters.Get(key); found {
			limiter = cached.(*rate.Limiter)
		}
	}
	return limiter.Wait(ctx)
}
