package dispatch

import (
	"context"
	"time"
)

// runReaper periodically sweeps expired leases back to queued and promotes
// retry items whose backoff has elapsed. A reaped lease does not burn an
// attempt; only a real publish failure does.
func (d *Dispatcher) runReaper(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.ReapOnce(ctx); err != nil {
				d.logger.Error(ctx, "reap sweep failed", "err", err)
			}
		}
	}
}

// ReapOnce runs a single sweep.
func (d *Dispatcher) ReapOnce(ctx context.Context) error {
	now := d.clock.Now()
	reaped, err := d.queue.ReapExpired(ctx, now)
	if err != nil {
		return err
	}
	if reaped > 0 {
		d.metrics.IncCounter("dispatch_leases_reaped", float64(reaped))
		d.logger.Warn(ctx, "expired leases returned to queue", "count", reaped)
	}
	promoted, err := d.queue.PromoteRetries(ctx, now)
	if err != nil {
		return err
	}
	if promoted > 0 {
		d.metrics.IncCounter("dispatch_retries_promoted", float64(promoted))
	}
	return nil
}
