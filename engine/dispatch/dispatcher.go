// Package dispatch drains the publishing queue: a pool of workers leases due
// items, calls the platform adapter under its rate limits, and walks each
// item to its terminal state. Exactly one worker handles an item at a time;
// the lease protocol in the queue store guarantees it, and every state change
// is a compare-and-swap so a concurrent cancel wins cleanly.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loopcast/loopcast/config"
	"github.com/loopcast/loopcast/engine/clock"
	"github.com/loopcast/loopcast/engine/content"
	"github.com/loopcast/loopcast/engine/hooks"
	"github.com/loopcast/loopcast/engine/platform"
	"github.com/loopcast/loopcast/engine/queue"
	"github.com/loopcast/loopcast/engine/retry"
	"github.com/loopcast/loopcast/engine/telemetry"
)

type (
	// Options configures a Dispatcher.
	Options struct {
		Queue    queue.Store
		Content  content.Store
		Registry *platform.Registry
		Bus      hooks.Bus
		Clock    clock.Clock
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		// Config tunes the pool; zero values take config defaults.
		Config config.Dispatcher
		// LeaseTTL is how long a leased item stays invisible to other
		// workers.
		LeaseTTL time.Duration
		// Backoff bounds the retry delay between publish attempts.
		Backoff retry.Config
	}

	// Dispatcher owns the worker pool and the lease reaper.
	Dispatcher struct {
		queue    queue.Store
		content  content.Store
		registry *platform.Registry
		bus      hooks.Bus
		clock    clock.Clock
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		cfg      config.Dispatcher
		leaseTTL time.Duration
		backoff  retry.Config
		buckets  *buckets
		// batch is the adaptive lease batch size, shared across workers.
		batch atomic.Int64
	}
)

// New validates opts and constructs a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Queue == nil {
		return nil, errors.New("dispatch: queue store is required")
	}
	if opts.Content == nil {
		return nil, errors.New("dispatch: content store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("dispatch: platform registry is required")
	}
	if opts.Bus == nil {
		opts.Bus = hooks.NewBus()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	def := config.Default().Dispatcher
	if opts.Config.Workers <= 0 {
		opts.Config.Workers = def.Workers
	}
	if opts.Config.BatchMin <= 0 {
		opts.Config.BatchMin = def.BatchMin
	}
	if opts.Config.BatchMax <= 0 {
		opts.Config.BatchMax = def.BatchMax
	}
	if opts.Config.BatchInitial <= 0 {
		opts.Config.BatchInitial = def.BatchInitial
	}
	if opts.Config.PollInterval <= 0 {
		opts.Config.PollInterval = def.PollInterval
	}
	if opts.Config.TargetLatency <= 0 {
		opts.Config.TargetLatency = def.TargetLatency
	}
	if opts.Config.PublishTimeout <= 0 {
		opts.Config.PublishTimeout = def.PublishTimeout
	}
	if opts.Config.ReapInterval <= 0 {
		opts.Config.ReapInterval = def.ReapInterval
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = config.Default().Queue.LeaseTTL
	}
	if opts.Backoff.MaxAttempts <= 0 {
		opts.Backoff = retry.DefaultConfig()
	}
	d := &Dispatcher{
		queue:    opts.Queue,
		content:  opts.Content,
		registry: opts.Registry,
		bus:      opts.Bus,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		cfg:      opts.Config,
		leaseTTL: opts.LeaseTTL,
		backoff:  opts.Backoff,
		buckets:  newBuckets(),
	}
	d.batch.Store(int64(opts.Config.BatchInitial))
	return d, nil
}

// Run blocks running the worker pool and the reaper until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.runReaper(ctx) })
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error { return d.runWorker(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) runWorker(ctx context.Context) error {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error(ctx, "dispatch batch failed", "err", err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// DispatchOnce leases one batch of due items and processes them in this
// goroutine. It reports how many items were leased.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	limit := int(d.batch.Load())
	items, err := d.queue.LeaseDue(ctx, limit, d.clock.Now(), d.leaseTTL, d.registry.DisabledIDs())
	if err != nil {
		return 0, fmt.Errorf("lease due items: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	started := time.Now()
	for _, item := range items {
		d.dispatch(ctx, item)
	}
	d.adjustBatch(time.Since(started), len(items))
	return len(items), nil
}

// adjustBatch halves the batch when per-item latency exceeds the target and
// doubles it when dispatch runs well under, inside [BatchMin, BatchMax].
func (d *Dispatcher) adjustBatch(elapsed time.Duration, n int) {
	perItem := elapsed / time.Duration(n)
	cur := d.batch.Load()
	next := cur
	switch {
	case perItem > d.cfg.TargetLatency:
		next = cur / 2
	case perItem < d.cfg.TargetLatency/2:
		next = cur * 2
	}
	if next < int64(d.cfg.BatchMin) {
		next = int64(d.cfg.BatchMin)
	}
	if next > int64(d.cfg.BatchMax) {
		next = int64(d.cfg.BatchMax)
	}
	if next != cur {
		d.batch.CompareAndSwap(cur, next)
		d.metrics.RecordGauge("dispatch_batch_size", float64(next))
	}
}

// dispatch drives one leased item through a publish attempt. Every state
// change is a compare-and-swap; losing one means a cancel won and the item is
// dropped on the floor, publish result included.
func (d *Dispatcher) dispatch(ctx context.Context, item queue.Item) {
	adapter, err := d.registry.Resolve(item.Platform)
	if err != nil {
		// Disabled or unregistered since leasing. Put the item back.
		d.release(ctx, item, err.Error())
		return
	}

	item, err = d.queue.Transition(ctx, item.ID, queue.StatusLeased, func(it *queue.Item) {
		it.Status = queue.StatusPublishing
	})
	if err != nil {
		d.logDroppedRace(ctx, item.ID, "leased->publishing", err)
		return
	}

	if err := d.buckets.wait(ctx, adapter, "publish"); err != nil {
		d.release(context.WithoutCancel(ctx), item, "rate limit wait interrupted")
		return
	}

	attempt := item.AttemptCount + 1
	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	result, pubErr := adapter.Publish(pubCtx, publishRequest(item))
	cancel()

	if pubErr == nil {
		d.succeed(ctx, item, attempt, result)
		return
	}
	if ctx.Err() != nil {
		// The run context died mid-publish: a shutdown, not a platform
		// verdict. Put the item back without burning an attempt so the next
		// process picks it up. The store write needs a live context.
		d.release(context.WithoutCancel(ctx), item, "dispatch interrupted by shutdown")
		d.metrics.IncCounter("dispatch_interrupted", 1, "platform", item.Platform)
		return
	}
	d.fail(ctx, adapter, item, attempt, pubErr)
}

// publishRequest assembles the adapter call from the item's payload. The
// queue item id doubles as the idempotency key so a redelivered item cannot
// double-post on platforms that honor it.
func publishRequest(item queue.Item) platform.PublishRequest {
	req := platform.PublishRequest{
		VariantID: item.VariantID,
		MediaURLs: stringSlice(item.Metadata["media_urls"]),
		Hashtags:  stringSlice(item.Metadata["hashtags"]),
		Metadata:  map[string]any{"idempotency_key": item.ID.String()},
	}
	if caption, ok := item.Metadata["caption"].(string); ok {
		req.Caption = caption
	}
	return req
}

// stringSlice tolerates both []string and the []any a JSON round-trip
// produces.
func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, e := range vals {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (d *Dispatcher) succeed(ctx context.Context, item queue.Item, attempt int, result platform.PublishResult) {
	publishedAt := result.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = d.clock.Now()
	}
	updated, err := d.queue.Transition(ctx, item.ID, queue.StatusPublishing, func(it *queue.Item) {
		it.Status = queue.StatusPublished
		it.AttemptCount = attempt
		it.LastError = ""
		it.LeaseExpiresAt = nil
		it.PublishedAt = &publishedAt
		it.PlatformPostID = result.PlatformPostID
		it.PlatformURL = result.PlatformURL
	})
	if err != nil {
		// A cancel raced the publish. The post exists on the platform but the
		// item stays cancelled; surface it loudly for the operator.
		d.logger.Warn(ctx, "publish succeeded after cancel, platform post orphaned",
			"item_id", item.ID, "platform", item.Platform, "platform_post_id", result.PlatformPostID)
		return
	}

	if err := d.updateVariantPublished(ctx, updated, publishedAt); err != nil {
		d.logger.Error(ctx, "variant update after publish failed",
			"item_id", item.ID, "variant_id", item.VariantID, "err", err)
	}
	d.metrics.IncCounter("dispatch_published", 1, "platform", item.Platform)
	d.logger.Info(ctx, "published",
		"item_id", item.ID, "variant_id", item.VariantID, "platform", item.Platform,
		"platform_post_id", result.PlatformPostID, "attempt", attempt)

	if err := d.bus.Publish(ctx, hooks.Event{
		Type: hooks.EventPublished,
		Published: &hooks.PublishedEvent{
			QueueItemID:    updated.ID,
			VariantID:      updated.VariantID,
			ContentID:      updated.ContentID,
			WorkspaceID:    updated.WorkspaceID,
			Platform:       updated.Platform,
			PlatformPostID: result.PlatformPostID,
			PlatformURL:    result.PlatformURL,
			PublishedAt:    publishedAt,
		},
	}); err != nil {
		d.logger.Error(ctx, "published event delivery failed", "item_id", item.ID, "err", err)
	}
}

func (d *Dispatcher) fail(ctx context.Context, adapter platform.Adapter, item queue.Item, attempt int, pubErr error) {
	switch platform.ClassOf(pubErr) {
	case platform.ClassAuthExpired:
		// Credentials problem, not a content problem: disable the platform,
		// keep the item queued and do not burn an attempt.
		d.registry.Disable(item.Platform, pubErr.Error())
		d.logger.Warn(ctx, "platform disabled on expired credentials",
			"platform", item.Platform, "item_id", item.ID, "err", pubErr)
		d.metrics.IncCounter("dispatch_auth_expired", 1, "platform", item.Platform)
		d.release(ctx, item, pubErr.Error())

	case platform.ClassTransient:
		if attempt >= item.MaxAttempts {
			// Before declaring failure, check whether an ambiguous attempt
			// actually landed.
			if postID, url := d.lookupRecent(ctx, adapter, item, pubErr); postID != "" {
				d.succeed(ctx, item, attempt, platform.PublishResult{PlatformPostID: postID, PlatformURL: url})
				return
			}
			d.terminate(ctx, item, attempt, pubErr)
			return
		}
		delay := retry.Backoff(d.backoff, attempt)
		next := d.clock.Now().Add(delay)
		_, err := d.queue.Transition(ctx, item.ID, queue.StatusPublishing, func(it *queue.Item) {
			it.Status = queue.StatusRetry
			it.AttemptCount = attempt
			it.LastError = pubErr.Error()
			it.LeaseExpiresAt = nil
			it.ScheduledFor = next
		})
		if err != nil {
			d.logDroppedRace(ctx, item.ID, "publishing->retry", err)
			return
		}
		d.metrics.IncCounter("dispatch_retry", 1, "platform", item.Platform)
		d.logger.Info(ctx, "publish attempt failed, retrying",
			"item_id", item.ID, "platform", item.Platform, "attempt", attempt,
			"next_attempt_at", next, "err", pubErr)

	default:
		d.terminate(ctx, item, attempt, pubErr)
	}
}

// lookupRecent consults the adapter's idempotency capability after an
// ambiguous final failure. Empty results mean the publish genuinely did not
// land.
func (d *Dispatcher) lookupRecent(ctx context.Context, adapter platform.Adapter, item queue.Item, pubErr error) (postID, url string) {
	if !platform.Ambiguous(pubErr) {
		return "", ""
	}
	lookup, ok := adapter.(platform.RecentLookup)
	if !ok {
		return "", ""
	}
	postID, err := lookup.LookupRecent(ctx, item.VariantID)
	if err != nil {
		d.logger.Warn(ctx, "recent post lookup failed",
			"item_id", item.ID, "platform", item.Platform, "err", err)
		return "", ""
	}
	if postID != "" {
		d.logger.Info(ctx, "ambiguous publish recovered via recent lookup",
			"item_id", item.ID, "platform", item.Platform, "platform_post_id", postID)
	}
	return postID, ""
}

// terminate moves the item to failed and marks the variant.
func (d *Dispatcher) terminate(ctx context.Context, item queue.Item, attempt int, pubErr error) {
	updated, err := d.queue.Transition(ctx, item.ID, queue.StatusPublishing, func(it *queue.Item) {
		it.Status = queue.StatusFailed
		it.AttemptCount = attempt
		it.LastError = pubErr.Error()
		it.LeaseExpiresAt = nil
	})
	if err != nil {
		d.logDroppedRace(ctx, item.ID, "publishing->failed", err)
		return
	}
	if verr := d.updateVariantStatus(ctx, updated.VariantID, content.VariantFailed); verr != nil {
		d.logger.Error(ctx, "variant update after failure failed",
			"item_id", item.ID, "variant_id", item.VariantID, "err", verr)
	}
	d.metrics.IncCounter("dispatch_failed", 1, "platform", item.Platform)
	d.logger.Error(ctx, "publish failed terminally",
		"item_id", item.ID, "platform", item.Platform, "attempt", attempt, "err", pubErr)
}

// release returns a leased or publishing item to queued without burning an
// attempt.
func (d *Dispatcher) release(ctx context.Context, item queue.Item, reason string) {
	_, err := d.queue.Transition(ctx, item.ID, item.Status, func(it *queue.Item) {
		it.Status = queue.StatusQueued
		it.LeaseExpiresAt = nil
		it.LastError = reason
	})
	if err != nil {
		d.logDroppedRace(ctx, item.ID, "release", err)
	}
}

func (d *Dispatcher) logDroppedRace(ctx context.Context, id uuid.UUID, edge string, err error) {
	if errors.Is(err, queue.ErrConflict) {
		d.logger.Debug(ctx, "state change lost to concurrent transition, dropping item",
			"item_id", id, "edge", edge)
		return
	}
	d.logger.Error(ctx, "queue transition failed", "item_id", id, "edge", edge, "err", err)
}

func (d *Dispatcher) updateVariantPublished(ctx context.Context, item queue.Item, publishedAt time.Time) error {
	v, err := d.content.GetVariant(ctx, item.VariantID)
	if err != nil {
		return err
	}
	v.Status = content.VariantPublished
	v.PlatformPostID = item.PlatformPostID
	v.PlatformURL = item.PlatformURL
	v.PublishedAt = &publishedAt
	v.UpdatedAt = d.clock.Now()
	return d.content.UpdateVariant(ctx, v)
}

func (d *Dispatcher) updateVariantStatus(ctx context.Context, variantID uuid.UUID, status content.VariantStatus) error {
	v, err := d.content.GetVariant(ctx, variantID)
	if err != nil {
		return err
	}
	v.Status = status
	v.UpdatedAt = d.clock.Now()
	return d.content.UpdateVariant(ctx, v)
}
