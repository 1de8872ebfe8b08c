package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loopcast/loopcast/config"
	"github.com/loopcast/loopcast/engine/clock"
	"github.com/loopcast/loopcast/engine/content"
	contentinmem "github.com/loopcast/loopcast/engine/content/inmem"
	"github.com/loopcast/loopcast/engine/dispatch"
	"github.com/loopcast/loopcast/engine/hooks"
	"github.com/loopcast/loopcast/engine/platform"
	"github.com/loopcast/loopcast/engine/platform/platformtest"
	"github.com/loopcast/loopcast/engine/queue"
	queueinmem "github.com/loopcast/loopcast/engine/queue/inmem"
	"github.com/loopcast/loopcast/engine/retry"
)

type fixture struct {
	dispatcher *dispatch.Dispatcher
	content    *contentinmem.Store
	queue      *queueinmem.Store
	qsvc       *queue.Service
	registry   *platform.Registry
	bus        hooks.Bus
	clk        *clock.Fake

	mu     sync.Mutex
	events []hooks.PublishedEvent
}

func newFixture(t *testing.T, adapter platform.Adapter) *fixture {
	t.Helper()
	f := &fixture{
		content:  contentinmem.New(),
		queue:    queueinmem.New(),
		registry: platform.NewRegistry(),
		bus:      hooks.NewBus(),
		clk:      clock.NewFake(time.Time{}),
	}
	require.NoError(t, f.registry.Register(adapter))

	qsvc, err := queue.NewService(queue.Options{Store: f.queue, Clock: f.clk})
	require.NoError(t, err)
	f.qsvc = qsvc

	_, err = f.bus.Register(hooks.SubscriberFunc(func(_ context.Context, e hooks.Event) error {
		if e.Type == hooks.EventPublished {
			f.mu.Lock()
			f.events = append(f.events, *e.Published)
			f.mu.Unlock()
		}
		return nil
	}))
	require.NoError(t, err)

	d, err := dispatch.New(dispatch.Options{
		Queue:    f.queue,
		Content:  f.content,
		Registry: f.registry,
		Bus:      f.bus,
		Clock:    f.clk,
		Config:   config.Default().Dispatcher,
		LeaseTTL: 5 * time.Minute,
		Backoff:  retry.Config{MaxAttempts: 3, Base: time.Millisecond, Cap: time.Millisecond},
	})
	require.NoError(t, err)
	f.dispatcher = d
	return f
}

func (f *fixture) publishedEvents() []hooks.PublishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hooks.PublishedEvent, len(f.events))
	copy(out, f.events)
	return out
}

// enqueueDue creates a queued variant and a due queue item for it.
func (f *fixture) enqueueDue(t *testing.T, platformID string) (uuid.UUID, content.Variant) {
	t.Helper()
	ctx := context.Background()
	item := content.Item{WorkspaceID: uuid.New(), Type: content.TypeVideo, Title: "clip", CreatedAt: f.clk.Now()}
	require.NoError(t, f.content.CreateItem(ctx, &item))
	v := content.Variant{ContentID: item.ID, Platform: platformID, Status: content.VariantQueued, CreatedAt: f.clk.Now()}
	require.NoError(t, f.content.CreateVariant(ctx, &v))

	id, err := f.qsvc.Enqueue(ctx, queue.EnqueueInput{
		WorkspaceID:  item.WorkspaceID,
		VariantID:    v.ID,
		ContentID:    item.ID,
		Platform:     platformID,
		ScheduledFor: f.clk.Now(),
		Metadata: map[string]any{
			"media_urls": []string{"https://media.example/clip.mp4"},
			"caption":    "clip",
		},
	})
	require.NoError(t, err)
	return id, v
}

// drive runs dispatch rounds, promoting retries between rounds, until the
// item leaves the active states or rounds are exhausted.
func (f *fixture) drive(t *testing.T, id uuid.UUID, rounds int) queue.Item {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < rounds; i++ {
		_, err := f.dispatcher.DispatchOnce(ctx)
		require.NoError(t, err)
		got, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		if got.Status.Terminal() {
			return got
		}
		f.clk.Advance(2 * time.Second)
		require.NoError(t, f.dispatcher.ReapOnce(ctx))
	}
	got, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	return got
}

func TestPublishSucceedsAfterTransientFailures(t *testing.T) {
	boom := platform.Transient("test", "publish", errors.New("rate limited"))
	adapter := &platformtest.Adapter{PublishErrs: []error{boom, boom, nil}}
	f := newFixture(t, adapter)
	id, v := f.enqueueDue(t, "test")

	got := f.drive(t, id, 3)
	require.Equal(t, queue.StatusPublished, got.Status)
	require.Equal(t, 3, got.AttemptCount)
	require.Equal(t, 3, adapter.PublishCalls())
	require.NotEmpty(t, got.PlatformPostID)
	require.NotNil(t, got.PublishedAt)

	updated, err := f.content.GetVariant(context.Background(), v.ID)
	require.NoError(t, err)
	require.Equal(t, content.VariantPublished, updated.Status)
	require.Equal(t, got.PlatformPostID, updated.PlatformPostID)

	events := f.publishedEvents()
	require.Len(t, events, 1, "exactly one publish for the item")
	require.Equal(t, id, events[0].QueueItemID)
}

func TestExpiredLeaseIsRedeliveredWithoutBurningAttempt(t *testing.T) {
	adapter := &platformtest.Adapter{}
	f := newFixture(t, adapter)
	id, _ := f.enqueueDue(t, "test")
	ctx := context.Background()

	// A worker leases the item and dies before publishing.
	leased, err := f.queue.LeaseDue(ctx, 1, f.clk.Now(), time.Minute, nil)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	// Before the lease expires nothing is redelivered.
	n, err := f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clk.Advance(2 * time.Minute)
	require.NoError(t, f.dispatcher.ReapOnce(ctx))

	got := f.drive(t, id, 1)
	require.Equal(t, queue.StatusPublished, got.Status)
	require.Equal(t, 1, got.AttemptCount, "a reaped lease is not a failed attempt")
	require.Equal(t, 1, adapter.PublishCalls())
	require.Len(t, f.publishedEvents(), 1)
}

func TestPermanentFailureTerminatesImmediately(t *testing.T) {
	adapter := &platformtest.Adapter{
		PublishErrs: []error{platform.Permanent("test", "publish", errors.New("caption rejected"))},
	}
	f := newFixture(t, adapter)
	id, v := f.enqueueDue(t, "test")

	got := f.drive(t, id, 1)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Equal(t, 1, got.AttemptCount)
	require.Contains(t, got.LastError, "caption rejected")
	require.Equal(t, 1, adapter.PublishCalls())

	updated, err := f.content.GetVariant(context.Background(), v.ID)
	require.NoError(t, err)
	require.Equal(t, content.VariantFailed, updated.Status)
	require.Empty(t, f.publishedEvents())
}

func TestAuthExpiredDisablesPlatformAndPreservesWork(t *testing.T) {
	adapter := &platformtest.Adapter{
		PublishErrs: []error{platform.AuthExpired("test", "publish", errors.New("token revoked"))},
	}
	f := newFixture(t, adapter)
	id, _ := f.enqueueDue(t, "test")
	ctx := context.Background()

	n, err := f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, got.Status)
	require.Zero(t, got.AttemptCount, "credentials failures do not burn attempts")
	require.True(t, f.registry.Disabled("test"))

	// The disabled platform's work stays invisible to the pool.
	n, err = f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, adapter.PublishCalls())

	// Re-enabling resumes delivery.
	f.registry.Enable("test")
	got = f.drive(t, id, 1)
	require.Equal(t, queue.StatusPublished, got.Status)
	require.Equal(t, 1, got.AttemptCount)
}

func TestAmbiguousExhaustionRecoversThroughRecentLookup(t *testing.T) {
	timeout := platform.Transient("test", "publish", errors.New("gateway timeout"))
	base := &platformtest.Adapter{PublishErrs: []error{timeout, timeout, timeout}}
	adapter := &platformtest.WithLookup{Adapter: base, Recent: map[uuid.UUID]string{}}
	f := newFixture(t, adapter)
	id, v := f.enqueueDue(t, "test")
	adapter.Recent[v.ID] = "test-post-recovered"

	got := f.drive(t, id, 3)
	require.Equal(t, queue.StatusPublished, got.Status)
	require.Equal(t, "test-post-recovered", got.PlatformPostID)
	require.Equal(t, 3, got.AttemptCount)

	events := f.publishedEvents()
	require.Len(t, events, 1)
	require.Equal(t, "test-post-recovered", events[0].PlatformPostID)
}

func TestAmbiguousExhaustionWithoutLookupFails(t *testing.T) {
	timeout := platform.Transient("test", "publish", errors.New("gateway timeout"))
	adapter := &platformtest.Adapter{PublishErrs: []error{timeout, timeout, timeout}}
	f := newFixture(t, adapter)
	id, _ := f.enqueueDue(t, "test")

	got := f.drive(t, id, 3)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Equal(t, 3, got.AttemptCount)
	require.Empty(t, f.publishedEvents())
}

// cancelingAdapter cancels the queue item while its own publish is in
// flight, modeling an operator cancel racing the dispatcher.
type cancelingAdapter struct {
	*platformtest.Adapter
	store  *queueinmem.Store
	itemID uuid.UUID
}

func (c *cancelingAdapter) Publish(ctx context.Context, req platform.PublishRequest) (platform.PublishResult, error) {
	_, err := c.store.Transition(ctx, c.itemID, queue.StatusPublishing, func(it *queue.Item) {
		it.Status = queue.StatusCancelled
	})
	if err != nil {
		return platform.PublishResult{}, err
	}
	return c.Adapter.Publish(ctx, req)
}

func TestCancelDuringFlightDiscardsResult(t *testing.T) {
	adapter := &cancelingAdapter{Adapter: &platformtest.Adapter{}}
	f := newFixture(t, adapter)
	id, v := f.enqueueDue(t, "test")
	adapter.store = f.queue
	adapter.itemID = id
	ctx := context.Background()

	n, err := f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, got.Status, "cancel wins the race")
	require.Empty(t, got.PlatformPostID)

	updated, err := f.content.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, content.VariantQueued, updated.Status, "variant untouched when the result is discarded")
	require.Empty(t, f.publishedEvents())
}

// stallingAdapter blocks its first publish until the caller's context dies,
// modeling a process shutdown with a publish in flight.
type stallingAdapter struct {
	*platformtest.Adapter
	mu      sync.Mutex
	stalled bool
}

func (a *stallingAdapter) Publish(ctx context.Context, req platform.PublishRequest) (platform.PublishResult, error) {
	a.mu.Lock()
	first := !a.stalled
	a.stalled = true
	a.mu.Unlock()
	if first {
		<-ctx.Done()
		return platform.PublishResult{}, ctx.Err()
	}
	return a.Adapter.Publish(ctx, req)
}

func TestShutdownMidPublishReleasesItemWithoutBurningAttempt(t *testing.T) {
	adapter := &stallingAdapter{Adapter: &platformtest.Adapter{}}
	f := newFixture(t, adapter)
	id, v := f.enqueueDue(t, "test")

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.dispatcher.DispatchOnce(runCtx) //nolint:errcheck
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	ctx := context.Background()
	got, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, got.Status, "shutdown releases, never terminates")
	require.Zero(t, got.AttemptCount, "interrupted attempt does not count")

	// The next process finishes the job on its first real attempt.
	n, err := f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err = f.queue.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPublished, got.Status)
	require.Equal(t, 1, got.AttemptCount)

	updated, err := f.content.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, content.VariantPublished, updated.Status)
}

func TestDispatchHonorsPublishRateLimit(t *testing.T) {
	adapter := &platformtest.Adapter{
		Limits: map[string]platform.RateLimit{
			"publish": {PerMinute: 600, Burst: 2},
		},
	}
	f := newFixture(t, adapter)
	ids := make([]uuid.UUID, 0, 3)
	for i := 0; i < 3; i++ {
		id, _ := f.enqueueDue(t, "test")
		ids = append(ids, id)
	}

	started := time.Now()
	ctx := context.Background()
	for {
		n, err := f.dispatcher.DispatchOnce(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}
	// Burst of 2 is free; the third publish waits for one token at 10/s.
	require.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
	for _, id := range ids {
		got, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, queue.StatusPublished, got.Status)
	}
}
