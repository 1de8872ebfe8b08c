package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loopcast/loopcast/engine/clock"
	"github.com/loopcast/loopcast/engine/queue"
	"github.com/loopcast/loopcast/engine/queue/inmem"
)

func newService(t *testing.T) (*queue.Service, *inmem.Store, *clock.Fake) {
	t.Helper()
	store := inmem.New()
	clk := clock.NewFake(time.Time{})
	svc, err := queue.NewService(queue.Options{Store: store, Clock: clk})
	require.NoError(t, err)
	return svc, store, clk
}

func TestEnqueueRejectsDuplicatePair(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()
	in := queue.EnqueueInput{
		WorkspaceID:  uuid.New(),
		VariantID:    uuid.New(),
		Platform:     "x",
		ScheduledFor: clk.Now().Add(time.Hour),
	}
	_, err := svc.Enqueue(ctx, in)
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, in)
	require.ErrorIs(t, err, queue.ErrConflict)
}

func TestEnqueueValidation(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()
	_, err := svc.Enqueue(ctx, queue.EnqueueInput{Platform: "x", ScheduledFor: clk.Now()})
	require.ErrorIs(t, err, queue.ErrInvalid)
	_, err = svc.Enqueue(ctx, queue.EnqueueInput{VariantID: uuid.New(), ScheduledFor: clk.Now()})
	require.ErrorIs(t, err, queue.ErrInvalid)
	_, err = svc.Enqueue(ctx, queue.EnqueueInput{VariantID: uuid.New(), Platform: "x"})
	require.ErrorIs(t, err, queue.ErrInvalid)
}

func TestCancelQueuedItem(t *testing.T) {
	svc, store, clk := newService(t)
	ctx := context.Background()
	id, err := svc.Enqueue(ctx, queue.EnqueueInput{
		VariantID: uuid.New(), Platform: "x", ScheduledFor: clk.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	ok, err := svc.Cancel(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, got.Status)
}

func TestCancelTerminalItemIsNoop(t *testing.T) {
	svc, store, clk := newService(t)
	ctx := context.Background()
	id, err := svc.Enqueue(ctx, queue.EnqueueInput{
		VariantID: uuid.New(), Platform: "x", ScheduledFor: clk.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	// Walk the item to published.
	_, err = store.LeaseDue(ctx, 1, clk.Now(), time.Minute, nil)
	require.NoError(t, err)
	_, err = store.Transition(ctx, id, queue.StatusLeased, func(it *queue.Item) { it.Status = queue.StatusPublishing })
	require.NoError(t, err)
	_, err = store.Transition(ctx, id, queue.StatusPublishing, func(it *queue.Item) { it.Status = queue.StatusPublished })
	require.NoError(t, err)

	ok, err := svc.Cancel(ctx, id)
	require.NoError(t, err)
	require.False(t, ok, "cancel on published is a no-op returning false")
}

func TestRescheduleIsMonotonic(t *testing.T) {
	svc, store, clk := newService(t)
	ctx := context.Background()
	due := clk.Now().Add(time.Hour)
	id, err := svc.Enqueue(ctx, queue.EnqueueInput{VariantID: uuid.New(), Platform: "x", ScheduledFor: due})
	require.NoError(t, err)

	_, err = svc.Reschedule(ctx, id, due.Add(-time.Minute))
	require.ErrorIs(t, err, queue.ErrInvalid)

	ok, err := svc.Reschedule(ctx, id, due.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, due.Add(time.Hour), got.ScheduledFor)
	require.Equal(t, queue.StatusQueued, got.Status)
}

func TestRetryRevivesFailedItem(t *testing.T) {
	svc, store, clk := newService(t)
	ctx := context.Background()
	id, err := svc.Enqueue(ctx, queue.EnqueueInput{
		VariantID: uuid.New(), Platform: "x", ScheduledFor: clk.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	_, err = store.LeaseDue(ctx, 1, clk.Now(), time.Minute, nil)
	require.NoError(t, err)
	_, err = store.Transition(ctx, id, queue.StatusLeased, func(it *queue.Item) { it.Status = queue.StatusPublishing })
	require.NoError(t, err)
	_, err = store.Transition(ctx, id, queue.StatusPublishing, func(it *queue.Item) {
		it.Status = queue.StatusFailed
		it.AttemptCount = 3
		it.LastError = "rate limited"
	})
	require.NoError(t, err)

	ok, err := svc.Retry(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, got.Status)
	require.Zero(t, got.AttemptCount, "retry resets the attempt counter")
	require.Empty(t, got.LastError)

	// Retry on a non-failed item returns false.
	ok, err = svc.Retry(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}
