package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loopcast/loopcast/engine/queue"
	"github.com/loopcast/loopcast/engine/queue/inmem"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func insert(t *testing.T, s *inmem.Store, platform string, due time.Time, priority int) queue.Item {
	t.Helper()
	item := queue.Item{
		ID:           uuid.New(),
		WorkspaceID:  uuid.Nil,
		VariantID:    uuid.New(),
		Platform:     platform,
		ScheduledFor: due,
		Priority:     priority,
		Status:       queue.StatusQueued,
		MaxAttempts:  3,
	}
	require.NoError(t, s.Insert(context.Background(), &item))
	return item
}

func TestLeaseDueOrdering(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	low := insert(t, s, "x", t0.Add(-2*time.Hour), 0)
	high := insert(t, s, "x", t0.Add(-time.Hour), 5)
	insert(t, s, "x", t0.Add(time.Hour), 9) // not yet due

	leased, err := s.LeaseDue(ctx, 10, t0, 5*time.Minute, nil)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	require.Equal(t, high.ID, leased[0].ID, "higher priority dispatches first")
	require.Equal(t, low.ID, leased[1].ID)
	for _, it := range leased {
		require.Equal(t, queue.StatusLeased, it.Status)
		require.NotNil(t, it.LeaseExpiresAt)
		require.True(t, it.LeaseExpiresAt.After(t0))
	}

	// Leased items are invisible to a second caller.
	again, err := s.LeaseDue(ctx, 10, t0, 5*time.Minute, nil)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestLeaseDueSkipsDisabledPlatforms(t *testing.T) {
	s := inmem.New()
	insert(t, s, "x", t0.Add(-time.Hour), 0)
	insert(t, s, "y", t0.Add(-time.Hour), 0)

	leased, err := s.LeaseDue(context.Background(), 10, t0, time.Minute, []string{"x"})
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.Equal(t, "y", leased[0].Platform)
}

func TestReapExpiredRestoresWithoutBurningAttempt(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	item := insert(t, s, "x", t0.Add(-time.Hour), 0)

	_, err := s.LeaseDue(ctx, 1, t0, 5*time.Minute, nil)
	require.NoError(t, err)

	n, err := s.ReapExpired(ctx, t0.Add(5*time.Minute+time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, got.Status)
	require.Equal(t, 0, got.AttemptCount, "lease expiry must not burn an attempt")
	require.Nil(t, got.LeaseExpiresAt)
}

func TestReapExpiredLeavesLiveLeases(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	insert(t, s, "x", t0.Add(-time.Hour), 0)
	_, err := s.LeaseDue(ctx, 1, t0, 5*time.Minute, nil)
	require.NoError(t, err)

	n, err := s.ReapExpired(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTransitionCAS(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	item := insert(t, s, "x", t0, 0)

	// Wrong from-state is a conflict.
	_, err := s.Transition(ctx, item.ID, queue.StatusLeased, func(it *queue.Item) {
		it.Status = queue.StatusPublishing
	})
	require.ErrorIs(t, err, queue.ErrConflict)

	// Illegal edge is a conflict even with the right from-state.
	_, err = s.Transition(ctx, item.ID, queue.StatusQueued, func(it *queue.Item) {
		it.Status = queue.StatusPublished
	})
	require.ErrorIs(t, err, queue.ErrConflict)

	// Legal edge succeeds.
	got, err := s.Transition(ctx, item.ID, queue.StatusQueued, func(it *queue.Item) {
		it.Status = queue.StatusCancelled
	})
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, got.Status)
}

func TestPromoteRetries(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	item := insert(t, s, "x", t0.Add(-time.Hour), 0)
	_, err := s.LeaseDue(ctx, 1, t0, time.Minute, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, item.ID, queue.StatusLeased, func(it *queue.Item) {
		it.Status = queue.StatusPublishing
	})
	require.NoError(t, err)
	_, err = s.Transition(ctx, item.ID, queue.StatusPublishing, func(it *queue.Item) {
		it.Status = queue.StatusRetry
		it.AttemptCount = 1
		it.ScheduledFor = t0.Add(2 * time.Minute)
	})
	require.NoError(t, err)

	n, err := s.PromoteRetries(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, n, "backoff not yet elapsed")

	n, err = s.PromoteRetries(ctx, t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, got.Status)
	require.Equal(t, 1, got.AttemptCount, "retry promotion keeps the attempt count")
}

func TestStatsAndWindow(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	ws := uuid.New()
	for i := 0; i < 3; i++ {
		item := queue.Item{
			ID: uuid.New(), WorkspaceID: ws, VariantID: uuid.New(),
			Platform: "x", ScheduledFor: t0.Add(time.Duration(i) * time.Hour),
			Status: queue.StatusQueued, MaxAttempts: 3,
		}
		require.NoError(t, s.Insert(ctx, &item))
	}
	stats, err := s.Stats(ctx, ws)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 3, stats.ByStatus[queue.StatusQueued])
	require.Equal(t, 3, stats.ByPlatform["x"])

	window, err := s.ListWindow(ctx, ws, t0, t0.Add(2*time.Hour), queue.StatusQueued)
	require.NoError(t, err)
	require.Len(t, window, 2, "window is half-open [from, to)")
}
