package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopcast/loopcast/engine/clock"
	"github.com/loopcast/loopcast/engine/telemetry"
)

// Options configures the queue Service.
type Options struct {
	Store   Store
	Clock   clock.Clock
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// MaxAttempts is the default publish attempt budget for new items.
	// Zero means 3.
	MaxAttempts int
}

// Service exposes the public queue operations on top of a Store.
type Service struct {
	store       Store
	clock       clock.Clock
	logger      telemetry.Logger
	metrics     telemetry.Metrics
	maxAttempts int
}

// EnqueueInput describes a new queue item.
type EnqueueInput struct {
	WorkspaceID  uuid.UUID
	VariantID    uuid.UUID
	ContentID    uuid.UUID
	Platform     string
	ScheduledFor time.Time
	Priority     int
	Metadata     map[string]any
}

// NewService validates opts and constructs a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("queue: store is required")
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
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Service{
		store:       opts.Store,
		clock:       opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		maxAttempts: opts.MaxAttempts,
	}, nil
}

// Enqueue materializes a scheduled publish. It rejects duplicates: at most
// one non-terminal item may exist per (variant, platform) pair.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (uuid.UUID, error) {
	if in.VariantID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: variant id is required", ErrInvalid)
	}
	if in.Platform == "" {
		return uuid.Nil, fmt.Errorf("%w: platform is required", ErrInvalid)
	}
	if in.ScheduledFor.IsZero() {
		return uuid.Nil, fmt.Errorf("%w: scheduled_for is required", ErrInvalid)
	}
	active, err := s.store.HasActiveForVariant(ctx, in.VariantID, in.Platform)
	if err != nil {
		return uuid.Nil, err
	}
	if active {
		return uuid.Nil, fmt.Errorf("%w: variant %s already queued on %s", ErrConflict, in.VariantID, in.Platform)
	}
	now := s.clock.Now()
	item := &Item{
		ID:           uuid.New(),
		WorkspaceID:  in.WorkspaceID,
		VariantID:    in.VariantID,
		ContentID:    in.ContentID,
		Platform:     in.Platform,
		ScheduledFor: in.ScheduledFor.UTC(),
		Priority:     in.Priority,
		Status:       StatusQueued,
		MaxAttempts:  s.maxAttempts,
		Metadata:     in.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Insert(ctx, item); err != nil {
		return uuid.Nil, err
	}
	s.metrics.IncCounter("queue_enqueued", 1, "platform", in.Platform)
	s.logger.Debug(ctx, "queue item enqueued",
		"item_id", item.ID, "variant_id", in.VariantID, "platform", in.Platform,
		"scheduled_for", item.ScheduledFor)
	return item.ID, nil
}

// Cancel flips a non-terminal item to cancelled. It returns false without
// error when the item is already terminal, so callers can treat cancel as a
// best-effort operation. A leased or publishing item is cancelled
// cooperatively: the dispatcher's completion CAS fails and the result is
// discarded.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if item.Status.Terminal() {
		return false, nil
	}
	_, err = s.store.Transition(ctx, id, item.Status, func(it *Item) {
		it.Status = StatusCancelled
	})
	if errors.Is(err, ErrConflict) {
		// Lost the race against a dispatcher transition; the item either
		// completed or will be observed cancelled on its next CAS.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.metrics.IncCounter("queue_cancelled", 1, "platform", item.Platform)
	return true, nil
}

// Reschedule moves a queued item to a later due time. Only queued items can
// be rescheduled, and scheduled_for never moves backward.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newTime time.Time) (bool, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if item.Status != StatusQueued {
		return false, nil
	}
	if newTime.Before(item.ScheduledFor) {
		return false, fmt.Errorf("%w: scheduled_for is monotonic, %s is before %s",
			ErrInvalid, newTime.UTC(), item.ScheduledFor)
	}
	_, err = s.store.Transition(ctx, id, StatusQueued, func(it *Item) {
		it.ScheduledFor = newTime.UTC()
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Retry revives a failed item: attempt counter reset, back to queued, due
// immediately.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (bool, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if item.Status != StatusFailed {
		return false, nil
	}
	now := s.clock.Now()
	_, err = s.store.Transition(ctx, id, StatusFailed, func(it *Item) {
		it.Status = StatusQueued
		it.AttemptCount = 0
		it.LastError = ""
		if it.ScheduledFor.Before(now) {
			it.ScheduledFor = now
		}
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.metrics.IncCounter("queue_retried", 1, "platform", item.Platform)
	return true, nil
}

// ListDue returns a read-only peek at due items.
func (s *Service) ListDue(ctx context.Context, limit int, platformID string) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListDue(ctx, limit, platformID, s.clock.Now())
}

// Stats counts the workspace's items by status and platform.
func (s *Service) Stats(ctx context.Context, workspaceID uuid.UUID) (Stats, error) {
	return s.store.Stats(ctx, workspaceID)
}
