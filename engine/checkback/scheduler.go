package checkback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loopcast/loopcast/engine/clock"
	"github.com/loopcast/loopcast/engine/hooks"
	"github.com/loopcast/loopcast/engine/telemetry"
)

type (
	// SchedulerOptions configures a Scheduler.
	SchedulerOptions struct {
		Store Store
		// OffsetsHours are the post-publish checkpoints.
		OffsetsHours []int
		Clock        clock.Clock
		Logger       telemetry.Logger
		Metrics      telemetry.Metrics
	}

	// Scheduler subscribes to publish events and durably fans each one out
	// into per-offset checkback jobs. It returns insertion failures to the
	// bus so the publisher sees them; the unique (variant, offset) pair
	// makes redelivery harmless.
	Scheduler struct {
		store   Store
		offsets []int
		clock   clock.Clock
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

// NewScheduler validates opts and constructs a Scheduler.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("checkback: store is required")
	}
	if len(opts.OffsetsHours) == 0 {
		return nil, errors.New("checkback: at least one offset is required")
	}
	for _, h := range opts.OffsetsHours {
		if h <= 0 {
			return nil, fmt.Errorf("checkback: offset %dh must be positive", h)
		}
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
	return &Scheduler{
		store:   opts.Store,
		offsets: opts.OffsetsHours,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// HandleEvent implements hooks.Subscriber.
func (s *Scheduler) HandleEvent(ctx context.Context, event hooks.Event) error {
	if event.Type != hooks.EventPublished || event.Published == nil {
		return nil
	}
	p := event.Published
	now := s.clock.Now()
	jobs := make([]Job, 0, len(s.offsets))
	for _, offset := range s.offsets {
		jobs = append(jobs, Job{
			VariantID:      p.VariantID,
			ContentID:      p.ContentID,
			WorkspaceID:    p.WorkspaceID,
			Platform:       p.Platform,
			PlatformPostID: p.PlatformPostID,
			OffsetHours:    offset,
			DueAt:          p.PublishedAt.Add(time.Duration(offset) * time.Hour),
			Status:         StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	inserted, err := s.store.InsertJobs(ctx, jobs)
	if err != nil {
		return fmt.Errorf("checkback: insert jobs for variant %s: %w", p.VariantID, err)
	}
	s.metrics.IncCounter("checkback_jobs_scheduled", float64(inserted), "platform", p.Platform)
	s.logger.Info(ctx, "checkback jobs scheduled",
		"variant_id", p.VariantID, "platform", p.Platform, "inserted", inserted)
	return nil
}
