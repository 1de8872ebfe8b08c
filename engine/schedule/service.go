package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/loopcast/loopcast/config"
	"github.com/loopcast/loopcast/engine/clock"
	"github.com/loopcast/loopcast/engine/content"
	"github.com/loopcast/loopcast/engine/queue"
	"github.com/loopcast/loopcast/engine/telemetry"
)

// Well-known queue item metadata keys written at materialization time.
const (
	MetaArtifactID = "artifact_id"
	MetaForm       = "form"
	MetaMediaURLs  = "media_urls"
	MetaCaption    = "caption"
)

// Scheduler errors.
var (
	// ErrInvalidConfig reports inconsistent scheduler tunables.
	ErrInvalidConfig = errors.New("schedule: invalid config")
	// ErrInventoryUnavailable wraps inventory scan failures.
	ErrInventoryUnavailable = errors.New("schedule: inventory unavailable")
	// ErrLocked means another scheduler invocation holds the workspace.
	ErrLocked = errors.New("schedule: workspace locked by concurrent plan")
)

type (
	// Locker serializes scheduler invocations per workspace. Implementations
	// live in features/lock/redis (production) and NoopLocker (tests,
	// single-process tooling).
	Locker interface {
		// Acquire takes the named lock for at most ttl. It returns ok=false
		// without error when the lock is held elsewhere, and a release
		// function when ok.
		Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
	}

	// NoopLocker always grants the lock. Single-process use only.
	NoopLocker struct{}

	// Options configures the scheduler Service.
	Options struct {
		Content    content.Store
		Queue      *queue.Service
		QueueStore queue.Store
		Locker     Locker
		Clock      clock.Clock
		Logger     telemetry.Logger
		Metrics    telemetry.Metrics
		// Defaults is the process-level scheduler configuration; callers
		// may override per invocation.
		Defaults config.Scheduler
	}

	// Service computes plans and materializes queue items.
	Service struct {
		content    content.Store
		queue      *queue.Service
		queueStore queue.Store
		locker     Locker
		clock      clock.Clock
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		defaults   config.Scheduler
	}

	// Inventory is the scan result grouped by form.
	Inventory struct {
		Short InventoryBucket
		Long  InventoryBucket
		Total int
	}

	// InventoryBucket holds one form's ready artifacts.
	InventoryBucket struct {
		Count int
		Items []content.Artifact
	}

	// AutoScheduleInput tunes one scheduler invocation.
	AutoScheduleInput struct {
		// ForceReschedule evicts unpublished queued items in the window
		// before replanning. Terminal items are never touched.
		ForceReschedule bool
		// Config overrides the process defaults for this invocation.
		Config *config.Scheduler
	}

	// Result reports a materialization.
	Result struct {
		Created int
		Skipped int
	}

	// binding pairs a slot with the artifact and platform it consumes.
	binding struct {
		slot     Slot
		artifact content.Artifact
		platform string
	}
)

// Acquire implements Locker by always granting.
func (NoopLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// NewService validates opts and constructs a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Content == nil {
		return nil, errors.New("schedule: content store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("schedule: queue service is required")
	}
	if opts.QueueStore == nil {
		return nil, errors.New("schedule: queue store is required")
	}
	if opts.Locker == nil {
		opts.Locker = NoopLocker{}
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
	return &Service{
		content:    opts.Content,
		queue:      opts.Queue,
		queueStore: opts.QueueStore,
		locker:     opts.Locker,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		defaults:   opts.Defaults,
	}, nil
}

// GetInventory scans the workspace's ready artifacts and classifies them.
func (s *Service) GetInventory(ctx context.Context, workspaceID uuid.UUID) (Inventory, error) {
	artifacts, err := s.content.ReadyArtifacts(ctx, workspaceID)
	if err != nil {
		return Inventory{}, fmt.Errorf("%w: %v", ErrInventoryUnavailable, err)
	}
	var inv Inventory
	for _, a := range artifacts {
		switch a.Form() {
		case content.FormShort:
			inv.Short.Items = append(inv.Short.Items, a)
		case content.FormLong:
			inv.Long.Items = append(inv.Long.Items, a)
		}
	}
	inv.Short.Count = len(inv.Short.Items)
	inv.Long.Count = len(inv.Long.Items)
	inv.Total = inv.Short.Count + inv.Long.Count
	return inv, nil
}

// GetPlan computes the current plan without materializing anything.
func (s *Service) GetPlan(ctx context.Context, workspaceID uuid.UUID) (Plan, error) {
	cfg, err := s.effectiveConfig(nil)
	if err != nil {
		return Plan{}, err
	}
	inv, err := s.GetInventory(ctx, workspaceID)
	if err != nil {
		return Plan{}, err
	}
	return BuildPlan(cfg, s.planStart(), inv.Short.Count, inv.Long.Count), nil
}

// AutoSchedule plans and materializes queue items for the workspace under
// the per-workspace advisory lock. With ForceReschedule it first evicts
// unpublished queued items in the window and releases their artifacts.
func (s *Service) AutoSchedule(ctx context.Context, workspaceID uuid.UUID, in AutoScheduleInput) (Result, error) {
	cfg, err := s.effectiveConfig(in.Config)
	if err != nil {
		return Result{}, err
	}
	release, ok, err := s.locker.Acquire(ctx, "schedule:"+workspaceID.String(), 2*time.Minute)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrLocked
	}
	defer func() {
		if rerr := release(ctx); rerr != nil {
			s.logger.Warn(ctx, "scheduler lock release failed", "workspace_id", workspaceID, "err", rerr)
		}
	}()

	start := s.planStart()
	end := start.AddDate(0, 0, cfg.HorizonMonths*30)

	if in.ForceReschedule {
		if err := s.evictWindow(ctx, workspaceID, start, end); err != nil {
			return Result{}, err
		}
	}

	inv, err := s.GetInventory(ctx, workspaceID)
	if err != nil {
		return Result{}, err
	}
	plan := BuildPlan(cfg, start, inv.Short.Count, inv.Long.Count)

	open, err := s.openSlots(ctx, workspaceID, plan, start)
	if err != nil {
		return Result{}, err
	}

	bindings := bindArtifacts(open, inv, cfg.Platforms)
	result, err := s.materialize(ctx, workspaceID, bindings)
	if err != nil {
		return result, err
	}
	s.metrics.IncCounter("schedule_materialized", float64(result.Created))
	s.logger.Info(ctx, "auto schedule complete",
		"workspace_id", workspaceID, "created", result.Created, "skipped", result.Skipped,
		"rate_short", plan.RateShort, "rate_long", plan.RateLong,
		"can_extend_horizon", plan.CanExtendHorizon)
	return result, nil
}

// UpdateOnNewContent fills plan gaps after new artifacts become ready. It is
// AutoSchedule without eviction; the return value is the number of newly
// materialized items.
func (s *Service) UpdateOnNewContent(ctx context.Context, workspaceID uuid.UUID) (int, error) {
	res, err := s.AutoSchedule(ctx, workspaceID, AutoScheduleInput{})
	return res.Created, err
}

func (s *Service) effectiveConfig(override *config.Scheduler) (config.Scheduler, error) {
	cfg := s.defaults
	if override != nil {
		cfg = *override
	}
	if cfg.HorizonMonths <= 0 ||
		cfg.MaxPerDayShort < cfg.MinPerDayShort || cfg.MinPerDayShort < 0 ||
		cfg.MaxPerDayLong < cfg.MinPerDayLong || cfg.MinPerDayLong < 0 ||
		len(cfg.Platforms) == 0 {
		return config.Scheduler{}, ErrInvalidConfig
	}
	return cfg, nil
}

// planStart returns midnight UTC of tomorrow: the first plannable day.
func (s *Service) planStart() time.Time {
	now := s.clock.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// evictWindow cancels unpublished queued and retry items inside the window
// and releases their artifacts for rebinding.
func (s *Service) evictWindow(ctx context.Context, workspaceID uuid.UUID, from, to time.Time) error {
	items, err := s.queueStore.ListWindow(ctx, workspaceID, from, to, queue.StatusQueued, queue.StatusRetry)
	if err != nil {
		return err
	}
	for _, item := range items {
		ok, err := s.queue.Cancel(ctx, item.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue // raced with a dispatcher; leave it be
		}
		if raw, found := item.Metadata[MetaArtifactID]; found {
			if idStr, isStr := raw.(string); isStr {
				if artifactID, perr := uuid.Parse(idStr); perr == nil {
					if rerr := s.content.ReleaseArtifact(ctx, artifactID); rerr != nil && !errors.Is(rerr, content.ErrNotFound) {
						return rerr
					}
				}
			}
		}
	}
	return nil
}

// openSlots subtracts existing unpublished items in the window from the
// plan's slots so replans only fill gaps.
func (s *Service) openSlots(ctx context.Context, workspaceID uuid.UUID, plan Plan, start time.Time) ([]Slot, error) {
	end := start.AddDate(0, 0, plan.HorizonDays)
	existing, err := s.queueStore.ListWindow(ctx, workspaceID, start, end,
		queue.StatusQueued, queue.StatusLeased, queue.StatusPublishing, queue.StatusRetry)
	if err != nil {
		return nil, err
	}
	taken := make(map[int]map[content.Form]int)
	for _, item := range existing {
		day := int(item.ScheduledFor.Sub(start).Hours() / 24)
		form := content.FormShort
		if f, ok := item.Metadata[MetaForm].(string); ok && content.Form(f) == content.FormLong {
			form = content.FormLong
		}
		if taken[day] == nil {
			taken[day] = make(map[content.Form]int)
		}
		taken[day][form]++
	}
	var open []Slot
	for _, slot := range plan.Slots {
		if taken[slot.Day] != nil && taken[slot.Day][slot.Form] > 0 {
			taken[slot.Day][slot.Form]--
			continue
		}
		open = append(open, slot)
	}
	return open, nil
}

// bindArtifacts consumes artifacts FIFO-by-ready per form and assigns each
// to a platform round-robin.
func bindArtifacts(slots []Slot, inv Inventory, platforms []string) []binding {
	shorts := inv.Short.Items
	longs := inv.Long.Items
	var out []binding
	next := 0
	for _, slot := range slots {
		var a content.Artifact
		switch slot.Form {
		case content.FormShort:
			if len(shorts) == 0 {
				continue
			}
			a, shorts = shorts[0], shorts[1:]
		case content.FormLong:
			if len(longs) == 0 {
				continue
			}
			a, longs = longs[0], longs[1:]
		}
		out = append(out, binding{slot: slot, artifact: a, platform: platforms[next%len(platforms)]})
		next++
	}
	return out
}

// materialize creates the variant and queue item for each binding and
// consumes the artifact. Per-item failures are collected; succeeded items
// are never rolled back.
func (s *Service) materialize(ctx context.Context, workspaceID uuid.UUID, bindings []binding) (Result, error) {
	now := s.clock.Now()
	var result Result
	var errs error
	for _, b := range bindings {
		at := b.slot.At
		if !at.After(now) {
			at = now.Add(time.Minute)
		}
		if err := s.materializeOne(ctx, workspaceID, b, at, now); err != nil {
			if errors.Is(err, queue.ErrConflict) || errors.Is(err, content.ErrConflict) {
				result.Skipped++
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("artifact %s: %w", b.artifact.ID, err))
			result.Skipped++
			continue
		}
		result.Created++
	}
	return result, errs
}

func (s *Service) materializeOne(ctx context.Context, workspaceID uuid.UUID, b binding, at, now time.Time) error {
	contentID := b.artifact.ContentID
	if contentID == uuid.Nil {
		item := content.Item{
			WorkspaceID: workspaceID,
			Type:        content.TypeVideo,
			Title:       b.artifact.Title,
			CreatedAt:   now,
		}
		if err := s.content.CreateItem(ctx, &item); err != nil {
			return err
		}
		contentID = item.ID
	}
	variant := content.Variant{
		ContentID: contentID,
		Platform:  b.platform,
		Status:    content.VariantQueued,
		CreatedAt: now,
	}
	if err := s.content.CreateVariant(ctx, &variant); err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, queue.EnqueueInput{
		WorkspaceID:  workspaceID,
		VariantID:    variant.ID,
		ContentID:    contentID,
		Platform:     b.platform,
		ScheduledFor: at,
		Metadata: map[string]any{
			MetaArtifactID: b.artifact.ID.String(),
			MetaForm:       string(b.slot.Form),
			MetaMediaURLs:  []string{b.artifact.MediaURL},
			MetaCaption:    b.artifact.Title,
		},
	}); err != nil {
		return err
	}
	if err := s.content.ConsumeArtifact(ctx, b.artifact.ID, now); err != nil {
		return err
	}
	return nil
}
