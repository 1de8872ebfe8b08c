package rollup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/loopcast/loopcast/engine/clock"
	"github.com/loopcast/loopcast/engine/content"
	"github.com/loopcast/loopcast/engine/hooks"
	"github.com/loopcast/loopcast/engine/platform"
	"github.com/loopcast/loopcast/engine/telemetry"
)

// ErrNoData means the platform has no metrics for the post yet.
var ErrNoData = errors.New("rollup: no metrics available yet")

type (
	// Options configures the rollup Service.
	Options struct {
		Store    Store
		Content  content.Store
		Registry *platform.Registry
		Bus      hooks.Bus
		Clock    clock.Clock
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		// FetchTimeout bounds manual metric pulls.
		FetchTimeout time.Duration
	}

	// Service records snapshots and keeps per-content aggregates current.
	Service struct {
		store        Store
		content      content.Store
		registry     *platform.Registry
		bus          hooks.Bus
		clock        clock.Clock
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		fetchTimeout time.Duration
	}

	// RecordInput is one observation to record.
	RecordInput struct {
		VariantID   uuid.UUID
		ContentID   uuid.UUID
		WorkspaceID uuid.UUID
		Platform    string
		// OffsetHours is the checkback checkpoint; zero for manual polls.
		OffsetHours int
		CapturedAt  time.Time
		Metrics     platform.Metrics
	}
)

// NewService validates opts and constructs a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("rollup: store is required")
	}
	if opts.Content == nil {
		return nil, errors.New("rollup: content store is required")
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
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	return &Service{
		store:        opts.Store,
		content:      opts.Content,
		registry:     opts.Registry,
		bus:          opts.Bus,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		fetchTimeout: opts.FetchTimeout,
	}, nil
}

// Record stores the observation, recomputes the content aggregate and
// announces the snapshot. Recording the same (variant, offset) twice replaces
// the earlier snapshot, so retried checkbacks cannot inflate the rollup.
func (s *Service) Record(ctx context.Context, in RecordInput) error {
	if in.VariantID == uuid.Nil || in.ContentID == uuid.Nil || in.Platform == "" {
		return errors.New("rollup: variant, content and platform are required")
	}
	capturedAt := in.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = s.clock.Now()
	}
	trafficType := in.Metrics.TrafficType
	if trafficType == "" {
		trafficType = platform.TrafficOrganic
	}
	snap := Snapshot{
		VariantID:   in.VariantID,
		ContentID:   in.ContentID,
		WorkspaceID: in.WorkspaceID,
		Platform:    in.Platform,
		OffsetHours: in.OffsetHours,
		CapturedAt:  capturedAt,
		Views:       in.Metrics.Views,
		Impressions: in.Metrics.Impressions,
		Likes:       in.Metrics.Likes,
		Comments:    in.Metrics.Comments,
		Shares:      in.Metrics.Shares,
		Saves:       in.Metrics.Saves,
		Clicks:      in.Metrics.Clicks,
		WatchTimeS:  in.Metrics.WatchTimeS,
		TrafficType: trafficType,
		Raw:         in.Metrics.Raw,
	}
	if err := s.store.UpsertSnapshot(ctx, &snap); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	if _, err := s.Recompute(ctx, in.ContentID); err != nil {
		return fmt.Errorf("recompute rollup: %w", err)
	}
	s.metrics.IncCounter("rollup_snapshots_recorded", 1, "platform", in.Platform)

	if err := s.bus.Publish(ctx, hooks.Event{
		Type: hooks.EventSnapshotRecorded,
		Snapshot: &hooks.SnapshotEvent{
			VariantID:  in.VariantID,
			ContentID:  in.ContentID,
			Platform:   in.Platform,
			SnapshotAt: capturedAt,
		},
	}); err != nil {
		s.logger.Error(ctx, "snapshot event delivery failed", "variant_id", in.VariantID, "err", err)
	}
	return nil
}

// Recompute rebuilds the content aggregate from each variant's latest
// snapshot. Variants without snapshots contribute nothing; a platform whose
// metrics never arrived simply stays absent until it recovers.
func (s *Service) Recompute(ctx context.Context, contentID uuid.UUID) (Rollup, error) {
	variants, err := s.content.ListVariants(ctx, contentID)
	if err != nil {
		return Rollup{}, err
	}
	r := Rollup{
		ContentID:  contentID,
		ByPlatform: make(map[string]int64),
		UpdatedAt:  s.clock.Now(),
	}
	var watchSum float64
	var watchN int
	for _, v := range variants {
		snap, err := s.store.LatestByVariant(ctx, v.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Rollup{}, err
		}
		r.Variants++
		r.TotalViews += snap.Views
		r.TotalLikes += snap.Likes
		r.TotalComments += snap.Comments
		r.TotalShares += snap.Shares
		if snap.Saves != nil {
			r.TotalSaves += *snap.Saves
		}
		if snap.WatchTimeS != nil {
			watchSum += *snap.WatchTimeS
			watchN++
		}
		r.ByPlatform[snap.Platform] += snap.Views
	}
	if watchN > 0 {
		avg := watchSum / float64(watchN)
		r.AvgWatchTimeS = &avg
	}
	r.BestPlatform = bestPlatform(r.ByPlatform)
	if err := s.store.SaveRollup(ctx, r); err != nil {
		return Rollup{}, err
	}
	return r, nil
}

// bestPlatform picks the platform with the most views, breaking ties
// lexicographically.
func bestPlatform(byPlatform map[string]int64) string {
	ids := make([]string, 0, len(byPlatform))
	for id := range byPlatform {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	best := ""
	var bestViews int64 = -1
	for _, id := range ids {
		if byPlatform[id] > bestViews {
			best, bestViews = id, byPlatform[id]
		}
	}
	return best
}

// Get returns the stored aggregate for the content.
func (s *Service) Get(ctx context.Context, contentID uuid.UUID) (Rollup, error) {
	return s.store.GetRollup(ctx, contentID)
}

// History returns the variant's snapshots in capture order.
func (s *Service) History(ctx context.Context, variantID uuid.UUID) ([]Snapshot, error) {
	return s.store.ListByVariant(ctx, variantID)
}

// PollVariant pulls current metrics for a published variant outside the
// checkback cadence and records them as a manual snapshot.
func (s *Service) PollVariant(ctx context.Context, variantID uuid.UUID) (Snapshot, error) {
	if s.registry == nil {
		return Snapshot{}, errors.New("rollup: no platform registry configured")
	}
	v, err := s.content.GetVariant(ctx, variantID)
	if err != nil {
		return Snapshot{}, err
	}
	if v.PlatformPostID == "" {
		return Snapshot{}, fmt.Errorf("rollup: variant %s has no platform post", variantID)
	}
	adapter, err := s.registry.Resolve(v.Platform)
	if err != nil {
		return Snapshot{}, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	m, err := adapter.FetchMetrics(fetchCtx, v.PlatformPostID)
	cancel()
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch metrics for %s: %w", v.PlatformPostID, err)
	}
	if m == nil {
		return Snapshot{}, ErrNoData
	}
	item, err := s.content.GetItem(ctx, v.ContentID)
	if err != nil {
		return Snapshot{}, err
	}
	in := RecordInput{
		VariantID:   v.ID,
		ContentID:   v.ContentID,
		WorkspaceID: item.WorkspaceID,
		Platform:    v.Platform,
		CapturedAt:  s.clock.Now(),
		Metrics:     *m,
	}
	if err := s.Record(ctx, in); err != nil {
		return Snapshot{}, err
	}
	return s.store.LatestByVariant(ctx, v.ID)
}

// PollRecent polls every variant published within the trailing window and
// reports how many snapshots were recorded. Per-variant failures are
// aggregated, not fatal.
func (s *Service) PollRecent(ctx context.Context, window time.Duration) (int, error) {
	since := s.clock.Now().Add(-window)
	variants, err := s.content.ListPublishedSince(ctx, since)
	if err != nil {
		return 0, err
	}
	var recorded int
	var errs error
	for _, v := range variants {
		if _, err := s.PollVariant(ctx, v.ID); err != nil {
			if errors.Is(err, ErrNoData) {
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("variant %s: %w", v.ID, err))
			continue
		}
		recorded++
	}
	return recorded, errs
}
