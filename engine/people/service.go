package people

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/multierr"

	"github.com/loopcast/loopcast/engine/clock"
	"github.com/loopcast/loopcast/engine/platform"
	"github.com/loopcast/loopcast/engine/telemetry"
)

type (
	// Options configures the people Service.
	Options struct {
		Store   Store
		Clock   clock.Clock
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Tone scores event excerpts; nil uses the marker heuristic.
		Tone ToneAnalyzer
		// WindowDays is the sliding lens window. Zero means 90.
		WindowDays int
		// InsightCacheTTL bounds the read cache on GetInsights. Zero means
		// five minutes.
		InsightCacheTTL time.Duration
	}

	// Service is the people graph API.
	Service struct {
		store      Store
		clock      clock.Clock
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tone       ToneAnalyzer
		windowDays int
		cache      *gocache.Cache
	}

	// IngestInput is one engagement event to attribute.
	IngestInput struct {
		Channel string
		Handle  string
		// FullName seeds a newly created person; ignored for known
		// identities.
		FullName       string
		Type           EventType
		PlatformID     string
		ContentExcerpt string
		// TrafficType defaults to organic.
		TrafficType string
		Metadata    map[string]any
	}

	// IngestResult reports the attribution.
	IngestResult struct {
		PersonID      uuid.UUID
		EventID       uuid.UUID
		PersonCreated bool
	}

	// PersonView bundles a person with their identities.
	PersonView struct {
		Person     Person
		Identities []Identity
	}
)

// NewService validates opts and constructs a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("people: store is required")
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
	if opts.Tone == nil {
		opts.Tone = HeuristicTone{}
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 90
	}
	if opts.InsightCacheTTL <= 0 {
		opts.InsightCacheTTL = 5 * time.Minute
	}
	return &Service{
		store:      opts.Store,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tone:       opts.Tone,
		windowDays: opts.WindowDays,
		cache:      gocache.New(opts.InsightCacheTTL, 10*time.Minute),
	}, nil
}

// IngestEvent attributes one engagement event: it resolves (channel, handle)
// to a person, creating one when the pair is new, appends the event and
// nudges the person's insight to active.
func (s *Service) IngestEvent(ctx context.Context, in IngestInput) (IngestResult, error) {
	if in.Channel == "" || in.Handle == "" {
		return IngestResult{}, fmt.Errorf("%w: channel and handle are required", ErrInvalid)
	}
	if !in.Type.Valid() {
		return IngestResult{}, fmt.Errorf("%w: unknown event type %q", ErrInvalid, in.Type)
	}
	now := s.clock.Now()

	person, _, created, err := s.store.ResolveIdentity(ctx, in.Channel, in.Handle, in.FullName, now)
	if err != nil {
		return IngestResult{}, fmt.Errorf("resolve identity %s/%s: %w", in.Channel, in.Handle, err)
	}
	if created {
		s.metrics.IncCounter("people_created", 1, "channel", in.Channel)
	}

	trafficType := in.TrafficType
	if trafficType == "" {
		trafficType = platform.TrafficOrganic
	}
	event := Event{
		PersonID:       person.ID,
		Channel:        in.Channel,
		Type:           in.Type,
		PlatformID:     in.PlatformID,
		ContentExcerpt: in.ContentExcerpt,
		TrafficType:    trafficType,
		OccurredAt:     now,
		Metadata:       in.Metadata,
	}
	if err := s.store.InsertEvent(ctx, &event); err != nil {
		return IngestResult{}, fmt.Errorf("insert event: %w", err)
	}
	s.metrics.IncCounter("people_events_ingested", 1, "channel", in.Channel, "event_type", string(in.Type))

	if err := s.nudgeInsight(ctx, person.ID, now); err != nil {
		// The event is durable; the lens catches up on the next recompute.
		s.logger.Warn(ctx, "insight nudge failed", "person_id", person.ID, "err", err)
	}
	return IngestResult{PersonID: person.ID, EventID: event.ID, PersonCreated: created}, nil
}

// nudgeInsight marks the person active without a full lens recompute.
func (s *Service) nudgeInsight(ctx context.Context, personID uuid.UUID, now time.Time) error {
	insight, err := s.store.GetInsight(ctx, personID)
	if errors.Is(err, ErrNotFound) {
		insight = Insight{PersonID: personID}
	} else if err != nil {
		return err
	}
	insight.LastActiveAt = now
	insight.ActivityState = StateActive
	insight.UpdatedAt = now
	if err := s.store.SaveInsight(ctx, insight); err != nil {
		return err
	}
	s.cache.Delete(personID.String())
	return nil
}

// GetPerson returns the person with their identities.
func (s *Service) GetPerson(ctx context.Context, id uuid.UUID) (PersonView, error) {
	person, err := s.store.GetPerson(ctx, id)
	if err != nil {
		return PersonView{}, err
	}
	identities, err := s.store.Identities(ctx, id)
	if err != nil {
		return PersonView{}, err
	}
	return PersonView{Person: person, Identities: identities}, nil
}

// GetInsights returns the person's lens, computing it when none is stored.
// Reads go through a short-lived cache.
func (s *Service) GetInsights(ctx context.Context, personID uuid.UUID) (Insight, error) {
	if cached, found := s.cache.Get(personID.String()); found {
		return cached.(Insight), nil
	}
	insight, err := s.store.GetInsight(ctx, personID)
	if errors.Is(err, ErrNotFound) {
		return s.RecomputeLens(ctx, personID)
	}
	if err != nil {
		return Insight{}, err
	}
	s.cache.SetDefault(personID.String(), insight)
	return insight, nil
}

// RecomputeLens rebuilds the person's lens from the sliding event window.
func (s *Service) RecomputeLens(ctx context.Context, personID uuid.UUID) (Insight, error) {
	if _, err := s.store.GetPerson(ctx, personID); err != nil {
		return Insight{}, err
	}
	now := s.clock.Now()
	since := now.AddDate(0, 0, -s.windowDays)
	events, err := s.store.EventsSince(ctx, personID, since)
	if err != nil {
		return Insight{}, err
	}
	insight := computeInsight(personID, events, now, s.tone, s.windowDays)
	if err := s.store.SaveInsight(ctx, insight); err != nil {
		return Insight{}, err
	}
	s.cache.SetDefault(personID.String(), insight)
	s.metrics.IncCounter("people_lens_recomputed", 1)
	return insight, nil
}

// RecomputeAllActive rebuilds the lens for every person with an event in the
// window and reports how many were updated. Per-person failures aggregate.
func (s *Service) RecomputeAllActive(ctx context.Context) (int, error) {
	since := s.clock.Now().AddDate(0, 0, -s.windowDays)
	ids, err := s.store.ActivePersonIDs(ctx, since)
	if err != nil {
		return 0, err
	}
	updated := 0
	var errs error
	for _, id := range ids {
		if _, err := s.RecomputeLens(ctx, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("person %s: %w", id, err))
			continue
		}
		updated++
	}
	return updated, errs
}
