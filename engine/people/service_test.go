package people_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/loopcast/loopcast/engine/clock"
	"github.com/loopcast/loopcast/engine/people"
	"github.com/loopcast/loopcast/engine/people/inmem"
)

func newService(t *testing.T) (*people.Service, *inmem.Store, *clock.Fake) {
	t.Helper()
	store := inmem.New()
	clk := clock.NewFake(time.Time{})
	svc, err := people.NewService(people.Options{Store: store, Clock: clk})
	require.NoError(t, err)
	return svc, store, clk
}

func TestConcurrentIngestResolvesOnePerson(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	const n = 16
	results := make([]people.IngestResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.IngestEvent(ctx, people.IngestInput{
				Channel:        "instagram",
				Handle:         "@alice",
				Type:           people.EventCommented,
				ContentExcerpt: "love this",
			})
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	personID := results[0].PersonID
	for _, res := range results {
		require.Equal(t, personID, res.PersonID, "every event lands on the same person")
	}
	events, err := store.EventsSince(ctx, personID, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, n)

	view, err := svc.GetPerson(ctx, personID)
	require.NoError(t, err)
	require.Len(t, view.Identities, 1)
	require.Equal(t, "@alice", view.Identities[0].Handle)
}

func TestIngestLinksChannelsToSeparatePersons(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	a, err := svc.IngestEvent(ctx, people.IngestInput{Channel: "instagram", Handle: "@alice", Type: people.EventLiked})
	require.NoError(t, err)
	require.True(t, a.PersonCreated)

	b, err := svc.IngestEvent(ctx, people.IngestInput{Channel: "youtube", Handle: "@alice", Type: people.EventLiked})
	require.NoError(t, err)
	require.True(t, b.PersonCreated)
	require.NotEqual(t, a.PersonID, b.PersonID, "same handle on another channel is a new identity")

	again, err := svc.IngestEvent(ctx, people.IngestInput{Channel: "instagram", Handle: "@alice", Type: people.EventViewed})
	require.NoError(t, err)
	require.False(t, again.PersonCreated)
	require.Equal(t, a.PersonID, again.PersonID)
}

func TestIngestValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.IngestEvent(ctx, people.IngestInput{Handle: "@alice", Type: people.EventLiked})
	require.ErrorIs(t, err, people.ErrInvalid)
	_, err = svc.IngestEvent(ctx, people.IngestInput{Channel: "instagram", Handle: "@alice", Type: "poked"})
	require.ErrorIs(t, err, people.ErrInvalid)
}

func TestWarmthScoring(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()
	start := clk.Now()

	ingest := func(eventType people.EventType) uuid.UUID {
		res, err := svc.IngestEvent(ctx, people.IngestInput{
			Channel: "instagram", Handle: "@alice", Type: eventType,
		})
		require.NoError(t, err)
		return res.PersonID
	}

	// liked 60 days before t, commented at t-10d and t-1d.
	personID := ingest(people.EventLiked)
	clk.Set(start.Add(50 * 24 * time.Hour))
	ingest(people.EventCommented)
	clk.Set(start.Add(59 * 24 * time.Hour))
	ingest(people.EventCommented)
	clk.Set(start.Add(60 * 24 * time.Hour))

	insight, err := svc.RecomputeLens(ctx, personID)
	require.NoError(t, err)
	require.Equal(t, people.StateActive, insight.ActivityState)

	// R = 1 - 1/90, F = min(1, 3/5) * 12/12 (90-day window spans the full
	// twelve weeks), D = (0.3+1.0+1.0)/3.
	r := 1.0 - 1.0/90.0
	f := 0.6
	d := 2.3 / 3.0
	require.InDelta(t, 0.4*r+0.3*f+0.3*d, insight.WarmthScore, 1e-9)
}

func TestWarmthIgnoresEventClustering(t *testing.T) {
	svc, store, clk := newService(t)
	ctx := context.Background()
	now := clk.Now()

	seed := func(handle string, daysAgo ...int) uuid.UUID {
		person, _, _, err := store.ResolveIdentity(ctx, "instagram", handle, "", now)
		require.NoError(t, err)
		for _, days := range daysAgo {
			require.NoError(t, store.InsertEvent(ctx, &people.Event{
				PersonID:   person.ID,
				Channel:    "instagram",
				Type:       people.EventCommented,
				OccurredAt: now.Add(-time.Duration(days) * 24 * time.Hour),
			}))
		}
		return person.ID
	}

	// Same count and recency; one person's events cluster in two days, the
	// other's spread over two months.
	clustered := seed("@burst", 2, 1, 1)
	spread := seed("@steady", 60, 30, 1)

	a, err := svc.RecomputeLens(ctx, clustered)
	require.NoError(t, err)
	b, err := svc.RecomputeLens(ctx, spread)
	require.NoError(t, err)
	require.InDelta(t, b.WarmthScore, a.WarmthScore, 1e-9)
}

func TestActivityStates(t *testing.T) {
	cases := []struct {
		name     string
		daysAgo  int
		expected people.ActivityState
	}{
		{"recent comment", 3, people.StateActive},
		{"three weeks quiet", 20, people.StateWarming},
		{"two months quiet", 60, people.StateCool},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, clk := newService(t)
			ctx := context.Background()
			res, err := svc.IngestEvent(ctx, people.IngestInput{
				Channel: "x", Handle: "@h", Type: people.EventCommented,
			})
			require.NoError(t, err)

			clk.Advance(time.Duration(tc.daysAgo) * 24 * time.Hour)
			insight, err := svc.RecomputeLens(ctx, res.PersonID)
			require.NoError(t, err)
			require.Equal(t, tc.expected, insight.ActivityState)
		})
	}

	t.Run("window exhausted means dormant", func(t *testing.T) {
		svc, _, clk := newService(t)
		ctx := context.Background()
		res, err := svc.IngestEvent(ctx, people.IngestInput{
			Channel: "x", Handle: "@h", Type: people.EventCommented,
		})
		require.NoError(t, err)

		clk.Advance(100 * 24 * time.Hour)
		insight, err := svc.RecomputeLens(ctx, res.PersonID)
		require.NoError(t, err)
		require.Equal(t, people.StateDormant, insight.ActivityState)
		require.Zero(t, insight.WarmthScore)
	})
}

func TestLensDistributions(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	excerpts := []struct {
		channel string
		text    string
	}{
		{"instagram", "the lighting setup in this studio tour is incredible!!"},
		{"instagram", "studio lighting question: what bitrate and codec for the render pipeline?"},
		{"youtube", "lol the studio reveal was great, gonna rewatch"},
	}
	var personID uuid.UUID
	for _, e := range excerpts {
		res, err := svc.IngestEvent(ctx, people.IngestInput{
			Channel: e.channel, Handle: "@alice", Type: people.EventCommented, ContentExcerpt: e.text,
		})
		require.NoError(t, err)
		personID = res.PersonID
	}

	insight, err := svc.RecomputeLens(ctx, personID)
	require.NoError(t, err)

	require.NotEmpty(t, insight.Interests)
	require.LessOrEqual(t, len(insight.Interests), 10)
	require.Equal(t, "studio", insight.Interests[0], "most frequent token wins")
	require.NotContains(t, insight.Interests, "the")

	require.InDelta(t, 2.0/3.0, insight.ChannelPreferences["instagram"], 1e-9)
	require.InDelta(t, 1.0/3.0, insight.ChannelPreferences["youtube"], 1e-9)

	var toneSum float64
	for _, p := range insight.TonePreferences {
		toneSum += p
	}
	require.InDelta(t, 1.0, toneSum, 1e-9, "tone preferences normalize to a distribution")
	require.Positive(t, insight.TonePreferences[people.ToneTechnical])
	require.Positive(t, insight.TonePreferences[people.ToneEnthusiastic])
	require.Positive(t, insight.TonePreferences[people.ToneCasual])
}

func TestGetInsightsComputesWhenMissing(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	res, err := svc.IngestEvent(ctx, people.IngestInput{
		Channel: "x", Handle: "@h", Type: people.EventShared, ContentExcerpt: "deploy pipeline walkthrough",
	})
	require.NoError(t, err)

	insight, err := svc.GetInsights(ctx, res.PersonID)
	require.NoError(t, err)
	require.Equal(t, people.StateActive, insight.ActivityState)
	require.Positive(t, insight.WarmthScore)
}

func TestWarmthNeverDecreasesOnDeepEngagement(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	eventTypes := []people.EventType{
		people.EventViewed, people.EventLiked, people.EventSaved,
		people.EventShared, people.EventCommented,
	}

	properties.Property("adding a comment now never lowers warmth", prop.ForAll(
		func(encoded []int) bool {
			svc, store, clk := newService(t)
			ctx := context.Background()
			res, err := svc.IngestEvent(ctx, people.IngestInput{
				Channel: "x", Handle: "@h", Type: people.EventViewed,
			})
			if err != nil {
				return false
			}
			for _, e := range encoded {
				daysAgo := e / len(eventTypes)
				kind := eventTypes[e%len(eventTypes)]
				if err := store.InsertEvent(ctx, &people.Event{
					PersonID:   res.PersonID,
					Channel:    "x",
					Type:       kind,
					OccurredAt: clk.Now().Add(-time.Duration(daysAgo) * 24 * time.Hour),
				}); err != nil {
					return false
				}
			}
			before, err := svc.RecomputeLens(ctx, res.PersonID)
			if err != nil {
				return false
			}
			if _, err := svc.IngestEvent(ctx, people.IngestInput{
				Channel: "x", Handle: "@h", Type: people.EventCommented,
			}); err != nil {
				return false
			}
			after, err := svc.RecomputeLens(ctx, res.PersonID)
			if err != nil {
				return false
			}
			return after.WarmthScore >= before.WarmthScore-1e-9 &&
				after.WarmthScore <= 1.0 && before.WarmthScore >= 0.0
		},
		gen.SliceOf(gen.IntRange(0, 89*5+4)),
	))

	properties.TestingRun(t)
}
