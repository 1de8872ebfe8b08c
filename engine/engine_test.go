package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loopcast/loopcast/config"
	"github.com/loopcast/loopcast/engine"
	"github.com/loopcast/loopcast/engine/checkback"
	checkbackinmem "github.com/loopcast/loopcast/engine/checkback/inmem"
	"github.com/loopcast/loopcast/engine/clock"
	"github.com/loopcast/loopcast/engine/content"
	contentinmem "github.com/loopcast/loopcast/engine/content/inmem"
	"github.com/loopcast/loopcast/engine/hooks"
	peopleinmem "github.com/loopcast/loopcast/engine/people/inmem"
	"github.com/loopcast/loopcast/engine/platform/platformtest"
	queueinmem "github.com/loopcast/loopcast/engine/queue/inmem"
	rollupinmem "github.com/loopcast/loopcast/engine/rollup/inmem"
	"github.com/loopcast/loopcast/engine/schedule"
)

type fixture struct {
	eng       *engine.Engine
	content   *contentinmem.Store
	checkback *checkbackinmem.Store
	clock     *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Scheduler.Platforms = []string{"test"}
	f := &fixture{
		content:   contentinmem.New(),
		checkback: checkbackinmem.New(),
		clock:     clock.NewFake(time.Time{}),
	}
	eng, err := engine.New(engine.Options{
		Config: cfg,
		Stores: engine.Stores{
			Content:   f.content,
			Queue:     queueinmem.New(),
			Checkback: f.checkback,
			Rollup:    rollupinmem.New(),
			People:    peopleinmem.New(),
		},
		Clock: f.clock,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Registry().Register(&platformtest.Adapter{}))
	f.eng = eng
	return f
}

func TestEngineSchedulesReadyInventory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wsID := uuid.New()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.content.CreateArtifact(ctx, &content.Artifact{
			WorkspaceID: wsID,
			Title:       "short clip",
			MediaURL:    "https://cdn.example/clip.mp4",
			DurationS:   20,
			ReadyAt:     f.clock.Now(),
		}))
	}

	res, err := f.eng.Scheduler().AutoSchedule(ctx, wsID, schedule.AutoScheduleInput{})
	require.NoError(t, err)
	require.Equal(t, 3, res.Created)

	inv, err := f.eng.Scheduler().GetInventory(ctx, wsID)
	require.NoError(t, err)
	require.Zero(t, inv.Total, "scheduling consumes the inventory")
}

func TestEnginePublishEventFansOutCheckbackJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	variantID := uuid.New()
	err := f.eng.Bus().Publish(ctx, hooks.Event{
		Type: hooks.EventPublished,
		Published: &hooks.PublishedEvent{
			QueueItemID:    uuid.New(),
			VariantID:      variantID,
			ContentID:      uuid.New(),
			WorkspaceID:    uuid.New(),
			Platform:       "test",
			PlatformPostID: "test-post-1",
			PublishedAt:    f.clock.Now(),
		},
	})
	require.NoError(t, err)

	jobs, err := f.checkback.ListByVariant(ctx, variantID)
	require.NoError(t, err)
	require.Len(t, jobs, len(config.Default().Checkback.OffsetsHours))
	for _, job := range jobs {
		require.Equal(t, checkback.StatusPending, job.Status)
	}
}

func TestEngineRejectsMissingStores(t *testing.T) {
	_, err := engine.New(engine.Options{Config: config.Default()})
	require.Error(t, err)
}
