package schedule_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/loopcast/loopcast/config"
	"github.com/loopcast/loopcast/engine/content"
	"github.com/loopcast/loopcast/engine/schedule"
)

func testSchedulerConfig() config.Scheduler {
	cfg := config.Default().Scheduler
	cfg.HorizonMonths = 1
	cfg.Platforms = []string{"x", "y"}
	return cfg
}

func TestBuildPlanSpreadsSparseInventory(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	plan := schedule.BuildPlan(testSchedulerConfig(), start, 6, 2)

	require.Equal(t, 30, plan.HorizonDays)
	require.Equal(t, 6, plan.TotalShort)
	require.Equal(t, 2, plan.TotalLong)
	require.False(t, plan.CanExtendHorizon)
	require.Len(t, plan.Slots, 8)

	var shortDays, longDays []int
	for _, s := range plan.Slots {
		switch s.Form {
		case content.FormShort:
			shortDays = append(shortDays, s.Day)
		case content.FormLong:
			longDays = append(longDays, s.Day)
		}
	}
	require.Equal(t, []int{2, 7, 12, 17, 22, 27}, shortDays)
	require.Equal(t, []int{7, 22}, longDays)

	// First slot lands on the first preferred hour of its day.
	first := plan.Slots[0]
	require.Equal(t, start.AddDate(0, 0, 2).Add(9*time.Hour), first.At)

	// Days carrying both forms stagger across preferred hours.
	byInstant := map[time.Time]content.Form{}
	for _, s := range plan.Slots {
		_, dup := byInstant[s.At]
		require.False(t, dup, "two slots on the same instant")
		byInstant[s.At] = s.Form
	}
	require.Equal(t, content.FormShort, byInstant[start.AddDate(0, 0, 7).Add(9*time.Hour)])
	require.Equal(t, content.FormLong, byInstant[start.AddDate(0, 0, 7).Add(13*time.Hour)])
}

func TestBuildPlanFlagsOversupply(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	plan := schedule.BuildPlan(testSchedulerConfig(), start, 100, 0)
	require.True(t, plan.CanExtendHorizon, "100 shorts exceed 3/day over 30 days")
	require.Equal(t, 90, plan.TotalShort)
}

func TestBuildPlanEmptyInventory(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	plan := schedule.BuildPlan(testSchedulerConfig(), start, 0, 0)
	require.Empty(t, plan.Slots)
	require.False(t, plan.CanExtendHorizon)
}

func TestBuildPlanCadenceProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("daily counts stay inside the cadence bounds", prop.ForAll(
		func(shortCount, longCount, months int) bool {
			cfg := testSchedulerConfig()
			cfg.HorizonMonths = months
			plan := schedule.BuildPlan(cfg, start, shortCount, longCount)

			if plan.TotalShort > shortCount || plan.TotalLong > longCount {
				return false
			}
			byDay := plan.SlotsByDayForm()
			maxShort := int(cfg.MaxPerDayShort + 0.999999)
			maxLong := int(cfg.MaxPerDayLong + 0.999999)
			for _, forms := range byDay {
				if forms[content.FormShort] > maxShort || forms[content.FormLong] > maxLong {
					return false
				}
			}
			// With enough inventory every day meets the floor of the
			// minimum rate.
			minShort := int(cfg.MinPerDayShort)
			if minShort > 0 && shortCount >= minShort*plan.HorizonDays {
				for day := 0; day < plan.HorizonDays; day++ {
					if byDay[day][content.FormShort] < minShort {
						return false
					}
				}
			}
			minLong := int(cfg.MinPerDayLong)
			if minLong > 0 && longCount >= minLong*plan.HorizonDays {
				for day := 0; day < plan.HorizonDays; day++ {
					if byDay[day][content.FormLong] < minLong {
						return false
					}
				}
			}
			for _, s := range plan.Slots {
				if s.Day < 0 || s.Day >= plan.HorizonDays {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 500),
		gen.IntRange(0, 100),
		gen.IntRange(1, 6),
	))

	properties.Property("slots are chronological", prop.ForAll(
		func(shortCount, longCount int) bool {
			plan := schedule.BuildPlan(testSchedulerConfig(), start, shortCount, longCount)
			for i := 1; i < len(plan.Slots); i++ {
				if plan.Slots[i].At.Before(plan.Slots[i-1].At) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 200),
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}
