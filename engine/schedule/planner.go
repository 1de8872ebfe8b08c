// Package schedule derives a bounded publish plan from the ready inventory
// and materializes it as content variants plus queue items. Planning is pure
// (planner.go); persistence and locking live in the Service (service.go).
package schedule

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/loopcast/loopcast/config"
	"github.com/loopcast/loopcast/engine/content"
)

type (
	// Plan is the scheduler output: per-form rates, day-wise slots and the
	// oversupply flag. Days index from 0 at Start.
	Plan struct {
		// Start is midnight UTC of the first plan day (tomorrow).
		Start time.Time
		// HorizonDays is the window length in days.
		HorizonDays int
		// RateShort and RateLong are the clamped per-day planning rates.
		RateShort float64
		RateLong  float64
		// TotalShort and TotalLong are the slot counts actually allocated,
		// never more than inventory.
		TotalShort int
		TotalLong  int
		// CanExtendHorizon is set when inventory exceeds what the maximum
		// cadence can place inside the window.
		CanExtendHorizon bool
		// Slots are the allocated publish slots in chronological order.
		Slots []Slot
	}

	// Slot is one planned publish: a day offset, a concrete UTC instant and
	// the media form it expects.
	Slot struct {
		Day  int
		At   time.Time
		Form content.Form
	}
)

// clampRate bounds inventory/horizon into the configured cadence band.
func clampRate(n int, days int, min, max float64) float64 {
	if days <= 0 {
		return min
	}
	r := float64(n) / float64(days)
	if r < min {
		r = min
	}
	if r > max {
		r = max
	}
	return r
}

// spreadDays places total slots across days [0, horizon) with centered
// fractional accumulation, so slots land mid-interval instead of clustering
// at day zero. The i-th slot lands on day floor((i+0.5)*horizon/total).
func spreadDays(total, horizon int) []int {
	if total <= 0 || horizon <= 0 {
		return nil
	}
	days := make([]int, total)
	for i := 0; i < total; i++ {
		d := int(math.Floor((float64(i) + 0.5) * float64(horizon) / float64(total)))
		if d >= horizon {
			d = horizon - 1
		}
		days[i] = d
	}
	return days
}

// BuildPlan computes the slot allocation for the given inventory counts.
// start must be midnight UTC of the first plan day.
func BuildPlan(cfg config.Scheduler, start time.Time, shortCount, longCount int) Plan {
	horizon := cfg.HorizonMonths * 30
	hours := cfg.PreferredHours
	if len(hours) == 0 {
		hours = []int{9, 13, 18}
	}

	rs := clampRate(shortCount, horizon, cfg.MinPerDayShort, cfg.MaxPerDayShort)
	rl := clampRate(longCount, horizon, cfg.MinPerDayLong, cfg.MaxPerDayLong)

	totalShort := int(math.Round(rs * float64(horizon)))
	if totalShort > shortCount {
		totalShort = shortCount
	}
	totalLong := int(math.Round(rl * float64(horizon)))
	if totalLong > longCount {
		totalLong = longCount
	}

	plan := Plan{
		Start:       start,
		HorizonDays: horizon,
		RateShort:   rs,
		RateLong:    rl,
		TotalShort:  totalShort,
		TotalLong:   totalLong,
		CanExtendHorizon: float64(shortCount) > cfg.MaxPerDayShort*float64(horizon) ||
			float64(longCount) > cfg.MaxPerDayLong*float64(horizon),
	}

	for _, d := range spreadDays(totalShort, horizon) {
		plan.Slots = append(plan.Slots, Slot{Day: d, Form: content.FormShort})
	}
	for _, d := range spreadDays(totalLong, horizon) {
		plan.Slots = append(plan.Slots, Slot{Day: d, Form: content.FormLong})
	}

	// Stable chronological order: by day, shorts before longs within a day
	// so the first preferred hour goes to the higher-cadence form.
	sort.SliceStable(plan.Slots, func(i, j int) bool {
		if plan.Slots[i].Day != plan.Slots[j].Day {
			return plan.Slots[i].Day < plan.Slots[j].Day
		}
		return plan.Slots[i].Form == content.FormShort && plan.Slots[j].Form == content.FormLong
	})

	// Assign hours within each day from the preferred list.
	byDay := lo.GroupBy(lo.Range(len(plan.Slots)), func(i int) int { return plan.Slots[i].Day })
	for day, idxs := range byDay {
		date := start.AddDate(0, 0, day)
		for slotPos, i := range idxs {
			h := hours[slotPos%len(hours)]
			plan.Slots[i].At = time.Date(date.Year(), date.Month(), date.Day(), h, 0, 0, 0, time.UTC)
		}
	}
	sort.SliceStable(plan.Slots, func(i, j int) bool { return plan.Slots[i].At.Before(plan.Slots[j].At) })
	return plan
}

// SlotsByDayForm counts the plan's slots per (day, form) pair, the shape the
// gap-fill pass subtracts existing queue items from.
func (p Plan) SlotsByDayForm() map[int]map[content.Form]int {
	out := make(map[int]map[content.Form]int)
	for _, s := range p.Slots {
		if out[s.Day] == nil {
			out[s.Day] = make(map[content.Form]int)
		}
		out[s.Day][s.Form]++
	}
	return out
}
