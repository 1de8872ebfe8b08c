package people

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// maxInterests caps the interest list.
const maxInterests = 10

// stopwords excluded from interest extraction.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {}, "with": {},
	"you": {}, "your": {}, "was": {}, "are": {}, "but": {}, "not": {},
	"have": {}, "has": {}, "had": {}, "its": {}, "it's": {}, "they": {},
	"them": {}, "their": {}, "what": {}, "when": {}, "how": {}, "why": {},
	"just": {}, "really": {}, "very": {}, "much": {}, "more": {}, "some": {},
	"from": {}, "about": {}, "into": {}, "out": {}, "all": {}, "can": {},
	"will": {}, "would": {}, "there": {}, "here": {}, "been": {}, "than": {},
	"then": {}, "too": {}, "also": {}, "like": {},
}

// ToneAnalyzer scores a text excerpt into tone buckets. The default is a
// marker heuristic; swap in a model-backed implementation without touching
// lens computation.
type ToneAnalyzer interface {
	// Score returns non-negative bucket scores for the text. All-zero means
	// the text carries no tone signal.
	Score(text string) map[Tone]float64
}

// HeuristicTone is the default marker-based ToneAnalyzer.
type HeuristicTone struct{}

var technicalTerms = []string{
	"api", "latency", "deploy", "config", "throughput", "database", "server",
	"pipeline", "bug", "release", "codec", "bitrate", "render", "encode",
}

var formalMarkers = []string{
	"regards", "sincerely", "therefore", "however", "furthermore", "kindly",
	"appreciate", "regarding",
}

var casualMarkers = []string{
	"lol", "haha", "omg", "btw", "gonna", "wanna", "yeah", "nah", "tbh",
}

// Score implements ToneAnalyzer with explicit markers: exclamation density
// for enthusiasm, slang for casual, domain terms for technical, and
// correspondence phrasing for formal.
func (HeuristicTone) Score(text string) map[Tone]float64 {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lower := strings.ToLower(text)
	scores := map[Tone]float64{}

	if n := strings.Count(text, "!"); n > 0 {
		scores[ToneEnthusiastic] = float64(n)
	}
	for _, term := range technicalTerms {
		if strings.Contains(lower, term) {
			scores[ToneTechnical]++
		}
	}
	for _, marker := range formalMarkers {
		if strings.Contains(lower, marker) {
			scores[ToneFormal]++
		}
	}
	for _, marker := range casualMarkers {
		if strings.Contains(lower, marker) {
			scores[ToneCasual]++
		}
	}
	if len(scores) == 0 {
		// No marker fired; plain prose reads casual.
		scores[ToneCasual] = 1
	}
	return scores
}

// computeInsight derives the full lens from the person's events inside the
// window. events must be ordered oldest first; windowDays is the sliding
// window they were selected from.
func computeInsight(personID uuid.UUID, events []Event, now time.Time, tone ToneAnalyzer, windowDays int) Insight {
	in := Insight{
		PersonID:  personID,
		UpdatedAt: now,
	}
	if len(events) == 0 {
		in.ActivityState = StateDormant
		return in
	}

	last := events[len(events)-1].OccurredAt
	in.LastActiveAt = last
	in.ActivityState = activityState(now.Sub(last))
	in.Interests = topInterests(events)
	in.TonePreferences = toneDistribution(events, tone)
	in.ChannelPreferences = channelDistribution(events)
	in.WarmthScore = warmth(events, now, windowDays)
	return in
}

// activityState buckets the time since the last event.
func activityState(sinceLast time.Duration) ActivityState {
	switch {
	case sinceLast <= 7*24*time.Hour:
		return StateActive
	case sinceLast <= 30*24*time.Hour:
		return StateWarming
	case sinceLast <= 90*24*time.Hour:
		return StateCool
	default:
		return StateDormant
	}
}

// warmth is the weighted recency/frequency/depth score in [0, 1]:
// w = 0.4*R + 0.3*F + 0.3*D with
//
//	R = max(0, 1 - days_since_last/90)
//	F = min(1, n/5) * weeks_covered/12, weeks covered by the window
//	D = mean depth weight of the events
//
// weeks_covered derives from the sliding window, not the event span, so the
// same events score the same regardless of how they cluster inside it.
func warmth(events []Event, now time.Time, windowDays int) float64 {
	n := len(events)
	if n == 0 {
		return 0
	}
	last := events[n-1].OccurredAt

	daysSinceLast := now.Sub(last).Hours() / 24
	r := 1 - daysSinceLast/90
	if r < 0 {
		r = 0
	}

	weeks := math.Ceil(float64(windowDays) / 7)
	if weeks < 1 {
		weeks = 1
	}
	if weeks > 12 {
		weeks = 12
	}
	f := math.Min(1, float64(n)/5) * (weeks / 12)

	var depthSum float64
	for _, e := range events {
		depthSum += e.Type.DepthWeight()
	}
	d := depthSum / float64(n)

	w := 0.4*r + 0.3*f + 0.3*d
	if w > 1 {
		w = 1
	}
	return w
}

// topInterests tokenizes event excerpts, drops stopwords and returns the
// most frequent tokens, ties broken lexicographically.
func topInterests(events []Event) []string {
	counts := map[string]int{}
	for _, e := range events {
		for _, tok := range tokenize(e.ContentExcerpt) {
			counts[tok]++
		}
	}
	tokens := lo.Keys(counts)
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})
	if len(tokens) > maxInterests {
		tokens = tokens[:maxInterests]
	}
	return tokens
}

// tokenize lowercases and splits on non-letter runs, dropping stopwords and
// tokens shorter than three letters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// toneDistribution sums the analyzer's scores across events and normalizes.
func toneDistribution(events []Event, tone ToneAnalyzer) map[Tone]float64 {
	if tone == nil {
		tone = HeuristicTone{}
	}
	sums := map[Tone]float64{}
	var total float64
	for _, e := range events {
		for bucket, score := range tone.Score(e.ContentExcerpt) {
			sums[bucket] += score
			total += score
		}
	}
	if total == 0 {
		return nil
	}
	for bucket := range sums {
		sums[bucket] /= total
	}
	return sums
}

// channelDistribution is the normalized event frequency per channel.
func channelDistribution(events []Event) map[string]float64 {
	counts := lo.CountValuesBy(events, func(e Event) string { return e.Channel })
	out := make(map[string]float64, len(counts))
	for channel, n := range counts {
		out[channel] = float64(n) / float64(len(events))
	}
	return out
}
