// Package platformtest provides a scripted platform adapter for engine
// tests. Outcomes are queued per method so tests can model transient
// failures followed by success, missing metrics, and paginated comments
// without touching a real platform.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopcast/loopcast/engine/platform"
)

// Adapter is a scriptable platform.Adapter. The zero value publishes
// successfully with generated post ids. Adapter is safe for concurrent use.
// It deliberately does not implement platform.RecentLookup; wrap it with
// WithLookup to add the capability.
type Adapter struct {
	mu sync.Mutex

	// Platform is the adapter id. Defaults to "test".
	Platform string
	// Scheduling is returned by SupportsScheduling.
	Scheduling bool
	// Limits is returned by RateLimits.
	Limits map[string]platform.RateLimit

	// PublishErrs is consumed one per Publish call before PublishResult is
	// returned. A nil entry means success.
	PublishErrs []error
	// MetricsByPost maps platform post ids to scripted observations. A
	// missing entry returns (nil, nil): still processing.
	MetricsByPost map[string]*platform.Metrics
	// MetricsErr, when set, is returned by every FetchMetrics call.
	MetricsErr error
	// CommentsByPost maps platform post ids to scripted comment pages keyed
	// by cursor ("" is the first page).
	CommentsByPost map[string]map[string]platform.CommentPage

	publishCalls int
	metricsCalls int
}

// WithLookup wraps a scripted adapter with the RecentLookup capability.
type WithLookup struct {
	*Adapter
	// Recent maps variant ids to the platform post id LookupRecent returns.
	Recent map[uuid.UUID]string
}

// ID returns the configured platform id.
func (a *Adapter) ID() string {
	if a.Platform == "" {
		return "test"
	}
	return a.Platform
}

// DisplayName returns a readable name derived from the id.
func (a *Adapter) DisplayName() string { return "Test (" + a.ID() + ")" }

// Publish consumes the next scripted outcome.
func (a *Adapter) Publish(ctx context.Context, req platform.PublishRequest) (platform.PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return platform.PublishResult{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	call := a.publishCalls
	a.publishCalls++
	if call < len(a.PublishErrs) && a.PublishErrs[call] != nil {
		return platform.PublishResult{}, a.PublishErrs[call]
	}
	return platform.PublishResult{
		PlatformPostID: fmt.Sprintf("%s-post-%s", a.ID(), req.VariantID),
		PlatformURL:    fmt.Sprintf("https://%s.example/%s", a.ID(), req.VariantID),
		PublishedAt:    time.Now().UTC(),
	}, nil
}

// FetchMetrics returns the scripted observation for the post id.
func (a *Adapter) FetchMetrics(ctx context.Context, platformPostID string) (*platform.Metrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metricsCalls++
	if a.MetricsErr != nil {
		return nil, a.MetricsErr
	}
	return a.MetricsByPost[platformPostID], nil
}

// FetchComments returns the scripted page for the cursor.
func (a *Adapter) FetchComments(ctx context.Context, platformPostID string, _ *time.Time, cursor string) (platform.CommentPage, error) {
	if err := ctx.Err(); err != nil {
		return platform.CommentPage{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	pages, ok := a.CommentsByPost[platformPostID]
	if !ok {
		return platform.CommentPage{}, nil
	}
	return pages[cursor], nil
}

// SupportsScheduling returns the configured flag.
func (a *Adapter) SupportsScheduling() bool { return a.Scheduling }

// RateLimits returns the configured limits.
func (a *Adapter) RateLimits() map[string]platform.RateLimit { return a.Limits }

// PublishCalls returns how many times Publish ran.
func (a *Adapter) PublishCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.publishCalls
}

// MetricsCalls returns how many times FetchMetrics ran.
func (a *Adapter) MetricsCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metricsCalls
}

// LookupRecent returns the scripted post id for the variant.
func (w *WithLookup) LookupRecent(_ context.Context, variantID uuid.UUID) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Recent[variantID], nil
}
