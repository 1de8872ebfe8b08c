// Package platform defines the contract every social platform adapter
// implements, the error classification adapters surface, and the process-wide
// registry that resolves adapters by platform id. The engine never speaks a
// platform wire protocol itself; adapters translate these normalized types
// into vendor-specific calls.
package platform

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type (
	// Adapter is the capability interface for one social platform. Adapters
	// must be safe for concurrent use; the dispatcher and checkback workers
	// call them from multiple goroutines.
	Adapter interface {
		// ID returns the platform identifier (e.g. "youtube", "tiktok").
		// IDs are lowercase and unique across the registry.
		ID() string

		// DisplayName returns the human-readable platform name.
		DisplayName() string

		// Publish creates a post on the platform. Implementations should be
		// idempotent when req.Metadata carries an "idempotency_key" entry.
		// Errors must be classified via the Error type in this package.
		Publish(ctx context.Context, req PublishRequest) (PublishResult, error)

		// FetchMetrics returns the current metric observation for a platform
		// post. A nil result with nil error means the platform is still
		// processing the post and no numbers are available yet.
		FetchMetrics(ctx context.Context, platformPostID string) (*Metrics, error)

		// FetchComments returns one page of comments for a platform post,
		// newest first. Pass the previous page's NextCursor to continue;
		// an empty NextCursor ends pagination. A nil since returns all
		// comments the platform retains.
		FetchComments(ctx context.Context, platformPostID string, since *time.Time, cursor string) (CommentPage, error)

		// SupportsScheduling reports whether the platform offers native
		// scheduled publishing. Informational only: the engine always
		// publishes through its own queue at the scheduled instant.
		SupportsScheduling() bool

		// RateLimits returns the platform's limit descriptors keyed by
		// method name ("publish", "fetch_metrics", "fetch_comments"). The
		// dispatcher honors them with per-adapter token buckets. Missing
		// entries mean unlimited.
		RateLimits() map[string]RateLimit
	}

	// RecentLookup is the optional idempotency capability. Adapters that can
	// find a recently created post for a variant implement it so the
	// dispatcher can recover from ambiguous publish failures without
	// double-posting.
	RecentLookup interface {
		// LookupRecent returns the platform post id recently created for the
		// variant, or empty string when none exists.
		LookupRecent(ctx context.Context, variantID uuid.UUID) (string, error)
	}

	// PublishRequest carries everything an adapter needs to create a post.
	PublishRequest struct {
		// VariantID identifies the content variant being published.
		VariantID uuid.UUID
		// MediaURLs lists the media assets in presentation order.
		MediaURLs []string
		// Caption is the post body text.
		Caption string
		// Hashtags are appended or attached per platform convention.
		Hashtags []string
		// Metadata is the opaque per-platform escape hatch. Well-known keys:
		// "idempotency_key" enables idempotent publishing.
		Metadata map[string]any
	}

	// PublishResult reports a successful publish.
	PublishResult struct {
		// PlatformPostID is the platform's identifier for the created post.
		PlatformPostID string
		// PlatformURL is the public URL of the post when the platform
		// provides one.
		PlatformURL string
		// PublishedAt is the platform-reported publish instant.
		PublishedAt time.Time
	}

	// Metrics is a point-in-time observation of a platform post. Pointer
	// fields are metrics some platforms do not report.
	Metrics struct {
		Views       int64
		Impressions *int64
		Likes       int64
		Comments    int64
		Shares      int64
		Saves       *int64
		Clicks      *int64
		WatchTimeS  *float64
		// TrafficType is "organic" or "paid".
		TrafficType string
		// Raw preserves the unparsed platform payload for downstream
		// consumers.
		Raw map[string]any
	}

	// CommentRecord is a single comment on a platform post.
	CommentRecord struct {
		AuthorHandle string
		AuthorName   string
		Text         string
		CreatedAt    time.Time
	}

	// CommentPage is one page of comments plus the cursor for the next.
	CommentPage struct {
		Comments   []CommentRecord
		NextCursor string
	}

	// RateLimit describes one platform limit as calls per minute with a
	// burst allowance.
	RateLimit struct {
		PerMinute float64
		Burst     int
	}
)

// Traffic type values carried on Metrics.TrafficType.
const (
	TrafficOrganic = "organic"
	TrafficPaid    = "paid"
)
