// Package rollup stores metric snapshots and maintains the per-content
// aggregate view. Snapshots are append-only observations keyed by variant;
// the rollup is recomputed from the latest snapshot of each variant, so
// recording the same observation twice never double-counts.
package rollup

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type (
	// Snapshot is one point-in-time metric observation for a variant.
	Snapshot struct {
		ID          uuid.UUID
		VariantID   uuid.UUID
		ContentID   uuid.UUID
		WorkspaceID uuid.UUID
		Platform    string
		// OffsetHours is the checkback checkpoint that produced the
		// snapshot. Zero marks a manual poll.
		OffsetHours int
		CapturedAt  time.Time

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
		// Raw preserves the platform payload.
		Raw map[string]any
	}

	// Rollup is the aggregate across a content item's variants, computed
	// from each variant's latest snapshot.
	Rollup struct {
		ContentID     uuid.UUID
		TotalViews    int64
		TotalLikes    int64
		TotalComments int64
		TotalShares   int64
		TotalSaves    int64
		// AvgWatchTimeS averages over variants that report watch time; nil
		// when none do.
		AvgWatchTimeS *float64
		// BestPlatform has the most views in the latest snapshots. Ties
		// break lexicographically. Empty until a snapshot exists.
		BestPlatform string
		// ByPlatform carries each platform's view count for the aggregate.
		ByPlatform map[string]int64
		// Variants is how many variants contributed.
		Variants  int
		UpdatedAt time.Time
	}

	// Store is the persistence contract for snapshots and rollups.
	Store interface {
		// UpsertSnapshot inserts the snapshot. A snapshot with the same
		// (variant_id, offset_hours) and a positive offset replaces the
		// earlier recording; manual polls (offset zero) always append.
		UpsertSnapshot(ctx context.Context, s *Snapshot) error
		// LatestByVariant returns the most recent snapshot for the variant
		// by CapturedAt, or ErrNotFound.
		LatestByVariant(ctx context.Context, variantID uuid.UUID) (Snapshot, error)
		// ListByVariant returns the variant's snapshots ordered by
		// CapturedAt ascending.
		ListByVariant(ctx context.Context, variantID uuid.UUID) ([]Snapshot, error)
		// SaveRollup stores the aggregate, replacing any previous one.
		SaveRollup(ctx context.Context, r Rollup) error
		// GetRollup returns the aggregate for the content or ErrNotFound.
		GetRollup(ctx context.Context, contentID uuid.UUID) (Rollup, error)
	}
)

// Store error sentinels.
var (
	ErrNotFound = errors.New("rollup: not found")
)
