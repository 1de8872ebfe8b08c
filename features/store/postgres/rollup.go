package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loopcast/loopcast/engine/rollup"
)

const snapshotColumns = `id, variant_id, content_id, workspace_id, platform, offset_hours,
	captured_at, views, impressions, likes, comments, shares, saves, clicks,
	watch_time_s, traffic_type, raw`

// RollupStore implements rollup.Store on PostgreSQL.
type RollupStore struct {
	client *Client
}

// NewRollupStore builds a RollupStore on the shared client.
func NewRollupStore(client *Client) (*RollupStore, error) {
	if client == nil {
		return nil, errors.New("postgres: client is required")
	}
	return &RollupStore{client: client}, nil
}

// UpsertSnapshot inserts the snapshot; the partial unique index on
// (variant_id, offset_hours) makes re-fired checkpoints replace their
// earlier recording.
func (s *RollupStore) UpsertSnapshot(ctx context.Context, snap *rollup.Snapshot) error {
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	if snap.OffsetHours > 0 {
		_, err := s.client.pool.Exec(ctx, `
			INSERT INTO metric_snapshots (`+snapshotColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			ON CONFLICT (variant_id, offset_hours) WHERE offset_hours > 0 DO UPDATE SET
				captured_at = EXCLUDED.captured_at,
				views = EXCLUDED.views, impressions = EXCLUDED.impressions,
				likes = EXCLUDED.likes, comments = EXCLUDED.comments,
				shares = EXCLUDED.shares, saves = EXCLUDED.saves,
				clicks = EXCLUDED.clicks, watch_time_s = EXCLUDED.watch_time_s,
				traffic_type = EXCLUDED.traffic_type, raw = EXCLUDED.raw`,
			snap.ID, snap.VariantID, snap.ContentID, snap.WorkspaceID, snap.Platform,
			snap.OffsetHours, snap.CapturedAt, snap.Views, snap.Impressions, snap.Likes,
			snap.Comments, snap.Shares, snap.Saves, snap.Clicks, snap.WatchTimeS,
			snap.TrafficType, snap.Raw)
		return err
	}
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO metric_snapshots (`+snapshotColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		snap.ID, snap.VariantID, snap.ContentID, snap.WorkspaceID, snap.Platform,
		snap.OffsetHours, snap.CapturedAt, snap.Views, snap.Impressions, snap.Likes,
		snap.Comments, snap.Shares, snap.Saves, snap.Clicks, snap.WatchTimeS,
		snap.TrafficType, snap.Raw)
	return err
}

// LatestByVariant returns the variant's most recent snapshot.
func (s *RollupStore) LatestByVariant(ctx context.Context, variantID uuid.UUID) (rollup.Snapshot, error) {
	row := s.client.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+` FROM metric_snapshots
		WHERE variant_id = $1
		ORDER BY captured_at DESC, id DESC
		LIMIT 1`, variantID)
	return scanSnapshot(row)
}

// ListByVariant returns the variant's snapshots oldest first.
func (s *RollupStore) ListByVariant(ctx context.Context, variantID uuid.UUID) ([]rollup.Snapshot, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT `+snapshotColumns+` FROM metric_snapshots
		WHERE variant_id = $1 ORDER BY captured_at ASC, id ASC`, variantID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (rollup.Snapshot, error) {
		return scanSnapshot(row)
	})
}

// SaveRollup upserts the content aggregate.
func (s *RollupStore) SaveRollup(ctx context.Context, r rollup.Rollup) error {
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO content_rollups (content_id, total_views, total_likes, total_comments,
			total_shares, total_saves, avg_watch_time_s, best_platform, by_platform,
			variants, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (content_id) DO UPDATE SET
			total_views = EXCLUDED.total_views, total_likes = EXCLUDED.total_likes,
			total_comments = EXCLUDED.total_comments, total_shares = EXCLUDED.total_shares,
			total_saves = EXCLUDED.total_saves, avg_watch_time_s = EXCLUDED.avg_watch_time_s,
			best_platform = EXCLUDED.best_platform, by_platform = EXCLUDED.by_platform,
			variants = EXCLUDED.variants, updated_at = EXCLUDED.updated_at`,
		r.ContentID, r.TotalViews, r.TotalLikes, r.TotalComments, r.TotalShares,
		r.TotalSaves, r.AvgWatchTimeS, r.BestPlatform, r.ByPlatform, r.Variants, r.UpdatedAt)
	return err
}

// GetRollup returns the content aggregate.
func (s *RollupStore) GetRollup(ctx context.Context, contentID uuid.UUID) (rollup.Rollup, error) {
	var r rollup.Rollup
	err := s.client.pool.QueryRow(ctx, `
		SELECT content_id, total_views, total_likes, total_comments, total_shares,
			total_saves, avg_watch_time_s, best_platform, by_platform, variants, updated_at
		FROM content_rollups WHERE content_id = $1`, contentID).
		Scan(&r.ContentID, &r.TotalViews, &r.TotalLikes, &r.TotalComments, &r.TotalShares,
			&r.TotalSaves, &r.AvgWatchTimeS, &r.BestPlatform, &r.ByPlatform, &r.Variants, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rollup.Rollup{}, rollup.ErrNotFound
	}
	return r, err
}

func scanSnapshot(row pgx.Row) (rollup.Snapshot, error) {
	var snap rollup.Snapshot
	err := row.Scan(&snap.ID, &snap.VariantID, &snap.ContentID, &snap.WorkspaceID,
		&snap.Platform, &snap.OffsetHours, &snap.CapturedAt, &snap.Views, &snap.Impressions,
		&snap.Likes, &snap.Comments, &snap.Shares, &snap.Saves, &snap.Clicks,
		&snap.WatchTimeS, &snap.TrafficType, &snap.Raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return rollup.Snapshot{}, rollup.ErrNotFound
	}
	return snap, err
}
