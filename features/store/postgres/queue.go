package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loopcast/loopcast/engine/queue"
)

const queueColumns = `id, workspace_id, variant_id, content_id, platform, scheduled_for,
	priority, status, attempt_count, max_attempts, metadata, last_error,
	lease_expires_at, published_at, platform_post_id, platform_url, created_at, updated_at`

// QueueStore implements queue.Store on PostgreSQL.
type QueueStore struct {
	client *Client
}

// NewQueueStore builds a QueueStore on the shared client.
func NewQueueStore(client *Client) (*QueueStore, error) {
	if client == nil {
		return nil, errors.New("postgres: client is required")
	}
	return &QueueStore{client: client}, nil
}

// Insert stores a new queued item.
func (s *QueueStore) Insert(ctx context.Context, item *queue.Item) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO queue_items (`+queueColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		item.ID, item.WorkspaceID, item.VariantID, item.ContentID, item.Platform,
		item.ScheduledFor, item.Priority, item.Status, item.AttemptCount, item.MaxAttempts,
		item.Metadata, item.LastError, item.LeaseExpiresAt, item.PublishedAt,
		item.PlatformPostID, item.PlatformURL, item.CreatedAt, item.UpdatedAt)
	if isUniqueViolation(err) {
		return queue.ErrConflict
	}
	return err
}

// Get returns the item by id.
func (s *QueueStore) Get(ctx context.Context, id uuid.UUID) (queue.Item, error) {
	row := s.client.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = $1`, id)
	return scanQueueItem(row)
}

// LeaseDue claims up to limit due items with FOR UPDATE SKIP LOCKED, so rows
// being claimed by a concurrent worker are silently passed over.
func (s *QueueStore) LeaseDue(ctx context.Context, limit int, now time.Time, ttl time.Duration, skipPlatforms []string) ([]queue.Item, error) {
	if skipPlatforms == nil {
		skipPlatforms = []string{}
	}
	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT id FROM queue_items
		WHERE status = $1 AND scheduled_for <= $2 AND NOT (platform = ANY($3))
		ORDER BY priority DESC, scheduled_for ASC, id ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		queue.StatusQueued, now, skipPlatforms, limit)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	rows, err = tx.Query(ctx, `
		UPDATE queue_items
		SET status = $1, lease_expires_at = $2, updated_at = $3
		WHERE id = ANY($4)
		RETURNING `+queueColumns,
		queue.StatusLeased, now.Add(ttl), now, ids)
	if err != nil {
		return nil, err
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (queue.Item, error) {
		return scanQueueItem(row)
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	// RETURNING does not honor the select order; restore it.
	byID := make(map[uuid.UUID]queue.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	ordered := make([]queue.Item, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, byID[id])
	}
	return ordered, nil
}

// Transition applies a compare-and-swap state change under a row lock.
func (s *QueueStore) Transition(ctx context.Context, id uuid.UUID, from queue.Status, apply func(*queue.Item)) (queue.Item, error) {
	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return queue.Item{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = $1 FOR UPDATE`, id)
	item, err := scanQueueItem(row)
	if err != nil {
		return queue.Item{}, err
	}
	if item.Status != from {
		return queue.Item{}, queue.ErrConflict
	}
	apply(&item)
	if item.Status != from && !queue.CanTransition(from, item.Status) {
		return queue.Item{}, fmt.Errorf("%w: illegal transition %s -> %s", queue.ErrInvalid, from, item.Status)
	}
	item.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE queue_items SET
			scheduled_for = $2, priority = $3, status = $4, attempt_count = $5,
			metadata = $6, last_error = $7, lease_expires_at = $8, published_at = $9,
			platform_post_id = $10, platform_url = $11, updated_at = $12
		WHERE id = $1`,
		item.ID, item.ScheduledFor, item.Priority, item.Status, item.AttemptCount,
		item.Metadata, item.LastError, item.LeaseExpiresAt, item.PublishedAt,
		item.PlatformPostID, item.PlatformURL, item.UpdatedAt)
	if isUniqueViolation(err) {
		return queue.Item{}, queue.ErrConflict
	}
	if err != nil {
		return queue.Item{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return queue.Item{}, err
	}
	return item, nil
}

// ReapExpired returns expired leases to queued without burning an attempt.
func (s *QueueStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.client.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $1, lease_expires_at = NULL, updated_at = $2
		WHERE status = $3 AND lease_expires_at < $2`,
		queue.StatusQueued, now, queue.StatusLeased)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// PromoteRetries moves retry items whose backoff elapsed back to queued.
func (s *QueueStore) PromoteRetries(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.client.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $1, updated_at = $2
		WHERE status = $3 AND scheduled_for <= $2`,
		queue.StatusQueued, now, queue.StatusRetry)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListDue is a read-only peek at due queued items.
func (s *QueueStore) ListDue(ctx context.Context, limit int, platformID string, now time.Time) ([]queue.Item, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT `+queueColumns+` FROM queue_items
		WHERE status = $1 AND scheduled_for <= $2 AND ($3 = '' OR platform = $3)
		ORDER BY priority DESC, scheduled_for ASC, id ASC
		LIMIT $4`,
		queue.StatusQueued, now, platformID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (queue.Item, error) {
		return scanQueueItem(row)
	})
}

// ListWindow returns the workspace's items scheduled inside [from, to).
func (s *QueueStore) ListWindow(ctx context.Context, workspaceID uuid.UUID, from, to time.Time, statuses ...queue.Status) ([]queue.Item, error) {
	filter := make([]string, 0, len(statuses))
	for _, st := range statuses {
		filter = append(filter, string(st))
	}
	rows, err := s.client.pool.Query(ctx, `
		SELECT `+queueColumns+` FROM queue_items
		WHERE workspace_id = $1 AND scheduled_for >= $2 AND scheduled_for < $3
			AND (cardinality($4::text[]) = 0 OR status = ANY($4))
		ORDER BY scheduled_for ASC, id ASC`,
		workspaceID, from, to, filter)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (queue.Item, error) {
		return scanQueueItem(row)
	})
}

// HasActiveForVariant reports whether a non-terminal item exists for the
// (variant, platform) pair.
func (s *QueueStore) HasActiveForVariant(ctx context.Context, variantID uuid.UUID, platformID string) (bool, error) {
	var exists bool
	err := s.client.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM queue_items
			WHERE variant_id = $1 AND platform = $2 AND status = ANY($3)
		)`,
		variantID, platformID, []string{
			string(queue.StatusQueued), string(queue.StatusLeased),
			string(queue.StatusPublishing), string(queue.StatusRetry),
		}).Scan(&exists)
	return exists, err
}

// HasPublishedForVariant reports whether the variant ever published.
func (s *QueueStore) HasPublishedForVariant(ctx context.Context, variantID uuid.UUID) (bool, error) {
	var exists bool
	err := s.client.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM queue_items WHERE variant_id = $1 AND status = $2)`,
		variantID, queue.StatusPublished).Scan(&exists)
	return exists, err
}

// Stats counts the workspace's items by status and platform.
func (s *QueueStore) Stats(ctx context.Context, workspaceID uuid.UUID) (queue.Stats, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT status, platform, COUNT(*) FROM queue_items
		WHERE workspace_id = $1
		GROUP BY status, platform`, workspaceID)
	if err != nil {
		return queue.Stats{}, err
	}
	defer rows.Close()
	stats := queue.Stats{
		ByStatus:   make(map[queue.Status]int),
		ByPlatform: make(map[string]int),
	}
	for rows.Next() {
		var status, platform string
		var count int
		if err := rows.Scan(&status, &platform, &count); err != nil {
			return queue.Stats{}, err
		}
		stats.ByStatus[queue.Status(status)] += count
		stats.ByPlatform[platform] += count
		stats.Total += count
	}
	return stats, rows.Err()
}

func scanQueueItem(row pgx.Row) (queue.Item, error) {
	var item queue.Item
	err := row.Scan(
		&item.ID, &item.WorkspaceID, &item.VariantID, &item.ContentID, &item.Platform,
		&item.ScheduledFor, &item.Priority, &item.Status, &item.AttemptCount, &item.MaxAttempts,
		&item.Metadata, &item.LastError, &item.LeaseExpiresAt, &item.PublishedAt,
		&item.PlatformPostID, &item.PlatformURL, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.Item{}, queue.ErrNotFound
	}
	return item, err
}
