package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loopcast/loopcast/engine/content"
)

const variantColumns = `id, content_id, platform, platform_post_id, platform_url,
	is_paid, published_at, status, created_at, updated_at`

// ContentStore implements content.Store on PostgreSQL.
type ContentStore struct {
	client *Client
}

// NewContentStore builds a ContentStore on the shared client.
func NewContentStore(client *Client) (*ContentStore, error) {
	if client == nil {
		return nil, errors.New("postgres: client is required")
	}
	return &ContentStore{client: client}, nil
}

// CreateItem stores a new content item.
func (s *ContentStore) CreateItem(ctx context.Context, item *content.Item) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO content_items (id, workspace_id, type, title, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		item.ID, item.WorkspaceID, item.Type, item.Title, item.CreatedAt)
	return err
}

// GetItem returns the content item by id.
func (s *ContentStore) GetItem(ctx context.Context, id uuid.UUID) (content.Item, error) {
	var item content.Item
	err := s.client.pool.QueryRow(ctx, `
		SELECT id, workspace_id, type, title, created_at FROM content_items WHERE id = $1`, id).
		Scan(&item.ID, &item.WorkspaceID, &item.Type, &item.Title, &item.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return content.Item{}, content.ErrNotFound
	}
	return item, err
}

// CreateVariant stores a new variant. The partial unique index on
// (platform, platform_post_id) rejects duplicate platform posts.
func (s *ContentStore) CreateVariant(ctx context.Context, v *content.Variant) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.CreatedAt
	}
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO content_variants (`+variantColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		v.ID, v.ContentID, v.Platform, v.PlatformPostID, v.PlatformURL,
		v.IsPaid, v.PublishedAt, v.Status, v.CreatedAt, v.UpdatedAt)
	if isUniqueViolation(err) {
		return content.ErrConflict
	}
	return err
}

// GetVariant returns the variant by id.
func (s *ContentStore) GetVariant(ctx context.Context, id uuid.UUID) (content.Variant, error) {
	row := s.client.pool.QueryRow(ctx, `SELECT `+variantColumns+` FROM content_variants WHERE id = $1`, id)
	return scanVariant(row)
}

// UpdateVariant replaces the stored variant.
func (s *ContentStore) UpdateVariant(ctx context.Context, v content.Variant) error {
	tag, err := s.client.pool.Exec(ctx, `
		UPDATE content_variants SET
			platform = $2, platform_post_id = $3, platform_url = $4, is_paid = $5,
			published_at = $6, status = $7, updated_at = $8
		WHERE id = $1`,
		v.ID, v.Platform, v.PlatformPostID, v.PlatformURL, v.IsPaid,
		v.PublishedAt, v.Status, v.UpdatedAt)
	if isUniqueViolation(err) {
		return content.ErrConflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return content.ErrNotFound
	}
	return nil
}

// ListVariants returns the item's variants ordered by creation.
func (s *ContentStore) ListVariants(ctx context.Context, contentID uuid.UUID) ([]content.Variant, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT `+variantColumns+` FROM content_variants
		WHERE content_id = $1 ORDER BY created_at ASC, id ASC`, contentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (content.Variant, error) {
		return scanVariant(row)
	})
}

// ListPublishedSince returns variants published at or after since.
func (s *ContentStore) ListPublishedSince(ctx context.Context, since time.Time) ([]content.Variant, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT `+variantColumns+` FROM content_variants
		WHERE published_at >= $1 ORDER BY published_at ASC, id ASC`, since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (content.Variant, error) {
		return scanVariant(row)
	})
}

// ReadyArtifacts returns the workspace's unconsumed artifacts, FIFO by
// readiness.
func (s *ContentStore) ReadyArtifacts(ctx context.Context, workspaceID uuid.UUID) ([]content.Artifact, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT id, workspace_id, content_id, title, media_url, duration_s, ready_at, consumed_at
		FROM artifacts
		WHERE workspace_id = $1 AND consumed_at IS NULL
		ORDER BY ready_at ASC, id ASC`, workspaceID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (content.Artifact, error) {
		return scanArtifact(row)
	})
}

// ConsumeArtifact stamps ConsumedAt; consuming twice is a conflict.
func (s *ContentStore) ConsumeArtifact(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.client.pool.Exec(ctx, `
		UPDATE artifacts SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetArtifact(ctx, id); errors.Is(gerr, content.ErrNotFound) {
			return content.ErrNotFound
		}
		return content.ErrConflict
	}
	return nil
}

// ReleaseArtifact clears ConsumedAt so the artifact can rebind.
func (s *ContentStore) ReleaseArtifact(ctx context.Context, id uuid.UUID) error {
	tag, err := s.client.pool.Exec(ctx, `UPDATE artifacts SET consumed_at = NULL WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return content.ErrNotFound
	}
	return nil
}

// CreateArtifact stores a new inventory row.
func (s *ContentStore) CreateArtifact(ctx context.Context, a *content.Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	var contentID *uuid.UUID
	if a.ContentID != uuid.Nil {
		contentID = &a.ContentID
	}
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO artifacts (id, workspace_id, content_id, title, media_url, duration_s, ready_at, consumed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.WorkspaceID, contentID, a.Title, a.MediaURL, a.DurationS, a.ReadyAt, a.ConsumedAt)
	return err
}

// GetArtifact returns the artifact by id.
func (s *ContentStore) GetArtifact(ctx context.Context, id uuid.UUID) (content.Artifact, error) {
	row := s.client.pool.QueryRow(ctx, `
		SELECT id, workspace_id, content_id, title, media_url, duration_s, ready_at, consumed_at
		FROM artifacts WHERE id = $1`, id)
	return scanArtifact(row)
}

func scanVariant(row pgx.Row) (content.Variant, error) {
	var v content.Variant
	err := row.Scan(&v.ID, &v.ContentID, &v.Platform, &v.PlatformPostID, &v.PlatformURL,
		&v.IsPaid, &v.PublishedAt, &v.Status, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return content.Variant{}, content.ErrNotFound
	}
	return v, err
}

func scanArtifact(row pgx.Row) (content.Artifact, error) {
	var a content.Artifact
	var contentID *uuid.UUID
	err := row.Scan(&a.ID, &a.WorkspaceID, &contentID, &a.Title, &a.MediaURL,
		&a.DurationS, &a.ReadyAt, &a.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return content.Artifact{}, content.ErrNotFound
	}
	if contentID != nil {
		a.ContentID = *contentID
	}
	return a, err
}
