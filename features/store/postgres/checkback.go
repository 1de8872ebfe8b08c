package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loopcast/loopcast/engine/checkback"
)

const checkbackColumns = `id, variant_id, content_id, workspace_id, platform, platform_post_id,
	offset_hours, due_at, status, attempt_count, last_error, lease_expires_at, created_at, updated_at`

// CheckbackStore implements checkback.Store on PostgreSQL.
type CheckbackStore struct {
	client *Client
}

// NewCheckbackStore builds a CheckbackStore on the shared client.
func NewCheckbackStore(client *Client) (*CheckbackStore, error) {
	if client == nil {
		return nil, errors.New("postgres: client is required")
	}
	return &CheckbackStore{client: client}, nil
}

// InsertJobs stores the pending jobs; the unique (variant_id, offset_hours)
// constraint absorbs redelivered publish events.
func (s *CheckbackStore) InsertJobs(ctx context.Context, jobs []checkback.Job) (int, error) {
	inserted := 0
	for _, job := range jobs {
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		tag, err := s.client.pool.Exec(ctx, `
			INSERT INTO checkback_jobs (`+checkbackColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (variant_id, offset_hours) DO NOTHING`,
			job.ID, job.VariantID, job.ContentID, job.WorkspaceID, job.Platform,
			job.PlatformPostID, job.OffsetHours, job.DueAt, checkback.StatusPending,
			job.AttemptCount, job.LastError, job.LeaseExpiresAt, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// Get returns the job by id.
func (s *CheckbackStore) Get(ctx context.Context, id uuid.UUID) (checkback.Job, error) {
	row := s.client.pool.QueryRow(ctx, `SELECT `+checkbackColumns+` FROM checkback_jobs WHERE id = $1`, id)
	return scanCheckbackJob(row)
}

// LeaseDue claims up to limit due pending jobs with FOR UPDATE SKIP LOCKED.
func (s *CheckbackStore) LeaseDue(ctx context.Context, limit int, now time.Time, ttl time.Duration) ([]checkback.Job, error) {
	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT id FROM checkback_jobs
		WHERE status = $1 AND due_at <= $2
		ORDER BY due_at ASC, id ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		checkback.StatusPending, now, limit)
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
		UPDATE checkback_jobs
		SET status = $1, lease_expires_at = $2, updated_at = $3
		WHERE id = ANY($4)
		RETURNING `+checkbackColumns,
		checkback.StatusRunning, now.Add(ttl), now, ids)
	if err != nil {
		return nil, err
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (checkback.Job, error) {
		return scanCheckbackJob(row)
	})
	if err != nil {
		return nil, err
	}
	return jobs, tx.Commit(ctx)
}

// Transition applies a compare-and-swap state change under a row lock.
func (s *CheckbackStore) Transition(ctx context.Context, id uuid.UUID, from checkback.Status, apply func(*checkback.Job)) (checkback.Job, error) {
	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return checkback.Job{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT `+checkbackColumns+` FROM checkback_jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanCheckbackJob(row)
	if err != nil {
		return checkback.Job{}, err
	}
	if job.Status != from {
		return checkback.Job{}, checkback.ErrConflict
	}
	apply(&job)
	job.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE checkback_jobs SET
			due_at = $2, status = $3, attempt_count = $4, last_error = $5,
			lease_expires_at = $6, updated_at = $7
		WHERE id = $1`,
		job.ID, job.DueAt, job.Status, job.AttemptCount, job.LastError,
		job.LeaseExpiresAt, job.UpdatedAt)
	if err != nil {
		return checkback.Job{}, err
	}
	return job, tx.Commit(ctx)
}

// ReapExpired returns running jobs with expired leases to pending.
func (s *CheckbackStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.client.pool.Exec(ctx, `
		UPDATE checkback_jobs
		SET status = $1, lease_expires_at = NULL, updated_at = $2
		WHERE status = $3 AND lease_expires_at < $2`,
		checkback.StatusPending, now, checkback.StatusRunning)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListByVariant returns the variant's jobs ordered by offset.
func (s *CheckbackStore) ListByVariant(ctx context.Context, variantID uuid.UUID) ([]checkback.Job, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT `+checkbackColumns+` FROM checkback_jobs
		WHERE variant_id = $1 ORDER BY offset_hours ASC`, variantID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (checkback.Job, error) {
		return scanCheckbackJob(row)
	})
}

func scanCheckbackJob(row pgx.Row) (checkback.Job, error) {
	var job checkback.Job
	err := row.Scan(&job.ID, &job.VariantID, &job.ContentID, &job.WorkspaceID, &job.Platform,
		&job.PlatformPostID, &job.OffsetHours, &job.DueAt, &job.Status, &job.AttemptCount,
		&job.LastError, &job.LeaseExpiresAt, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkback.Job{}, checkback.ErrNotFound
	}
	return job, err
}
