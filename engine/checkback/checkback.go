// Package checkback pulls post metrics at fixed offsets after publish. The
// scheduler subscribes to publish events and durably inserts one job per
// offset; the worker leases due jobs, fetches metrics through the platform
// adapter and feeds the rollup service. Restart safety lives in the job
// table, not the event bus: jobs missed while the process was down simply
// fire late.
package checkback

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the state of a checkback job.
type Status string

// Checkback job statuses.
const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	// StatusSkipped means the job could never produce a snapshot: the
	// variant has no platform post, or metrics never became available.
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

type (
	// Job is one scheduled metric pull.
	Job struct {
		ID          uuid.UUID
		VariantID   uuid.UUID
		ContentID   uuid.UUID
		WorkspaceID uuid.UUID
		Platform    string
		// PlatformPostID is the post to fetch. Empty when publish never
		// yielded one; the worker skips such jobs.
		PlatformPostID string
		// OffsetHours is the checkpoint after publish. The pair
		// (VariantID, OffsetHours) is unique.
		OffsetHours int
		// DueAt is PublishedAt plus the offset.
		DueAt          time.Time
		Status         Status
		AttemptCount   int
		LastError      string
		LeaseExpiresAt *time.Time
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// Store is the persistence contract for checkback jobs.
	Store interface {
		// InsertJobs stores the jobs in StatusPending, silently dropping
		// any whose (variant_id, offset_hours) pair already exists. It
		// reports how many were actually inserted.
		InsertJobs(ctx context.Context, jobs []Job) (int, error)
		// Get returns the job or ErrNotFound.
		Get(ctx context.Context, id uuid.UUID) (Job, error)
		// LeaseDue atomically flips up to limit due pending jobs to
		// StatusRunning with a lease, ordered by DueAt ascending.
		LeaseDue(ctx context.Context, limit int, now time.Time, ttl time.Duration) ([]Job, error)
		// Transition applies a compare-and-swap state change, failing with
		// ErrConflict unless the job's status equals from.
		Transition(ctx context.Context, id uuid.UUID, from Status, apply func(*Job)) (Job, error)
		// ReapExpired returns running jobs with expired leases to pending.
		ReapExpired(ctx context.Context, now time.Time) (int, error)
		// ListByVariant returns the variant's jobs ordered by OffsetHours.
		ListByVariant(ctx context.Context, variantID uuid.UUID) ([]Job, error)
	}
)

// Store error sentinels.
var (
	ErrNotFound = errors.New("checkback: not found")
	ErrConflict = errors.New("checkback: conflict")
)
