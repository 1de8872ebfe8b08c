// Package queue implements the durable publishing queue: a priority and
// due-time ordered set of queue items, each walking the publish state
// machine exactly once to a terminal state. The Store contract carries the
// leasing protocol (select due, lock, skip locked) that guarantees a single
// dispatcher per item; the Service wraps the store with the public queue
// operations.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the state of a queue item.
type Status string

// Queue item statuses.
const (
	StatusQueued     Status = "queued"
	StatusLeased     Status = "leased"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRetry      Status = "retry"
)

// Terminal reports whether s ends the state machine. A failed item can be
// revived explicitly through Service.Retry, but no automatic transition
// leaves a terminal state.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed || s == StatusCancelled
}

// transitions enumerates the legal state machine edges.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusLeased, StatusCancelled},
	StatusLeased:     {StatusPublishing, StatusQueued, StatusCancelled},
	StatusPublishing: {StatusPublished, StatusRetry, StatusFailed, StatusQueued, StatusCancelled},
	StatusRetry:      {StatusQueued, StatusCancelled},
	StatusFailed:     {StatusQueued}, // explicit operator retry only
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type (
	// Item is one materialized scheduled publish.
	Item struct {
		ID          uuid.UUID
		WorkspaceID uuid.UUID
		VariantID   uuid.UUID
		ContentID   uuid.UUID
		Platform    string
		// ScheduledFor is the UTC instant the item becomes due. It only
		// moves forward across reschedules.
		ScheduledFor time.Time
		// Priority orders due items; higher dispatches first.
		Priority     int
		Status       Status
		AttemptCount int
		MaxAttempts  int
		// Metadata is the opaque per-platform payload forwarded to the
		// adapter. Well-known keys: "media_urls", "caption", "hashtags",
		// "idempotency_key".
		Metadata       map[string]any
		LastError      string
		LeaseExpiresAt *time.Time
		PublishedAt    *time.Time
		PlatformPostID string
		PlatformURL    string
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// Stats summarizes a workspace's queue.
	Stats struct {
		ByStatus   map[Status]int
		ByPlatform map[string]int
		Total      int
	}

	// Store is the persistence contract for queue items. Implementations
	// must provide the skip-locked leasing semantics of LeaseDue and
	// compare-and-swap semantics for Transition so that no two workers ever
	// operate on the same item concurrently.
	Store interface {
		// Insert stores a new item in StatusQueued.
		Insert(ctx context.Context, item *Item) error
		// Get returns the item or ErrNotFound.
		Get(ctx context.Context, id uuid.UUID) (Item, error)
		// LeaseDue atomically selects up to limit items with
		// status=queued and scheduled_for <= now, ordered by
		// (priority DESC, scheduled_for ASC, id ASC), skipping rows locked
		// by concurrent callers, and flips them to StatusLeased with
		// lease_expires_at = now + ttl. Platforms listed in skipPlatforms
		// are excluded (disabled adapters).
		LeaseDue(ctx context.Context, limit int, now time.Time, ttl time.Duration, skipPlatforms []string) ([]Item, error)
		// Transition applies a compare-and-swap state change: it fails with
		// ErrConflict unless the item's current status equals from, then
		// invokes apply to mutate the item (apply sets the new Status) and
		// validates the edge with CanTransition.
		Transition(ctx context.Context, id uuid.UUID, from Status, apply func(*Item)) (Item, error)
		// ReapExpired returns leased items whose lease has expired to
		// StatusQueued without touching AttemptCount, and reports how many
		// it promoted.
		ReapExpired(ctx context.Context, now time.Time) (int, error)
		// PromoteRetries moves retry items whose backoff has elapsed back
		// to StatusQueued.
		PromoteRetries(ctx context.Context, now time.Time) (int, error)
		// ListDue returns a read-only peek at due queued items, optionally
		// filtered by platform.
		ListDue(ctx context.Context, limit int, platformID string, now time.Time) ([]Item, error)
		// ListWindow returns the workspace's items with ScheduledFor inside
		// [from, to), optionally filtered by status.
		ListWindow(ctx context.Context, workspaceID uuid.UUID, from, to time.Time, statuses ...Status) ([]Item, error)
		// HasActiveForVariant reports whether a non-terminal item exists
		// for the (variant, platform) pair.
		HasActiveForVariant(ctx context.Context, variantID uuid.UUID, platformID string) (bool, error)
		// HasPublishedForVariant reports whether any item for the variant
		// ever reached StatusPublished.
		HasPublishedForVariant(ctx context.Context, variantID uuid.UUID) (bool, error)
		// Stats counts the workspace's items by status and platform.
		Stats(ctx context.Context, workspaceID uuid.UUID) (Stats, error)
	}
)

// Store error sentinels.
var (
	ErrNotFound = errors.New("queue: not found")
	ErrConflict = errors.New("queue: conflict")
	ErrInvalid  = errors.New("queue: invalid request")
)
