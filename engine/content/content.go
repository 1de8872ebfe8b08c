// Package content holds the platform-independent content model: items, their
// per-platform variants, and the inventory artifacts the scheduler consumes.
// Store implementations live in inmem (tests) and features/store/postgres
// (production).
package content

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type is the logical kind of a content item.
type Type string

// Content item types.
const (
	TypeVideo    Type = "video"
	TypeImage    Type = "image"
	TypeCarousel Type = "carousel"
	TypeBlog     Type = "blog"
)

// VariantStatus tracks a variant through its publish lifecycle.
type VariantStatus string

// Variant statuses.
const (
	VariantDraft      VariantStatus = "draft"
	VariantReady      VariantStatus = "ready"
	VariantQueued     VariantStatus = "queued"
	VariantPublishing VariantStatus = "publishing"
	VariantPublished  VariantStatus = "published"
	VariantFailed     VariantStatus = "failed"
)

// Form classifies media length for cadence planning.
type Form string

// Media forms. Short is anything at or under 60 seconds.
const (
	FormShort Form = "short"
	FormLong  Form = "long"
)

// ShortMaxDurationS is the inclusive upper bound, in seconds, of short-form
// media.
const ShortMaxDurationS = 60

type (
	// Item is a logical piece of content independent of platform. An item
	// owns its variants; deleting an item cascades to them.
	Item struct {
		ID          uuid.UUID
		WorkspaceID uuid.UUID
		Type        Type
		Title       string
		CreatedAt   time.Time
	}

	// Variant is a platform-bound instance of an item. The pair
	// (Platform, PlatformPostID) is unique once PlatformPostID is set.
	Variant struct {
		ID             uuid.UUID
		ContentID      uuid.UUID
		Platform       string
		PlatformPostID string
		PlatformURL    string
		IsPaid         bool
		PublishedAt    *time.Time
		Status         VariantStatus
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	// Artifact is one inventory row: a ready-to-publish media unit not yet
	// bound to a platform. A consumed artifact may not be rescheduled until
	// it is released.
	Artifact struct {
		ID          uuid.UUID
		WorkspaceID uuid.UUID
		// ContentID links the artifact to an existing item when the media
		// derives from known content. uuid.Nil means the scheduler creates
		// an item at materialization time.
		ContentID  uuid.UUID
		Title      string
		MediaURL   string
		DurationS  float64
		ReadyAt    time.Time
		ConsumedAt *time.Time
	}

	// Store is the persistence contract for content entities. Methods
	// return ErrNotFound for unknown ids and ErrConflict on unique
	// violations or stale updates.
	Store interface {
		CreateItem(ctx context.Context, item *Item) error
		GetItem(ctx context.Context, id uuid.UUID) (Item, error)

		CreateVariant(ctx context.Context, v *Variant) error
		GetVariant(ctx context.Context, id uuid.UUID) (Variant, error)
		// UpdateVariant replaces the stored variant. The (platform,
		// platform_post_id) unique constraint applies.
		UpdateVariant(ctx context.Context, v Variant) error
		ListVariants(ctx context.Context, contentID uuid.UUID) ([]Variant, error)
		// ListPublishedSince returns variants whose PublishedAt is at or
		// after since, across all items.
		ListPublishedSince(ctx context.Context, since time.Time) ([]Variant, error)

		// ReadyArtifacts returns unconsumed artifacts for the workspace in
		// FIFO order by ReadyAt.
		ReadyArtifacts(ctx context.Context, workspaceID uuid.UUID) ([]Artifact, error)
		// ConsumeArtifact stamps ConsumedAt. It fails with ErrConflict when
		// the artifact was already consumed.
		ConsumeArtifact(ctx context.Context, id uuid.UUID, at time.Time) error
		// ReleaseArtifact clears ConsumedAt so the artifact can rebind on
		// the next plan.
		ReleaseArtifact(ctx context.Context, id uuid.UUID) error
		CreateArtifact(ctx context.Context, a *Artifact) error
		GetArtifact(ctx context.Context, id uuid.UUID) (Artifact, error)
	}
)

// Store error sentinels.
var (
	ErrNotFound = errors.New("content: not found")
	ErrConflict = errors.New("content: conflict")
)

// FormOf classifies a duration in seconds.
func FormOf(durationS float64) Form {
	if durationS <= ShortMaxDurationS {
		return FormShort
	}
	return FormLong
}

// Form returns the artifact's cadence classification.
func (a Artifact) Form() Form { return FormOf(a.DurationS) }

// Consumed reports whether the artifact is already bound to a plan.
func (a Artifact) Consumed() bool { return a.ConsumedAt != nil }
