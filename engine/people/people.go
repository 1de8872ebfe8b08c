// Package people maintains the cross-platform person graph: engagement
// events unified under one stable identity per (channel, handle), and the
// derived lens (interests, tone, channel preferences, activity, warmth)
// computed over a sliding event window.
package people

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an engagement observation.
type EventType string

// Engagement event types, deepest first.
const (
	EventCommented EventType = "commented"
	EventShared    EventType = "shared"
	EventSaved     EventType = "saved"
	EventLiked     EventType = "liked"
	EventViewed    EventType = "viewed"
)

// DepthWeight returns the engagement depth used by warmth scoring. Unknown
// types weigh zero.
func (t EventType) DepthWeight() float64 {
	switch t {
	case EventCommented:
		return 1.0
	case EventShared:
		return 0.8
	case EventSaved:
		return 0.6
	case EventLiked:
		return 0.3
	case EventViewed:
		return 0.1
	}
	return 0
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventCommented, EventShared, EventSaved, EventLiked, EventViewed:
		return true
	}
	return false
}

// ActivityState buckets a person by recency of their last event.
type ActivityState string

// Activity states.
const (
	StateActive  ActivityState = "active"  // last event within 7 days
	StateWarming ActivityState = "warming" // within 30 days
	StateCool    ActivityState = "cool"    // within 90 days
	StateDormant ActivityState = "dormant"
)

// Tone is one bucket of the tone preference distribution.
type Tone string

// Tone buckets.
const (
	ToneCasual       Tone = "casual"
	ToneFormal       Tone = "formal"
	ToneEnthusiastic Tone = "enthusiastic"
	ToneTechnical    Tone = "technical"
)

type (
	// Person is a stable identity spanning platforms.
	Person struct {
		ID           uuid.UUID
		FullName     string
		PrimaryEmail string
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// Identity binds one platform handle to a person. The pair
	// (Channel, Handle) is unique across the graph.
	Identity struct {
		PersonID    uuid.UUID
		Channel     string
		Handle      string
		FirstSeenAt time.Time
		LastSeenAt  time.Time
	}

	// Event is one engagement observation attributed to a person.
	Event struct {
		ID             uuid.UUID
		PersonID       uuid.UUID
		Channel        string
		Type           EventType
		PlatformID     string
		ContentExcerpt string
		// TrafficType is "organic" or "paid".
		TrafficType string
		OccurredAt  time.Time
		Metadata    map[string]any
	}

	// Insight is the derived lens for a person.
	Insight struct {
		PersonID uuid.UUID
		// Interests are the top tokens from event excerpts, most frequent
		// first.
		Interests []string
		// TonePreferences and ChannelPreferences are distributions summing
		// to 1 when non-empty.
		TonePreferences    map[Tone]float64
		ChannelPreferences map[string]float64
		ActivityState      ActivityState
		// WarmthScore is in [0, 1].
		WarmthScore  float64
		LastActiveAt time.Time
		UpdatedAt    time.Time
	}

	// Store is the persistence contract for the person graph.
	Store interface {
		// ResolveIdentity atomically returns the person owning
		// (channel, handle), creating the person and identity when absent,
		// and touches the identity's LastSeenAt. Two concurrent calls for
		// the same pair must yield the same person.
		ResolveIdentity(ctx context.Context, channel, handle, fullName string, now time.Time) (Person, Identity, bool, error)
		// GetPerson returns the person or ErrNotFound.
		GetPerson(ctx context.Context, id uuid.UUID) (Person, error)
		// Identities returns the person's identities ordered by channel.
		Identities(ctx context.Context, personID uuid.UUID) ([]Identity, error)
		// InsertEvent appends an engagement event.
		InsertEvent(ctx context.Context, e *Event) error
		// EventsSince returns the person's events with OccurredAt at or
		// after since, oldest first.
		EventsSince(ctx context.Context, personID uuid.UUID, since time.Time) ([]Event, error)
		// ActivePersonIDs returns the distinct person ids with at least one
		// event at or after since.
		ActivePersonIDs(ctx context.Context, since time.Time) ([]uuid.UUID, error)
		// SaveInsight replaces the person's derived lens.
		SaveInsight(ctx context.Context, in Insight) error
		// GetInsight returns the stored lens or ErrNotFound.
		GetInsight(ctx context.Context, personID uuid.UUID) (Insight, error)
	}
)

// Store error sentinels.
var (
	ErrNotFound = errors.New("people: not found")
	ErrInvalid  = errors.New("people: invalid request")
)
