// Package hooks carries the in-process events that connect pipeline stages:
// the dispatcher announces successful publishes, the checkback scheduler
// subscribes to fan out metric-pull jobs, and the rollup service announces
// recorded snapshots. Restart safety does not depend on this bus; the
// durable checkback job table is the recovery mechanism.
package hooks

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	// EventPublished fires after a queue item reaches published.
	EventPublished EventType = "published"
	// EventSnapshotRecorded fires after a metric snapshot is appended and
	// the parent rollup recomputed.
	EventSnapshotRecorded EventType = "snapshot_recorded"
)

type (
	// Event is the envelope delivered to subscribers. Exactly one payload
	// field matching Type is set.
	Event struct {
		Type      EventType
		Published *PublishedEvent
		Snapshot  *SnapshotEvent
	}

	// PublishedEvent reports a successful publish.
	PublishedEvent struct {
		QueueItemID    uuid.UUID
		VariantID      uuid.UUID
		ContentID      uuid.UUID
		WorkspaceID    uuid.UUID
		Platform       string
		PlatformPostID string
		PlatformURL    string
		PublishedAt    time.Time
	}

	// SnapshotEvent reports a recorded metric snapshot.
	SnapshotEvent struct {
		VariantID  uuid.UUID
		ContentID  uuid.UUID
		Platform   string
		SnapshotAt time.Time
	}
)
