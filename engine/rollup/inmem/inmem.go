// Package inmem provides the reference in-memory rollup store used by tests
// and single-process deployments. All operations are serialized behind one
// mutex; the postgres implementation provides the same observable semantics.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/loopcast/loopcast/engine/rollup"
)

// Store is an in-memory rollup.Store.
type Store struct {
	mu        sync.Mutex
	snapshots []rollup.Snapshot
	rollups   map[uuid.UUID]rollup.Rollup
}

// New returns an empty Store.
func New() *Store {
	return &Store{rollups: make(map[uuid.UUID]rollup.Rollup)}
}

// UpsertSnapshot inserts the snapshot, replacing an earlier recording of the
// same (variant, offset) checkpoint. Manual polls (offset zero) append.
func (s *Store) UpsertSnapshot(_ context.Context, snap *rollup.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	if snap.OffsetHours > 0 {
		for i, existing := range s.snapshots {
			if existing.VariantID == snap.VariantID && existing.OffsetHours == snap.OffsetHours {
				snap.ID = existing.ID
				s.snapshots[i] = *snap
				return nil
			}
		}
	}
	s.snapshots = append(s.snapshots, *snap)
	return nil
}

// LatestByVariant returns the variant's most recent snapshot by CapturedAt.
func (s *Store) LatestByVariant(_ context.Context, variantID uuid.UUID) (rollup.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *rollup.Snapshot
	for i := range s.snapshots {
		snap := &s.snapshots[i]
		if snap.VariantID != variantID {
			continue
		}
		if latest == nil || snap.CapturedAt.After(latest.CapturedAt) {
			latest = snap
		}
	}
	if latest == nil {
		return rollup.Snapshot{}, rollup.ErrNotFound
	}
	return *latest, nil
}

// ListByVariant returns the variant's snapshots ordered by CapturedAt.
func (s *Store) ListByVariant(_ context.Context, variantID uuid.UUID) ([]rollup.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rollup.Snapshot
	for _, snap := range s.snapshots {
		if snap.VariantID == variantID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

// SaveRollup replaces the content's aggregate.
func (s *Store) SaveRollup(_ context.Context, r rollup.Rollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollups[r.ContentID] = r
	return nil
}

// GetRollup returns the content's aggregate.
func (s *Store) GetRollup(_ context.Context, contentID uuid.UUID) (rollup.Rollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rollups[contentID]
	if !ok {
		return rollup.Rollup{}, rollup.ErrNotFound
	}
	return r, nil
}
