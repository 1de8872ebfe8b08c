// Package inmem provides the in-memory content.Store used by tests and local
// tooling. Records are defensively copied on read and write; production
// deployments use features/store/postgres.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopcast/loopcast/engine/content"
)

// Store implements content.Store in memory. All operations are thread-safe.
type Store struct {
	mu        sync.RWMutex
	items     map[uuid.UUID]content.Item
	variants  map[uuid.UUID]content.Variant
	artifacts map[uuid.UUID]content.Artifact
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		items:     make(map[uuid.UUID]content.Item),
		variants:  make(map[uuid.UUID]content.Variant),
		artifacts: make(map[uuid.UUID]content.Artifact),
	}
}

// CreateItem stores a new content item, assigning an id when absent.
func (s *Store) CreateItem(_ context.Context, item *content.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if _, ok := s.items[item.ID]; ok {
		return content.ErrConflict
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.items[item.ID] = *item
	return nil
}

// GetItem returns the item or content.ErrNotFound.
func (s *Store) GetItem(_ context.Context, id uuid.UUID) (content.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return content.Item{}, content.ErrNotFound
	}
	return item, nil
}

// CreateVariant stores a new variant, assigning an id when absent.
func (s *Store) CreateVariant(_ context.Context, v *content.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if _, ok := s.variants[v.ID]; ok {
		return content.ErrConflict
	}
	if err := s.checkPostIDLocked(*v); err != nil {
		return err
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	s.variants[v.ID] = *v
	return nil
}

// GetVariant returns the variant or content.ErrNotFound.
func (s *Store) GetVariant(_ context.Context, id uuid.UUID) (content.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variants[id]
	if !ok {
		return content.Variant{}, content.ErrNotFound
	}
	return v, nil
}

// UpdateVariant replaces the stored variant.
func (s *Store) UpdateVariant(_ context.Context, v content.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.variants[v.ID]; !ok {
		return content.ErrNotFound
	}
	if err := s.checkPostIDLocked(v); err != nil {
		return err
	}
	v.UpdatedAt = time.Now().UTC()
	s.variants[v.ID] = v
	return nil
}

// ListVariants returns the variants of a content item ordered by creation.
func (s *Store) ListVariants(_ context.Context, contentID uuid.UUID) ([]content.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []content.Variant
	for _, v := range s.variants {
		if v.ContentID == contentID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListPublishedSince returns variants published at or after since.
func (s *Store) ListPublishedSince(_ context.Context, since time.Time) ([]content.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []content.Variant
	for _, v := range s.variants {
		if v.PublishedAt != nil && !v.PublishedAt.Before(since) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.Before(*out[j].PublishedAt) })
	return out, nil
}

// CreateArtifact stores a new inventory artifact.
func (s *Store) CreateArtifact(_ context.Context, a *content.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, ok := s.artifacts[a.ID]; ok {
		return content.ErrConflict
	}
	if a.ReadyAt.IsZero() {
		a.ReadyAt = time.Now().UTC()
	}
	s.artifacts[a.ID] = *a
	return nil
}

// GetArtifact returns the artifact or content.ErrNotFound.
func (s *Store) GetArtifact(_ context.Context, id uuid.UUID) (content.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return content.Artifact{}, content.ErrNotFound
	}
	return a, nil
}

// ReadyArtifacts returns unconsumed artifacts for the workspace, FIFO by
// ReadyAt.
func (s *Store) ReadyArtifacts(_ context.Context, workspaceID uuid.UUID) ([]content.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []content.Artifact
	for _, a := range s.artifacts {
		if a.WorkspaceID == workspaceID && a.ConsumedAt == nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReadyAt.Equal(out[j].ReadyAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].ReadyAt.Before(out[j].ReadyAt)
	})
	return out, nil
}

// ConsumeArtifact stamps ConsumedAt, failing when already consumed.
func (s *Store) ConsumeArtifact(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return content.ErrNotFound
	}
	if a.ConsumedAt != nil {
		return content.ErrConflict
	}
	at = at.UTC()
	a.ConsumedAt = &at
	s.artifacts[id] = a
	return nil
}

// ReleaseArtifact clears ConsumedAt.
func (s *Store) ReleaseArtifact(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return content.ErrNotFound
	}
	a.ConsumedAt = nil
	s.artifacts[id] = a
	return nil
}

// checkPostIDLocked enforces the (platform, platform_post_id) unique
// constraint.
func (s *Store) checkPostIDLocked(v content.Variant) error {
	if v.PlatformPostID == "" {
		return nil
	}
	for _, other := range s.variants {
		if other.ID != v.ID && other.Platform == v.Platform && other.PlatformPostID == v.PlatformPostID {
			return content.ErrConflict
		}
	}
	return nil
}
