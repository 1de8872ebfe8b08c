// Package inmem provides the in-memory queue.Store used by tests and local
// tooling. The single mutex gives it the same observable leasing semantics
// as the Postgres implementation's FOR UPDATE SKIP LOCKED: a due item is
// handed to exactly one caller of LeaseDue.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopcast/loopcast/engine/queue"
)

// Store implements queue.Store in memory. All operations are thread-safe.
type Store struct {
	mu    sync.Mutex
	items map[uuid.UUID]queue.Item
}

// New constructs an empty Store.
func New() *Store {
	return &Store{items: make(map[uuid.UUID]queue.Item)}
}

// Insert stores a new queued item.
func (s *Store) Insert(_ context.Context, item *queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if _, ok := s.items[item.ID]; ok {
		return queue.ErrConflict
	}
	if item.Status == "" {
		item.Status = queue.StatusQueued
	}
	s.items[item.ID] = cloneItem(*item)
	return nil
}

// Get returns the item or queue.ErrNotFound.
func (s *Store) Get(_ context.Context, id uuid.UUID) (queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return queue.Item{}, queue.ErrNotFound
	}
	return cloneItem(item), nil
}

// LeaseDue selects up to limit due queued items ordered by
// (priority DESC, scheduled_for ASC, id ASC) and flips them to leased.
func (s *Store) LeaseDue(_ context.Context, limit int, now time.Time, ttl time.Duration, skipPlatforms []string) ([]queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := make(map[string]bool, len(skipPlatforms))
	for _, p := range skipPlatforms {
		skip[p] = true
	}
	var due []queue.Item
	for _, item := range s.items {
		if item.Status == queue.StatusQueued && !item.ScheduledFor.After(now) && !skip[item.Platform] {
			due = append(due, item)
		}
	}
	sortForDispatch(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	expires := now.Add(ttl).UTC()
	out := make([]queue.Item, 0, len(due))
	for _, item := range due {
		item.Status = queue.StatusLeased
		item.LeaseExpiresAt = &expires
		item.UpdatedAt = now.UTC()
		s.items[item.ID] = cloneItem(item)
		out = append(out, cloneItem(item))
	}
	return out, nil
}

// Transition applies a compare-and-swap state change.
func (s *Store) Transition(_ context.Context, id uuid.UUID, from queue.Status, apply func(*queue.Item)) (queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return queue.Item{}, queue.ErrNotFound
	}
	if item.Status != from {
		return queue.Item{}, queue.ErrConflict
	}
	next := cloneItem(item)
	apply(&next)
	if next.Status != from && !queue.CanTransition(from, next.Status) {
		return queue.Item{}, queue.ErrConflict
	}
	next.UpdatedAt = time.Now().UTC()
	s.items[id] = cloneItem(next)
	return cloneItem(next), nil
}

// ReapExpired returns expired leases to queued without burning an attempt.
func (s *Store) ReapExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reaped := 0
	for id, item := range s.items {
		if item.Status != queue.StatusLeased || item.LeaseExpiresAt == nil {
			continue
		}
		if item.LeaseExpiresAt.After(now) {
			continue
		}
		item.Status = queue.StatusQueued
		item.LeaseExpiresAt = nil
		item.UpdatedAt = now.UTC()
		s.items[id] = item
		reaped++
	}
	return reaped, nil
}

// PromoteRetries moves retry items whose backoff elapsed back to queued.
func (s *Store) PromoteRetries(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	promoted := 0
	for id, item := range s.items {
		if item.Status != queue.StatusRetry || item.ScheduledFor.After(now) {
			continue
		}
		item.Status = queue.StatusQueued
		item.UpdatedAt = now.UTC()
		s.items[id] = item
		promoted++
	}
	return promoted, nil
}

// ListDue returns a read-only peek at due queued items.
func (s *Store) ListDue(_ context.Context, limit int, platformID string, now time.Time) ([]queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []queue.Item
	for _, item := range s.items {
		if item.Status != queue.StatusQueued || item.ScheduledFor.After(now) {
			continue
		}
		if platformID != "" && item.Platform != platformID {
			continue
		}
		due = append(due, item)
	}
	sortForDispatch(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]queue.Item, 0, len(due))
	for _, item := range due {
		out = append(out, cloneItem(item))
	}
	return out, nil
}

// ListWindow returns the workspace's items scheduled inside [from, to).
func (s *Store) ListWindow(_ context.Context, workspaceID uuid.UUID, from, to time.Time, statuses ...queue.Status) ([]queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[queue.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []queue.Item
	for _, item := range s.items {
		if item.WorkspaceID != workspaceID {
			continue
		}
		if item.ScheduledFor.Before(from) || !item.ScheduledFor.Before(to) {
			continue
		}
		if len(want) > 0 && !want[item.Status] {
			continue
		}
		out = append(out, cloneItem(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

// HasActiveForVariant reports whether a non-terminal item exists for the
// pair.
func (s *Store) HasActiveForVariant(_ context.Context, variantID uuid.UUID, platformID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.VariantID == variantID && item.Platform == platformID && !item.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// HasPublishedForVariant reports whether the variant ever published.
func (s *Store) HasPublishedForVariant(_ context.Context, variantID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.VariantID == variantID && item.Status == queue.StatusPublished {
			return true, nil
		}
	}
	return false, nil
}

// Stats counts the workspace's items by status and platform.
func (s *Store) Stats(_ context.Context, workspaceID uuid.UUID) (queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := queue.Stats{
		ByStatus:   make(map[queue.Status]int),
		ByPlatform: make(map[string]int),
	}
	for _, item := range s.items {
		if item.WorkspaceID != workspaceID {
			continue
		}
		stats.ByStatus[item.Status]++
		stats.ByPlatform[item.Platform]++
		stats.Total++
	}
	return stats, nil
}

// sortForDispatch orders items by (priority DESC, scheduled_for ASC, id ASC).
func sortForDispatch(items []queue.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].ScheduledFor.Equal(items[j].ScheduledFor) {
			return items[i].ScheduledFor.Before(items[j].ScheduledFor)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

func cloneItem(item queue.Item) queue.Item {
	out := item
	if item.Metadata != nil {
		out.Metadata = make(map[string]any, len(item.Metadata))
		for k, v := range item.Metadata {
			out.Metadata[k] = v
		}
	}
	if item.LeaseExpiresAt != nil {
		t := *item.LeaseExpiresAt
		out.LeaseExpiresAt = &t
	}
	if item.PublishedAt != nil {
		t := *item.PublishedAt
		out.PublishedAt = &t
	}
	return out
}
