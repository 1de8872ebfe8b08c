// Package inmem provides the reference in-memory checkback job store. One
// mutex serializes everything; the postgres implementation provides the same
// observable semantics with row locks.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopcast/loopcast/engine/checkback"
)

// Store is an in-memory checkback.Store.
type Store struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*checkback.Job
	// pairs indexes (variant_id, offset_hours) for idempotent inserts.
	pairs map[pairKey]uuid.UUID
}

type pairKey struct {
	variantID uuid.UUID
	offset    int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		jobs:  make(map[uuid.UUID]*checkback.Job),
		pairs: make(map[pairKey]uuid.UUID),
	}
}

// InsertJobs stores the pending jobs, dropping duplicates of an existing
// (variant, offset) pair.
func (s *Store) InsertJobs(_ context.Context, jobs []checkback.Job) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, job := range jobs {
		key := pairKey{variantID: job.VariantID, offset: job.OffsetHours}
		if _, exists := s.pairs[key]; exists {
			continue
		}
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		job.Status = checkback.StatusPending
		stored := job
		s.jobs[stored.ID] = &stored
		s.pairs[key] = stored.ID
		inserted++
	}
	return inserted, nil
}

// Get returns the job by id.
func (s *Store) Get(_ context.Context, id uuid.UUID) (checkback.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return checkback.Job{}, checkback.ErrNotFound
	}
	return *job, nil
}

// LeaseDue flips up to limit due pending jobs to running, oldest DueAt first.
func (s *Store) LeaseDue(_ context.Context, limit int, now time.Time, ttl time.Duration) ([]checkback.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*checkback.Job
	for _, job := range s.jobs {
		if job.Status == checkback.StatusPending && !job.DueAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].ID.String() < due[j].ID.String()
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]checkback.Job, 0, len(due))
	expires := now.Add(ttl)
	for _, job := range due {
		job.Status = checkback.StatusRunning
		job.LeaseExpiresAt = &expires
		job.UpdatedAt = now
		out = append(out, *job)
	}
	return out, nil
}

// Transition applies a compare-and-swap state change.
func (s *Store) Transition(_ context.Context, id uuid.UUID, from checkback.Status, apply func(*checkback.Job)) (checkback.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return checkback.Job{}, checkback.ErrNotFound
	}
	if job.Status != from {
		return checkback.Job{}, checkback.ErrConflict
	}
	apply(job)
	job.UpdatedAt = time.Now().UTC()
	return *job, nil
}

// ReapExpired returns running jobs with expired leases to pending.
func (s *Store) ReapExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reaped := 0
	for _, job := range s.jobs {
		if job.Status == checkback.StatusRunning && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now) {
			job.Status = checkback.StatusPending
			job.LeaseExpiresAt = nil
			job.UpdatedAt = now
			reaped++
		}
	}
	return reaped, nil
}

// ListByVariant returns the variant's jobs ordered by offset.
func (s *Store) ListByVariant(_ context.Context, variantID uuid.UUID) ([]checkback.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []checkback.Job
	for _, job := range s.jobs {
		if job.VariantID == variantID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OffsetHours < out[j].OffsetHours })
	return out, nil
}
