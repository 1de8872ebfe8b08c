// Package inmem provides the reference in-memory person graph store. One
// mutex serializes everything, which makes identity resolution naturally
// atomic; the postgres implementation relies on the unique
// (channel, handle) index and upsert for the same guarantee.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopcast/loopcast/engine/people"
)

// Store is an in-memory people.Store.
type Store struct {
	mu         sync.Mutex
	persons    map[uuid.UUID]*people.Person
	identities map[identityKey]*people.Identity
	events     []people.Event
	insights   map[uuid.UUID]people.Insight
}

type identityKey struct {
	channel string
	handle  string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		persons:    make(map[uuid.UUID]*people.Person),
		identities: make(map[identityKey]*people.Identity),
		insights:   make(map[uuid.UUID]people.Insight),
	}
}

// ResolveIdentity returns the person for (channel, handle), creating both
// person and identity when the pair is new.
func (s *Store) ResolveIdentity(_ context.Context, channel, handle, fullName string, now time.Time) (people.Person, people.Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := identityKey{channel: channel, handle: handle}
	if identity, ok := s.identities[key]; ok {
		identity.LastSeenAt = now
		person := s.persons[identity.PersonID]
		return *person, *identity, false, nil
	}
	person := &people.Person{
		ID:        uuid.New(),
		FullName:  fullName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	identity := &people.Identity{
		PersonID:    person.ID,
		Channel:     channel,
		Handle:      handle,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	s.persons[person.ID] = person
	s.identities[key] = identity
	return *person, *identity, true, nil
}

// GetPerson returns the person by id.
func (s *Store) GetPerson(_ context.Context, id uuid.UUID) (people.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	person, ok := s.persons[id]
	if !ok {
		return people.Person{}, people.ErrNotFound
	}
	return *person, nil
}

// Identities returns the person's identities ordered by channel.
func (s *Store) Identities(_ context.Context, personID uuid.UUID) ([]people.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []people.Identity
	for _, identity := range s.identities {
		if identity.PersonID == personID {
			out = append(out, *identity)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Handle < out[j].Handle
	})
	return out, nil
}

// InsertEvent appends the event, assigning an id.
func (s *Store) InsertEvent(_ context.Context, e *people.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.events = append(s.events, *e)
	return nil
}

// EventsSince returns the person's events at or after since, oldest first.
func (s *Store) EventsSince(_ context.Context, personID uuid.UUID, since time.Time) ([]people.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []people.Event
	for _, e := range s.events {
		if e.PersonID == personID && !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// ActivePersonIDs returns distinct persons with events at or after since.
func (s *Store) ActivePersonIDs(_ context.Context, since time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[uuid.UUID]struct{}{}
	for _, e := range s.events {
		if !e.OccurredAt.Before(since) {
			seen[e.PersonID] = struct{}{}
		}
	}
	out := make([]uuid.UUID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// SaveInsight replaces the person's lens.
func (s *Store) SaveInsight(_ context.Context, in people.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights[in.PersonID] = in
	return nil
}

// GetInsight returns the person's stored lens.
func (s *Store) GetInsight(_ context.Context, personID uuid.UUID) (people.Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.insights[personID]
	if !ok {
		return people.Insight{}, people.ErrNotFound
	}
	return in, nil
}
