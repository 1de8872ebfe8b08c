package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loopcast/loopcast/engine/people"
)

// PeopleStore implements people.Store on PostgreSQL.
type PeopleStore struct {
	client *Client
}

// NewPeopleStore builds a PeopleStore on the shared client.
func NewPeopleStore(client *Client) (*PeopleStore, error) {
	if client == nil {
		return nil, errors.New("postgres: client is required")
	}
	return &PeopleStore{client: client}, nil
}

// ResolveIdentity returns the person owning (channel, handle), creating both
// rows when the pair is new. A concurrent insert losing the unique-index race
// re-reads the winner, so both callers observe the same person.
func (s *PeopleStore) ResolveIdentity(ctx context.Context, channel, handle, fullName string, now time.Time) (people.Person, people.Identity, bool, error) {
	if identity, person, err := s.lookupIdentity(ctx, channel, handle, now); err == nil {
		return person, identity, false, nil
	} else if !errors.Is(err, people.ErrNotFound) {
		return people.Person{}, people.Identity{}, false, err
	}

	person := people.Person{
		ID:        uuid.New(),
		FullName:  fullName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return people.Person{}, people.Identity{}, false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO persons (id, full_name, primary_email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		person.ID, person.FullName, person.PrimaryEmail, person.CreatedAt, person.UpdatedAt); err != nil {
		return people.Person{}, people.Identity{}, false, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO identities (person_id, channel, handle, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)`,
		person.ID, channel, handle, now, now)
	if isUniqueViolation(err) {
		// Lost the race; the winner's person is authoritative.
		_ = tx.Rollback(ctx)
		identity, winner, lerr := s.lookupIdentity(ctx, channel, handle, now)
		if lerr != nil {
			return people.Person{}, people.Identity{}, false, lerr
		}
		return winner, identity, false, nil
	}
	if err != nil {
		return people.Person{}, people.Identity{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return people.Person{}, people.Identity{}, false, err
	}
	identity := people.Identity{
		PersonID:    person.ID,
		Channel:     channel,
		Handle:      handle,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	return person, identity, true, nil
}

// lookupIdentity loads an existing identity and touches its LastSeenAt.
func (s *PeopleStore) lookupIdentity(ctx context.Context, channel, handle string, now time.Time) (people.Identity, people.Person, error) {
	var identity people.Identity
	var person people.Person
	err := s.client.pool.QueryRow(ctx, `
		UPDATE identities SET last_seen_at = $3
		WHERE channel = $1 AND handle = $2
		RETURNING person_id, channel, handle, first_seen_at, last_seen_at`,
		channel, handle, now).
		Scan(&identity.PersonID, &identity.Channel, &identity.Handle,
			&identity.FirstSeenAt, &identity.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return people.Identity{}, people.Person{}, people.ErrNotFound
	}
	if err != nil {
		return people.Identity{}, people.Person{}, err
	}
	person, err = s.GetPerson(ctx, identity.PersonID)
	return identity, person, err
}

// GetPerson returns the person by id.
func (s *PeopleStore) GetPerson(ctx context.Context, id uuid.UUID) (people.Person, error) {
	var p people.Person
	err := s.client.pool.QueryRow(ctx, `
		SELECT id, full_name, primary_email, created_at, updated_at FROM persons WHERE id = $1`, id).
		Scan(&p.ID, &p.FullName, &p.PrimaryEmail, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return people.Person{}, people.ErrNotFound
	}
	return p, err
}

// Identities returns the person's identities ordered by channel and handle.
func (s *PeopleStore) Identities(ctx context.Context, personID uuid.UUID) ([]people.Identity, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT person_id, channel, handle, first_seen_at, last_seen_at
		FROM identities WHERE person_id = $1 ORDER BY channel ASC, handle ASC`, personID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (people.Identity, error) {
		var identity people.Identity
		err := row.Scan(&identity.PersonID, &identity.Channel, &identity.Handle,
			&identity.FirstSeenAt, &identity.LastSeenAt)
		return identity, err
	})
}

// InsertEvent appends an engagement event.
func (s *PeopleStore) InsertEvent(ctx context.Context, e *people.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO person_events (id, person_id, channel, event_type, platform_id,
			content_excerpt, traffic_type, occurred_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.PersonID, e.Channel, e.Type, e.PlatformID,
		e.ContentExcerpt, e.TrafficType, e.OccurredAt, e.Metadata)
	return err
}

// EventsSince returns the person's events at or after since, oldest first.
func (s *PeopleStore) EventsSince(ctx context.Context, personID uuid.UUID, since time.Time) ([]people.Event, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT id, person_id, channel, event_type, platform_id, content_excerpt,
			traffic_type, occurred_at, metadata
		FROM person_events
		WHERE person_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at ASC, id ASC`, personID, since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (people.Event, error) {
		var e people.Event
		err := row.Scan(&e.ID, &e.PersonID, &e.Channel, &e.Type, &e.PlatformID,
			&e.ContentExcerpt, &e.TrafficType, &e.OccurredAt, &e.Metadata)
		return e, err
	})
}

// ActivePersonIDs returns distinct persons with events at or after since.
func (s *PeopleStore) ActivePersonIDs(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT DISTINCT person_id FROM person_events WHERE occurred_at >= $1
		ORDER BY person_id ASC`, since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// SaveInsight upserts the person's derived lens. Distributions are stored as
// JSONB documents.
func (s *PeopleStore) SaveInsight(ctx context.Context, in people.Insight) error {
	interests, err := json.Marshal(in.Interests)
	if err != nil {
		return err
	}
	tones, err := json.Marshal(in.TonePreferences)
	if err != nil {
		return err
	}
	channels, err := json.Marshal(in.ChannelPreferences)
	if err != nil {
		return err
	}
	var lastActive *time.Time
	if !in.LastActiveAt.IsZero() {
		lastActive = &in.LastActiveAt
	}
	_, err = s.client.pool.Exec(ctx, `
		INSERT INTO person_insights (person_id, interests, tone_preferences,
			channel_preferences, activity_state, warmth_score, last_active_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (person_id) DO UPDATE SET
			interests = EXCLUDED.interests,
			tone_preferences = EXCLUDED.tone_preferences,
			channel_preferences = EXCLUDED.channel_preferences,
			activity_state = EXCLUDED.activity_state,
			warmth_score = EXCLUDED.warmth_score,
			last_active_at = EXCLUDED.last_active_at,
			updated_at = EXCLUDED.updated_at`,
		in.PersonID, interests, tones, channels, in.ActivityState,
		in.WarmthScore, lastActive, in.UpdatedAt)
	return err
}

// GetInsight returns the person's stored lens.
func (s *PeopleStore) GetInsight(ctx context.Context, personID uuid.UUID) (people.Insight, error) {
	var in people.Insight
	var interests, tones, channels []byte
	var lastActive *time.Time
	err := s.client.pool.QueryRow(ctx, `
		SELECT person_id, interests, tone_preferences, channel_preferences,
			activity_state, warmth_score, last_active_at, updated_at
		FROM person_insights WHERE person_id = $1`, personID).
		Scan(&in.PersonID, &interests, &tones, &channels,
			&in.ActivityState, &in.WarmthScore, &lastActive, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return people.Insight{}, people.ErrNotFound
	}
	if err != nil {
		return people.Insight{}, err
	}
	if err := json.Unmarshal(interests, &in.Interests); err != nil {
		return people.Insight{}, err
	}
	if err := json.Unmarshal(tones, &in.TonePreferences); err != nil {
		return people.Insight{}, err
	}
	if err := json.Unmarshal(channels, &in.ChannelPreferences); err != nil {
		return people.Insight{}, err
	}
	if lastActive != nil {
		in.LastActiveAt = *lastActive
	}
	return in, nil
}
