package postgres

// schema is the full DDL. Every statement is idempotent so Migrate can run
// unconditionally at startup.
const schema = `
CREATE TABLE IF NOT EXISTS content_items (
	id           UUID PRIMARY KEY,
	workspace_id UUID NOT NULL,
	type         TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS content_items_workspace_idx ON content_items (workspace_id);

CREATE TABLE IF NOT EXISTS content_variants (
	id               UUID PRIMARY KEY,
	content_id       UUID NOT NULL REFERENCES content_items (id) ON DELETE CASCADE,
	platform         TEXT NOT NULL,
	platform_post_id TEXT NOT NULL DEFAULT '',
	platform_url     TEXT NOT NULL DEFAULT '',
	is_paid          BOOLEAN NOT NULL DEFAULT FALSE,
	published_at     TIMESTAMPTZ,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS content_variants_content_idx ON content_variants (content_id);
CREATE INDEX IF NOT EXISTS content_variants_published_idx ON content_variants (published_at);
CREATE UNIQUE INDEX IF NOT EXISTS content_variants_platform_post_key
	ON content_variants (platform, platform_post_id) WHERE platform_post_id <> '';

CREATE TABLE IF NOT EXISTS artifacts (
	id           UUID PRIMARY KEY,
	workspace_id UUID NOT NULL,
	content_id   UUID,
	title        TEXT NOT NULL DEFAULT '',
	media_url    TEXT NOT NULL DEFAULT '',
	duration_s   DOUBLE PRECISION NOT NULL,
	ready_at     TIMESTAMPTZ NOT NULL,
	consumed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS artifacts_ready_idx ON artifacts (workspace_id, ready_at) WHERE consumed_at IS NULL;

CREATE TABLE IF NOT EXISTS queue_items (
	id               UUID PRIMARY KEY,
	workspace_id     UUID NOT NULL,
	variant_id       UUID NOT NULL,
	content_id       UUID,
	platform         TEXT NOT NULL,
	scheduled_for    TIMESTAMPTZ NOT NULL,
	priority         INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	metadata         JSONB NOT NULL DEFAULT '{}',
	last_error       TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	published_at     TIMESTAMPTZ,
	platform_post_id TEXT NOT NULL DEFAULT '',
	platform_url     TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_items_due_idx
	ON queue_items (status, scheduled_for, priority DESC);
CREATE INDEX IF NOT EXISTS queue_items_workspace_idx ON queue_items (workspace_id, scheduled_for);
CREATE INDEX IF NOT EXISTS queue_items_variant_idx ON queue_items (variant_id, platform);

CREATE TABLE IF NOT EXISTS checkback_jobs (
	id               UUID PRIMARY KEY,
	variant_id       UUID NOT NULL,
	content_id       UUID NOT NULL,
	workspace_id     UUID NOT NULL,
	platform         TEXT NOT NULL,
	platform_post_id TEXT NOT NULL DEFAULT '',
	offset_hours     INTEGER NOT NULL,
	due_at           TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (variant_id, offset_hours)
);
CREATE INDEX IF NOT EXISTS checkback_jobs_due_idx ON checkback_jobs (status, due_at);

CREATE TABLE IF NOT EXISTS metric_snapshots (
	id           UUID PRIMARY KEY,
	variant_id   UUID NOT NULL,
	content_id   UUID NOT NULL,
	workspace_id UUID NOT NULL,
	platform     TEXT NOT NULL,
	offset_hours INTEGER NOT NULL DEFAULT 0,
	captured_at  TIMESTAMPTZ NOT NULL,
	views        BIGINT NOT NULL DEFAULT 0,
	impressions  BIGINT,
	likes        BIGINT NOT NULL DEFAULT 0,
	comments     BIGINT NOT NULL DEFAULT 0,
	shares       BIGINT NOT NULL DEFAULT 0,
	saves        BIGINT,
	clicks       BIGINT,
	watch_time_s DOUBLE PRECISION,
	traffic_type TEXT NOT NULL DEFAULT 'organic',
	raw          JSONB NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS metric_snapshots_checkpoint_key
	ON metric_snapshots (variant_id, offset_hours) WHERE offset_hours > 0;
CREATE INDEX IF NOT EXISTS metric_snapshots_variant_idx ON metric_snapshots (variant_id, captured_at);

CREATE TABLE IF NOT EXISTS content_rollups (
	content_id      UUID PRIMARY KEY,
	total_views     BIGINT NOT NULL DEFAULT 0,
	total_likes     BIGINT NOT NULL DEFAULT 0,
	total_comments  BIGINT NOT NULL DEFAULT 0,
	total_shares    BIGINT NOT NULL DEFAULT 0,
	total_saves     BIGINT NOT NULL DEFAULT 0,
	avg_watch_time_s DOUBLE PRECISION,
	best_platform   TEXT NOT NULL DEFAULT '',
	by_platform     JSONB NOT NULL DEFAULT '{}',
	variants        INTEGER NOT NULL DEFAULT 0,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS persons (
	id            UUID PRIMARY KEY,
	full_name     TEXT NOT NULL DEFAULT '',
	primary_email TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS identities (
	person_id     UUID NOT NULL REFERENCES persons (id) ON DELETE CASCADE,
	channel       TEXT NOT NULL,
	handle        TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (channel, handle)
);
CREATE INDEX IF NOT EXISTS identities_person_idx ON identities (person_id);

CREATE TABLE IF NOT EXISTS person_events (
	id              UUID PRIMARY KEY,
	person_id       UUID NOT NULL REFERENCES persons (id) ON DELETE CASCADE,
	channel         TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	platform_id     TEXT NOT NULL DEFAULT '',
	content_excerpt TEXT NOT NULL DEFAULT '',
	traffic_type    TEXT NOT NULL DEFAULT 'organic',
	occurred_at     TIMESTAMPTZ NOT NULL,
	metadata        JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS person_events_person_idx ON person_events (person_id, occurred_at);
CREATE INDEX IF NOT EXISTS person_events_occurred_idx ON person_events (occurred_at);

CREATE TABLE IF NOT EXISTS person_insights (
	person_id           UUID PRIMARY KEY REFERENCES persons (id) ON DELETE CASCADE,
	interests           JSONB NOT NULL DEFAULT '[]',
	tone_preferences    JSONB NOT NULL DEFAULT '{}',
	channel_preferences JSONB NOT NULL DEFAULT '{}',
	activity_state      TEXT NOT NULL DEFAULT 'dormant',
	warmth_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_active_at      TIMESTAMPTZ,
	updated_at          TIMESTAMPTZ NOT NULL
);
`
