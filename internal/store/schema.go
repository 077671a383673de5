package store

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS rotation_tests (
	id                        UUID PRIMARY KEY,
	shop                      TEXT NOT NULL,
	product_id                TEXT NOT NULL,
	storefront_variant_id     TEXT NOT NULL DEFAULT '',
	status                    TEXT NOT NULL DEFAULT 'DRAFT',
	active_variant            TEXT NOT NULL DEFAULT 'CONTROL',
	rotation_interval_minutes INTEGER NOT NULL DEFAULT 0 CHECK (rotation_interval_minutes >= 0),
	next_due_at               TIMESTAMPTZ,
	last_switched_at          TIMESTAMPTZ,
	lease_expires_at          TIMESTAMPTZ,
	lease_token               UUID,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT rotation_tests_due_armed CHECK (
		(next_due_at IS NOT NULL) = (status = 'ACTIVE' AND rotation_interval_minutes > 0)
	),
	CONSTRAINT rotation_tests_completed_control CHECK (
		status <> 'COMPLETED' OR active_variant = 'CONTROL'
	)
);

CREATE INDEX IF NOT EXISTS rotation_tests_due_idx
	ON rotation_tests (next_due_at) WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS rotation_media_items (
	test_id    UUID NOT NULL REFERENCES rotation_tests(id) ON DELETE CASCADE,
	variant    TEXT NOT NULL,
	position   INTEGER NOT NULL CHECK (position >= 0),
	source_url TEXT NOT NULL,
	media_id   TEXT,
	alt_text   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (test_id, variant, position)
);

CREATE TABLE IF NOT EXISTS rotation_hero_assignments (
	test_id               UUID NOT NULL REFERENCES rotation_tests(id) ON DELETE CASCADE,
	storefront_variant_id TEXT NOT NULL,
	variant               TEXT NOT NULL,
	source_url            TEXT,
	media_id              TEXT,
	alt_text              TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (test_id, storefront_variant_id, variant)
);

CREATE TABLE IF NOT EXISTS rotation_history (
	seq          BIGSERIAL PRIMARY KEY,
	id           UUID NOT NULL UNIQUE,
	test_id      UUID NOT NULL REFERENCES rotation_tests(id),
	from_variant TEXT NOT NULL,
	to_variant   TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	succeeded    BOOLEAN NOT NULL,
	duration_ms  BIGINT NOT NULL,
	error        TEXT,
	occurred_at  TIMESTAMPTZ NOT NULL,
	context      JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS rotation_history_test_time_idx
	ON rotation_history (test_id, occurred_at, seq);

CREATE TABLE IF NOT EXISTS rotation_history_outbox (
	history_id   UUID PRIMARY KEY REFERENCES rotation_history(id),
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT,
	archived_key TEXT,
	streamed_at  TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS rotation_history_outbox_pending_idx
	ON rotation_history_outbox (status) WHERE status IN ('pending', 'failed');

CREATE OR REPLACE FUNCTION rotation_history_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'rotation_history is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS rotation_history_no_update ON rotation_history;
CREATE TRIGGER rotation_history_no_update
	BEFORE UPDATE OR DELETE ON rotation_history
	FOR EACH ROW EXECUTE FUNCTION rotation_history_immutable();
`

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
