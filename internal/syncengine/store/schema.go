package store

// schema is the control-plane DDL applied once at startup. It is
// additive to whatever business tables the embedding application
// already manages (accounts, activities, etc — see the catalog
// package); this package only owns the sync_* tables named in §6.2.
const schema = `
CREATE TABLE IF NOT EXISTS sync_outbox (
	event_id            TEXT PRIMARY KEY,
	entity              TEXT NOT NULL,
	entity_id           TEXT NOT NULL,
	op                  TEXT NOT NULL,
	client_timestamp    TEXT NOT NULL,
	payload             TEXT NOT NULL,
	payload_key_version INTEGER NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	retry_count         INTEGER NOT NULL DEFAULT 0,
	next_retry_at       TEXT,
	last_error          TEXT NOT NULL DEFAULT '',
	last_error_code     TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_outbox_pending
	ON sync_outbox (created_at)
	WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS sync_applied_events (
	event_id   TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL,
	entity     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	applied_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_applied_events_seq ON sync_applied_events (seq);

CREATE TABLE IF NOT EXISTS sync_entity_metadata (
	entity                TEXT NOT NULL,
	entity_id             TEXT NOT NULL,
	last_event_id         TEXT NOT NULL,
	last_client_timestamp TEXT NOT NULL,
	last_seq              INTEGER NOT NULL,
	PRIMARY KEY (entity, entity_id)
);

CREATE TABLE IF NOT EXISTS sync_cursor (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	cursor     INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
INSERT OR IGNORE INTO sync_cursor (id, cursor, updated_at) VALUES (1, 0, '');

CREATE TABLE IF NOT EXISTS sync_engine_state (
	id                    INTEGER PRIMARY KEY CHECK (id = 1),
	lock_version          INTEGER NOT NULL DEFAULT 0,
	last_push_at          TEXT,
	last_pull_at          TEXT,
	last_error            TEXT NOT NULL DEFAULT '',
	consecutive_failures  INTEGER NOT NULL DEFAULT 0,
	next_retry_at         TEXT,
	last_cycle_status     TEXT NOT NULL DEFAULT '',
	last_cycle_duration_ms INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO sync_engine_state (id) VALUES (1);

CREATE TABLE IF NOT EXISTS sync_device_config (
	device_id          TEXT PRIMARY KEY,
	key_version        INTEGER NOT NULL DEFAULT 0,
	trust_state        TEXT NOT NULL DEFAULT 'untrusted',
	last_bootstrap_at  TEXT,
	enrollment_attempt INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_table_state (
	table_name                TEXT PRIMARY KEY,
	enabled                   INTEGER NOT NULL DEFAULT 1,
	last_snapshot_restore_at  TEXT,
	last_incremental_apply_at TEXT
);
`
