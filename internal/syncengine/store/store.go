// Package store is the local sync store: the only component that
// writes to the sync_* tables, and the place row-level replication
// integrity rules (§4.2) are enforced. It follows the Config+Validate+
// database/sql conventions of the lake indexer's geoip store, adapted
// from a read-mostly ClickHouse-backed store to a single-writer
// embedded SQLite store guarded by the cycle lock described in §5.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/triantos/wealthfolio/internal/syncengine/catalog"
)

var (
	ErrLoggerRequired = errors.New("store: logger is required")
	ErrDBRequired     = errors.New("store: db is required")

	// ErrCursorRegression is returned by SetCursor when asked to move
	// the cursor backward outside of a snapshot restore.
	ErrCursorRegression = errors.New("store: cursor may only advance")
	// ErrValidation covers payload-shape failures the store rejects
	// before executing any statement (§4.2, §8 "permission-safe SQL").
	ErrValidation = errors.New("store: validation failed")
	// ErrLockLost is returned by VerifyCycleLock when another process
	// has advanced the lock version since it was acquired.
	ErrLockLost = errors.New("store: cycle lock lost")
)

// Config configures a Store.
type Config struct {
	Logger *slog.Logger
	DB     *sql.DB
}

func (c Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.DB == nil {
		return ErrDBRequired
	}
	return nil
}

// Store is the local sync store.
type Store struct {
	log *slog.Logger
	cfg Config
	db  *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and applies
// the control-plane schema. Business tables are assumed to already
// exist or to be created by the embedding application; this package
// never creates them.
func Open(ctx context.Context, log *slog.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	// The embedded driver accepts exactly one writer at a time (§5);
	// serialize writers in-process so SQLITE_BUSY never surfaces as an
	// application-visible error under normal operation.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return NewStore(Config{Logger: log, DB: db})
}

// NewStore wraps an already-open *sql.DB with the expectation that the
// control-plane schema has been applied (Open does this for you).
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, cfg: cfg, db: cfg.DB}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying database handle so the embedding
// application can manage its own business tables (accounts,
// activities, etc) against the same connection. The store package
// itself never issues DDL beyond the sync_* schema.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise. The outbox writer uses this to append a row in the
// same transaction as a domain mutation (§4.3's atomicity contract).
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn("store: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// ---- Cursor ----

func (s *Store) GetCursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM sync_cursor WHERE id = 1`).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("store: get cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor advances the cursor. It refuses to move it backward, per
// invariant 3 in §3 — the one sanctioned exception (snapshot restore)
// goes through RestoreSnapshotTablesFromFile instead, which resets the
// cursor as part of clearing the control-plane atomically.
func (s *Store) SetCursor(ctx context.Context, cursor int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_cursor SET cursor = ?, updated_at = ? WHERE id = 1 AND cursor <= ?`,
		cursor, time.Now().UTC().Format(time.RFC3339Nano), cursor)
	if err != nil {
		return fmt.Errorf("store: set cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set cursor: %w", err)
	}
	if n == 0 {
		current, _ := s.GetCursor(ctx)
		if current > cursor {
			return fmt.Errorf("%w: current=%d requested=%d", ErrCursorRegression, current, cursor)
		}
	}
	return nil
}

// ---- Outbox ----

// ListPending returns up to limit events with status=pending whose
// next_retry_at has passed, ordered by created_at (push must be
// strictly ordered per device, per §5).
func (s *Store) ListPending(ctx context.Context, limit int) ([]OutboxEvent, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, entity, entity_id, op, client_timestamp, payload,
		       payload_key_version, status, retry_count, next_retry_at,
		       last_error, last_error_code, created_at
		FROM sync_outbox
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list pending: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var clientTS, createdAt string
		var nextRetry sql.NullString
		if err := rows.Scan(&e.EventID, &e.Entity, &e.EntityID, &e.Op, &clientTS, &e.Payload,
			&e.PayloadKeyVersion, &e.Status, &e.RetryCount, &nextRetry,
			&e.LastError, &e.LastErrorCode, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan pending event: %w", err)
		}
		e.ClientTimestamp, _ = time.Parse(time.RFC3339Nano, clientTS)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if nextRetry.Valid {
			t, _ := time.Parse(time.RFC3339Nano, nextRetry.String)
			e.NextRetryAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkSent transitions events pending -> sent after a successful push.
func (s *Store) MarkSent(ctx context.Context, ids []string) error {
	return s.updateOutboxStatus(ctx, ids, string(EventStatusSent), "", "", true)
}

// ScheduleRetry bumps retry_count, records the error, and sets
// next_retry_at backoffSecs in the future (§4.8 step 6's Retryable
// branch).
func (s *Store) ScheduleRetry(ctx context.Context, ids []string, backoffSecs int, errMsg, errCode string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		nextRetry := time.Now().UTC().Add(time.Duration(backoffSecs) * time.Second).Format(time.RFC3339Nano)
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE sync_outbox
			SET retry_count = retry_count + 1, next_retry_at = ?, last_error = ?, last_error_code = ?
			WHERE event_id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, nextRetry, errMsg, errCode, id); err != nil {
				return fmt.Errorf("store: schedule retry for %s: %w", id, err)
			}
		}
		return nil
	})
}

// MarkDead transitions events pending -> dead on a permanent failure
// (including KEY_VERSION_MISMATCH, per §4.8 step 6).
func (s *Store) MarkDead(ctx context.Context, ids []string, errMsg, errCode string) error {
	return s.updateOutboxStatus(ctx, ids, string(EventStatusDead), errMsg, errCode, false)
}

func (s *Store) updateOutboxStatus(ctx context.Context, ids []string, status, errMsg, errCode string, clearError bool) error {
	if len(ids) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var stmt *sql.Stmt
		var err error
		if clearError {
			stmt, err = tx.PrepareContext(ctx, `UPDATE sync_outbox SET status = ? WHERE event_id = ?`)
		} else {
			stmt, err = tx.PrepareContext(ctx, `UPDATE sync_outbox SET status = ?, last_error = ?, last_error_code = ? WHERE event_id = ?`)
		}
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if clearError {
				_, err = stmt.ExecContext(ctx, status, id)
			} else {
				_, err = stmt.ExecContext(ctx, status, errMsg, errCode, id)
			}
			if err != nil {
				return fmt.Errorf("store: update outbox status for %s: %w", id, err)
			}
		}
		return nil
	})
}

// ---- Cycle lock (§5) ----

// AcquireCycleLock increments lock_version and returns the new value.
// The cycle engine holds onto this value and re-verifies it before the
// pull phase; a mismatch means another process advanced the lock and
// this cycle must abort without advancing the cursor.
func (s *Store) AcquireCycleLock(ctx context.Context) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE sync_engine_state SET lock_version = lock_version + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("store: acquire cycle lock: %w", err)
	}
	var v int64
	if err := s.db.QueryRowContext(ctx, `SELECT lock_version FROM sync_engine_state WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("store: acquire cycle lock: %w", err)
	}
	return v, nil
}

// VerifyCycleLock checks the current lock_version still equals
// expected, returning ErrLockLost otherwise.
func (s *Store) VerifyCycleLock(ctx context.Context, expected int64) error {
	var v int64
	if err := s.db.QueryRowContext(ctx, `SELECT lock_version FROM sync_engine_state WHERE id = 1`).Scan(&v); err != nil {
		return fmt.Errorf("store: verify cycle lock: %w", err)
	}
	if v != expected {
		return fmt.Errorf("%w: expected=%d actual=%d", ErrLockLost, expected, v)
	}
	return nil
}

// ---- Engine state transitions ----

func (s *Store) MarkPushCompleted(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `UPDATE sync_engine_state SET last_push_at = ? WHERE id = 1`, now)
	return err
}

func (s *Store) MarkPullCompleted(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `UPDATE sync_engine_state SET last_pull_at = ? WHERE id = 1`, now)
	return err
}

func (s *Store) MarkEngineError(ctx context.Context, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_engine_state
		SET last_error = ?, consecutive_failures = consecutive_failures + 1
		WHERE id = 1`, msg)
	return err
}

// MarkCycleOutcome records the terminal status of one cycle run. A
// status of "ok" resets consecutive_failures to 0.
func (s *Store) MarkCycleOutcome(ctx context.Context, status string, durationMs int64, nextRetryAt *time.Time) error {
	var nextRetryStr sql.NullString
	if nextRetryAt != nil {
		nextRetryStr = sql.NullString{String: nextRetryAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	resetFailures := 0
	if status == "ok" {
		resetFailures = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_engine_state
		SET last_cycle_status = ?, last_cycle_duration_ms = ?, next_retry_at = ?,
		    consecutive_failures = CASE WHEN ? = 1 THEN 0 ELSE consecutive_failures END
		WHERE id = 1`, status, durationMs, nextRetryStr, resetFailures)
	return err
}

// GetEngineState reads the single engine-state row.
func (s *Store) GetEngineState(ctx context.Context) (EngineState, error) {
	var st EngineState
	var lastPush, lastPull, nextRetry sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT lock_version, last_push_at, last_pull_at, last_error,
		       consecutive_failures, next_retry_at, last_cycle_status, last_cycle_duration_ms
		FROM sync_engine_state WHERE id = 1`).Scan(
		&st.LockVersion, &lastPush, &lastPull, &st.LastError,
		&st.ConsecutiveFailures, &nextRetry, &st.LastCycleStatus, &st.LastCycleDurationMs)
	if err != nil {
		return EngineState{}, fmt.Errorf("store: get engine state: %w", err)
	}
	if lastPush.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastPush.String)
		st.LastPushAt = &t
	}
	if lastPull.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastPull.String)
		st.LastPullAt = &t
	}
	if nextRetry.Valid {
		t, _ := time.Parse(time.RFC3339Nano, nextRetry.String)
		st.NextRetryAt = &t
	}
	return st, nil
}

// ---- Bootstrap ----

func (s *Store) NeedsBootstrap(ctx context.Context, deviceID string) (bool, error) {
	var lastBootstrap sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_bootstrap_at FROM sync_device_config WHERE device_id = ?`, deviceID).Scan(&lastBootstrap)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: needs bootstrap: %w", err)
	}
	return !lastBootstrap.Valid || lastBootstrap.String == "", nil
}

func (s *Store) MarkBootstrapComplete(ctx context.Context, deviceID string, keyVersion *int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if keyVersion != nil {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sync_device_config (device_id, key_version, trust_state, last_bootstrap_at)
			VALUES (?, ?, 'trusted', ?)
			ON CONFLICT(device_id) DO UPDATE SET key_version = excluded.key_version,
				trust_state = 'trusted', last_bootstrap_at = excluded.last_bootstrap_at`,
			deviceID, *keyVersion, now)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_device_config (device_id, last_bootstrap_at) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET last_bootstrap_at = excluded.last_bootstrap_at`,
		deviceID, now)
	return err
}

// ClearBootstrapState forces NeedsBootstrap back to true for a device
// that was bootstrapped once but has since fallen behind the relay's
// GC watermark (StatusStaleCursor) and needs a fresh snapshot restore.
func (s *Store) ClearBootstrapState(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_device_config (device_id, last_bootstrap_at) VALUES (?, NULL)
		ON CONFLICT(device_id) DO UPDATE SET last_bootstrap_at = NULL`,
		deviceID)
	if err != nil {
		return fmt.Errorf("store: clear bootstrap state: %w", err)
	}
	return nil
}

// GetDeviceConfig reads the local view of this device's relay-side
// status.
func (s *Store) GetDeviceConfig(ctx context.Context, deviceID string) (DeviceConfig, error) {
	var dc DeviceConfig
	var lastBootstrap sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, key_version, trust_state, last_bootstrap_at, enrollment_attempt
		FROM sync_device_config WHERE device_id = ?`, deviceID).Scan(
		&dc.DeviceID, &dc.KeyVersion, &dc.TrustState, &lastBootstrap, &dc.EnrollmentAttempt)
	if err != nil {
		return DeviceConfig{}, fmt.Errorf("store: get device config: %w", err)
	}
	if lastBootstrap.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastBootstrap.String)
		dc.LastBootstrapAt = &t
	}
	return dc, nil
}

// HighestTrustedKeyVersion returns the greatest key_version among
// locally-trusted device-config rows, or 1 if none — used by the outbox writer to
// resolve payload_key_version=0 (§4.3).
func (s *Store) HighestTrustedKeyVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(key_version) FROM sync_device_config WHERE trust_state = 'trusted'`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("store: highest trusted key version: %w", err)
	}
	if !v.Valid || v.Int64 == 0 {
		return 1, nil
	}
	return int(v.Int64), nil
}

// IncrementEnrollmentAttempt bumps the supplemental diagnostic counter
// from SPEC_FULL §3.
func (s *Store) IncrementEnrollmentAttempt(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_device_config (device_id, enrollment_attempt) VALUES (?, 1)
		ON CONFLICT(device_id) DO UPDATE SET enrollment_attempt = enrollment_attempt + 1`, deviceID)
	return err
}

// ---- GC ----

// PruneAppliedEventsUpToSeq deletes applied-event log rows at or below
// seq, per §4.8 step 9.
func (s *Store) PruneAppliedEventsUpToSeq(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_applied_events WHERE seq <= ?`, seq)
	if err != nil {
		return fmt.Errorf("store: prune applied events: %w", err)
	}
	return nil
}

// ---- payload validation / literal handling (§4.2) ----

// decodePayload unmarshals a JSON payload object, validates every key
// against the table's allowed-column set (rejecting unknown columns
// outright, per the "permission-safe SQL" property in §8), and checks
// the PK field, if present, matches entityID. It never builds a SQL
// string from the payload directly — callers bind the returned columns
// and args as parameters, which is the prepared-statement option named
// in §9's redesign note for dynamic SQL built from JSON payloads.
func decodePayload(entry catalog.Entry, entityID, payloadJSON string) (cols []string, args []any, err error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payloadJSON), &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: payload is not a JSON object: %v", ErrValidation, err)
	}
	for k, v := range raw {
		if _, ok := entry.AllowedCols[k]; !ok {
			return nil, nil, fmt.Errorf("%w: column %q is not part of table %q", ErrValidation, k, entry.Table)
		}
		if k == entry.PrimaryKey {
			var pk any
			if err := json.Unmarshal(v, &pk); err != nil {
				return nil, nil, fmt.Errorf("%w: primary key field unparseable: %v", ErrValidation, err)
			}
			if fmt.Sprint(pk) != entityID {
				return nil, nil, fmt.Errorf("%w: payload primary key %v does not match event entity_id %q", ErrValidation, pk, entityID)
			}
		}
		val, err := jsonLiteral(v)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: column %q: %v", ErrValidation, k, err)
		}
		cols = append(cols, k)
		args = append(args, val)
	}
	// Force-inject the PK column when absent from the payload, per
	// §4.4 step 4.
	if _, ok := raw[entry.PrimaryKey]; !ok {
		cols = append(cols, entry.PrimaryKey)
		args = append(args, entityID)
	}
	return cols, args, nil
}

// jsonLiteral converts one decoded JSON scalar/array/object into a Go
// value usable as a database/sql bind parameter: strings and numbers
// pass through, booleans map to 0/1 (SQLite has no native bool type),
// null becomes nil, and arrays/objects are re-serialized to JSON text.
func jsonLiteral(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string, float64:
		return t, nil
	default:
		// arrays / objects
		return string(raw), nil
	}
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
