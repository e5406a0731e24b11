package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triantos/wealthfolio/internal/syncengine/catalog"
)

// ApplyRemoteEventLWW is the store's half of the replay applier (the replay applier's
// algorithm lives here because it is the only component allowed to
// touch these tables — the replay applier is a thin orchestrator around this method
// plus the relay/crypto steps). Implements §4.4's five steps.
func (s *Store) ApplyRemoteEventLWW(ctx context.Context, entity, entityID, op, eventID string, clientTS time.Time, seq int64, payloadJSON string) (applied bool, err error) {
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		applied, err = applyOneLWW(ctx, tx, entity, entityID, op, eventID, clientTS, seq, payloadJSON)
		return err
	})
	return applied, err
}

// ApplyRemoteEventsLWWBatch runs every event in ev through applyOneLWW
// inside one transaction with deferred foreign-key checks, so an event
// that references a row introduced later in the same batch still
// succeeds as long as both are present by commit time (§4.4's batch
// semantics). A single failure rolls the whole batch back.
func (s *Store) ApplyRemoteEventsLWWBatch(ctx context.Context, events []RemoteEvent) (appliedCount int, err error) {
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, fkErr := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); fkErr != nil {
			return fmt.Errorf("store: enabling deferred FK checks: %w", fkErr)
		}
		for _, e := range events {
			_, op, parseErr := catalog.ParseEventType(e.EventType)
			if parseErr != nil {
				return parseErr
			}
			ok, applyErr := applyOneLWW(ctx, tx, e.Entity, e.EntityID, string(op), e.EventID, e.ClientTimestamp, e.Seq, e.Payload)
			if applyErr != nil {
				return applyErr
			}
			if ok {
				appliedCount++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return appliedCount, nil
}

func applyOneLWW(ctx context.Context, tx *sql.Tx, entity, entityID, op, eventID string, clientTS time.Time, seq int64, payloadJSON string) (bool, error) {
	// Step 1: idempotent skip if already applied.
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM sync_applied_events WHERE event_id = ?`, eventID).Scan(&exists)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("store: checking applied-event log: %w", err)
	}

	// Step 2: look up existing entity metadata.
	var localEventID, localClientTSStr string
	metaErr := tx.QueryRowContext(ctx, `
		SELECT last_event_id, last_client_timestamp FROM sync_entity_metadata
		WHERE entity = ? AND entity_id = ?`, entity, entityID).Scan(&localEventID, &localClientTSStr)

	hasMeta := metaErr == nil
	if metaErr != nil && !errors.Is(metaErr, sql.ErrNoRows) {
		return false, fmt.Errorf("store: reading entity metadata: %w", metaErr)
	}

	// Step 3: LWW rule.
	shouldApply := true
	if hasMeta {
		localTS, parseErr := time.Parse(time.RFC3339Nano, localClientTSStr)
		if parseErr != nil {
			// Lexical fallback when one side is malformed.
			shouldApply = clientTS.Format(time.RFC3339Nano) > localClientTSStr ||
				(clientTS.Format(time.RFC3339Nano) == localClientTSStr && eventID > localEventID)
		} else {
			switch {
			case clientTS.After(localTS):
				shouldApply = true
			case clientTS.Equal(localTS):
				shouldApply = eventID > localEventID
			default:
				shouldApply = false
			}
		}
	}

	if shouldApply {
		entry, lookupErr := catalog.Lookup(entity)
		if lookupErr != nil {
			return false, lookupErr
		}
		if err := applyRow(ctx, tx, entry, entityID, catalog.Op(op), payloadJSON); err != nil {
			return false, err
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_table_state SET last_incremental_apply_at = ? WHERE table_name = ?`, now, entry.Table); err != nil {
			return false, fmt.Errorf("store: updating table state: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_entity_metadata (entity, entity_id, last_event_id, last_client_timestamp, last_seq)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(entity, entity_id) DO UPDATE SET
				last_event_id = excluded.last_event_id,
				last_client_timestamp = excluded.last_client_timestamp,
				last_seq = excluded.last_seq`,
			entity, entityID, eventID, clientTS.Format(time.RFC3339Nano), seq); err != nil {
			return false, fmt.Errorf("store: upserting entity metadata: %w", err)
		}
	}

	// Step 5: record in applied-event log regardless of LWW outcome —
	// the event was processed, even if superseded, so re-delivery is
	// still a no-op next time.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_applied_events (event_id, seq, entity, entity_id, applied_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		eventID, seq, entity, entityID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return false, fmt.Errorf("store: recording applied event: %w", err)
	}

	return shouldApply, nil
}

func applyRow(ctx context.Context, tx *sql.Tx, entry catalog.Entry, entityID string, op catalog.Op, payloadJSON string) error {
	if op == catalog.OpDelete {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, quoteIdent(entry.Table), quoteIdent(entry.PrimaryKey)),
			entityID)
		if err != nil {
			return fmt.Errorf("store: deleting row from %s: %w", entry.Table, err)
		}
		return nil
	}

	// create | update | request: upsert using validated columns.
	cols, args, err := decodePayload(entry, entityID, payloadJSON)
	if err != nil {
		return err
	}

	placeholders := make([]string, len(cols))
	updateClauses := make([]string, 0, len(cols))
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		quotedCols[i] = quoteIdent(c)
		if c != entry.PrimaryKey {
			updateClauses = append(updateClauses, fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c)))
		}
	}

	var stmt string
	if len(updateClauses) == 0 {
		stmt = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING`,
			quoteIdent(entry.Table), joinComma(quotedCols), joinComma(placeholders), quoteIdent(entry.PrimaryKey))
	} else {
		stmt = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s`,
			quoteIdent(entry.Table), joinComma(quotedCols), joinComma(placeholders), quoteIdent(entry.PrimaryKey), joinComma(updateClauses))
	}

	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("store: upserting row into %s: %w", entry.Table, err)
	}
	return nil
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
