package store

import (
	"context"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/triantos/wealthfolio/internal/syncengine/catalog"
)

// ExportSnapshotSQLiteImage writes the requested syncable tables' rows
// into a throwaway on-disk database image and returns its bytes. It
// uses SQLite's ATTACH DATABASE + "CREATE TABLE … AS SELECT *" so the
// whole export runs as one statement per table inside a single
// transaction against the attached file, per §4.7 step 2. Per-table
// export filters (e.g. excluding manual holdings snapshots, SPEC_FULL
// §3) are applied as a WHERE clause on the SELECT.
func (s *Store) ExportSnapshotSQLiteImage(ctx context.Context, tables []string) ([]byte, error) {
	tmpFile, err := os.CreateTemp("", "wf-sync-snapshot-*.db")
	if err != nil {
		return nil, fmt.Errorf("store: creating snapshot temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	os.Remove(tmpPath) // ATTACH will create it
	defer os.Remove(tmpPath)

	entries := make([]catalog.Entry, 0, len(tables))
	for _, t := range tables {
		e, err := catalog.LookupTable(t)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin snapshot export tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `ATTACH DATABASE ? AS snap`, tmpPath); err != nil {
		return nil, fmt.Errorf("store: attaching snapshot db: %w", err)
	}
	defer tx.ExecContext(ctx, `DETACH DATABASE snap`)

	for _, e := range entries {
		where := ""
		if e.ExportFilter != "" {
			where = " WHERE " + e.ExportFilter
		}
		stmt := fmt.Sprintf(`CREATE TABLE snap.%s AS SELECT * FROM %s%s`, quoteIdent(e.Table), quoteIdent(e.Table), where)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("store: exporting table %s: %w", e.Table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: committing snapshot export: %w", err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("store: reading snapshot image: %w", err)
	}
	return data, nil
}

// RestoreSnapshotTablesFromFile clears and rewrites the given tables
// from a downloaded snapshot image at path, then resets the
// control-plane (outbox, entity metadata, applied-event log, table
// state) and the cursor, atomically, per §4.7 step 6 and invariant 3's
// sanctioned backward jump.
func (s *Store) RestoreSnapshotTablesFromFile(ctx context.Context, path string, tables []string, cursor int64, deviceID string, keyVersion *int) error {
	entries := make([]catalog.Entry, 0, len(tables))
	for _, t := range tables {
		e, err := catalog.LookupTable(t)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin snapshot restore tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `ATTACH DATABASE ? AS snap`, path); err != nil {
		return fmt.Errorf("store: attaching restore db: %w", err)
	}
	defer tx.ExecContext(ctx, `DETACH DATABASE snap`)

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, quoteIdent(e.Table))); err != nil {
			return fmt.Errorf("store: clearing table %s before restore: %w", e.Table, err)
		}
		stmt := fmt.Sprintf(`INSERT INTO %s SELECT * FROM snap.%s`, quoteIdent(e.Table), quoteIdent(e.Table))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: restoring table %s: %w", e.Table, err)
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_table_state (table_name, last_snapshot_restore_at) VALUES (?, ?)
			ON CONFLICT(table_name) DO UPDATE SET last_snapshot_restore_at = excluded.last_snapshot_restore_at`,
			e.Table, now); err != nil {
			return fmt.Errorf("store: recording table state for %s: %w", e.Table, err)
		}
	}

	// Reset control-plane.
	for _, stmt := range []string{
		`DELETE FROM sync_outbox`,
		`DELETE FROM sync_entity_metadata`,
		`DELETE FROM sync_applied_events`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: resetting control-plane (%s): %w", stmt, err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `UPDATE sync_cursor SET cursor = ?, updated_at = ? WHERE id = 1`, cursor, now); err != nil {
		return fmt.Errorf("store: resetting cursor: %w", err)
	}

	if keyVersion != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_device_config (device_id, key_version, trust_state, last_bootstrap_at)
			VALUES (?, ?, 'trusted', ?)
			ON CONFLICT(device_id) DO UPDATE SET key_version = excluded.key_version,
				trust_state = 'trusted', last_bootstrap_at = excluded.last_bootstrap_at`,
			deviceID, *keyVersion, now); err != nil {
			return fmt.Errorf("store: updating device config after restore: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing snapshot restore: %w", err)
	}
	return nil
}
