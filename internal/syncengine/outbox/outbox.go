// Package outbox implements the transactional hook domain services
// call whenever they mutate a syncable row, appending a sync event in
// the same transaction as the mutation (§4.3).
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/triantos/wealthfolio/internal/syncengine/catalog"
	"github.com/triantos/wealthfolio/internal/syncengine/store"
)

var ErrStoreRequired = errors.New("outbox: store is required")

// Request describes one outbox append call, matching §4.3's request
// shape. ClientTimestamp, PayloadKeyVersion and EventID are optional;
// zero values trigger the documented defaults.
type Request struct {
	Entity            string
	EntityID          string
	Op                catalog.Op
	PayloadJSON       string
	ClientTimestamp   time.Time
	PayloadKeyVersion int
	EventID           string
}

// Writer is the outbox writer. SyncEnabled reports whether the
// environment is configured to talk to a relay (§6.3); when false,
// Write is a no-op, preserving the invariant that local work succeeds
// even when sync is disabled.
type Writer struct {
	store       *store.Store
	syncEnabled func() bool
}

// Config configures a Writer.
type Config struct {
	Store *store.Store
	// SyncEnabled reports whether CONNECT_API_URL (or equivalent) is
	// configured. A nil func is treated as "always enabled", which is
	// convenient for tests exercising the store-write path directly.
	SyncEnabled func() bool
}

func (c Config) Validate() error {
	if c.Store == nil {
		return ErrStoreRequired
	}
	return nil
}

func New(cfg Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enabled := cfg.SyncEnabled
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Writer{store: cfg.Store, syncEnabled: enabled}, nil
}

// Write appends a sync event inside tx, the same transaction as the
// domain mutation that produced it. It returns the event's id, or ""
// if sync is disabled.
func (w *Writer) Write(ctx context.Context, tx *sql.Tx, req Request) (string, error) {
	if !w.syncEnabled() {
		return "", nil
	}
	if _, err := catalog.Lookup(req.Entity); err != nil {
		return "", fmt.Errorf("outbox: %w", err)
	}

	eventID := req.EventID
	if eventID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("outbox: generating event id: %w", err)
		}
		eventID = id.String()
	}

	clientTS := req.ClientTimestamp
	if clientTS.IsZero() {
		clientTS = time.Now().UTC()
	}

	keyVersion := req.PayloadKeyVersion
	if keyVersion == 0 {
		v, err := w.store.HighestTrustedKeyVersion(ctx)
		if err != nil {
			return "", fmt.Errorf("outbox: resolving key version: %w", err)
		}
		keyVersion = v
	}

	// The payload is stored as plaintext JSON at this stage; encryption
	// happens later during the push step, not here.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_outbox (event_id, entity, entity_id, op, client_timestamp, payload, payload_key_version, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		eventID, req.Entity, req.EntityID, string(req.Op),
		clientTS.Format(time.RFC3339Nano), req.PayloadJSON, keyVersion,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("outbox: appending event: %w", err)
	}
	return eventID, nil
}
