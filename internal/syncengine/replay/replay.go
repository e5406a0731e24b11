// Package replay decrypts and applies remote events
// into local tables. The LWW application itself lives in the store
// package (it's the only component allowed to touch sync tables, per
// §4.2); this package is the thin orchestrator around decrypt +
// event-type resolution described in §4.4 and the pull loop's
// per-event checks in §4.8 step 8.
package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/triantos/wealthfolio/internal/syncengine/catalog"
	"github.com/triantos/wealthfolio/internal/syncengine/crypto"
	"github.com/triantos/wealthfolio/internal/syncengine/store"
)

// ErrUnknownEventType is returned when a pulled event's wire type
// doesn't map to a known (entity, op) pair — the caller (the cycle engine) turns
// this into a replay_blocked cycle outcome with a long retry hint,
// refusing to silently drop data (§4.8 step 8).
var ErrUnknownEventType = catalog.ErrUnknownEntity

// DEKResolver derives the data-encryption key for a given key version
// (crypto.DeriveDEK with the root key already bound) — injected so the
// applier doesn't need to know about root keys directly.
type DEKResolver func(keyVersion int) ([]byte, error)

// Applier wraps the local store with decryption and event-type
// validation.
type Applier struct {
	store       *store.Store
	resolveDEK  DEKResolver
}

func New(st *store.Store, resolveDEK DEKResolver) *Applier {
	return &Applier{store: st, resolveDEK: resolveDEK}
}

// PrepareEvent resolves a raw pulled wire event into its entity, op and
// plaintext payload, decrypting the payload and validating its
// event type against the catalog. It returns ErrUnknownEventType for
// unmapped event types and a wrapped error for DEK or decrypt failures —
// callers distinguish these to pick replay_blocked vs replay_error.
func (a *Applier) PrepareEvent(eventID string, seq int64, deviceID, eventType string, clientTS string, encryptedPayload string, payloadKeyVersion int) (entity string, op catalog.Op, plaintext string, err error) {
	entity, op, err = catalog.ParseEventType(eventType)
	if err != nil {
		return "", "", "", err
	}

	dek, err := a.resolveDEK(payloadKeyVersion)
	if err != nil {
		return "", "", "", fmt.Errorf("replay: resolving dek: %w", err)
	}
	plaintext, err = crypto.Decrypt(dek, encryptedPayload)
	if err != nil {
		return "", "", "", fmt.Errorf("replay: decrypting payload: %w", err)
	}
	return entity, op, plaintext, nil
}

// ApplyBatch LWW-applies a batch of already-decrypted, already-filtered
// remote events (self-originated and snapshot-control events removed
// by the caller per §4.8 step 8), returning the count actually
// applied. It does not decrypt anything itself. An unknown event type
// or apply failure on any single event aborts the whole batch without
// advancing anything, matching §4.4's "a single failure rolls the whole
// batch back" semantics — the caller is expected to have already
// decrypted payloads and classified event types before calling this,
// since those failure modes carry different retry hints.
func (a *Applier) ApplyBatch(ctx context.Context, events []store.RemoteEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	return a.store.ApplyRemoteEventsLWWBatch(ctx, events)
}

// ApplyOne applies a single already-prepared event, used by tests and
// by any caller that wants per-event rather than batched semantics.
func (a *Applier) ApplyOne(ctx context.Context, e store.RemoteEvent) (bool, error) {
	_, op, err := catalog.ParseEventType(e.EventType)
	if err != nil {
		return false, err
	}
	return a.store.ApplyRemoteEventLWW(ctx, e.Entity, e.EntityID, string(op), e.EventID, e.ClientTimestamp, e.Seq, e.Payload)
}

// IsUnknownEventType reports whether err originated from an
// unrecognized event type, vs a decrypt/validation failure.
func IsUnknownEventType(err error) bool {
	return errors.Is(err, ErrUnknownEventType)
}
