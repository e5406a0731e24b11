package replay_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triantos/wealthfolio/internal/syncengine/crypto"
	"github.com/triantos/wealthfolio/internal/syncengine/replay"
	"github.com/triantos/wealthfolio/internal/syncengine/store"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fixedDEK(t *testing.T) ([]byte, replay.DEKResolver) {
	t.Helper()
	rootKey := make([]byte, 32)
	for i := range rootKey {
		rootKey[i] = byte(i + 1)
	}
	dek, err := crypto.DeriveDEK(rootKey, 1)
	require.NoError(t, err)
	return dek, func(keyVersion int) ([]byte, error) { return crypto.DeriveDEK(rootKey, keyVersion) }
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), discardLogger(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.DB().ExecContext(context.Background(), `CREATE TABLE accounts (
		id TEXT PRIMARY KEY, name TEXT, account_type TEXT, currency TEXT,
		is_default INTEGER, is_active INTEGER, platform_id TEXT, created_at TEXT, updated_at TEXT)`)
	require.NoError(t, err)

	return st
}

func TestPrepareEvent_DecryptsAndResolvesEntity(t *testing.T) {
	dek, resolve := fixedDEK(t)
	a := replay.New(newTestStore(t), resolve)

	ciphertext, err := crypto.Encrypt(dek, `{"id":"acc-1","name":"Checking"}`)
	require.NoError(t, err)

	entity, op, plaintext, err := a.PrepareEvent("evt-1", 1, "dev-1", "account.create.v1", time.Now().Format(time.RFC3339), ciphertext, 1)
	require.NoError(t, err)
	require.Equal(t, "account", entity)
	require.EqualValues(t, "create", op)
	require.JSONEq(t, `{"id":"acc-1","name":"Checking"}`, plaintext)
}

func TestPrepareEvent_UnknownEventTypeIsDistinguishable(t *testing.T) {
	_, resolve := fixedDEK(t)
	a := replay.New(newTestStore(t), resolve)

	_, _, _, err := a.PrepareEvent("evt-1", 1, "dev-1", "not_a_real_entity.create.v1", time.Now().Format(time.RFC3339), "", 1)
	require.Error(t, err)
	require.True(t, replay.IsUnknownEventType(err))
}

func TestPrepareEvent_DecryptFailureIsNotUnknownEventType(t *testing.T) {
	_, resolve := fixedDEK(t)
	a := replay.New(newTestStore(t), resolve)

	_, _, _, err := a.PrepareEvent("evt-1", 1, "dev-1", "account.create.v1", time.Now().Format(time.RFC3339), "not-valid-ciphertext", 1)
	require.Error(t, err)
	require.False(t, replay.IsUnknownEventType(err))
}

func TestApplyOne_AppliesAccountCreate(t *testing.T) {
	st := newTestStore(t)
	_, resolve := fixedDEK(t)
	a := replay.New(st, resolve)

	applied, err := a.ApplyOne(context.Background(), store.RemoteEvent{
		EventID:           "evt-1",
		Seq:               1,
		DeviceID:          "dev-1",
		EventType:         "account.create.v1",
		Entity:            "account",
		EntityID:          "acc-1",
		ClientTimestamp:   time.Now(),
		Payload:           `{"id":"acc-1","name":"Checking","account_type":"cash","currency":"USD","is_default":0,"is_active":1}`,
		PayloadKeyVersion: 1,
	})
	require.NoError(t, err)
	require.True(t, applied)
}

func TestApplyBatch_EmptyIsNoop(t *testing.T) {
	st := newTestStore(t)
	_, resolve := fixedDEK(t)
	a := replay.New(st, resolve)

	n, err := a.ApplyBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
