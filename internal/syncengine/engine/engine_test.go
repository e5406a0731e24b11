package engine_test

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triantos/wealthfolio/internal/secretstore"
	"github.com/triantos/wealthfolio/internal/syncengine/cycle"
	"github.com/triantos/wealthfolio/internal/syncengine/engine"
	"github.com/triantos/wealthfolio/internal/syncengine/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSecrets(t *testing.T) secretstore.Store {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	st, err := secretstore.NewFileStore(secretstore.Config{
		EncryptionKey: key,
		DataDir:       filepath.Join(t.TempDir(), "sealed"),
	})
	require.NoError(t, err)
	return st
}

func newEngine(t *testing.T, secrets secretstore.Store) *engine.Engine {
	t.Helper()
	st, err := store.Open(context.Background(), discardLogger(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng, err := engine.New(engine.Config{
		Logger:        discardLogger(),
		Store:         st,
		Secrets:       secrets,
		RelayBaseURL:  "http://unused.invalid",
		TokenSource:   func(context.Context) (string, error) { return "tok", nil },
		SchemaVersion: 1,
	})
	require.NoError(t, err)
	return eng
}

func TestSyncState_NotConfiguredWhenNoIdentity(t *testing.T) {
	eng := newEngine(t, newSecrets(t))
	state, err := eng.SyncState(context.Background())
	require.NoError(t, err)
	require.Equal(t, cycle.StateNotConfigured, state)
}

func TestSyncState_NeedsPairingWhenNoRootKey(t *testing.T) {
	secrets := newSecrets(t)
	id, err := engine.NewLocalIdentity("dev-1")
	require.NoError(t, err)
	require.NoError(t, engine.SaveIdentity(secrets, id))

	eng := newEngine(t, secrets)
	state, err := eng.SyncState(context.Background())
	require.NoError(t, err)
	require.Equal(t, cycle.StateNeedsPairing, state)
}

func TestSyncState_NeedsBootstrapAfterPairing(t *testing.T) {
	secrets := newSecrets(t)
	id, err := engine.NewLocalIdentity("dev-1")
	require.NoError(t, err)
	id.RootKey = make([]byte, 32)
	id.KeyVersion = 1
	require.NoError(t, engine.SaveIdentity(secrets, id))

	eng := newEngine(t, secrets)
	state, err := eng.SyncState(context.Background())
	require.NoError(t, err)
	require.Equal(t, cycle.StateNeedsBootstrap, state)
}

func TestSyncState_ReadyAfterBootstrap(t *testing.T) {
	secrets := newSecrets(t)
	id, err := engine.NewLocalIdentity("dev-1")
	require.NoError(t, err)
	id.RootKey = make([]byte, 32)
	id.KeyVersion = 1
	require.NoError(t, engine.SaveIdentity(secrets, id))

	eng := newEngine(t, secrets)
	require.NoError(t, eng.Store.MarkBootstrapComplete(context.Background(), "dev-1", &id.KeyVersion))

	state, err := eng.SyncState(context.Background())
	require.NoError(t, err)
	require.Equal(t, cycle.StateReady, state)
}

func TestSyncState_RevokedWhenTrustRevoked(t *testing.T) {
	secrets := newSecrets(t)
	id, err := engine.NewLocalIdentity("dev-1")
	require.NoError(t, err)
	id.RootKey = make([]byte, 32)
	id.KeyVersion = 1
	require.NoError(t, engine.SaveIdentity(secrets, id))

	eng := newEngine(t, secrets)
	ctx := context.Background()
	require.NoError(t, eng.Store.MarkBootstrapComplete(ctx, "dev-1", &id.KeyVersion))
	_, err = eng.Store.DB().ExecContext(ctx, `UPDATE sync_device_config SET trust_state = 'revoked' WHERE device_id = 'dev-1'`)
	require.NoError(t, err)

	state, err := eng.SyncState(ctx)
	require.NoError(t, err)
	require.Equal(t, cycle.StateRevoked, state)
}

func TestResolveDEK_FailsWithoutRootKey(t *testing.T) {
	id, err := engine.NewLocalIdentity("dev-1")
	require.NoError(t, err)
	_, err = engine.ResolveDEK(id)(1)
	require.Error(t, err)
}

func TestResolveDEK_DerivesDeterministically(t *testing.T) {
	id, err := engine.NewLocalIdentity("dev-1")
	require.NoError(t, err)
	id.RootKey = make([]byte, 32)
	for i := range id.RootKey {
		id.RootKey[i] = byte(i)
	}

	dek1, err := engine.ResolveDEK(id)(1)
	require.NoError(t, err)
	dek2, err := engine.ResolveDEK(id)(1)
	require.NoError(t, err)
	require.Equal(t, dek1, dek2)

	dek3, err := engine.ResolveDEK(id)(2)
	require.NoError(t, err)
	require.NotEqual(t, dek1, dek3)
}
