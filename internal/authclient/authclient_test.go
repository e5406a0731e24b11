package authclient_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/triantos/wealthfolio/internal/authclient"
	"github.com/triantos/wealthfolio/internal/secretstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSecrets(t *testing.T) secretstore.Store {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	st, err := secretstore.NewFileStore(secretstore.Config{EncryptionKey: key, DataDir: filepath.Join(t.TempDir(), "sealed")})
	require.NoError(t, err)
	return st
}

func TestToken_FetchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "access-1", "refreshToken": "refresh-2", "expiresInSeconds": 3600,
		})
	}))
	defer srv.Close()

	secrets := newSecrets(t)
	require.NoError(t, secrets.Set(secretstore.KeyRefreshToken, []byte("refresh-1")))

	clock := clockwork.NewFakeClock()
	client, err := authclient.New(authclient.Config{
		Logger: discardLogger(), Secrets: secrets, AuthBaseURL: srv.URL,
		PublishableKey: "pk_test", Clock: clock,
	})
	require.NoError(t, err)

	tok, err := client.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-1", tok)
	require.Equal(t, int32(1), calls.Load())

	tok2, err := client.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-1", tok2)
	require.Equal(t, int32(1), calls.Load(), "second call within expiry should not re-fetch")

	rotated, err := secrets.Get(secretstore.KeyRefreshToken)
	require.NoError(t, err)
	require.Equal(t, "refresh-2", string(rotated))
}

func TestToken_RefetchesAfterExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": fmt.Sprintf("access-%d", n), "refreshToken": "refresh-next", "expiresInSeconds": 120,
		})
	}))
	defer srv.Close()

	secrets := newSecrets(t)
	require.NoError(t, secrets.Set(secretstore.KeyRefreshToken, []byte("refresh-1")))

	clock := clockwork.NewFakeClock()
	client, err := authclient.New(authclient.Config{
		Logger: discardLogger(), Secrets: secrets, AuthBaseURL: srv.URL,
		PublishableKey: "pk_test", Clock: clock,
	})
	require.NoError(t, err)

	_, err = client.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	clock.Advance(120 * time.Second)
	_, err = client.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestToken_MissingRefreshTokenFails(t *testing.T) {
	client, err := authclient.New(authclient.Config{
		Logger: discardLogger(), Secrets: newSecrets(t), AuthBaseURL: "http://unused.invalid",
		PublishableKey: "pk_test",
	})
	require.NoError(t, err)

	_, err = client.Token(context.Background())
	require.ErrorIs(t, err, authclient.ErrNoRefreshToken)
}
