package outbox_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triantos/wealthfolio/internal/syncengine/catalog"
	"github.com/triantos/wealthfolio/internal/syncengine/outbox"
	"github.com/triantos/wealthfolio/internal/syncengine/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	_, err = s.DB().ExecContext(context.Background(), `CREATE TABLE goals (id TEXT PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	return s
}

func TestWrite_DisabledSyncIsNoop(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	w, err := outbox.New(outbox.Config{Store: s, SyncEnabled: func() bool { return false }})
	require.NoError(t, err)

	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(), `INSERT INTO goals (id, title) VALUES ('g1', 'x')`)
		if err != nil {
			return err
		}
		id, err := w.Write(context.Background(), tx, outbox.Request{Entity: "goal", EntityID: "g1", Op: catalog.OpCreate, PayloadJSON: `{"id":"g1"}`})
		require.NoError(t, err)
		require.Empty(t, id)
		return nil
	})
	require.NoError(t, err)

	pending, err := s.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestWrite_AppendsOutboxEventAtomicallyWithMutation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	w, err := outbox.New(outbox.Config{Store: s})
	require.NoError(t, err)

	var eventID string
	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(context.Background(), `INSERT INTO goals (id, title) VALUES ('g1', 'x')`); err != nil {
			return err
		}
		id, err := w.Write(context.Background(), tx, outbox.Request{Entity: "goal", EntityID: "g1", Op: catalog.OpCreate, PayloadJSON: `{"id":"g1","title":"x"}`})
		eventID = id
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, eventID)

	pending, err := s.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, eventID, pending[0].EventID)
}

func TestWrite_RollbackMeansNoOutboxEvent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	w, err := outbox.New(outbox.Config{Store: s})
	require.NoError(t, err)

	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(context.Background(), `INSERT INTO goals (id, title) VALUES ('g1', 'x')`); err != nil {
			return err
		}
		if _, err := w.Write(context.Background(), tx, outbox.Request{Entity: "goal", EntityID: "g1", Op: catalog.OpCreate, PayloadJSON: `{}`}); err != nil {
			return err
		}
		return sql.ErrTxDone // force a rollback by returning a non-nil error
	})
	require.Error(t, err)

	pending, err := s.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending, "a rolled-back mutation must leave no outbox event")
}

func TestWrite_RejectsUnknownEntity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	w, err := outbox.New(outbox.Config{Store: s})
	require.NoError(t, err)

	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := w.Write(context.Background(), tx, outbox.Request{Entity: "not-a-real-entity", EntityID: "1", Op: catalog.OpCreate, PayloadJSON: `{}`})
		return err
	})
	require.ErrorIs(t, err, catalog.ErrUnknownEntity)
}
