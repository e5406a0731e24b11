package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triantos/wealthfolio/internal/syncengine/catalog"
)

func TestLookup_KnownAndUnknownEntity(t *testing.T) {
	entry, err := catalog.Lookup("account")
	require.NoError(t, err)
	require.Equal(t, "accounts", entry.Table)
	require.Equal(t, "id", entry.PrimaryKey)

	_, err = catalog.Lookup("not_an_entity")
	require.ErrorIs(t, err, catalog.ErrUnknownEntity)
}

func TestLookupTable_KnownAndUnknownTable(t *testing.T) {
	entry, err := catalog.LookupTable("holdings_snapshots")
	require.NoError(t, err)
	require.Equal(t, "holding_snapshot", entry.Entity)
	require.Equal(t, "NOT is_manual", entry.ExportFilter)

	_, err = catalog.LookupTable("not_a_table")
	require.ErrorIs(t, err, catalog.ErrUnsupportedTable)
}

func TestEventType_RoundTrip(t *testing.T) {
	eventType := catalog.EventType("account", catalog.OpCreate)
	require.Equal(t, "account.create.v1", eventType)

	entity, op, err := catalog.ParseEventType(eventType)
	require.NoError(t, err)
	require.Equal(t, "account", entity)
	require.Equal(t, catalog.OpCreate, op)
}

func TestParseEventType_Rejects(t *testing.T) {
	cases := []string{
		"malformed",
		"account.create.v2",
		"account.unknown_op.v1",
		"not_a_real_entity.create.v1",
	}
	for _, eventType := range cases {
		_, _, err := catalog.ParseEventType(eventType)
		require.Error(t, err, eventType)
		require.ErrorIs(t, err, catalog.ErrUnknownEntity, eventType)
	}
}

func TestAll_ReturnsACopy(t *testing.T) {
	entries := catalog.All()
	require.NotEmpty(t, entries)

	entries[0].Entity = "mutated"

	again := catalog.All()
	require.NotEqual(t, "mutated", again[0].Entity)
}
