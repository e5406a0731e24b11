// Package catalog describes the fixed set of syncable tables and the
// entity<->table mapping the rest of the sync engine dispatches on. It
// replaces per-entity virtual dispatch with a flat table, per §9's
// guidance to avoid dynamic dispatch in the replay hot path.
package catalog

import "fmt"

// Op is one of the four operations the relay wire format carries.
type Op string

const (
	OpCreate  Op = "create"
	OpUpdate  Op = "update"
	OpDelete  Op = "delete"
	OpRequest Op = "request"
)

// Entry describes one syncable entity: its backing table, primary key
// column, and an optional row filter applied when exporting a snapshot
// image (used to drop calculated/synthetic rows, e.g. manual holdings
// snapshots).
type Entry struct {
	Entity        string
	Table         string
	PrimaryKey    string
	ExportFilter  string // SQL WHERE fragment, empty if none
	AllowedCols   map[string]struct{}
}

// catalog is the ordered list of syncable entities. Order matters for
// snapshot export (tables are created in this order inside one
// transaction) and is otherwise insertion order, not dependency order;
// the replay applier defers FK checks so arbitrary pull order is safe.
var catalog = []Entry{
	{Entity: "account", Table: "accounts", PrimaryKey: "id", AllowedCols: cols("id", "name", "account_type", "currency", "is_default", "is_active", "platform_id", "created_at", "updated_at")},
	{Entity: "platform", Table: "platforms", PrimaryKey: "id", AllowedCols: cols("id", "name", "url")},
	{Entity: "asset", Table: "assets", PrimaryKey: "id", AllowedCols: cols("id", "symbol", "name", "asset_type", "currency", "data_source", "sectors", "countries", "notes")},
	{Entity: "activity", Table: "activities", PrimaryKey: "id", AllowedCols: cols("id", "account_id", "asset_id", "activity_type", "activity_date", "quantity", "unit_price", "fee", "amount", "currency", "is_draft", "comment", "created_at", "updated_at")},
	{Entity: "goal", Table: "goals", PrimaryKey: "id", AllowedCols: cols("id", "title", "target_amount", "is_achieved")},
	{Entity: "goal_allocation", Table: "goals_allocation", PrimaryKey: "id", AllowedCols: cols("id", "goal_id", "account_id", "percent_allocation")},
	{Entity: "contribution_limit", Table: "contribution_limits", PrimaryKey: "id", AllowedCols: cols("id", "group_name", "contribution_year", "limit_amount", "account_ids")},
	{Entity: "quote", Table: "quotes", PrimaryKey: "id", AllowedCols: cols("id", "asset_id", "timestamp", "open", "high", "low", "close", "volume", "data_source")},
	{Entity: "activity_import_profile", Table: "activity_import_profiles", PrimaryKey: "account_id", AllowedCols: cols("account_id", "field_mappings", "activity_mappings", "symbol_mappings", "account_mappings")},
	{Entity: "exchange_rate", Table: "exchange_rates", PrimaryKey: "id", AllowedCols: cols("id", "from_currency", "to_currency", "rate", "source")},
	{Entity: "app_setting", Table: "app_settings", PrimaryKey: "key", AllowedCols: cols("key", "value")},
	{Entity: "holding_snapshot", Table: "holdings_snapshots", PrimaryKey: "id", ExportFilter: "NOT is_manual", AllowedCols: cols("id", "account_id", "snapshot_date", "holdings_json", "is_manual")},
	{Entity: "custom_data_item", Table: "custom_data_items", PrimaryKey: "id", AllowedCols: cols("id", "namespace", "key", "value_json")},
}

func cols(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

var (
	byEntity = func() map[string]Entry {
		m := make(map[string]Entry, len(catalog))
		for _, e := range catalog {
			m[e.Entity] = e
		}
		return m
	}()
	byTable = func() map[string]Entry {
		m := make(map[string]Entry, len(catalog))
		for _, e := range catalog {
			m[e.Table] = e
		}
		return m
	}()
)

// ErrUnknownEntity is returned when an entity name isn't in the fixed
// syncable catalog.
var ErrUnknownEntity = fmt.Errorf("catalog: unknown entity")

// ErrUnsupportedTable is returned when a table name passed to snapshot
// export/restore is outside the fixed syncable catalog.
var ErrUnsupportedTable = fmt.Errorf("catalog: unsupported table")

// Lookup resolves a wire entity name to its catalog entry.
func Lookup(entity string) (Entry, error) {
	e, ok := byEntity[entity]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	return e, nil
}

// LookupTable resolves a table name to its catalog entry, used by
// snapshot export/restore which operate in terms of tables.
func LookupTable(table string) (Entry, error) {
	e, ok := byTable[table]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnsupportedTable, table)
	}
	return e, nil
}

// All returns the catalog in its fixed order.
func All() []Entry {
	out := make([]Entry, len(catalog))
	copy(out, catalog)
	return out
}

// EventType builds the wire event type string "<entity>.<op>.v1".
func EventType(entity string, op Op) string {
	return fmt.Sprintf("%s.%s.v1", entity, op)
}

// ParseEventType splits a wire event type into entity and op, resolving
// it against the catalog. Returns ErrUnknownEntity for anything that
// doesn't map to a known (entity, op) pair — callers use this to
// implement the replay_blocked path.
func ParseEventType(eventType string) (entity string, op Op, err error) {
	// Expected shape: "<entity>.<op>.v1" — split from the right since
	// entity names never contain dots.
	var opStr, version string
	n := len(eventType)
	lastDot, midDot := -1, -1
	for i := n - 1; i >= 0; i-- {
		if eventType[i] == '.' {
			if lastDot == -1 {
				lastDot = i
			} else {
				midDot = i
				break
			}
		}
	}
	if lastDot == -1 || midDot == -1 {
		return "", "", fmt.Errorf("%w: malformed event type %q", ErrUnknownEntity, eventType)
	}
	entity = eventType[:midDot]
	opStr = eventType[midDot+1 : lastDot]
	version = eventType[lastDot+1:]
	if version != "v1" {
		return "", "", fmt.Errorf("%w: unsupported version in event type %q", ErrUnknownEntity, eventType)
	}
	op = Op(opStr)
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpRequest:
	default:
		return "", "", fmt.Errorf("%w: unknown op %q", ErrUnknownEntity, opStr)
	}
	if _, err := Lookup(entity); err != nil {
		return "", "", err
	}
	return entity, op, nil
}
