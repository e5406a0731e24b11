package store

import "time"

// EventStatus is the lifecycle state of an outbox event.
type EventStatus string

const (
	EventStatusPending EventStatus = "pending"
	EventStatusSent    EventStatus = "sent"
	EventStatusDead    EventStatus = "dead"
)

// TrustState mirrors the relay-side trust state of a device.
type TrustState string

const (
	TrustUntrusted TrustState = "untrusted"
	TrustTrusted   TrustState = "trusted"
	TrustRevoked   TrustState = "revoked"
)

// OutboxEvent is a row in sync_outbox, per §3's "Outbox event" entity.
type OutboxEvent struct {
	EventID          string
	Entity           string
	EntityID         string
	Op               string
	ClientTimestamp  time.Time
	Payload          string
	PayloadKeyVersion int
	Status           EventStatus
	RetryCount       int
	NextRetryAt      *time.Time
	LastError        string
	LastErrorCode    string
	CreatedAt        time.Time
}

// RemoteEvent is the shape replay consumes, mirroring the pull response
// wire fields in §6.1.
type RemoteEvent struct {
	EventID         string
	Seq             int64
	DeviceID        string
	EventType       string
	Entity          string
	EntityID        string
	ClientTimestamp time.Time
	Payload         string
	PayloadKeyVersion int
}

// EntityMetadata is one row per logical entity, per §3.
type EntityMetadata struct {
	Entity            string
	EntityID          string
	LastEventID       string
	LastClientTimestamp time.Time
	LastSeq           int64
}

// EngineState is the single-row engine-state table, per §3.
type EngineState struct {
	LockVersion           int64
	LastPushAt            *time.Time
	LastPullAt            *time.Time
	LastError             string
	ConsecutiveFailures   int
	NextRetryAt           *time.Time
	LastCycleStatus       string
	LastCycleDurationMs   int64
}

// DeviceConfig is the local view of this device's relay-side status,
// per §3. EnrollmentAttempt is the supplemental counter from
// original_source/ that isn't in the distilled spec (SPEC_FULL §3).
type DeviceConfig struct {
	DeviceID          string
	KeyVersion        int
	TrustState        TrustState
	LastBootstrapAt   *time.Time
	EnrollmentAttempt int
}

// TableState is one row per syncable table, per §3.
type TableState struct {
	TableName              string
	Enabled                bool
	LastSnapshotRestoreAt   *time.Time
	LastIncrementalApplyAt *time.Time
}
