package relayclient

import (
	"context"
	"fmt"
	"time"
)

// ---- Device lifecycle ----

type Device struct {
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName"`
	Platform    string `json:"platform"`
	OSVersion   string `json:"osVersion"`
	AppVersion  string `json:"appVersion"`
	TrustState  string `json:"trustState"`
}

// EnrollResult is the discriminated result of enroll_device, per §4.5.
type EnrollResult struct {
	NextStep   string  `json:"nextStep"` // "bootstrap" | "pair" | "ready"
	Device     *Device `json:"device,omitempty"`
	PairingURL string  `json:"pairingUrl,omitempty"`
}

const (
	NextStepBootstrap = "bootstrap"
	NextStepPair      = "pair"
	NextStepReady     = "ready"
)

func (c *Client) EnrollDevice(ctx context.Context, d Device) (EnrollResult, error) {
	var out EnrollResult
	err := c.do(ctx, "POST", "/api/v1/sync/team/devices", d, &out)
	return out, err
}

func (c *Client) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	var out Device
	err := c.do(ctx, "GET", "/api/v1/sync/team/devices/"+deviceID, nil, &out)
	return out, err
}

func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := c.do(ctx, "GET", "/api/v1/sync/team/devices", nil, &out)
	return out, err
}

func (c *Client) UpdateDevice(ctx context.Context, d Device) error {
	return c.do(ctx, "PATCH", "/api/v1/sync/team/devices/"+d.DeviceID, d, nil)
}

func (c *Client) DeleteDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, "DELETE", "/api/v1/sync/team/devices/"+deviceID, nil, nil)
}

func (c *Client) RevokeDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, "POST", "/api/v1/sync/team/devices/"+deviceID+"/revoke", nil, nil)
}

// ---- Team keys ----

type TeamKeysResult struct {
	NextStep string `json:"nextStep"` // "bootstrap" | "pairing_required" | "ready"
}

const (
	TeamKeysBootstrap       = "bootstrap"
	TeamKeysPairingRequired = "pairing_required"
	TeamKeysReady           = "ready"
)

func (c *Client) InitializeTeamKeys(ctx context.Context) (TeamKeysResult, error) {
	var out TeamKeysResult
	err := c.do(ctx, "POST", "/api/v1/sync/team/keys/initialize", nil, &out)
	return out, err
}

func (c *Client) CommitTeamKeys(ctx context.Context, commitToken string) error {
	return c.do(ctx, "POST", "/api/v1/sync/team/keys/commit", map[string]string{"commitToken": commitToken}, nil)
}

// ResetTeamSync is destructive and owner-only — a deliberate sharp edge,
// not called anywhere in the normal cycle path.
func (c *Client) ResetTeamSync(ctx context.Context) error {
	return c.do(ctx, "POST", "/api/v1/sync/team/reset", nil, nil)
}

// ---- Events ----

type PushEvent struct {
	EventID           string `json:"event_id"`
	DeviceID          string `json:"device_id"`
	EventType         string `json:"event_type"`
	Entity            string `json:"entity"`
	EntityID          string `json:"entity_id"`
	ClientTimestamp   string `json:"client_timestamp"`
	Payload           string `json:"payload"`
	PayloadKeyVersion int    `json:"payload_key_version"`
}

type PushResult struct {
	Accepted  []struct{ EventID string `json:"event_id"` } `json:"accepted"`
	Duplicate []struct{ EventID string `json:"event_id"` } `json:"duplicate"`
}

func (c *Client) PushEvents(ctx context.Context, events []PushEvent) (PushResult, error) {
	var out PushResult
	err := c.do(ctx, "POST", "/api/v1/sync/events/push", map[string]any{"events": events}, &out)
	return out, err
}

type PulledEvent struct {
	EventID           string `json:"event_id"`
	Seq               int64  `json:"seq"`
	DeviceID          string `json:"device_id"`
	EventType         string `json:"event_type"`
	Entity            string `json:"entity"`
	EntityID          string `json:"entity_id"`
	ClientTimestamp   string `json:"client_timestamp"`
	Payload           string `json:"payload"`
	PayloadKeyVersion int    `json:"payload_key_version"`
}

type PullResult struct {
	Events      []PulledEvent `json:"events"`
	NextCursor  int64         `json:"next_cursor"`
	HasMore     bool          `json:"has_more"`
	GCWatermark *int64        `json:"gc_watermark,omitempty"`
}

func (c *Client) PullEvents(ctx context.Context, since int64, limit int) (PullResult, error) {
	var out PullResult
	path := fmt.Sprintf("/api/v1/sync/events/pull?since=%d&limit=%d", since, limit)
	err := c.do(ctx, "GET", path, nil, &out)
	return out, err
}

type SnapshotPointer struct {
	SnapshotID    string `json:"snapshot_id"`
	SchemaVersion int    `json:"schema_version"`
	OplogSeq      int64  `json:"oplog_seq"`
	KeyVersion    int    `json:"key_version"`
}

type CursorResult struct {
	Cursor         int64            `json:"cursor"`
	GCWatermark    *int64           `json:"gc_watermark,omitempty"`
	LatestSnapshot *SnapshotPointer `json:"latest_snapshot,omitempty"`
}

func (c *Client) GetEventsCursor(ctx context.Context) (CursorResult, error) {
	var out CursorResult
	err := c.do(ctx, "GET", "/api/v1/sync/events/cursor", nil, &out)
	return out, err
}

// ---- Snapshots ----

type SnapshotMetadata struct {
	SnapshotID    string    `json:"snapshotId"`
	SchemaVersion int       `json:"schemaVersion"`
	CoversTables  []string  `json:"coversTables"`
	OplogSeq      int64     `json:"oplogSeq"`
	SizeBytes     int64     `json:"sizeBytes"`
	Checksum      string    `json:"checksum"`
	KeyVersion    int       `json:"keyVersion"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (c *Client) GetLatestSnapshot(ctx context.Context) (SnapshotMetadata, error) {
	var out SnapshotMetadata
	err := c.do(ctx, "GET", "/api/v1/sync/snapshots/latest", nil, &out)
	return out, err
}

type DownloadedSnapshot struct {
	SchemaVersion int
	CoversTables  []string
	Checksum      string
	Body          []byte
}

type SnapshotUploadHeaders struct {
	EventID          string
	SchemaVersion    int
	CoversTables     []string
	SizeBytes        int64
	Checksum         string
	MetadataPayload  string // encrypted JSON of {schemaVersion, coversTables, generatedAt}
	PayloadKeyVersion int
}

type RequestSnapshotResult struct {
	SnapshotID string `json:"snapshotId"`
	OplogSeq   int64  `json:"oplogSeq"`
}

func (c *Client) RequestSnapshot(ctx context.Context, headers SnapshotUploadHeaders) (RequestSnapshotResult, error) {
	var out RequestSnapshotResult
	err := c.do(ctx, "POST", "/api/v1/sync/snapshots/request", headers, &out)
	return out, err
}
