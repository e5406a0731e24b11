// Package snapshot exports, encrypts, and uploads the local DB image,
// and downloads, verifies, decrypts, and restores a remote one. Upload
// hardening (idempotency key, in-flight dedup, bounded retry,
// cooperative cancellation) follows §4.5.1; the retry loop itself is
// grounded on a submitter/pinger backoff shape used throughout this
// codebase's telemetry daemons.
package snapshot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/triantos/wealthfolio/internal/syncengine/catalog"
	"github.com/triantos/wealthfolio/internal/syncengine/crypto"
	"github.com/triantos/wealthfolio/internal/syncengine/eventbus"
	"github.com/triantos/wealthfolio/internal/syncengine/relayclient"
	"github.com/triantos/wealthfolio/internal/syncengine/store"
)

var (
	ErrInvalidRequest = errors.New("snapshot: invalid request")
	ErrCancelled      = errors.New("snapshot: cancelled")
)

const (
	maxUploadAttempts  = 5
	uploadBackoffBase  = 250 * time.Millisecond
	uploadBackoffCap   = 8 * time.Second
	magicBytesSQLite   = "SQLite format 3\x00"
)

// DEKResolver derives a data-encryption key for a given key version.
type DEKResolver func(keyVersion int) ([]byte, error)

// Config configures an Engine.
type Config struct {
	Logger        *slog.Logger
	Store         *store.Store
	Relay         *relayclient.Client
	Bus           *eventbus.Bus
	ResolveDEK    DEKResolver
	SchemaVersion int
}

var (
	ErrLoggerRequired = errors.New("snapshot: logger is required")
	ErrStoreRequired  = errors.New("snapshot: store is required")
	ErrRelayRequired  = errors.New("snapshot: relay is required")
	ErrDEKRequired    = errors.New("snapshot: resolve dek func is required")
)

func (c Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Store == nil {
		return ErrStoreRequired
	}
	if c.Relay == nil {
		return ErrRelayRequired
	}
	if c.ResolveDEK == nil {
		return ErrDEKRequired
	}
	if c.SchemaVersion < 1 {
		return fmt.Errorf("snapshot: schema version must be >= 1")
	}
	return nil
}

// Engine is the snapshot engine.
type Engine struct {
	log *slog.Logger
	cfg Config

	inFlightMu sync.Mutex
	inFlight   map[string]struct{} // keyed by "deviceID:eventID"
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg, inFlight: make(map[string]struct{})}, nil
}

func (e *Engine) publish(name string, payload any) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(name, payload)
}

// UploadProgress mirrors §4.7's {stage, progress, message} event
// payload.
type UploadProgress struct {
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// Upload implements the upload path (§4.7): verify trust, export,
// encrypt, and upload with the hardening rules from §4.5.1.
func (e *Engine) Upload(ctx context.Context, deviceID string, keyVersion int, cancel <-chan struct{}) (RequestSnapshotOutcome, error) {
	e.publish("snapshot-upload-progress", UploadProgress{Stage: "start", Progress: 0})

	device, err := e.cfg.Relay.GetDevice(ctx, deviceID)
	if err != nil {
		return RequestSnapshotOutcome{}, fmt.Errorf("snapshot: checking device trust: %w", err)
	}
	if device.TrustState != "trusted" {
		return RequestSnapshotOutcome{}, fmt.Errorf("%w: device is not trusted", ErrInvalidRequest)
	}

	tables := make([]string, 0, len(catalog.All()))
	for _, entry := range catalog.All() {
		tables = append(tables, entry.Table)
	}

	image, err := e.cfg.Store.ExportSnapshotSQLiteImage(ctx, tables)
	if err != nil {
		return RequestSnapshotOutcome{}, fmt.Errorf("snapshot: exporting image: %w", err)
	}
	e.publish("snapshot-upload-progress", UploadProgress{Stage: "exported", Progress: 30})

	if len(image) == 0 {
		return RequestSnapshotOutcome{}, fmt.Errorf("%w: snapshot image is empty", ErrInvalidRequest)
	}

	encoded := base64.StdEncoding.EncodeToString(image)
	dek, err := e.cfg.ResolveDEK(keyVersion)
	if err != nil {
		return RequestSnapshotOutcome{}, fmt.Errorf("snapshot: resolving dek: %w", err)
	}
	ciphertext, err := crypto.Encrypt(dek, encoded)
	if err != nil {
		return RequestSnapshotOutcome{}, fmt.Errorf("snapshot: encrypting image: %w", err)
	}
	ciphertextBytes := []byte(ciphertext)
	checksum := crypto.SHA256Checksum(ciphertextBytes)

	eventID, err := uuid.NewV7()
	if err != nil {
		return RequestSnapshotOutcome{}, fmt.Errorf("snapshot: generating event id: %w", err)
	}

	metaPayload, err := json.Marshal(map[string]any{
		"schemaVersion": e.cfg.SchemaVersion,
		"coversTables":  tables,
		"generatedAt":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return RequestSnapshotOutcome{}, fmt.Errorf("snapshot: marshaling metadata: %w", err)
	}
	encryptedMeta, err := crypto.Encrypt(dek, string(metaPayload))
	if err != nil {
		return RequestSnapshotOutcome{}, fmt.Errorf("snapshot: encrypting metadata: %w", err)
	}

	headers := relayclient.SnapshotUploadHeaders{
		EventID:           eventID.String(),
		SchemaVersion:     e.cfg.SchemaVersion,
		CoversTables:      tables,
		SizeBytes:         int64(len(ciphertextBytes)),
		Checksum:          checksum,
		MetadataPayload:   encryptedMeta,
		PayloadKeyVersion: keyVersion,
	}

	outcome, err := e.uploadWithHardening(ctx, deviceID, headers, ciphertextBytes, cancel)
	if err != nil {
		return RequestSnapshotOutcome{}, err
	}
	return outcome, nil
}

// RequestSnapshotOutcome is returned from a successful or cancelled
// upload.
type RequestSnapshotOutcome struct {
	Cancelled bool
}

// uploadWithHardening implements §4.5.1's validation, idempotency key,
// in-flight dedup, retry policy, and cooperative cancellation.
func (e *Engine) uploadWithHardening(ctx context.Context, deviceID string, headers relayclient.SnapshotUploadHeaders, body []byte, cancel <-chan struct{}) (RequestSnapshotOutcome, error) {
	if headers.SizeBytes != int64(len(body)) {
		return RequestSnapshotOutcome{}, fmt.Errorf("%w: size_bytes does not match payload length", ErrInvalidRequest)
	}
	if !validChecksum(headers.Checksum, body) {
		return RequestSnapshotOutcome{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidRequest)
	}

	key := deviceID + ":" + headers.EventID
	e.inFlightMu.Lock()
	if _, busy := e.inFlight[key]; busy {
		e.inFlightMu.Unlock()
		return RequestSnapshotOutcome{}, fmt.Errorf("%w: already in progress", ErrInvalidRequest)
	}
	e.inFlight[key] = struct{}{}
	e.inFlightMu.Unlock()
	defer func() {
		e.inFlightMu.Lock()
		delete(e.inFlight, key)
		e.inFlightMu.Unlock()
	}()

	e.publish("snapshot-upload-progress", UploadProgress{Stage: "uploading", Progress: 60})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = uploadBackoffBase
	bo.MaxInterval = uploadBackoffCap
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2

	var lastErr error
	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		select {
		case <-cancel:
			e.publish("snapshot-upload-progress", UploadProgress{Stage: "cancelled", Progress: 0})
			return RequestSnapshotOutcome{Cancelled: true}, nil
		default:
		}

		err := e.cfg.Relay.UploadSnapshot(ctx, headers, body)
		if err == nil {
			e.publish("snapshot-upload-progress", UploadProgress{Stage: "complete", Progress: 100})
			return RequestSnapshotOutcome{}, nil
		}
		lastErr = err

		class := relayclient.Classify(err)
		if class != relayclient.ClassRetryable || attempt == maxUploadAttempts {
			break
		}

		wait := bo.NextBackOff()
		select {
		case <-cancel:
			e.publish("snapshot-upload-progress", UploadProgress{Stage: "cancelled", Progress: 0})
			return RequestSnapshotOutcome{Cancelled: true}, nil
		case <-time.After(wait):
		case <-ctx.Done():
			return RequestSnapshotOutcome{}, ctx.Err()
		}
	}
	return RequestSnapshotOutcome{}, fmt.Errorf("snapshot: upload failed after %d attempts: %w", maxUploadAttempts, lastErr)
}

func validChecksum(header string, body []byte) bool {
	want := strings.ToLower(crypto.SHA256Checksum(body))
	return strings.ToLower(header) == want
}

// snapshotIDRegex duplicates relayclient's unexported snapshotIDPattern
// so latestSnapshotWithFallback can check the id GetLatestSnapshot returns.
var snapshotIDRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-8][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)
