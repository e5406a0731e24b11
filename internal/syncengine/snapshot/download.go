package snapshot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/triantos/wealthfolio/internal/syncengine/catalog"
	"github.com/triantos/wealthfolio/internal/syncengine/crypto"
)

// ErrSchemaTooNew is returned when the remote snapshot's schema version
// exceeds what this build understands (§4.7 step 3).
var ErrSchemaTooNew = errors.New("snapshot: remote schema version is newer than local build")

// ErrBadMagic is returned when a decrypted, decoded image doesn't start
// with the expected SQLite magic bytes (§4.7 step 5).
var ErrBadMagic = errors.New("snapshot: decoded image is not a recognizable database")

// BootstrapOutcome reports what Bootstrap did.
type BootstrapOutcome struct {
	Skipped   bool
	Cancelled bool
	Cursor    int64
}

// DownloadProgress mirrors UploadProgress for the download/restore
// side of §4.7.
type DownloadProgress struct {
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

func (e *Engine) publishDownloadProgress(stage string, progress int) {
	e.publish("snapshot-download-progress", DownloadProgress{Stage: stage, Progress: progress})
}

func cancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// Bootstrap implements the download/bootstrap path (§4.7): it is a
// no-op unless the device needs bootstrap and is otherwise Ready.
// cancel is checked cooperatively between steps, mirroring Upload's
// cancellation pattern, since a restore involves a large download and
// decrypt that a caller may want to abandon (e.g. user navigates away
// from a pairing/bootstrap screen).
func (e *Engine) Bootstrap(ctx context.Context, deviceID string, ready bool, cancel <-chan struct{}) (BootstrapOutcome, error) {
	needs, err := e.cfg.Store.NeedsBootstrap(ctx, deviceID)
	if err != nil {
		return BootstrapOutcome{}, fmt.Errorf("snapshot: checking bootstrap need: %w", err)
	}
	if !needs || !ready {
		return BootstrapOutcome{Skipped: true}, nil
	}

	e.publishDownloadProgress("start", 0)

	if cancelled(cancel) {
		e.publishDownloadProgress("cancelled", 0)
		return BootstrapOutcome{Cancelled: true}, nil
	}

	meta, err := e.latestSnapshotWithFallback(ctx)
	if err != nil {
		if errors.Is(err, errNoSnapshot) {
			if markErr := e.cfg.Store.MarkBootstrapComplete(ctx, deviceID, nil); markErr != nil {
				return BootstrapOutcome{}, markErr
			}
			return BootstrapOutcome{Skipped: true}, nil
		}
		return BootstrapOutcome{}, err
	}

	if meta.SchemaVersion > e.cfg.SchemaVersion {
		return BootstrapOutcome{}, fmt.Errorf("%w: remote=%d local=%d", ErrSchemaTooNew, meta.SchemaVersion, e.cfg.SchemaVersion)
	}

	if cancelled(cancel) {
		e.publishDownloadProgress("cancelled", 10)
		return BootstrapOutcome{Cancelled: true}, nil
	}

	downloaded, err := e.cfg.Relay.DownloadSnapshot(ctx, meta.SnapshotID)
	if err != nil {
		return BootstrapOutcome{}, fmt.Errorf("snapshot: downloading: %w", err)
	}
	e.publishDownloadProgress("downloaded", 40)

	// meta.Checksum is empty when latestSnapshotWithFallback had to fall
	// back to the cursor-embedded pointer, which carries no checksum.
	if meta.Checksum != "" && !strings.EqualFold(downloaded.Checksum, meta.Checksum) {
		return BootstrapOutcome{}, fmt.Errorf("%w: download header checksum does not match latest-metadata checksum", ErrInvalidRequest)
	}
	if !validChecksum(downloaded.Checksum, downloaded.Body) {
		return BootstrapOutcome{}, fmt.Errorf("%w: checksum does not match downloaded body", ErrInvalidRequest)
	}

	if cancelled(cancel) {
		e.publishDownloadProgress("cancelled", 40)
		return BootstrapOutcome{Cancelled: true}, nil
	}

	dek, err := e.cfg.ResolveDEK(meta.oplogKeyVersion())
	if err != nil {
		return BootstrapOutcome{}, fmt.Errorf("snapshot: resolving dek: %w", err)
	}
	decoded, err := crypto.Decrypt(dek, string(downloaded.Body))
	if err != nil {
		return BootstrapOutcome{}, fmt.Errorf("snapshot: decrypting image: %w", err)
	}
	imageBytes, err := base64.StdEncoding.DecodeString(decoded)
	if err != nil {
		return BootstrapOutcome{}, fmt.Errorf("snapshot: base64-decoding image: %w", err)
	}
	if !hasSQLiteMagic(imageBytes) {
		return BootstrapOutcome{}, ErrBadMagic
	}
	e.publishDownloadProgress("decrypted", 70)

	if cancelled(cancel) {
		e.publishDownloadProgress("cancelled", 70)
		return BootstrapOutcome{Cancelled: true}, nil
	}

	tmpFile, err := os.CreateTemp("", "wf-sync-restore-*.db")
	if err != nil {
		return BootstrapOutcome{}, fmt.Errorf("snapshot: creating restore temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)
	if _, err := tmpFile.Write(imageBytes); err != nil {
		tmpFile.Close()
		return BootstrapOutcome{}, fmt.Errorf("snapshot: writing restore image: %w", err)
	}
	tmpFile.Close()

	covers := intersectWithSyncable(downloaded.CoversTables)
	kv := meta.oplogKeyVersion()
	if err := e.cfg.Store.RestoreSnapshotTablesFromFile(ctx, tmpPath, covers, meta.OplogSeq, deviceID, &kv); err != nil {
		return BootstrapOutcome{}, fmt.Errorf("snapshot: restoring tables: %w", err)
	}
	e.publishDownloadProgress("restored", 90)

	if err := e.cfg.Store.MarkBootstrapComplete(ctx, deviceID, &kv); err != nil {
		return BootstrapOutcome{}, err
	}

	e.publishDownloadProgress("complete", 100)
	e.publish("sync-progress", map[string]any{"stage": "bootstrap-complete", "cursor": meta.OplogSeq})

	return BootstrapOutcome{Cursor: meta.OplogSeq}, nil
}

var errNoSnapshot = errors.New("snapshot: no snapshot available")

// snapshotMeta unifies the get_latest_snapshot response shape with the
// cursor-embedded fallback pointer (§4.5.1's relay-bug fallback).
type snapshotMeta struct {
	SnapshotID    string
	SchemaVersion int
	OplogSeq      int64
	Checksum      string
	KeyVersion    int
}

func (m snapshotMeta) oplogKeyVersion() int {
	if m.KeyVersion < 1 {
		return 1
	}
	return m.KeyVersion
}

// latestSnapshotWithFallback implements §4.5.1's relay-bug fallback:
// when get_latest_snapshot returns a malformed snapshot_id, fall back
// to the pointer embedded in the cursor response.
func (e *Engine) latestSnapshotWithFallback(ctx context.Context) (snapshotMeta, error) {
	latest, err := e.cfg.Relay.GetLatestSnapshot(ctx)
	if err == nil && snapshotIDRegex.MatchString(latest.SnapshotID) {
		return snapshotMeta{
			SnapshotID:    latest.SnapshotID,
			SchemaVersion: latest.SchemaVersion,
			OplogSeq:      latest.OplogSeq,
			Checksum:      latest.Checksum,
			KeyVersion:    latest.KeyVersion,
		}, nil
	}

	cursor, cerr := e.cfg.Relay.GetEventsCursor(ctx)
	if cerr != nil {
		if err != nil {
			return snapshotMeta{}, err
		}
		return snapshotMeta{}, cerr
	}
	if cursor.LatestSnapshot == nil {
		return snapshotMeta{}, errNoSnapshot
	}
	return snapshotMeta{
		SnapshotID:    cursor.LatestSnapshot.SnapshotID,
		SchemaVersion: cursor.LatestSnapshot.SchemaVersion,
		OplogSeq:      cursor.LatestSnapshot.OplogSeq,
		KeyVersion:    cursor.LatestSnapshot.KeyVersion,
	}, nil
}

func hasSQLiteMagic(b []byte) bool {
	return len(b) >= len(magicBytesSQLite) && string(b[:len(magicBytesSQLite)]) == magicBytesSQLite
}

// intersectWithSyncable drops any table a remote snapshot claims to
// cover that isn't in our own catalog, so a newer peer's extra tables
// never reach RestoreSnapshotTablesFromFile.
func intersectWithSyncable(tables []string) []string {
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if _, err := catalog.LookupTable(t); err == nil {
			out = append(out, t)
		}
	}
	return out
}
