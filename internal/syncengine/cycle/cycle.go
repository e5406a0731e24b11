// Package cycle implements one push+pull replication step, with
// the locking, ordering, GC-watermark and retry-classification rules
// of §4.8. The step-numbered algorithm shape and its closed status set
// mirror the explicit-state-machine style of a disbursement engine
// (controlplane/funder/internal/funder/funder.go), adapted from
// a single disbursement decision to a push-then-pull replication step.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/triantos/wealthfolio/internal/syncengine/catalog"
	"github.com/triantos/wealthfolio/internal/syncengine/crypto"
	"github.com/triantos/wealthfolio/internal/syncengine/eventbus"
	"github.com/triantos/wealthfolio/internal/syncengine/relayclient"
	"github.com/triantos/wealthfolio/internal/syncengine/replay"
	"github.com/triantos/wealthfolio/internal/syncengine/store"
)

// Status is one of the closed set of cycle outcomes, per §4.8.
type Status string

const (
	StatusOK                 Status = "ok"
	StatusNotReady           Status = "not_ready"
	StatusConfigError        Status = "config_error"
	StatusStateError         Status = "state_error"
	StatusAuthError          Status = "auth_error"
	StatusCursorError        Status = "cursor_error"
	StatusPushError          Status = "push_error"
	StatusPushPrepareError   Status = "push_prepare_error"
	StatusPullError          Status = "pull_error"
	StatusStaleCursor        Status = "stale_cursor"
	StatusReplayError        Status = "replay_error"
	StatusReplayBlocked      Status = "replay_blocked"
	StatusPreempted          Status = "preempted"
	StatusKeyVersionMismatch Status = "key_version_mismatch"
)

// Result is run_cycle's return value, per §4.8's contract.
type Result struct {
	Status         Status
	LockVersion    int64
	Pushed         int
	Pulled         int
	Cursor         int64
	NeedsBootstrap bool
	// RetryAfter is the scheduler's hint for when to try again; zero
	// means "use the default foreground interval".
	RetryAfter time.Duration
}

// SyncState is the device's overall readiness, a supplemental
// discriminated status not named by the distilled spec (SPEC_FULL §3).
type SyncState string

const (
	StateNotConfigured  SyncState = "not_configured"
	StateNeedsBootstrap SyncState = "needs_bootstrap"
	StateNeedsPairing   SyncState = "needs_pairing"
	StateRevoked        SyncState = "revoked"
	StateReady          SyncState = "ready"
)

// StateProvider is the collaborator the cycle engine asks for
// sync_state in step 3.
type StateProvider interface {
	SyncState(ctx context.Context) (SyncState, error)
}

// Identity is the minimal local sync identity the engine needs to run
// a cycle: which device it is pushing/pulling as.
type Identity struct {
	DeviceID string
}

// IdentityLoader loads the local sync identity, returning an error
// (not a zero value) when no identity has been configured yet — the
// caller maps that into config_error.
type IdentityLoader func() (Identity, error)

// DEKResolver derives a data-encryption key for a given key version.
type DEKResolver func(keyVersion int) ([]byte, error)

const (
	pushBatchSize = 500
	pullBatchSize = 500

	reauthRetry          = 30 * time.Second
	replayBlockedRetry   = 6 * time.Hour
	replayErrorRetry     = 30 * time.Second
	pruneCursorThreshold = 20_000
	pruneRetainWindow    = 10_000
)

var (
	ErrLoggerRequired       = errors.New("cycle: logger is required")
	ErrStoreRequired        = errors.New("cycle: store is required")
	ErrRelayRequired        = errors.New("cycle: relay is required")
	ErrReplayRequired       = errors.New("cycle: replay applier is required")
	ErrStateRequired        = errors.New("cycle: state provider is required")
	ErrIdentityLoaderMissing = errors.New("cycle: identity loader is required")
	ErrDEKRequired          = errors.New("cycle: resolve dek func is required")
)

// Config configures an Engine.
type Config struct {
	Logger       *slog.Logger
	Store        *store.Store
	Relay        *relayclient.Client
	Replay       *replay.Applier
	State        StateProvider
	LoadIdentity IdentityLoader
	ResolveDEK   DEKResolver
	Bus          *eventbus.Bus
}

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
	if c.Replay == nil {
		return ErrReplayRequired
	}
	if c.State == nil {
		return ErrStateRequired
	}
	if c.LoadIdentity == nil {
		return ErrIdentityLoaderMissing
	}
	if c.ResolveDEK == nil {
		return ErrDEKRequired
	}
	return nil
}

// Engine is the cycle engine. One instance per device process.
type Engine struct {
	log *slog.Logger
	cfg Config

	// cycleMu is the process-local cycle_mutex from §5, guaranteeing no
	// two cycles overlap within this process.
	cycleMu sync.Mutex
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

func (e *Engine) publish(name string, payload any) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(name, payload)
}

// Run executes one full cycle per the §4.8 algorithm.
func (e *Engine) Run(ctx context.Context) Result {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	e.publish("broker-sync-start", map[string]any{})

	result := e.run(ctx)

	durationMs := time.Since(start).Milliseconds()
	var nextRetryAt *time.Time
	if result.RetryAfter > 0 {
		t := time.Now().Add(result.RetryAfter)
		nextRetryAt = &t
	}
	if err := e.cfg.Store.MarkCycleOutcome(ctx, string(result.Status), durationMs, nextRetryAt); err != nil {
		e.log.Error("cycle: failed to record cycle outcome", "error", err)
	}

	if result.Status == StatusOK {
		e.publish("broker-sync-complete", map[string]any{"pushed": result.Pushed, "pulled": result.Pulled})
	} else {
		e.publish("broker-sync-error", map[string]any{"status": string(result.Status)})
	}
	return result
}

func (e *Engine) run(ctx context.Context) Result {
	// Step 2: local sync identity.
	identity, err := e.cfg.LoadIdentity()
	if err != nil {
		e.log.Warn("cycle: no local sync identity configured", "error", err)
		return Result{Status: StatusConfigError}
	}

	// Step 3: readiness.
	state, err := e.cfg.State.SyncState(ctx)
	if err != nil {
		if mErr := e.cfg.Store.MarkEngineError(ctx, err.Error()); mErr != nil {
			e.log.Error("cycle: failed to record engine error", "error", mErr)
		}
		return Result{Status: StatusStateError}
	}
	if state != StateReady {
		return Result{Status: StatusNotReady, NeedsBootstrap: state == StateNeedsBootstrap}
	}

	// Step 4: cycle lock and local cursor.
	lockVersion, err := e.cfg.Store.AcquireCycleLock(ctx)
	if err != nil {
		return e.fail(ctx, StatusCursorError, err, 0)
	}
	localCursor, err := e.cfg.Store.GetCursor(ctx)
	if err != nil {
		return e.fail(ctx, StatusCursorError, err, 0)
	}

	// Step 5: GC watermark check.
	remoteCursor, err := e.cfg.Relay.GetEventsCursor(ctx)
	if err != nil {
		return e.classifyTransportFailure(ctx, StatusCursorError, err, lockVersion)
	}
	if remoteCursor.GCWatermark != nil && localCursor < *remoteCursor.GCWatermark {
		return Result{Status: StatusStaleCursor, LockVersion: lockVersion, Cursor: localCursor, NeedsBootstrap: true}
	}

	result := Result{LockVersion: lockVersion, Cursor: localCursor}

	// Step 6: push phase.
	pushOutcome := e.pushPhase(ctx, lockVersion, identity.DeviceID)
	if pushOutcome.Status != StatusOK {
		pushOutcome.Cursor = localCursor
		return pushOutcome
	}
	result.Pushed = pushOutcome.Pushed

	// Step 7: lock check.
	if err := e.cfg.Store.VerifyCycleLock(ctx, lockVersion); err != nil {
		if errors.Is(err, store.ErrLockLost) {
			result.Status = StatusPreempted
			return result
		}
		return e.fail(ctx, StatusCursorError, err, lockVersion)
	}

	// Step 8: pull phase.
	pullOutcome := e.pullPhase(ctx, lockVersion, localCursor, remoteCursor.Cursor, identity.DeviceID)
	result.Pulled = pullOutcome.Pulled
	result.Cursor = pullOutcome.Cursor
	if pullOutcome.Status != StatusOK {
		pullOutcome.Pushed = result.Pushed
		return pullOutcome
	}

	// Step 9: periodic GC of the applied-event log.
	if result.Cursor > pruneCursorThreshold {
		if err := e.cfg.Store.PruneAppliedEventsUpToSeq(ctx, result.Cursor-pruneRetainWindow); err != nil {
			e.log.Warn("cycle: failed to prune applied-event log", "error", err)
		}
	}

	// Step 10.
	result.Status = StatusOK
	e.log.Debug("cycle: completed", "device_id", identity.DeviceID, "pushed", result.Pushed, "pulled", result.Pulled, "cursor", result.Cursor)
	return result
}

func (e *Engine) fail(ctx context.Context, status Status, err error, lockVersion int64) Result {
	if mErr := e.cfg.Store.MarkEngineError(ctx, err.Error()); mErr != nil {
		e.log.Error("cycle: failed to record engine error", "error", mErr)
	}
	e.log.Warn("cycle: failed", "status", status, "error", err)
	return Result{Status: status, LockVersion: lockVersion}
}

// classifyTransportFailure maps a relay call failure that isn't part of
// the push/pull retry taxonomy (e.g. the cursor fetch in step 5) onto
// the closed status set, with a reauth-aware retry hint.
func (e *Engine) classifyTransportFailure(ctx context.Context, base Status, err error, lockVersion int64) Result {
	res := e.fail(ctx, base, err, lockVersion)
	if relayclient.Classify(err) == relayclient.ClassReauthRequired {
		res.Status = StatusAuthError
		res.RetryAfter = reauthRetry
	}
	return res
}

// pushPhase implements step 6.
func (e *Engine) pushPhase(ctx context.Context, lockVersion int64, deviceID string) Result {
	pending, err := e.cfg.Store.ListPending(ctx, pushBatchSize)
	if err != nil {
		return e.fail(ctx, StatusPushPrepareError, err, lockVersion)
	}
	if len(pending) == 0 {
		return Result{Status: StatusOK, LockVersion: lockVersion}
	}

	pushEvents, ids, maxRetryCount, err := e.encryptBatch(ctx, pending, deviceID)
	if err != nil {
		return e.fail(ctx, StatusPushPrepareError, err, lockVersion)
	}

	pushResult, err := e.cfg.Relay.PushEvents(ctx, pushEvents)
	if err != nil {
		return e.handlePushFailure(ctx, ids, maxRetryCount, err, lockVersion)
	}

	sentIDs := make([]string, 0, len(pushResult.Accepted)+len(pushResult.Duplicate))
	for _, a := range pushResult.Accepted {
		sentIDs = append(sentIDs, a.EventID)
	}
	for _, d := range pushResult.Duplicate {
		sentIDs = append(sentIDs, d.EventID)
	}
	if err := e.cfg.Store.MarkSent(ctx, sentIDs); err != nil {
		return e.fail(ctx, StatusPushError, err, lockVersion)
	}
	if err := e.cfg.Store.MarkPushCompleted(ctx); err != nil {
		e.log.Warn("cycle: failed to record last_push_at", "error", err)
	}
	return Result{Status: StatusOK, LockVersion: lockVersion, Pushed: len(sentIDs)}
}

// encryptBatch encrypts each pending event's payload under its own
// payload_key_version concurrently, using errgroup to parallelize
// independent per-item work.
func (e *Engine) encryptBatch(ctx context.Context, pending []store.OutboxEvent, deviceID string) ([]relayclient.PushEvent, []string, int, error) {
	events := make([]relayclient.PushEvent, len(pending))
	ids := make([]string, len(pending))
	maxRetryCount := 0

	g, gctx := errgroup.WithContext(ctx)
	for i, ev := range pending {
		i, ev := i, ev
		ids[i] = ev.EventID
		if ev.RetryCount > maxRetryCount {
			maxRetryCount = ev.RetryCount
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			dek, err := e.cfg.ResolveDEK(ev.PayloadKeyVersion)
			if err != nil {
				return fmt.Errorf("cycle: resolving dek for event %s: %w", ev.EventID, err)
			}
			ciphertext, err := crypto.Encrypt(dek, ev.Payload)
			if err != nil {
				return fmt.Errorf("cycle: encrypting event %s: %w", ev.EventID, err)
			}
			events[i] = relayclient.PushEvent{
				EventID:           ev.EventID,
				DeviceID:          deviceID,
				EventType:         catalog.EventType(ev.Entity, catalog.Op(ev.Op)),
				Entity:            ev.Entity,
				EntityID:          ev.EntityID,
				ClientTimestamp:   ev.ClientTimestamp.UTC().Format(time.RFC3339Nano),
				Payload:           ciphertext,
				PayloadKeyVersion: ev.PayloadKeyVersion,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, 0, err
	}
	return events, ids, maxRetryCount, nil
}

func (e *Engine) handlePushFailure(ctx context.Context, ids []string, maxRetryCount int, err error, lockVersion int64) Result {
	if relayclient.IsKeyVersionMismatch(err) {
		if mErr := e.cfg.Store.MarkDead(ctx, ids, err.Error(), "key_version_mismatch"); mErr != nil {
			e.log.Error("cycle: failed to mark events dead on key version mismatch", "error", mErr)
		}
		return Result{Status: StatusKeyVersionMismatch, LockVersion: lockVersion}
	}

	switch relayclient.Classify(err) {
	case relayclient.ClassReauthRequired:
		if sErr := e.cfg.Store.ScheduleRetry(ctx, ids, int(reauthRetry.Seconds()), err.Error(), "auth_error"); sErr != nil {
			e.log.Error("cycle: failed to schedule retry on reauth", "error", sErr)
		}
		return Result{Status: StatusAuthError, LockVersion: lockVersion, RetryAfter: reauthRetry}
	case relayclient.ClassRetryable:
		backoffSecs := relayclient.BackoffSecs(maxRetryCount)
		if sErr := e.cfg.Store.ScheduleRetry(ctx, ids, backoffSecs, err.Error(), "retryable"); sErr != nil {
			e.log.Error("cycle: failed to schedule retry", "error", sErr)
		}
		return Result{Status: StatusPushError, LockVersion: lockVersion, RetryAfter: time.Duration(backoffSecs) * time.Second}
	default:
		if mErr := e.cfg.Store.MarkDead(ctx, ids, err.Error(), "permanent"); mErr != nil {
			e.log.Error("cycle: failed to mark events dead", "error", mErr)
		}
		return Result{Status: StatusPushError, LockVersion: lockVersion}
	}
}

// pullPhase implements step 8.
func (e *Engine) pullPhase(ctx context.Context, lockVersion, localCursor, remoteCursor int64, selfDeviceID string) Result {
	cursor := localCursor
	pulled := 0

	if remoteCursor <= localCursor {
		return Result{Status: StatusOK, LockVersion: lockVersion, Cursor: cursor}
	}

	for {
		pr, err := e.cfg.Relay.PullEvents(ctx, cursor, pullBatchSize)
		if err != nil {
			if relayclient.IsStaleCursor(err) {
				return Result{Status: StatusStaleCursor, LockVersion: lockVersion, Cursor: cursor, NeedsBootstrap: true}
			}
			res := e.fail(ctx, StatusPullError, err, lockVersion)
			res.Cursor = cursor
			res.Pulled = pulled
			if relayclient.Classify(err) == relayclient.ClassReauthRequired {
				res.Status = StatusAuthError
				res.RetryAfter = reauthRetry
			}
			return res
		}

		toApply := make([]store.RemoteEvent, 0, len(pr.Events))
		for _, pe := range pr.Events {
			if pe.DeviceID == selfDeviceID {
				continue
			}
			if pe.Entity == "snapshot" {
				continue
			}
			if _, _, perr := catalog.ParseEventType(pe.EventType); perr != nil {
				return Result{
					Status:      StatusReplayBlocked,
					LockVersion: lockVersion,
					Cursor:      cursor,
					Pulled:      pulled,
					RetryAfter:  replayBlockedRetry,
				}
			}
			clientTS, tsErr := time.Parse(time.RFC3339Nano, pe.ClientTimestamp)
			if tsErr != nil {
				return Result{
					Status:      StatusReplayError,
					LockVersion: lockVersion,
					Cursor:      cursor,
					Pulled:      pulled,
					RetryAfter:  replayErrorRetry,
				}
			}
			toApply = append(toApply, store.RemoteEvent{
				EventID:           pe.EventID,
				Seq:               pe.Seq,
				DeviceID:          pe.DeviceID,
				EventType:         pe.EventType,
				Entity:            pe.Entity,
				EntityID:          pe.EntityID,
				ClientTimestamp:   clientTS,
				Payload:           pe.Payload,
				PayloadKeyVersion: pe.PayloadKeyVersion,
			})
		}

		decrypted, derr := e.decryptEvents(toApply)
		if derr != nil {
			return Result{
				Status:      StatusReplayError,
				LockVersion: lockVersion,
				Cursor:      cursor,
				Pulled:      pulled,
				RetryAfter:  replayErrorRetry,
			}
		}

		if _, err := e.cfg.Replay.ApplyBatch(ctx, decrypted); err != nil {
			return Result{
				Status:      StatusReplayError,
				LockVersion: lockVersion,
				Cursor:      cursor,
				Pulled:      pulled,
				RetryAfter:  replayErrorRetry,
			}
		}
		pulled += len(decrypted)

		cursor = pr.NextCursor
		if err := e.cfg.Store.SetCursor(ctx, cursor); err != nil {
			res := e.fail(ctx, StatusCursorError, err, lockVersion)
			res.Cursor = cursor
			res.Pulled = pulled
			return res
		}

		if !pr.HasMore {
			break
		}
	}

	if err := e.cfg.Store.MarkPullCompleted(ctx); err != nil {
		e.log.Warn("cycle: failed to record last_pull_at", "error", err)
	}
	return Result{Status: StatusOK, LockVersion: lockVersion, Cursor: cursor, Pulled: pulled}
}

// decryptEvents decrypts each remote event's payload in place, using
// the event's own payload_key_version. store.RemoteEvent's Payload
// field carries the plaintext after this step, and ClientTimestamp is
// already a time.Time so store.ApplyRemoteEventsLWWBatch need not
// reparse the wire string.
func (e *Engine) decryptEvents(events []store.RemoteEvent) ([]store.RemoteEvent, error) {
	out := make([]store.RemoteEvent, len(events))
	for i, ev := range events {
		dek, err := e.cfg.ResolveDEK(ev.PayloadKeyVersion)
		if err != nil {
			return nil, fmt.Errorf("cycle: resolving dek for event %s: %w", ev.EventID, err)
		}
		plaintext, err := crypto.Decrypt(dek, ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("cycle: decrypting event %s: %w", ev.EventID, err)
		}
		ev.Payload = plaintext
		out[i] = ev
	}
	return out, nil
}
