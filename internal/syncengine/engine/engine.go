package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/triantos/wealthfolio/internal/secretstore"
	"github.com/triantos/wealthfolio/internal/syncengine/cycle"
	"github.com/triantos/wealthfolio/internal/syncengine/eventbus"
	"github.com/triantos/wealthfolio/internal/syncengine/outbox"
	"github.com/triantos/wealthfolio/internal/syncengine/relayclient"
	"github.com/triantos/wealthfolio/internal/syncengine/replay"
	"github.com/triantos/wealthfolio/internal/syncengine/scheduler"
	"github.com/triantos/wealthfolio/internal/syncengine/snapshot"
	"github.com/triantos/wealthfolio/internal/syncengine/store"
)

var (
	ErrLoggerRequired      = errors.New("engine: logger is required")
	ErrStoreRequired       = errors.New("engine: store is required")
	ErrSecretsRequired     = errors.New("engine: secret store is required")
	ErrTokenSourceRequired = errors.New("engine: token source is required")
	ErrRelayURLRequired    = errors.New("engine: relay base url is required")
)

// Config wires every collaborator the Engine needs. Callers typically
// build TokenSource from their own OAuth/auth-provider client against
// CONNECT_AUTH_URL; the engine itself is agnostic to how tokens are
// minted, only that one can always be fetched.
type Config struct {
	Logger        *slog.Logger
	Store         *store.Store
	Secrets       secretstore.Store
	RelayBaseURL  string
	TokenSource   func(ctx context.Context) (string, error)
	SchemaVersion int
	Clock         clockwork.Clock // defaults to clockwork.NewRealClock()
}

func (c Config) Validate() error {
	if c.Logger == nil {
		return ErrLoggerRequired
	}
	if c.Store == nil {
		return ErrStoreRequired
	}
	if c.Secrets == nil {
		return ErrSecretsRequired
	}
	if c.TokenSource == nil {
		return ErrTokenSourceRequired
	}
	if c.RelayBaseURL == "" {
		return ErrRelayURLRequired
	}
	return nil
}

// Engine is the composition root: one instance wires the local store,
// outbox writer, replay applier, relay client, snapshot engine, cycle
// engine, background scheduler, and event bus for a single device
// process.
type Engine struct {
	log     *slog.Logger
	cfg     Config
	secrets secretstore.Store

	Store     *store.Store
	Outbox    *outbox.Writer
	Replay    *replay.Applier
	Relay     *relayclient.Client
	Snapshot  *snapshot.Engine
	Cycle     *cycle.Engine
	Scheduler *scheduler.Scheduler
	Bus       *eventbus.Bus
}

// New builds an Engine. The device identity is loaded lazily on each
// SyncState/cycle call rather than cached at construction time, so a
// pairing or team-reset completed mid-process is picked up on the very
// next cycle without restarting the engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	e := &Engine{log: cfg.Logger, cfg: cfg, secrets: cfg.Secrets, Store: cfg.Store}

	e.Bus = eventbus.New(cfg.Logger)

	deviceID, err := e.currentDeviceID()
	if err != nil {
		deviceID = ""
	}
	e.Relay = relayclient.New(cfg.RelayBaseURL, deviceID, cfg.TokenSource)

	e.Outbox, err = outbox.New(outbox.Config{Store: cfg.Store})
	if err != nil {
		return nil, fmt.Errorf("engine: building outbox writer: %w", err)
	}

	e.Replay = replay.New(cfg.Store, e.resolveDEK)

	e.Snapshot, err = snapshot.New(snapshot.Config{
		Logger:        cfg.Logger,
		Store:         cfg.Store,
		Relay:         e.Relay,
		Bus:           e.Bus,
		ResolveDEK:    e.resolveDEK,
		SchemaVersion: cfg.SchemaVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: building snapshot engine: %w", err)
	}

	e.Cycle, err = cycle.New(cycle.Config{
		Logger:       cfg.Logger,
		Store:        cfg.Store,
		Relay:        e.Relay,
		Replay:       e.Replay,
		State:        e,
		LoadIdentity: e.loadCycleIdentity,
		ResolveDEK:   e.resolveDEK,
		Bus:          e.Bus,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: building cycle engine: %w", err)
	}

	e.Scheduler, err = scheduler.New(scheduler.Config{
		Logger:           cfg.Logger,
		Cycle:            e.Cycle,
		Clock:            cfg.Clock,
		OutboxHasPending: e.outboxHasPending,
		EvaluateSnapshot: e.evaluateSnapshotPolicy,
		Bootstrap:        e.runBootstrap,
		IsRevoked:        e.isRevoked,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: building scheduler: %w", err)
	}

	return e, nil
}

func (e *Engine) currentDeviceID() (string, error) {
	id, err := LoadIdentity(e.secrets)
	if err != nil {
		return "", err
	}
	return id.DeviceID, nil
}

func (e *Engine) loadCycleIdentity() (cycle.Identity, error) {
	id, err := LoadIdentity(e.secrets)
	if err != nil {
		return cycle.Identity{}, err
	}
	return cycle.Identity{DeviceID: id.DeviceID}, nil
}

func (e *Engine) resolveDEK(keyVersion int) ([]byte, error) {
	id, err := LoadIdentity(e.secrets)
	if err != nil {
		return nil, err
	}
	return ResolveDEK(id)(keyVersion)
}

// SyncState implements cycle.StateProvider: it derives the device's
// discriminated readiness from local identity and device-config state,
// per SPEC_FULL §3's supplement to the distilled spec.
func (e *Engine) SyncState(ctx context.Context) (cycle.SyncState, error) {
	id, err := LoadIdentity(e.secrets)
	if err != nil {
		if errors.Is(err, ErrIdentityNotConfigured) {
			return cycle.StateNotConfigured, nil
		}
		return "", err
	}
	if len(id.RootKey) == 0 {
		return cycle.StateNeedsPairing, nil
	}

	needsBootstrap, err := e.cfg.Store.NeedsBootstrap(ctx, id.DeviceID)
	if err != nil {
		return "", fmt.Errorf("engine: checking bootstrap state: %w", err)
	}
	if needsBootstrap {
		return cycle.StateNeedsBootstrap, nil
	}

	dc, err := e.cfg.Store.GetDeviceConfig(ctx, id.DeviceID)
	if err != nil {
		return "", fmt.Errorf("engine: checking device trust state: %w", err)
	}
	if dc.TrustState == store.TrustRevoked {
		return cycle.StateRevoked, nil
	}

	return cycle.StateReady, nil
}

func (e *Engine) outboxHasPending(ctx context.Context) (bool, error) {
	pending, err := e.cfg.Store.ListPending(ctx, 1)
	if err != nil {
		return false, err
	}
	return len(pending) > 0, nil
}

func (e *Engine) isRevoked() (bool, error) {
	id, err := LoadIdentity(e.secrets)
	if err != nil {
		if errors.Is(err, ErrIdentityNotConfigured) {
			return false, nil
		}
		return false, err
	}
	return id.DeviceID != "" && len(id.RootKey) == 0 && id.KeyVersion > 0, nil
}

// evaluateSnapshotPolicy implements §4.7's regeneration policy: upload
// a fresh snapshot when at least SnapshotEventThreshold events have
// been applied since the device's last bootstrap, or when
// SnapshotInterval has elapsed since the last successful upload.
// Failures here are logged, never surfaced as a cycle failure.
func (e *Engine) evaluateSnapshotPolicy(ctx context.Context, result cycle.Result) error {
	id, err := LoadIdentity(e.secrets)
	if err != nil {
		return err
	}
	if len(id.RootKey) == 0 {
		return nil
	}

	if !e.snapshotDue(ctx, result) {
		return nil
	}

	outcome, err := e.Snapshot.Upload(ctx, id.DeviceID, id.KeyVersion, nil)
	if err != nil {
		return fmt.Errorf("engine: snapshot upload: %w", err)
	}
	if outcome.Cancelled {
		e.log.Debug("engine: snapshot upload cancelled")
		return nil
	}
	e.log.Info("engine: snapshot upload completed")
	return nil
}

// runBootstrap reacts to a cycle result that reports NeedsBootstrap,
// restoring the device from the team's latest snapshot. A
// StatusStaleCursor result means the device was bootstrapped once but
// has since fallen behind the relay's GC watermark, so the one-time
// bootstrap flag has to be cleared before Snapshot.Bootstrap will
// treat it as needing a fresh restore.
func (e *Engine) runBootstrap(ctx context.Context, result cycle.Result) error {
	id, err := LoadIdentity(e.secrets)
	if err != nil {
		if errors.Is(err, ErrIdentityNotConfigured) {
			return nil
		}
		return err
	}
	if len(id.RootKey) == 0 {
		return nil
	}

	if result.Status == cycle.StatusStaleCursor {
		if err := e.cfg.Store.ClearBootstrapState(ctx, id.DeviceID); err != nil {
			return fmt.Errorf("engine: clearing bootstrap state: %w", err)
		}
	}

	outcome, err := e.Snapshot.Bootstrap(ctx, id.DeviceID, true, nil)
	if err != nil {
		return fmt.Errorf("engine: snapshot bootstrap: %w", err)
	}
	if outcome.Skipped {
		e.log.Debug("engine: bootstrap skipped, no snapshot available yet")
		return nil
	}
	e.log.Info("engine: bootstrap completed", "cursor", outcome.Cursor)
	return nil
}

func (e *Engine) snapshotDue(ctx context.Context, result cycle.Result) bool {
	es, err := e.cfg.Store.GetEngineState(ctx)
	if err != nil {
		e.log.Warn("engine: failed to read engine state for snapshot policy", "error", err)
		return false
	}
	if es.LastPushAt == nil && es.LastPullAt == nil {
		return true
	}
	if result.Cursor >= int64(scheduler.DefaultSnapshotEventThreshold) {
		return true
	}
	lastUpload := es.LastPushAt
	if es.LastPullAt != nil && (lastUpload == nil || es.LastPullAt.After(*lastUpload)) {
		lastUpload = es.LastPullAt
	}
	if lastUpload == nil {
		return true
	}
	return e.cfg.Clock.Since(*lastUpload) >= scheduler.DefaultSnapshotInterval
}
