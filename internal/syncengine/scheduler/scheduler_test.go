package scheduler_test

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/triantos/wealthfolio/internal/syncengine/cycle"
	"github.com/triantos/wealthfolio/internal/syncengine/relayclient"
	"github.com/triantos/wealthfolio/internal/syncengine/replay"
	"github.com/triantos/wealthfolio/internal/syncengine/scheduler"
	"github.com/triantos/wealthfolio/internal/syncengine/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedDEK(t *testing.T) func(int) ([]byte, error) {
	t.Helper()
	dek := make([]byte, 32)
	_, err := rand.Read(dek)
	require.NoError(t, err)
	return func(int) ([]byte, error) { return dek, nil }
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), discardLogger(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fixedState struct{ state cycle.SyncState }

func (f fixedState) SyncState(context.Context) (cycle.SyncState, error) { return f.state, nil }

func neverPending(context.Context) (bool, error) { return false, nil }
func neverRevoked() (bool, error)                { return false, nil }

// TestLoop_StopsAfterConsecutiveNotReady verifies the ≥5-consecutive
// not_ready stop condition (§4.9): the loop must exit on its own
// without EnsureStopped ever being called.
func TestLoop_StopsAfterConsecutiveNotReady(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	resolveDEK := fixedDEK(t)
	relay := relayclient.New("http://unused.invalid", "dev-1", func(context.Context) (string, error) { return "tok", nil })
	applier := replay.New(st, resolveDEK)

	eng, err := cycle.New(cycle.Config{
		Logger:       discardLogger(),
		Store:        st,
		Relay:        relay,
		Replay:       applier,
		State:        fixedState{state: cycle.StateNeedsPairing},
		LoadIdentity: func() (cycle.Identity, error) { return cycle.Identity{DeviceID: "dev-1"}, nil },
		ResolveDEK:   resolveDEK,
	})
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	sched, err := scheduler.New(scheduler.Config{
		Logger:           discardLogger(),
		Cycle:            eng,
		Clock:            clock,
		OutboxHasPending: neverPending,
		IsRevoked:        neverRevoked,
	})
	require.NoError(t, err)

	sched.EnsureStarted(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for sched.Running() && time.Now().Before(deadline) {
		clock.BlockUntil(1)
		clock.Advance(scheduler.DefaultForegroundInterval + scheduler.DefaultIntervalJitter)
		time.Sleep(10 * time.Millisecond)
	}

	require.False(t, sched.Running(), "loop should self-stop after consecutive not_ready cycles")
}

// TestLoop_StopsOnRevocation verifies the revoked-device stop
// condition (§4.9).
func TestLoop_StopsOnRevocation(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	resolveDEK := fixedDEK(t)
	relay := relayclient.New("http://unused.invalid", "dev-1", func(context.Context) (string, error) { return "tok", nil })
	applier := replay.New(st, resolveDEK)

	eng, err := cycle.New(cycle.Config{
		Logger:       discardLogger(),
		Store:        st,
		Relay:        relay,
		Replay:       applier,
		State:        fixedState{state: cycle.StateNeedsPairing},
		LoadIdentity: func() (cycle.Identity, error) { return cycle.Identity{DeviceID: "dev-1"}, nil },
		ResolveDEK:   resolveDEK,
	})
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	sched, err := scheduler.New(scheduler.Config{
		Logger:           discardLogger(),
		Cycle:            eng,
		Clock:            clock,
		OutboxHasPending: neverPending,
		IsRevoked:        func() (bool, error) { return true, nil },
	})
	require.NoError(t, err)

	sched.EnsureStarted(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for sched.Running() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	require.False(t, sched.Running(), "loop should stop immediately when device is revoked")
}

// TestLoop_BootstrapHookSurvivesConsecutiveNotReady verifies that a
// device stuck needing bootstrap doesn't trip the consecutive-not-ready
// stop condition as long as the bootstrap hook keeps succeeding: each
// successful bootstrap call resets the counter, per §4.7.
func TestLoop_BootstrapHookSurvivesConsecutiveNotReady(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	resolveDEK := fixedDEK(t)
	relay := relayclient.New("http://unused.invalid", "dev-1", func(context.Context) (string, error) { return "tok", nil })
	applier := replay.New(st, resolveDEK)

	eng, err := cycle.New(cycle.Config{
		Logger:       discardLogger(),
		Store:        st,
		Relay:        relay,
		Replay:       applier,
		State:        fixedState{state: cycle.StateNeedsBootstrap},
		LoadIdentity: func() (cycle.Identity, error) { return cycle.Identity{DeviceID: "dev-1"}, nil },
		ResolveDEK:   resolveDEK,
	})
	require.NoError(t, err)

	var bootstrapCalls int32

	clock := clockwork.NewFakeClock()
	sched, err := scheduler.New(scheduler.Config{
		Logger:           discardLogger(),
		Cycle:            eng,
		Clock:            clock,
		OutboxHasPending: neverPending,
		IsRevoked:        neverRevoked,
		Bootstrap: func(ctx context.Context, result cycle.Result) error {
			atomic.AddInt32(&bootstrapCalls, 1)
			return nil
		},
	})
	require.NoError(t, err)

	sched.EnsureStarted(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&bootstrapCalls) < 8 && time.Now().Before(deadline) {
		clock.BlockUntil(1)
		clock.Advance(scheduler.DefaultForegroundInterval + scheduler.DefaultIntervalJitter)
		time.Sleep(10 * time.Millisecond)
	}

	require.GreaterOrEqual(t, atomic.LoadInt32(&bootstrapCalls), int32(8))
	require.True(t, sched.Running(), "loop should keep running while bootstrap keeps succeeding")

	sched.EnsureStopped()
}

// TestEnsureStopped_HaltsRunningLoop verifies the background loop can
// be aborted externally and EnsureStopped blocks until it unwinds.
func TestEnsureStopped_HaltsRunningLoop(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	resolveDEK := fixedDEK(t)

	var cycles int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sync/events/cursor", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&cycles, 1)
		w.Write([]byte(`{"cursor":0}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	relay := relayclient.New(server.URL, "dev-1", func(context.Context) (string, error) { return "tok", nil })
	applier := replay.New(st, resolveDEK)

	eng, err := cycle.New(cycle.Config{
		Logger:       discardLogger(),
		Store:        st,
		Relay:        relay,
		Replay:       applier,
		State:        fixedState{state: cycle.StateReady},
		LoadIdentity: func() (cycle.Identity, error) { return cycle.Identity{DeviceID: "dev-1"}, nil },
		ResolveDEK:   resolveDEK,
	})
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	sched, err := scheduler.New(scheduler.Config{
		Logger:           discardLogger(),
		Cycle:            eng,
		Clock:            clock,
		OutboxHasPending: neverPending,
		IsRevoked:        neverRevoked,
	})
	require.NoError(t, err)

	sched.EnsureStarted(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&cycles) >= 1 }, time.Second, 5*time.Millisecond)

	sched.EnsureStopped()
	require.False(t, sched.Running())
}
