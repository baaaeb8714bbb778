package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saim20/willow/internal/dbus"
)

type fakeClient struct {
	mu        sync.Mutex
	status    dbus.Status
	calls     []string
	configs   []ConfigChange
	modeErr   error
	statusErr error
	signals   chan dbus.Event
	closed    bool
}

func newFakeClient(status dbus.Status) *fakeClient {
	return &fakeClient{status: status, signals: make(chan dbus.Event, 8)}
}

func (c *fakeClient) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *fakeClient) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == name {
			n++
		}
	}
	return n
}

func (c *fakeClient) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeClient) setStatus(st dbus.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = st
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) SetMode(_ context.Context, mode dbus.Mode) error {
	c.record(dbus.MethodSetMode)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modeErr != nil {
		return c.modeErr
	}
	c.status.CurrentMode = mode
	return nil
}

func (c *fakeClient) GetStatus(context.Context) (dbus.StatusPatch, error) {
	c.record(dbus.MethodGetStatus)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return dbus.StatusPatch{}, c.statusErr
	}
	return dbus.DecodeStatus(c.status.Map()), nil
}

func (c *fakeClient) SetConfigValue(_ context.Context, key string, value any) error {
	c.record(dbus.MethodSetConfigValue)
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == "volume" {
		return &dbus.CallError{Method: dbus.MethodSetConfigValue, Name: dbus.ErrorUnknownKey, Message: "unknown key: volume"}
	}
	c.configs = append(c.configs, ConfigChange{Key: key, Value: value})
	return nil
}

func (c *fakeClient) Start(context.Context) error   { c.record(dbus.MethodStart); return nil }
func (c *fakeClient) Stop(context.Context) error    { c.record(dbus.MethodStop); return nil }
func (c *fakeClient) Restart(context.Context) error { c.record(dbus.MethodRestart); return nil }

func (c *fakeClient) Subscribe() (<-chan dbus.Event, error) {
	c.record("Subscribe")
	return c.signals, nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type harness struct {
	sess   *Session
	clock  *clockwork.FakeClock
	client *fakeClient
	dials  atomic.Int32
	failed atomic.Bool

	errMu sync.Mutex
	errs  []error
}

func newHarness(t *testing.T, status dbus.Status, autoStart bool) *harness {
	t.Helper()
	h := &harness{
		clock:  clockwork.NewFakeClock(),
		client: newFakeClient(status),
	}
	h.sess = New(func(context.Context) (Client, error) {
		h.dials.Add(1)
		if h.failed.Load() {
			return nil, errors.New("dial unix /run/user/1000/bus: connect: no such file or directory")
		}
		return h.client, nil
	}, nil)
	h.sess.SetClock(h.clock)
	h.sess.SetAutoStart(autoStart)
	h.sess.SetErrorCallback(func(err error) {
		h.errMu.Lock()
		defer h.errMu.Unlock()
		h.errs = append(h.errs, err)
	})
	t.Cleanup(h.sess.Close)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sess.Start(context.Background()))
}

func (h *harness) errors() []error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return append([]error(nil), h.errs...)
}

func (h *harness) waitSnapshot(t *testing.T, cond func(Snapshot) bool) {
	t.Helper()
	assert.Eventually(t, func() bool { return cond(h.sess.Snapshot()) }, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	h.waitSnapshot(t, func(s Snapshot) bool { return s.State == StateConnected && s.Known })
}

func (h *harness) blockUntil(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, n))
}

func wait(t *testing.T, f *Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestMerge_LastArrivalWins(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	normal, command := dbus.ModeNormal, dbus.ModeCommand
	running := true

	snap, ok := Merge(Snapshot{}, Observation{
		Patch:  dbus.StatusPatch{CurrentMode: &normal, IsRunning: &running},
		Source: SourcePoll,
		At:     t0,
	})
	require.True(t, ok)
	assert.Equal(t, dbus.ModeNormal, snap.Status.CurrentMode)

	// A signal that arrived later wins.
	snap, ok = Merge(snap, Observation{Patch: dbus.StatusPatch{CurrentMode: &command}, Source: SourceSignal, At: t0.Add(time.Second)})
	require.True(t, ok)
	assert.Equal(t, dbus.ModeCommand, snap.Status.CurrentMode)
	assert.True(t, snap.Status.IsRunning)
	assert.Equal(t, SourceSignal, snap.Source)

	// A poll response that arrived before the signal but is processed after
	// it is ignored.
	stale, ok := Merge(snap, Observation{Patch: dbus.StatusPatch{CurrentMode: &normal}, Source: SourcePoll, At: t0.Add(500 * time.Millisecond)})
	assert.False(t, ok)
	assert.Equal(t, snap, stale)

	// Equal arrival times favour the newer merge.
	snap, ok = Merge(snap, Observation{Patch: dbus.StatusPatch{CurrentMode: &normal}, Source: SourcePoll, At: t0.Add(time.Second)})
	require.True(t, ok)
	assert.Equal(t, dbus.ModeNormal, snap.Status.CurrentMode)
}

func TestObserve(t *testing.T) {
	at := time.Unix(100, 0)

	obs, ok := observe(dbus.ModeChangedEvent{NewMode: dbus.ModeTyping, OldMode: dbus.ModeNormal}, at)
	require.True(t, ok)
	assert.Equal(t, dbus.ModeTyping, obs.Patch.Apply(dbus.Status{}).CurrentMode)
	assert.Equal(t, SourceSignal, obs.Source)

	obs, ok = observe(dbus.BufferChangedEvent{Buffer: "hello"}, at)
	require.True(t, ok)
	assert.Equal(t, "hello", obs.Patch.Apply(dbus.Status{}).CurrentBuffer)

	_, ok = observe(dbus.ErrorEvent{Message: "boom"}, at)
	assert.False(t, ok)
	_, ok = observe(dbus.ConfigChangedEvent{Config: "{}"}, at)
	assert.False(t, ok)
}

func TestSession_SubscribesBeforeFirstStatus(t *testing.T) {
	h := newHarness(t, dbus.Status{IsRunning: true, CurrentMode: dbus.ModeNormal}, false)
	h.start(t)
	h.waitConnected(t)

	calls := h.client.callLog()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, []string{"Subscribe", dbus.MethodGetStatus}, calls[:2])
	assert.True(t, h.sess.Snapshot().Status.IsRunning)
}

func TestSession_AutoStartWhenIdle(t *testing.T) {
	h := newHarness(t, dbus.Status{IsRunning: false, CurrentMode: dbus.ModeNormal}, true)
	h.start(t)
	h.waitConnected(t)

	// Poll ticker and auto-start timer.
	h.blockUntil(t, 2)
	assert.Zero(t, h.client.count(dbus.MethodStart))

	h.clock.Advance(AutoStartDelay)
	assert.Eventually(t, func() bool { return h.client.count(dbus.MethodStart) == 1 }, 2*time.Second, 5*time.Millisecond)

	// The daemon stays idle; later polls never start it again.
	polls := h.client.count(dbus.MethodGetStatus)
	for i := 0; i < 3; i++ {
		h.clock.Advance(PollInterval)
		want := polls + i + 1
		assert.Eventually(t, func() bool { return h.client.count(dbus.MethodGetStatus) >= want }, 2*time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, 1, h.client.count(dbus.MethodStart))
}

func TestSession_NoAutoStartWhenRunning(t *testing.T) {
	h := newHarness(t, dbus.Status{IsRunning: true, CurrentMode: dbus.ModeNormal}, true)
	h.start(t)
	h.waitConnected(t)
	h.blockUntil(t, 2)

	h.clock.Advance(AutoStartDelay)
	assert.Eventually(t, func() bool { return h.client.count(dbus.MethodGetStatus) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.client.count(dbus.MethodStart))
}

func TestSession_AutoStartDisabled(t *testing.T) {
	h := newHarness(t, dbus.Status{}, false)
	h.start(t)
	h.waitConnected(t)

	// Only the poll ticker is armed.
	h.blockUntil(t, 1)
	h.clock.Advance(PollInterval)
	assert.Eventually(t, func() bool { return h.client.count(dbus.MethodGetStatus) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.client.count(dbus.MethodStart))
}

func TestSession_SignalsUpdateSnapshot(t *testing.T) {
	h := newHarness(t, dbus.Status{IsRunning: true, CurrentMode: dbus.ModeNormal}, false)
	h.start(t)
	h.waitConnected(t)

	h.client.signals <- dbus.ModeChangedEvent{NewMode: dbus.ModeCommand, OldMode: dbus.ModeNormal}
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status.CurrentMode == dbus.ModeCommand })
	assert.Equal(t, SourceSignal, h.sess.Snapshot().Source)

	h.client.signals <- dbus.BufferChangedEvent{Buffer: "open browser"}
	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status.CurrentBuffer == "open browser" })

	st := dbus.Status{IsRunning: false, CurrentMode: dbus.ModeTyping}
	h.client.signals <- dbus.StatusChangedEvent{Status: dbus.DecodeStatus(st.Map())}
	h.waitSnapshot(t, func(s Snapshot) bool {
		return s.Status.CurrentMode == dbus.ModeTyping && !s.Status.IsRunning
	})

	var names []string
	for len(names) < 3 {
		select {
		case ev := <-h.sess.Events():
			names = append(names, ev.SignalName())
		case <-time.After(2 * time.Second):
			t.Fatal("expected forwarded events")
		}
	}
	assert.Equal(t, []string{dbus.SignalModeChanged, dbus.SignalBufferChanged, dbus.SignalStatusChanged}, names)
}

func TestSession_LoopReceiveOrderDecidesMerge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(nil, nil)
	s.SetClock(clock)
	s.state = StateConnected

	s.handleEvent(dbus.ModeChangedEvent{NewMode: dbus.ModeCommand, OldMode: dbus.ModeNormal})
	require.Equal(t, dbus.ModeCommand, s.Snapshot().Status.CurrentMode)

	// A poll reply the loop takes after the signal replaces it, however
	// long the reply waited to be received.
	clock.Advance(time.Second)
	s.handleResult(result{kind: resStatus, epoch: s.epoch, patch: dbus.DecodeStatus(dbus.Status{CurrentMode: dbus.ModeTyping}.Map())})
	snap := s.Snapshot()
	assert.Equal(t, dbus.ModeTyping, snap.Status.CurrentMode)
	assert.Equal(t, SourcePoll, snap.Source)
	assert.Equal(t, clock.Now(), snap.UpdatedAt)

	s.handleEvent(dbus.ModeChangedEvent{NewMode: dbus.ModeNormal, OldMode: dbus.ModeTyping})
	snap = s.Snapshot()
	assert.Equal(t, dbus.ModeNormal, snap.Status.CurrentMode)
	assert.Equal(t, SourceSignal, snap.Source)
}

func TestSession_PollMergesStatus(t *testing.T) {
	h := newHarness(t, dbus.Status{IsRunning: true, CurrentMode: dbus.ModeNormal}, false)
	h.start(t)
	h.waitConnected(t)
	h.blockUntil(t, 1)

	h.client.setStatus(dbus.Status{IsRunning: true, CurrentMode: dbus.ModeTyping, CurrentBuffer: "dear team"})
	h.clock.Advance(PollInterval)

	h.waitSnapshot(t, func(s Snapshot) bool { return s.Status.CurrentBuffer == "dear team" })
	snap := h.sess.Snapshot()
	assert.Equal(t, dbus.ModeTyping, snap.Status.CurrentMode)
	assert.Equal(t, SourcePoll, snap.Source)
}

func TestSession_UpdatesChannel(t *testing.T) {
	h := newHarness(t, dbus.Status{IsRunning: true, CurrentMode: dbus.ModeNormal}, false)
	h.start(t)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-h.sess.Updates():
			if snap.State == StateConnected && snap.Known {
				assert.True(t, snap.Status.IsRunning)
				return
			}
		case <-deadline:
			t.Fatal("no connected snapshot published")
		}
	}
}

func TestSession_SetModeWhileDisconnected(t *testing.T) {
	h := newHarness(t, dbus.Status{}, true)
	h.failed.Store(true)
	h.start(t)

	h.waitSnapshot(t, func(s Snapshot) bool { return s.State == StateDisconnected && h.dials.Load() == 1 })
	before := h.sess.Snapshot()

	err := wait(t, h.sess.SetMode(dbus.ModeCommand))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, int32(2), h.dials.Load())

	assert.Equal(t, before, h.sess.Snapshot())
	assert.Zero(t, h.client.count(dbus.MethodSetMode))
	assert.Len(t, h.errors(), 2)
}

func TestSession_MethodCallError(t *testing.T) {
	h := newHarness(t, dbus.Status{IsRunning: true, CurrentMode: dbus.ModeNormal}, false)
	h.client.modeErr = &dbus.CallError{Method: dbus.MethodSetMode, Name: dbus.ErrorInvalidMode, Message: `invalid mode "loud"`}
	h.start(t)
	h.waitConnected(t)

	err := wait(t, h.sess.SetMode("loud"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMethodCall)
	assert.NotErrorIs(t, err, ErrConnection)

	var ce *dbus.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, dbus.ErrorInvalidMode, ce.Name)

	assert.Equal(t, StateConnected, h.sess.Snapshot().State)
	assert.Equal(t, dbus.ModeNormal, h.sess.Snapshot().Status.CurrentMode)
	require.Len(t, h.errors(), 1)
	assert.ErrorIs(t, h.errors()[0], ErrMethodCall)
}

func TestSession_ConnectionLossAndLazyReconnect(t *testing.T) {
	h := newHarness(t, dbus.Status{IsRunning: true, CurrentMode: dbus.ModeNormal}, false)
	h.client.modeErr = &dbus.CallError{Method: dbus.MethodSetMode, Name: "org.freedesktop.DBus.Error.ServiceUnknown"}
	h.start(t)
	h.waitConnected(t)

	err := wait(t, h.sess.SetMode(dbus.ModeCommand))
	assert.ErrorIs(t, err, ErrConnection)
	h.waitSnapshot(t, func(s Snapshot) bool { return s.State == StateDisconnected })
	assert.False(t, h.sess.Snapshot().Known)
	assert.Eventually(t, h.client.isClosed, 2*time.Second, 5*time.Millisecond)

	// The poll ticker was cancelled with the connection.
	h.blockUntil(t, 0)
	polls := h.client.count(dbus.MethodGetStatus)
	h.clock.Advance(2 * PollInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, h.client.count(dbus.MethodGetStatus))

	// The next operation dials again.
	h.client.mu.Lock()
	h.client.modeErr = nil
	h.client.mu.Unlock()
	require.NoError(t, wait(t, h.sess.SetMode(dbus.ModeCommand)))
	assert.Equal(t, int32(2), h.dials.Load())
	h.waitSnapshot(t, func(s Snapshot) bool { return s.State == StateConnected })
}

func TestSession_PushConfig(t *testing.T) {
	h := newHarness(t, dbus.Status{IsRunning: true}, false)
	h.start(t)
	h.waitConnected(t)

	changes := []ConfigChange{
		{Key: "hotword", Value: "computer"},
		{Key: "gpu_acceleration", Value: true},
	}
	f := h.sess.PushConfig(changes...)
	changes[0].Value = "mutated"
	require.NoError(t, wait(t, f))

	h.client.mu.Lock()
	got := append([]ConfigChange(nil), h.client.configs...)
	h.client.mu.Unlock()
	assert.Equal(t, []ConfigChange{
		{Key: "hotword", Value: "computer"},
		{Key: "gpu_acceleration", Value: true},
	}, got)

	err := wait(t, h.sess.PushConfig(ConfigChange{Key: "volume", Value: 3}))
	assert.ErrorIs(t, err, ErrMethodCall)
	assert.Contains(t, err.Error(), `key "volume"`)
}

func TestSession_LifecycleIntents(t *testing.T) {
	h := newHarness(t, dbus.Status{IsRunning: true}, false)
	h.start(t)

	require.NoError(t, wait(t, h.sess.Connect()))
	require.NoError(t, wait(t, h.sess.StopListening()))
	require.NoError(t, wait(t, h.sess.StartListening()))
	require.NoError(t, wait(t, h.sess.Restart()))

	assert.Equal(t, 1, h.client.count(dbus.MethodStop))
	assert.Equal(t, 1, h.client.count(dbus.MethodStart))
	assert.Equal(t, 1, h.client.count(dbus.MethodRestart))
	assert.Equal(t, int32(1), h.dials.Load())
}

func TestSession_CloseCancelsEverything(t *testing.T) {
	h := newHarness(t, dbus.Status{IsRunning: false}, true)
	h.start(t)
	h.waitConnected(t)
	h.blockUntil(t, 2)

	h.sess.Close()
	h.blockUntil(t, 0)
	assert.True(t, h.client.isClosed())

	// Firing the old timers changes nothing.
	snap := h.sess.Snapshot()
	h.clock.Advance(AutoStartDelay + PollInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, snap, h.sess.Snapshot())
	assert.Zero(t, h.client.count(dbus.MethodStart))

	err := wait(t, h.sess.SetMode(dbus.ModeCommand))
	assert.ErrorIs(t, err, ErrClosed)

	_, open := <-h.sess.Events()
	assert.False(t, open)
	assert.ErrorIs(t, h.sess.Start(context.Background()), ErrClosed)

	// Close is idempotent.
	h.sess.Close()
}

func TestSession_IntentBeforeStart(t *testing.T) {
	h := newHarness(t, dbus.Status{}, false)

	f := h.sess.SetMode(dbus.ModeCommand)
	select {
	case <-f.Done():
	default:
		t.Fatal("future should already be resolved")
	}
	assert.ErrorIs(t, f.Err(), ErrClosed)
	assert.Zero(t, h.dials.Load())
	assert.Empty(t, h.errors())
}

func TestSession_SignalStreamClosed(t *testing.T) {
	h := newHarness(t, dbus.Status{IsRunning: true}, false)
	h.start(t)
	h.waitConnected(t)

	close(h.client.signals)
	h.waitSnapshot(t, func(s Snapshot) bool { return s.State == StateDisconnected })
	require.NotEmpty(t, h.errors())
	assert.ErrorIs(t, h.errors()[0], ErrConnection)
}

func TestFuture(t *testing.T) {
	f := newFuture()
	assert.NoError(t, f.Err())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Wait(ctx), context.Canceled)

	f.resolve(ErrMethodCall)
	f.resolve(nil)
	<-f.Done()
	assert.ErrorIs(t, f.Err(), ErrMethodCall)
	assert.ErrorIs(t, f.Wait(context.Background()), ErrMethodCall)

	assert.ErrorIs(t, failedFuture(ErrClosed).Err(), ErrClosed)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("x", nil))
	assert.ErrorIs(t, classify("x", context.Canceled), ErrClosed)
	assert.ErrorIs(t, classify("x", errors.New("connection reset")), ErrConnection)
	assert.ErrorIs(t, classify("x", &dbus.CallError{Name: dbus.ErrorFailed}), ErrMethodCall)
	assert.ErrorIs(t, classify("x", &dbus.ReplyError{Method: dbus.MethodGetStatus, Err: errors.New("length mismatch")}), ErrMethodCall)
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "poll", SourcePoll.String())
}
