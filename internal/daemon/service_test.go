package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/saim20/willow/internal/config"
	"github.com/saim20/willow/internal/dbus"
	"github.com/saim20/willow/internal/engine"
)

type signal struct {
	name string
	args []any
}

type recordingEmitter struct {
	mu      sync.Mutex
	signals []signal
}

func (e *recordingEmitter) add(name string, args ...any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals = append(e.signals, signal{name: name, args: args})
	return nil
}

func (e *recordingEmitter) EmitModeChanged(n, o dbus.Mode) error {
	return e.add(dbus.SignalModeChanged, n, o)
}
func (e *recordingEmitter) EmitBufferChanged(b string) error {
	return e.add(dbus.SignalBufferChanged, b)
}
func (e *recordingEmitter) EmitCommandExecuted(c, p string, conf float64) error {
	return e.add(dbus.SignalCommandExecuted, c, p, conf)
}
func (e *recordingEmitter) EmitStatusChanged(s dbus.Status) error {
	return e.add(dbus.SignalStatusChanged, s)
}
func (e *recordingEmitter) EmitError(m, d string) error {
	return e.add(dbus.SignalError, m, d)
}
func (e *recordingEmitter) EmitNotification(t, m, u string) error {
	return e.add(dbus.SignalNotification, t, m, u)
}
func (e *recordingEmitter) EmitConfigChanged(c string) error {
	return e.add(dbus.SignalConfigChanged, c)
}

func (e *recordingEmitter) named(name string) []signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []signal
	for _, s := range e.signals {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

func (e *recordingEmitter) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals = nil
}

type fakeExecutor struct {
	mu   sync.Mutex
	ran  []string
	fail error
}

func (f *fakeExecutor) Run(_ context.Context, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.ran = append(f.ran, command)
	return nil
}

func (f *fakeExecutor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

type fakeTyper struct {
	mu    sync.Mutex
	typed []string
}

func (f *fakeTyper) Type(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, text)
	return nil
}

type fakeCapture struct {
	mu      sync.Mutex
	running bool
	starts  int
	fail    error
}

func (c *fakeCapture) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.running = true
	c.starts++
	return nil
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

func (c *fakeCapture) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

const testConfig = `{
  "_comment": "voice assistant settings",
  "hotword": "hey",
  "command_threshold": 80,
  "whisper_model": "ggml-tiny.en.bin",
  "gpu_acceleration": false,
  "typing_exit_phrases": ["stop typing"],
  "commands": [
    {"_comment": "launchers"},
    {"name": "Browser", "command": "firefox", "phrases": ["open browser"]},
    {"name": "Exit", "command": "exit_command_mode", "phrases": ["exit command mode"]},
    {"name": "Type", "command": "start_typing_mode", "phrases": ["start typing"]}
  ]
}`

type harness struct {
	svc     *Service
	store   *config.Store
	eng     *engine.Manager
	factory *engine.FakeFactory
	emitter *recordingEmitter
	exec    *fakeExecutor
	typer   *fakeTyper
	capture *fakeCapture
}

func newHarness(t *testing.T, load bool) *harness {
	t.Helper()

	store := config.NewMemoryStore(config.MustParse(testConfig), nil)
	factory := engine.NewFakeFactory("")
	eng := engine.NewManager(factory.Build, "/models", nil)
	eng.SetPreflight(nil)

	h := &harness{
		store:   store,
		eng:     eng,
		factory: factory,
		emitter: &recordingEmitter{},
		exec:    &fakeExecutor{},
		typer:   &fakeTyper{},
		capture: &fakeCapture{},
	}
	h.svc = NewService(store, eng, nil)
	h.svc.SetEmitter(h.emitter)
	h.svc.SetExecutor(h.exec)
	h.svc.SetTyper(h.typer)
	h.svc.SetCapture(h.capture)
	h.svc.SetRestartDelay(time.Millisecond)

	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	if load {
		select {
		case res := <-eng.Load(store.Get()):
			require.NoError(t, res.Err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out loading engine")
		}
		h.emitter.reset()
	}
	return h
}

func waitFor(t *testing.T, svc *Service) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestService_SetMode(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.svc.SetMode(dbus.ModeCommand))
	assert.Equal(t, dbus.ModeCommand, h.svc.GetMode())

	changed := h.emitter.named(dbus.SignalModeChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, []any{dbus.ModeCommand, dbus.ModeNormal}, changed[0].args)

	status := h.emitter.named(dbus.SignalStatusChanged)
	require.NotEmpty(t, status)
	assert.Equal(t, dbus.ModeCommand, status[len(status)-1].args[0].(dbus.Status).CurrentMode)

	// Same mode again is silent.
	require.NoError(t, h.svc.SetMode(dbus.ModeCommand))
	assert.Len(t, h.emitter.named(dbus.SignalModeChanged), 1)
}

func TestService_SetModeRejectsUnknown(t *testing.T) {
	h := newHarness(t, true)

	err := h.svc.SetMode(dbus.Mode("shouting"))
	require.Error(t, err)
	assert.ErrorIs(t, err, dbus.ErrInvalidMode)
	assert.Equal(t, dbus.ModeNormal, h.svc.GetMode())
	assert.Empty(t, h.emitter.named(dbus.SignalModeChanged))
}

func TestService_GetStatus(t *testing.T) {
	h := newHarness(t, true)

	st := h.svc.GetStatus()
	assert.False(t, st.IsRunning)
	assert.Equal(t, dbus.ModeNormal, st.CurrentMode)
	assert.Equal(t, int32(3), st.CommandCount)
	assert.True(t, st.WhisperLoaded)
	assert.Equal(t, "ready", st.EngineState)
}

func TestService_UpdateConfigWithoutReload(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.svc.UpdateConfig(`{"hotword":"computer"}`))

	changed := h.emitter.named(dbus.SignalConfigChanged)
	require.Len(t, changed, 1)
	doc := changed[0].args[0].(string)
	assert.Equal(t, "computer", gjson.Get(doc, "hotword").String())
	assert.Equal(t, "voice assistant settings", gjson.Get(doc, "_comment").String())
	assert.Len(t, h.factory.Instances(), 1)

	// Identical update: empty diff, no signal, no reload.
	require.NoError(t, h.svc.UpdateConfig(`{"hotword":"computer"}`))
	assert.Len(t, h.emitter.named(dbus.SignalConfigChanged), 1)
	assert.Len(t, h.factory.Instances(), 1)
}

func TestService_SetConfigValueTriggersReload(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.svc.SetConfigValue(config.KeyGPUAcceleration, true))
	waitFor(t, h.svc)

	instances := h.factory.Instances()
	require.Len(t, instances, 2)
	assert.True(t, instances[0].Closed())
	assert.True(t, instances[1].Params().GPU)

	changed := h.emitter.named(dbus.SignalConfigChanged)
	require.Len(t, changed, 1)
	doc := changed[0].args[0].(string)
	assert.True(t, gjson.Get(doc, "gpu_acceleration").Bool())
	assert.Equal(t, "hey", gjson.Get(doc, "hotword").String())
	assert.Equal(t, engine.StateReady, h.eng.State())
}

func readyStatuses(e *recordingEmitter) int {
	n := 0
	for _, s := range e.named(dbus.SignalStatusChanged) {
		if s.args[0].(dbus.Status).EngineState == engine.StateReady.String() {
			n++
		}
	}
	return n
}

func TestService_CoalescedReloadsAnnounceFinalConfig(t *testing.T) {
	h := newHarness(t, true)
	h.factory.Hold()

	require.NoError(t, h.svc.SetConfigValue(config.KeyGPUAcceleration, true))
	require.NoError(t, h.svc.SetConfigValue(config.KeyWhisperModel, "ggml-base.en.bin"))
	h.factory.Release()
	waitFor(t, h.svc)

	assert.Equal(t, engine.StateReady, h.eng.State())
	assert.Equal(t, 1, readyStatuses(h.emitter))

	instances := h.factory.Instances()
	last := instances[len(instances)-1].Params()
	assert.True(t, last.GPU)
	assert.Equal(t, "ggml-base.en.bin", last.Model)

	final := h.store.Get().String()
	changed := h.emitter.named(dbus.SignalConfigChanged)
	require.Len(t, changed, 2)
	for _, c := range changed {
		assert.Equal(t, final, c.args[0])
	}
}

func TestService_UpdateDuringReloadIsNotReverted(t *testing.T) {
	h := newHarness(t, true)
	h.factory.Hold()

	require.NoError(t, h.svc.SetConfigValue(config.KeyGPUAcceleration, true))
	require.NoError(t, h.svc.SetConfigValue(config.KeyHotword, "computer"))

	// The non-triggering update is announced before the reload completes.
	changed := h.emitter.named(dbus.SignalConfigChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "computer", gjson.Get(changed[0].args[0].(string), "hotword").String())

	h.factory.Release()
	waitFor(t, h.svc)

	changed = h.emitter.named(dbus.SignalConfigChanged)
	require.Len(t, changed, 2)
	last := changed[len(changed)-1].args[0].(string)
	assert.Equal(t, h.store.Get().String(), last)
	assert.Equal(t, "computer", gjson.Get(last, "hotword").String())
	assert.True(t, gjson.Get(last, "gpu_acceleration").Bool())
}

func TestService_ReloadFailureEmitsError(t *testing.T) {
	h := newHarness(t, true)
	h.factory.Fail(errors.New("model file corrupt"))

	require.NoError(t, h.svc.SetConfigValue(config.KeyWhisperModel, "ggml-base.en.bin"))
	waitFor(t, h.svc)

	assert.Empty(t, h.emitter.named(dbus.SignalConfigChanged))
	errs := h.emitter.named(dbus.SignalError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Model Reload Failed", errs[0].args[0])
	assert.Contains(t, errs[0].args[1], "model file corrupt")

	// The store keeps the update.
	assert.Equal(t, "ggml-base.en.bin", h.store.Get().Str(config.KeyWhisperModel))
	assert.Equal(t, engine.StateDegraded, h.eng.State())
}

func TestService_ConfigErrors(t *testing.T) {
	h := newHarness(t, true)

	err := h.svc.SetConfigValue("volume", 3)
	assert.ErrorIs(t, err, config.ErrUnknownKey)

	err = h.svc.SetConfigValue(config.KeyGPUAcceleration, "yes please")
	assert.ErrorIs(t, err, config.ErrValidation)

	err = h.svc.UpdateConfig(`[1,2]`)
	assert.ErrorIs(t, err, config.ErrValidation)

	assert.Empty(t, h.emitter.named(dbus.SignalConfigChanged))
	assert.Len(t, h.factory.Instances(), 1)
}

func TestService_StartRequiresEngine(t *testing.T) {
	h := newHarness(t, false)

	err := h.svc.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrNotLoaded)
	assert.False(t, h.svc.GetStatus().IsRunning)
	assert.False(t, h.capture.IsRunning())

	errs := h.emitter.named(dbus.SignalError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Start Error", errs[0].args[0])
}

func TestService_Lifecycle(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.svc.Start())
	assert.True(t, h.svc.GetStatus().IsRunning)
	assert.True(t, h.capture.IsRunning())

	notes := h.emitter.named(dbus.SignalNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, []any{"Willow", "Service started", dbus.UrgencyLow}, notes[0].args)

	// Start while running is a no-op.
	require.NoError(t, h.svc.Start())
	assert.Equal(t, 1, h.capture.starts)

	require.NoError(t, h.svc.Restart())
	assert.True(t, h.svc.GetStatus().IsRunning)
	assert.Equal(t, 2, h.capture.starts)

	require.NoError(t, h.svc.Stop())
	assert.False(t, h.svc.GetStatus().IsRunning)
	assert.False(t, h.capture.IsRunning())
}

func TestService_StartCaptureFailure(t *testing.T) {
	h := newHarness(t, true)
	h.capture.fail = errors.New("no microphone")

	err := h.svc.Start()
	require.Error(t, err)
	assert.False(t, h.svc.GetStatus().IsRunning)
	assert.NotEmpty(t, h.emitter.named(dbus.SignalError))
}

func TestService_NormalModeHotword(t *testing.T) {
	h := newHarness(t, true)

	h.svc.HandleTranscript(context.Background(), "what time is it")
	assert.Equal(t, dbus.ModeNormal, h.svc.GetMode())

	h.svc.HandleTranscript(context.Background(), "hey there")
	assert.Equal(t, dbus.ModeCommand, h.svc.GetMode())
}

func TestService_CommandMode(t *testing.T) {
	h := newHarness(t, true)
	clock := clockwork.NewFakeClock()
	h.svc.SetClock(clock)
	require.NoError(t, h.svc.SetMode(dbus.ModeCommand))

	h.svc.HandleTranscript(context.Background(), "please open browser")
	assert.Equal(t, []string{"firefox"}, h.exec.commands())
	assert.Equal(t, "please open browser", h.svc.GetBuffer())

	executed := h.emitter.named(dbus.SignalCommandExecuted)
	require.Len(t, executed, 1)
	assert.Equal(t, []any{"Browser", "open browser", 1.0}, executed[0].args)

	// Repeated within two seconds.
	h.svc.HandleTranscript(context.Background(), "open browser")
	assert.Len(t, h.exec.commands(), 1)

	clock.Advance(3 * time.Second)
	h.svc.HandleTranscript(context.Background(), "open browser")
	assert.Len(t, h.exec.commands(), 2)

	// Below threshold.
	h.svc.HandleTranscript(context.Background(), "browser")
	assert.Len(t, h.exec.commands(), 2)
}

func TestService_SpecialCommands(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.svc.SetMode(dbus.ModeCommand))

	h.svc.HandleTranscript(context.Background(), "start typing")
	assert.Equal(t, dbus.ModeTyping, h.svc.GetMode())
	assert.Empty(t, h.exec.commands())

	h.svc.HandleTranscript(context.Background(), "hello world")
	assert.Equal(t, []string{"hello world"}, h.typer.typed)
	assert.Equal(t, "hello world", h.svc.GetBuffer())

	h.svc.HandleTranscript(context.Background(), "ok stop typing now")
	assert.Equal(t, dbus.ModeNormal, h.svc.GetMode())
	assert.Len(t, h.typer.typed, 1)
	assert.Empty(t, h.svc.GetBuffer())

	require.NoError(t, h.svc.SetMode(dbus.ModeCommand))
	h.svc.HandleTranscript(context.Background(), "exit command mode")
	assert.Equal(t, dbus.ModeNormal, h.svc.GetMode())
}

func TestService_CommandExecutionFailure(t *testing.T) {
	h := newHarness(t, true)
	h.exec.fail = errors.New("systemd-run: not found")
	require.NoError(t, h.svc.SetMode(dbus.ModeCommand))

	h.svc.HandleTranscript(context.Background(), "open browser")

	errs := h.emitter.named(dbus.SignalError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Command Error", errs[0].args[0])
}

func TestService_ProcessAudioDropsWhenNotLoaded(t *testing.T) {
	h := newHarness(t, false)

	h.svc.ProcessAudio(context.Background(), make([]float32, 320))
	assert.Empty(t, h.emitter.named(dbus.SignalError))
	assert.Equal(t, dbus.ModeNormal, h.svc.GetMode())
}
