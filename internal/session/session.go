// Package session keeps a client-side view of the willow daemon consistent
// across pushed signals and periodic polling, and drives the daemon through
// intent operations.
//
// All state lives on one event-loop goroutine. Bus calls run on helper
// goroutines and post their results back to the loop, so snapshot merges
// never run concurrently.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/saim20/willow/internal/dbus"
)

const (
	// AutoStartDelay is how long after connecting the session re-checks
	// whether the daemon is listening.
	AutoStartDelay = 500 * time.Millisecond
	// PollInterval is the GetStatus polling period.
	PollInterval = 2 * time.Second
)

type opKind int

const (
	opConnect opKind = iota
	opSetMode
	opStart
	opStop
	opRestart
	opConfig
)

var opNames = map[opKind]string{
	opConnect: "connect",
	opSetMode: dbus.MethodSetMode,
	opStart:   dbus.MethodStart,
	opStop:    dbus.MethodStop,
	opRestart: dbus.MethodRestart,
	opConfig:  dbus.MethodSetConfigValue,
}

type request struct {
	op      opKind
	mode    dbus.Mode
	changes []ConfigChange
	fut     *Future
}

type resultKind int

const (
	resDialed resultKind = iota
	resCall
	resStatus
	resAutoCheck
)

type result struct {
	kind   resultKind
	epoch  uint64
	client Client
	req    request
	patch  dbus.StatusPatch
	err    error
}

// Session is a connection to the daemon plus the status snapshot built from
// it.
type Session struct {
	dial      Dialer
	clock     clockwork.Clock
	logger    *slog.Logger
	autoStart bool

	cbMu    sync.RWMutex
	onError func(error)

	reqs    chan request
	results chan result
	updates chan Snapshot
	events  chan dbus.Event

	snapMu  sync.RWMutex
	current Snapshot

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}

	// Owned by the loop goroutine.
	ctx           context.Context
	state         State
	epoch         uint64
	client        Client
	signals       <-chan dbus.Event
	snap          Snapshot
	pending       []request
	autoTimer     clockwork.Timer
	pollTicker    clockwork.Ticker
	autoStartDone bool
}

// New creates a Session that connects with dial.
func New(dial Dialer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		dial:      dial,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
		autoStart: true,
		reqs:      make(chan request),
		results:   make(chan result),
		updates:   make(chan Snapshot, 1),
		events:    make(chan dbus.Event, 64),
	}
}

// SetClock replaces the clock used for timers and arrival stamps.
func (s *Session) SetClock(c clockwork.Clock) {
	s.clock = c
}

// SetAutoStart enables or disables the auto-start check.
func (s *Session) SetAutoStart(enabled bool) {
	s.autoStart = enabled
}

// SetErrorCallback sets the callback invoked on the loop goroutine when an
// operation fails.
func (s *Session) SetErrorCallback(fn func(error)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onError = fn
}

// Updates delivers the latest snapshot after each change. Intermediate
// snapshots are replaced if the reader falls behind. The channel is closed
// when the session stops.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

// Events delivers every daemon signal. Events are dropped when the reader
// falls behind. The channel is closed when the session stops.
func (s *Session) Events() <-chan dbus.Event {
	return s.events
}

// Snapshot returns the current snapshot.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.current
}

// Start runs the event loop and begins connecting.
func (s *Session) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return nil
	}
	if s.doneCh != nil {
		return ErrClosed
	}
	if s.dial == nil {
		return errors.New("no dialer configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	s.running = true

	go s.loop()
	s.logger.Debug("session started", "auto_start", s.autoStart)
	return nil
}

// Close tears the session down. Timers are cancelled, the bus connection is
// closed and pending operations fail with ErrClosed. The snapshot is not
// modified after Close begins.
func (s *Session) Close() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.doneCh
	s.runMu.Unlock()

	cancel()
	<-done
	s.logger.Debug("session closed")
}

// Connect dials the daemon if the session is not already connected.
func (s *Session) Connect() *Future {
	return s.submit(request{op: opConnect})
}

// SetMode asks the daemon to switch modes.
func (s *Session) SetMode(mode dbus.Mode) *Future {
	return s.submit(request{op: opSetMode, mode: mode})
}

// StartListening asks the daemon to start capturing audio.
func (s *Session) StartListening() *Future {
	return s.submit(request{op: opStart})
}

// StopListening asks the daemon to stop capturing audio.
func (s *Session) StopListening() *Future {
	return s.submit(request{op: opStop})
}

// Restart asks the daemon to restart capture.
func (s *Session) Restart() *Future {
	return s.submit(request{op: opRestart})
}

// PushConfig sets each key in order. The changes are copied, so the caller
// may reuse the slice.
func (s *Session) PushConfig(changes ...ConfigChange) *Future {
	return s.submit(request{op: opConfig, changes: append([]ConfigChange(nil), changes...)})
}

func (s *Session) submit(req request) *Future {
	s.runMu.Lock()
	running, done := s.running, s.doneCh
	s.runMu.Unlock()
	if !running {
		return failedFuture(ErrClosed)
	}

	req.fut = newFuture()
	select {
	case s.reqs <- req:
	case <-done:
		req.fut.resolve(ErrClosed)
	}
	return req.fut
}

func (s *Session) loop() {
	defer close(s.doneCh)
	defer s.teardown()

	s.connect()

	for {
		select {
		case <-s.ctx.Done():
			return

		case req := <-s.reqs:
			s.handleRequest(req)

		case res := <-s.results:
			s.handleResult(res)

		case ev, ok := <-s.signals:
			if !ok {
				s.signals = nil
				s.disconnect(fmt.Errorf("signal stream: %w", ErrConnection))
				continue
			}
			s.handleEvent(ev)

		case <-s.timerChan():
			s.autoTimer = nil
			s.autoStartDone = true
			s.spawn(resAutoCheck, request{}, s.getStatus)

		case <-s.tickerChan():
			s.spawn(resStatus, request{}, s.getStatus)
		}
	}
}

func (s *Session) timerChan() <-chan time.Time {
	if s.autoTimer == nil {
		return nil
	}
	return s.autoTimer.Chan()
}

func (s *Session) tickerChan() <-chan time.Time {
	if s.pollTicker == nil {
		return nil
	}
	return s.pollTicker.Chan()
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug("session state", "from", s.state, "to", st)
	s.state = st
	s.snap.State = st
	s.publish()
}

func (s *Session) publish() {
	snap := s.snap
	s.snapMu.Lock()
	s.current = snap
	s.snapMu.Unlock()

	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}

func (s *Session) connect() {
	if s.state != StateDisconnected {
		return
	}
	s.epoch++
	s.setState(StateConnecting)

	epoch, dial := s.epoch, s.dial
	go func() {
		c, err := dial(s.ctx)
		s.post(result{kind: resDialed, epoch: epoch, client: c, err: err})
	}()
}

func (s *Session) post(r result) {
	select {
	case s.results <- r:
	case <-s.ctx.Done():
		if r.client != nil {
			_ = r.client.Close()
		}
		if r.req.fut != nil {
			r.req.fut.resolve(ErrClosed)
		}
	}
}

func (s *Session) onDialed(res result) {
	if res.epoch != s.epoch || s.state != StateConnecting {
		if res.client != nil {
			_ = res.client.Close()
		}
		return
	}
	if res.err != nil {
		s.connectFailed(classify("connect", res.err))
		return
	}

	signals, err := res.client.Subscribe()
	if err != nil {
		_ = res.client.Close()
		s.connectFailed(classify("subscribe", err))
		return
	}

	s.client = res.client
	s.signals = signals
	s.snap = Snapshot{}
	s.setState(StateConnected)
	s.logger.Info("connected to daemon")

	s.spawn(resStatus, request{}, s.getStatus)
	s.pollTicker = s.clock.NewTicker(PollInterval)
	if s.autoStart && !s.autoStartDone {
		s.autoTimer = s.clock.NewTimer(AutoStartDelay)
	}

	pending := s.pending
	s.pending = nil
	for _, req := range pending {
		s.dispatch(req)
	}
}

func (s *Session) connectFailed(err error) {
	if !errors.Is(err, ErrConnection) && !errors.Is(err, ErrClosed) {
		err = fmt.Errorf("%w: %w", ErrConnection, err)
	}
	s.setState(StateDisconnected)
	s.report(err)

	pending := s.pending
	s.pending = nil
	for _, req := range pending {
		req.fut.resolve(err)
	}
}

// disconnect drops the connection after a connection-level failure. The
// next operation dials again.
func (s *Session) disconnect(cause error) {
	if s.state != StateConnected {
		return
	}
	s.logger.Warn("lost connection to daemon", "error", cause)
	s.dropConnection()
	s.snap = Snapshot{}
	s.setState(StateDisconnected)
	s.report(cause)
}

func (s *Session) dropConnection() {
	s.epoch++
	if s.autoTimer != nil {
		s.autoTimer.Stop()
		s.autoTimer = nil
	}
	if s.pollTicker != nil {
		s.pollTicker.Stop()
		s.pollTicker = nil
	}
	s.signals = nil
	if c := s.client; c != nil {
		s.client = nil
		go func() {
			if err := c.Close(); err != nil {
				s.logger.Debug("failed to close bus client", "error", err)
			}
		}()
	}
}

func (s *Session) teardown() {
	if c := s.client; c != nil {
		s.client = nil
		if err := c.Close(); err != nil {
			s.logger.Debug("failed to close bus client", "error", err)
		}
	}
	s.dropConnection()
	for _, req := range s.pending {
		req.fut.resolve(ErrClosed)
	}
	s.pending = nil

	// Drain requests that raced with shutdown.
	for {
		select {
		case req := <-s.reqs:
			req.fut.resolve(ErrClosed)
		case res := <-s.results:
			if res.client != nil {
				_ = res.client.Close()
			}
			if res.req.fut != nil {
				res.req.fut.resolve(ErrClosed)
			}
		default:
			close(s.updates)
			close(s.events)
			return
		}
	}
}

func (s *Session) handleRequest(req request) {
	switch s.state {
	case StateConnected:
		s.dispatch(req)
	case StateConnecting:
		s.pending = append(s.pending, req)
	default:
		s.pending = append(s.pending, req)
		s.connect()
	}
}

func (s *Session) dispatch(req request) {
	if req.op == opConnect {
		req.fut.resolve(nil)
		return
	}
	s.spawn(resCall, req, func(ctx context.Context, c Client) (dbus.StatusPatch, error) {
		return dbus.StatusPatch{}, s.invoke(ctx, c, req)
	})
}

func (s *Session) invoke(ctx context.Context, c Client, req request) error {
	switch req.op {
	case opSetMode:
		return c.SetMode(ctx, req.mode)
	case opStart:
		return c.Start(ctx)
	case opStop:
		return c.Stop(ctx)
	case opRestart:
		return c.Restart(ctx)
	case opConfig:
		for _, ch := range req.changes {
			if err := c.SetConfigValue(ctx, ch.Key, ch.Value); err != nil {
				return fmt.Errorf("key %q: %w", ch.Key, err)
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported operation %d", req.op)
}

func (s *Session) getStatus(ctx context.Context, c Client) (dbus.StatusPatch, error) {
	return c.GetStatus(ctx)
}

// spawn runs fn against the current client on a helper goroutine and posts
// the outcome back to the loop.
func (s *Session) spawn(kind resultKind, req request, fn func(context.Context, Client) (dbus.StatusPatch, error)) {
	epoch, c := s.epoch, s.client
	if c == nil {
		if req.fut != nil {
			req.fut.resolve(fmt.Errorf("%s: %w", opNames[req.op], ErrConnection))
		}
		return
	}
	go func() {
		patch, err := fn(s.ctx, c)
		s.post(result{kind: kind, epoch: epoch, req: req, patch: patch, err: err})
	}()
}

func (s *Session) handleResult(res result) {
	switch res.kind {
	case resDialed:
		s.onDialed(res)
	case resCall:
		err := classify(opNames[res.req.op], res.err)
		if err != nil {
			s.logger.Warn("daemon call failed", "op", opNames[res.req.op], "error", err)
			if errors.Is(err, ErrConnection) && res.epoch == s.epoch && s.state == StateConnected {
				s.disconnect(err)
			} else {
				s.report(err)
			}
		}
		res.req.fut.resolve(err)
	case resStatus, resAutoCheck:
		if res.epoch != s.epoch {
			return
		}
		if res.err != nil {
			err := classify(dbus.MethodGetStatus, res.err)
			s.logger.Warn("status query failed", "error", err)
			if errors.Is(err, ErrConnection) {
				s.disconnect(err)
			} else {
				s.report(err)
			}
			return
		}
		// Polls and signals are both stamped when the loop receives them.
		s.merge(Observation{Patch: res.patch, Source: SourcePoll, At: s.clock.Now()})
		if res.kind == resAutoCheck {
			s.autoStartCheck()
		}
	}
}

func (s *Session) autoStartCheck() {
	if s.snap.Status.IsRunning {
		s.logger.Debug("daemon already listening, skipping auto-start")
		return
	}
	s.logger.Info("daemon idle, starting listener")
	s.dispatch(request{op: opStart, fut: newFuture()})
}

func (s *Session) handleEvent(ev dbus.Event) {
	if obs, ok := observe(ev, s.clock.Now()); ok {
		s.merge(obs)
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event dropped", "signal", ev.SignalName())
	}
}

func (s *Session) merge(obs Observation) {
	next, ok := Merge(s.snap, obs)
	if !ok {
		s.logger.Debug("stale observation ignored", "source", obs.Source)
		return
	}
	s.snap = next
	s.publish()
}

func (s *Session) report(err error) {
	s.cbMu.RLock()
	fn := s.onError
	s.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
