package dbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// DefaultCallTimeout bounds method calls whose context has no deadline.
const DefaultCallTimeout = 25 * time.Second

// Bus errors that mean the daemon could not be reached.
var connectionErrorNames = map[string]bool{
	"org.freedesktop.DBus.Error.ServiceUnknown": true,
	"org.freedesktop.DBus.Error.NameHasNoOwner": true,
	"org.freedesktop.DBus.Error.NoReply":        true,
	"org.freedesktop.DBus.Error.Disconnected":   true,
	"org.freedesktop.DBus.Error.Timeout":        true,
	"org.freedesktop.DBus.Error.TimedOut":       true,
	"org.freedesktop.DBus.Error.NoServer":       true,
	"org.freedesktop.DBus.Error.UnknownObject":  true,
}

// CallError is a method call the daemon answered with a D-Bus error.
type CallError struct {
	Method  string
	Name    string
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" || e.Message == e.Name {
		return fmt.Sprintf("%s: %s", e.Method, e.Name)
	}
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Name, e.Message)
}

// ReplyError is a reply that arrived but did not match the expected
// signature.
type ReplyError struct {
	Method string
	Err    error
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("failed to decode %s reply: %v", e.Method, e.Err)
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err means the daemon or the bus is
// unreachable rather than the daemon rejecting the call.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var re *ReplyError
	if errors.As(err, &re) {
		return false
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return connectionErrorNames[ce.Name]
	}
	return true
}

// Client is a typed proxy for the willow control interface.
type Client struct {
	conn   *dbus.Conn
	obj    dbus.BusObject
	owned  bool
	logger *slog.Logger

	mu      sync.Mutex
	signals chan *dbus.Signal
	closed  bool
	done    chan struct{}
}

// Dial opens a private session bus connection and returns a client for it.
func Dial(ctx context.Context, logger *slog.Logger) (*Client, error) {
	conn, err := dbus.SessionBusPrivate(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	if err := conn.Auth(nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	if err := conn.Hello(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to say hello: %w", err)
	}
	c := NewClient(conn, logger)
	c.owned = true
	return c, nil
}

// NewClient wraps an existing connection. The connection is not closed by
// Close.
func NewClient(conn *dbus.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:   conn,
		obj:    conn.Object(BusName, Path),
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (c *Client) call(ctx context.Context, method string, args []any, out ...any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	call := c.obj.CallWithContext(ctx, Interface+"."+method, 0, args...)
	if call.Err != nil {
		return wrapCallError(method, call.Err)
	}
	return decodeReply(method, call, out...)
}

func decodeReply(method string, call *dbus.Call, out ...any) error {
	if len(out) == 0 {
		return nil
	}
	if err := call.Store(out...); err != nil {
		return &ReplyError{Method: method, Err: err}
	}
	return nil
}

func wrapCallError(method string, err error) error {
	var name string
	var body []any
	var de dbus.Error
	var dep *dbus.Error
	switch {
	case errors.As(err, &de):
		name, body = de.Name, de.Body
	case errors.As(err, &dep):
		name, body = dep.Name, dep.Body
	default:
		return fmt.Errorf("%s: %w", method, err)
	}
	msg := ""
	if len(body) > 0 {
		if s, ok := body[0].(string); ok {
			msg = s
		}
	}
	return &CallError{Method: method, Name: name, Message: msg}
}

// SetMode switches the daemon mode.
func (c *Client) SetMode(ctx context.Context, mode Mode) error {
	return c.call(ctx, MethodSetMode, []any{string(mode)})
}

// GetMode returns the current mode.
func (c *Client) GetMode(ctx context.Context) (Mode, error) {
	var s string
	if err := c.call(ctx, MethodGetMode, nil, &s); err != nil {
		return "", err
	}
	return ParseMode(s)
}

// GetStatus returns the daemon status dictionary.
func (c *Client) GetStatus(ctx context.Context) (StatusPatch, error) {
	var m map[string]dbus.Variant
	if err := c.call(ctx, MethodGetStatus, nil, &m); err != nil {
		return StatusPatch{}, err
	}
	return DecodeStatus(m), nil
}

// GetConfig returns the daemon configuration document.
func (c *Client) GetConfig(ctx context.Context) (string, error) {
	var s string
	err := c.call(ctx, MethodGetConfig, nil, &s)
	return s, err
}

// UpdateConfig merges doc into the daemon configuration.
func (c *Client) UpdateConfig(ctx context.Context, doc string) error {
	return c.call(ctx, MethodUpdateConfig, []any{doc})
}

// SetConfigValue sets a single configuration key.
func (c *Client) SetConfigValue(ctx context.Context, key string, value any) error {
	v, ok := value.(dbus.Variant)
	if !ok {
		v = dbus.MakeVariant(value)
	}
	return c.call(ctx, MethodSetConfigValue, []any{key, v})
}

// Start starts listening.
func (c *Client) Start(ctx context.Context) error {
	return c.call(ctx, MethodStart, nil)
}

// Stop stops listening.
func (c *Client) Stop(ctx context.Context) error {
	return c.call(ctx, MethodStop, nil)
}

// Restart restarts listening.
func (c *Client) Restart(ctx context.Context) error {
	return c.call(ctx, MethodRestart, nil)
}

// GetBuffer returns the typing buffer.
func (c *Client) GetBuffer(ctx context.Context) (string, error) {
	var s string
	err := c.call(ctx, MethodGetBuffer, nil, &s)
	return s, err
}

// Subscribe registers match rules for every signal of the interface and
// returns the decoded event stream. The channel closes when the client is
// closed or the connection drops.
func (c *Client) Subscribe() (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("client closed")
	}
	if c.signals != nil {
		return nil, fmt.Errorf("already subscribed")
	}

	if err := c.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(Path),
		dbus.WithMatchInterface(Interface),
	); err != nil {
		return nil, fmt.Errorf("failed to add match rule: %w", err)
	}

	c.signals = make(chan *dbus.Signal, 64)
	c.conn.Signal(c.signals)

	out := make(chan Event, 64)
	go func(in <-chan *dbus.Signal) {
		defer close(out)
		for {
			var sig *dbus.Signal
			var ok bool
			select {
			case sig, ok = <-in:
				if !ok {
					return
				}
			case <-c.done:
				return
			}
			if sig == nil {
				continue
			}
			ev, err := ParseSignal(sig)
			if err != nil {
				c.logger.Debug("ignoring signal", "name", sig.Name, "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-c.done:
				return
			}
		}
	}(c.signals)

	return out, nil
}

// Close removes the subscription and closes an owned connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	signals := c.signals
	c.mu.Unlock()

	if signals != nil {
		_ = c.conn.RemoveMatchSignal(
			dbus.WithMatchObjectPath(Path),
			dbus.WithMatchInterface(Interface),
		)
		c.conn.RemoveSignal(signals)
	}
	if c.owned {
		return c.conn.Close()
	}
	return nil
}

// Event is a decoded signal.
type Event interface {
	SignalName() string
}

// ModeChangedEvent is a decoded ModeChanged signal.
type ModeChangedEvent struct {
	NewMode Mode
	OldMode Mode
}

// BufferChangedEvent is a decoded BufferChanged signal.
type BufferChangedEvent struct {
	Buffer string
}

// CommandExecutedEvent is a decoded CommandExecuted signal.
type CommandExecutedEvent struct {
	Command    string
	Phrase     string
	Confidence float64
}

// StatusChangedEvent is a decoded StatusChanged signal.
type StatusChangedEvent struct {
	Status StatusPatch
}

// ErrorEvent is a decoded Error signal.
type ErrorEvent struct {
	Message string
	Details string
}

// NotificationEvent is a decoded Notification signal.
type NotificationEvent struct {
	Title   string
	Message string
	Urgency string
}

// ConfigChangedEvent is a decoded ConfigChanged signal.
type ConfigChangedEvent struct {
	Config string
}

func (ModeChangedEvent) SignalName() string     { return SignalModeChanged }
func (BufferChangedEvent) SignalName() string   { return SignalBufferChanged }
func (CommandExecutedEvent) SignalName() string { return SignalCommandExecuted }
func (StatusChangedEvent) SignalName() string   { return SignalStatusChanged }
func (ErrorEvent) SignalName() string           { return SignalError }
func (NotificationEvent) SignalName() string    { return SignalNotification }
func (ConfigChangedEvent) SignalName() string   { return SignalConfigChanged }

// ParseSignal decodes a signal of the willow interface.
func ParseSignal(sig *dbus.Signal) (Event, error) {
	if sig.Path != Path {
		return nil, fmt.Errorf("unexpected path %s", sig.Path)
	}
	iface, member, ok := cutMember(sig.Name)
	if !ok || iface != Interface {
		return nil, fmt.Errorf("unexpected signal %s", sig.Name)
	}

	switch member {
	case SignalModeChanged:
		var newMode, oldMode string
		if err := dbus.Store(sig.Body, &newMode, &oldMode); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", member, err)
		}
		nm, err := ParseMode(newMode)
		if err != nil {
			return nil, err
		}
		// The previous mode is informational; keep it even if unknown.
		return ModeChangedEvent{NewMode: nm, OldMode: Mode(oldMode)}, nil

	case SignalBufferChanged:
		var ev BufferChangedEvent
		if err := dbus.Store(sig.Body, &ev.Buffer); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", member, err)
		}
		return ev, nil

	case SignalCommandExecuted:
		var ev CommandExecutedEvent
		if err := dbus.Store(sig.Body, &ev.Command, &ev.Phrase, &ev.Confidence); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", member, err)
		}
		return ev, nil

	case SignalStatusChanged:
		var m map[string]dbus.Variant
		if err := dbus.Store(sig.Body, &m); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", member, err)
		}
		return StatusChangedEvent{Status: DecodeStatus(m)}, nil

	case SignalError:
		var ev ErrorEvent
		if err := dbus.Store(sig.Body, &ev.Message, &ev.Details); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", member, err)
		}
		return ev, nil

	case SignalNotification:
		var ev NotificationEvent
		if err := dbus.Store(sig.Body, &ev.Title, &ev.Message, &ev.Urgency); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", member, err)
		}
		return ev, nil

	case SignalConfigChanged:
		var ev ConfigChangedEvent
		if err := dbus.Store(sig.Body, &ev.Config); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", member, err)
		}
		return ev, nil
	}

	return nil, fmt.Errorf("unknown signal %s", member)
}

func cutMember(name string) (iface, member string, ok bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
