package dbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/saim20/willow/internal/config"
)

// Handler implements the daemon behaviour behind the bus methods.
type Handler interface {
	SetMode(mode Mode) error
	GetMode() Mode
	GetStatus() Status
	GetConfig() string
	UpdateConfig(doc string) error
	SetConfigValue(key string, value any) error
	Start() error
	Stop() error
	Restart() error
	GetBuffer() string
}

// Server exports the willow control interface on the session bus.
type Server struct {
	conn    *dbus.Conn
	props   *prop.Properties
	handler Handler
	logger  *slog.Logger

	mu      sync.RWMutex
	running bool
}

// NewServer creates a new Server backed by handler.
func NewServer(handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler: handler,
		logger:  logger,
	}
}

// Start connects to the session bus, exports the interface and claims the
// bus name.
func (s *Server) Start() error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return s.StartOn(conn)
}

// StartOn exports the interface on an existing connection.
func (s *Server) StartOn(conn *dbus.Conn) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	if err := conn.Export(&object{handler: s.handler, logger: s.logger}, Path, Interface); err != nil {
		return fmt.Errorf("failed to export object: %w", err)
	}

	status := s.handler.GetStatus()
	props, err := prop.Export(conn, Path, prop.Map{
		Interface: {
			PropIsRunning:     {Value: status.IsRunning, Writable: false, Emit: prop.EmitTrue},
			PropCurrentMode:   {Value: string(status.CurrentMode), Writable: false, Emit: prop.EmitTrue},
			PropCurrentBuffer: {Value: status.CurrentBuffer, Writable: false, Emit: prop.EmitTrue},
			PropVersion:       {Value: Version, Writable: false, Emit: prop.EmitConst},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to export properties: %w", err)
	}

	node := &introspect.Node{
		Name: string(Path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       Interface,
				Methods:    Methods(),
				Signals:    SignalSpecs(),
				Properties: props.Introspection(Interface),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), Path,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspectable: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue|dbus.NameFlagReplaceExisting)
	if err != nil {
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", BusName)
	}

	s.mu.Lock()
	s.conn = conn
	s.props = props
	s.running = true
	s.mu.Unlock()

	s.logger.Info("D-Bus control server started", "bus_name", BusName, "path", Path)
	return nil
}

// Stop releases the bus name.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if _, err := s.conn.ReleaseName(BusName); err != nil {
		s.logger.Warn("failed to release bus name", "error", err)
	}
	// Don't close the connection as it's shared (SessionBus)

	s.logger.Info("D-Bus control server stopped")
	return nil
}

// Connection returns the underlying D-Bus connection.
func (s *Server) Connection() *dbus.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// UpdateProperties publishes status into the read-only properties. Changed
// values emit PropertiesChanged.
func (s *Server) UpdateProperties(status Status) {
	s.mu.RLock()
	props := s.props
	s.mu.RUnlock()
	if props == nil {
		return
	}
	props.SetMust(Interface, PropIsRunning, status.IsRunning)
	props.SetMust(Interface, PropCurrentMode, string(status.CurrentMode))
	props.SetMust(Interface, PropCurrentBuffer, status.CurrentBuffer)
}

// object is the value exported on the bus. Its method set is the
// interface's method set.
type object struct {
	handler Handler
	logger  *slog.Logger
}

// SetMode D-Bus method: SetMode(s mode)
func (o *object) SetMode(mode string) *dbus.Error {
	o.logger.Debug("SetMode called", "mode", mode)
	m, err := ParseMode(mode)
	if err != nil {
		return toDBusError(err)
	}
	return toDBusError(o.handler.SetMode(m))
}

// GetMode D-Bus method: GetMode() -> s
func (o *object) GetMode() (string, *dbus.Error) {
	return string(o.handler.GetMode()), nil
}

// GetStatus D-Bus method: GetStatus() -> a{sv}
func (o *object) GetStatus() (map[string]dbus.Variant, *dbus.Error) {
	return o.handler.GetStatus().Map(), nil
}

// GetConfig D-Bus method: GetConfig() -> s
func (o *object) GetConfig() (string, *dbus.Error) {
	return o.handler.GetConfig(), nil
}

// UpdateConfig D-Bus method: UpdateConfig(s config)
func (o *object) UpdateConfig(doc string) *dbus.Error {
	o.logger.Debug("UpdateConfig called", "bytes", len(doc))
	return toDBusError(o.handler.UpdateConfig(doc))
}

// SetConfigValue D-Bus method: SetConfigValue(s key, v value)
func (o *object) SetConfigValue(key string, value dbus.Variant) *dbus.Error {
	o.logger.Debug("SetConfigValue called", "key", key, "signature", value.Signature().String())
	return toDBusError(o.handler.SetConfigValue(key, plainValue(value.Value())))
}

// plainValue unwraps nested variants so handlers see plain Go values.
func plainValue(v any) any {
	switch x := v.(type) {
	case dbus.Variant:
		return plainValue(x.Value())
	case []dbus.Variant:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = plainValue(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = plainValue(item)
		}
		return out
	case map[string]dbus.Variant:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = plainValue(item)
		}
		return out
	}
	return v
}

// Start D-Bus method: Start()
func (o *object) Start() *dbus.Error {
	return toDBusError(o.handler.Start())
}

// Stop D-Bus method: Stop()
func (o *object) Stop() *dbus.Error {
	return toDBusError(o.handler.Stop())
}

// Restart D-Bus method: Restart()
func (o *object) Restart() *dbus.Error {
	return toDBusError(o.handler.Restart())
}

// GetBuffer D-Bus method: GetBuffer() -> s
func (o *object) GetBuffer() (string, *dbus.Error) {
	return o.handler.GetBuffer(), nil
}

// toDBusError maps handler errors to named D-Bus errors.
func toDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}

	var name string
	var verr *config.ValidationError
	switch {
	case errors.Is(err, ErrInvalidMode):
		name = ErrorInvalidMode
	case errors.Is(err, config.ErrUnknownKey):
		name = ErrorUnknownKey
	case errors.As(err, &verr) && verr.Key == "":
		name = ErrorInvalidConfig
	case errors.Is(err, config.ErrValidation):
		name = ErrorInvalidValue
	default:
		name = ErrorFailed
	}
	return dbus.NewError(name, []any{err.Error()})
}

// Methods returns the D-Bus method introspection data.
func Methods() []introspect.Method {
	return []introspect.Method{
		{Name: MethodSetMode, Args: []introspect.Arg{
			{Name: "mode", Type: "s", Direction: "in"},
		}},
		{Name: MethodGetMode, Args: []introspect.Arg{
			{Name: "mode", Type: "s", Direction: "out"},
		}},
		{Name: MethodGetStatus, Args: []introspect.Arg{
			{Name: "status", Type: "a{sv}", Direction: "out"},
		}},
		{Name: MethodGetConfig, Args: []introspect.Arg{
			{Name: "config", Type: "s", Direction: "out"},
		}},
		{Name: MethodUpdateConfig, Args: []introspect.Arg{
			{Name: "config", Type: "s", Direction: "in"},
		}},
		{Name: MethodSetConfigValue, Args: []introspect.Arg{
			{Name: "key", Type: "s", Direction: "in"},
			{Name: "value", Type: "v", Direction: "in"},
		}},
		{Name: MethodStart},
		{Name: MethodStop},
		{Name: MethodRestart},
		{Name: MethodGetBuffer, Args: []introspect.Arg{
			{Name: "buffer", Type: "s", Direction: "out"},
		}},
	}
}

// SignalSpecs returns the D-Bus signal introspection data.
func SignalSpecs() []introspect.Signal {
	return []introspect.Signal{
		{Name: SignalModeChanged, Args: []introspect.Arg{
			{Name: "new_mode", Type: "s"},
			{Name: "old_mode", Type: "s"},
		}},
		{Name: SignalBufferChanged, Args: []introspect.Arg{
			{Name: "buffer", Type: "s"},
		}},
		{Name: SignalCommandExecuted, Args: []introspect.Arg{
			{Name: "command", Type: "s"},
			{Name: "phrase", Type: "s"},
			{Name: "confidence", Type: "d"},
		}},
		{Name: SignalStatusChanged, Args: []introspect.Arg{
			{Name: "status", Type: "a{sv}"},
		}},
		{Name: SignalError, Args: []introspect.Arg{
			{Name: "message", Type: "s"},
			{Name: "details", Type: "s"},
		}},
		{Name: SignalNotification, Args: []introspect.Arg{
			{Name: "title", Type: "s"},
			{Name: "message", Type: "s"},
			{Name: "urgency", Type: "s"},
		}},
		{Name: SignalConfigChanged, Args: []introspect.Arg{
			{Name: "config", Type: "s"},
		}},
	}
}
