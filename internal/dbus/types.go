package dbus

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	// BusName is the well-known bus name claimed by willowd.
	BusName = "com.github.saim.Willow"
	// Interface is the control interface name.
	Interface = "com.github.saim.Willow"
	// Path is the control object path.
	Path = dbus.ObjectPath("/com/github/saim/VoiceAssistant")
	// Version is reported by the Version property.
	Version = "2.0.0"
)

// Method names.
const (
	MethodSetMode        = "SetMode"
	MethodGetMode        = "GetMode"
	MethodGetStatus      = "GetStatus"
	MethodGetConfig      = "GetConfig"
	MethodUpdateConfig   = "UpdateConfig"
	MethodSetConfigValue = "SetConfigValue"
	MethodStart          = "Start"
	MethodStop           = "Stop"
	MethodRestart        = "Restart"
	MethodGetBuffer      = "GetBuffer"
)

// Signal names.
const (
	SignalModeChanged     = "ModeChanged"
	SignalBufferChanged   = "BufferChanged"
	SignalCommandExecuted = "CommandExecuted"
	SignalStatusChanged   = "StatusChanged"
	SignalError           = "Error"
	SignalNotification    = "Notification"
	SignalConfigChanged   = "ConfigChanged"
)

// Signals lists every signal of the interface.
var Signals = []string{
	SignalModeChanged,
	SignalBufferChanged,
	SignalCommandExecuted,
	SignalStatusChanged,
	SignalError,
	SignalNotification,
	SignalConfigChanged,
}

// Property names.
const (
	PropIsRunning     = "IsRunning"
	PropCurrentMode   = "CurrentMode"
	PropCurrentBuffer = "CurrentBuffer"
	PropVersion       = "Version"
)

// Named D-Bus errors returned by the daemon.
const (
	ErrorUnknownKey    = Interface + ".Error.UnknownKey"
	ErrorInvalidValue  = Interface + ".Error.InvalidValue"
	ErrorInvalidConfig = Interface + ".Error.InvalidConfig"
	ErrorInvalidMode   = Interface + ".Error.InvalidMode"
	ErrorFailed        = Interface + ".Error.Failed"
)

// Status map keys.
const (
	KeyIsRunning     = "is_running"
	KeyCurrentMode   = "current_mode"
	KeyCurrentBuffer = "current_buffer"
	KeyCommandCount  = "command_count"
	KeyWhisperLoaded = "whisper_loaded"
	KeyEngineState   = "engine_state"
)

// Notification urgencies.
const (
	UrgencyLow      = "low"
	UrgencyNormal   = "normal"
	UrgencyCritical = "critical"
)

// ErrInvalidMode is returned for mode strings outside the Mode enum.
var ErrInvalidMode = errors.New("invalid mode")

// Mode is the daemon's listening mode.
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeCommand Mode = "command"
	ModeTyping  Mode = "typing"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeNormal, ModeCommand, ModeTyping:
		return m, nil
	}
	return "", fmt.Errorf("%w %q: must be normal, command or typing", ErrInvalidMode, s)
}

// String returns the mode name.
func (m Mode) String() string {
	return string(m)
}

// Status is the daemon status reported by GetStatus and StatusChanged.
type Status struct {
	IsRunning     bool
	CurrentMode   Mode
	CurrentBuffer string
	CommandCount  int32
	WhisperLoaded bool
	EngineState   string
}

// Map encodes the status as an a{sv} dictionary.
func (s Status) Map() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		KeyIsRunning:     dbus.MakeVariant(s.IsRunning),
		KeyCurrentMode:   dbus.MakeVariant(string(s.CurrentMode)),
		KeyCurrentBuffer: dbus.MakeVariant(s.CurrentBuffer),
		KeyCommandCount:  dbus.MakeVariant(s.CommandCount),
		KeyWhisperLoaded: dbus.MakeVariant(s.WhisperLoaded),
		KeyEngineState:   dbus.MakeVariant(s.EngineState),
	}
}

// StatusPatch is a decoded status dictionary. Nil fields were absent or
// carried a value of the wrong type.
type StatusPatch struct {
	IsRunning     *bool
	CurrentMode   *Mode
	CurrentBuffer *string
	CommandCount  *int32
	WhisperLoaded *bool
	EngineState   *string
}

// DecodeStatus reads the known keys of a status dictionary.
func DecodeStatus(m map[string]dbus.Variant) StatusPatch {
	var p StatusPatch
	if v, ok := m[KeyIsRunning]; ok {
		if b, ok := v.Value().(bool); ok {
			p.IsRunning = &b
		}
	}
	if v, ok := m[KeyCurrentMode]; ok {
		if s, ok := v.Value().(string); ok {
			if mode, err := ParseMode(s); err == nil {
				p.CurrentMode = &mode
			}
		}
	}
	if v, ok := m[KeyCurrentBuffer]; ok {
		if s, ok := v.Value().(string); ok {
			p.CurrentBuffer = &s
		}
	}
	if v, ok := m[KeyCommandCount]; ok {
		switch n := v.Value().(type) {
		case int32:
			p.CommandCount = &n
		case int64:
			c := int32(n)
			p.CommandCount = &c
		case uint32:
			c := int32(n)
			p.CommandCount = &c
		}
	}
	if v, ok := m[KeyWhisperLoaded]; ok {
		if b, ok := v.Value().(bool); ok {
			p.WhisperLoaded = &b
		}
	}
	if v, ok := m[KeyEngineState]; ok {
		if s, ok := v.Value().(string); ok {
			p.EngineState = &s
		}
	}
	return p
}

// Apply overlays the fields present in p onto s.
func (p StatusPatch) Apply(s Status) Status {
	if p.IsRunning != nil {
		s.IsRunning = *p.IsRunning
	}
	if p.CurrentMode != nil {
		s.CurrentMode = *p.CurrentMode
	}
	if p.CurrentBuffer != nil {
		s.CurrentBuffer = *p.CurrentBuffer
	}
	if p.CommandCount != nil {
		s.CommandCount = *p.CommandCount
	}
	if p.WhisperLoaded != nil {
		s.WhisperLoaded = *p.WhisperLoaded
	}
	if p.EngineState != nil {
		s.EngineState = *p.EngineState
	}
	return s
}
