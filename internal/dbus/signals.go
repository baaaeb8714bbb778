package dbus

import (
	"fmt"
)

func (s *Server) emit(name string, args ...any) error {
	conn := s.Connection()
	if conn == nil {
		return fmt.Errorf("not connected to D-Bus")
	}
	if err := conn.Emit(Path, Interface+"."+name, args...); err != nil {
		s.logger.Warn("failed to emit signal", "signal", name, "error", err)
		return fmt.Errorf("failed to emit %s signal: %w", name, err)
	}
	s.logger.Debug("emitted signal", "signal", name)
	return nil
}

// EmitModeChanged emits ModeChanged(new_mode, old_mode).
func (s *Server) EmitModeChanged(newMode, oldMode Mode) error {
	return s.emit(SignalModeChanged, string(newMode), string(oldMode))
}

// EmitBufferChanged emits BufferChanged(buffer).
func (s *Server) EmitBufferChanged(buffer string) error {
	return s.emit(SignalBufferChanged, buffer)
}

// EmitCommandExecuted emits CommandExecuted(command, phrase, confidence).
func (s *Server) EmitCommandExecuted(command, phrase string, confidence float64) error {
	return s.emit(SignalCommandExecuted, command, phrase, confidence)
}

// EmitStatusChanged emits StatusChanged(status) and refreshes the
// read-only properties.
func (s *Server) EmitStatusChanged(status Status) error {
	s.UpdateProperties(status)
	return s.emit(SignalStatusChanged, status.Map())
}

// EmitError emits Error(message, details).
func (s *Server) EmitError(message, details string) error {
	return s.emit(SignalError, message, details)
}

// EmitNotification emits Notification(title, message, urgency).
func (s *Server) EmitNotification(title, message, urgency string) error {
	return s.emit(SignalNotification, title, message, urgency)
}

// EmitConfigChanged emits ConfigChanged(config).
func (s *Server) EmitConfigChanged(config string) error {
	return s.emit(SignalConfigChanged, config)
}
