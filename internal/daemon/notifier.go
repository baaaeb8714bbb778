package daemon

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/saim20/willow/internal/dbus"
)

// NotificationLevel indicates the urgency of an internal notification.
type NotificationLevel int

const (
	// NotificationLevelInfo is for informational messages (low urgency).
	NotificationLevelInfo NotificationLevel = iota
	// NotificationLevelWarning is for warning messages (normal urgency).
	NotificationLevelWarning
	// NotificationLevelError is for error messages (critical urgency).
	NotificationLevelError
)

// Urgency returns the bus urgency string for the level.
func (l NotificationLevel) Urgency() string {
	switch l {
	case NotificationLevelInfo:
		return dbus.UrgencyLow
	case NotificationLevelError:
		return dbus.UrgencyCritical
	default:
		return dbus.UrgencyNormal
	}
}

const notificationTitle = "Willow"

// Notifier publishes Notification signals with per-key rate limiting.
type Notifier struct {
	mu     sync.Mutex
	logger *slog.Logger
	clock  clockwork.Clock

	emit func(title, message, urgency string) error

	lastNotifyTime map[string]time.Time
	minInterval    time.Duration

	enabled bool
}

// NewNotifier creates a Notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger:         logger,
		clock:          clockwork.NewRealClock(),
		lastNotifyTime: make(map[string]time.Time),
		minInterval:    5 * time.Second,
		enabled:        true,
	}
}

// SetEmitter sets the function that publishes the signal.
func (n *Notifier) SetEmitter(emit func(title, message, urgency string) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emit = emit
}

// SetClock replaces the clock used for rate limiting.
func (n *Notifier) SetClock(c clockwork.Clock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clock = c
}

// SetEnabled enables or disables notifications.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// SetMinInterval sets the minimum interval between notifications sharing a
// key.
func (n *Notifier) SetMinInterval(interval time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.minInterval = interval
}

// Notify publishes a notification unless one with the same key went out
// within the minimum interval. It reports whether the signal was sent.
func (n *Notifier) Notify(key, message string, level NotificationLevel) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.enabled {
		return false
	}
	if n.emit == nil {
		n.logger.Debug("notification skipped: no emitter", "message", message)
		return false
	}

	now := n.clock.Now()
	if last, ok := n.lastNotifyTime[key]; ok && now.Sub(last) < n.minInterval {
		n.logger.Debug("notification rate-limited", "key", key, "message", message)
		return false
	}
	n.lastNotifyTime[key] = now

	n.logger.Debug("sending notification", "key", key, "message", message, "level", level)
	if err := n.emit(notificationTitle, message, level.Urgency()); err != nil {
		n.logger.Warn("failed to emit notification", "key", key, "error", err)
		return false
	}
	return true
}

// NotifyStarted announces that listening started.
func (n *Notifier) NotifyStarted() {
	n.Notify("service-started", "Service started", NotificationLevelInfo)
}

// NotifyStopped announces that listening stopped.
func (n *Notifier) NotifyStopped() {
	n.Notify("service-stopped", "Service stopped", NotificationLevelInfo)
}

// NotifyModeChanged announces a mode switch.
func (n *Notifier) NotifyModeChanged(mode dbus.Mode) {
	n.Notify("mode-"+string(mode), modeMessages[mode], NotificationLevelInfo)
}

// NotifyCommand announces an executed command.
func (n *Notifier) NotifyCommand(name string) {
	n.Notify("command-"+name, "Executed: "+name, NotificationLevelInfo)
}

// NotifyEngineReady announces a successful engine reload.
func (n *Notifier) NotifyEngineReady(model string) {
	n.Notify("engine-ready", "Speech model loaded: "+model, NotificationLevelInfo)
}

// NotifyConfigError announces that an external config edit was rejected.
func (n *Notifier) NotifyConfigError(err error) {
	n.Notify("config-error", "Configuration error: "+err.Error(), NotificationLevelWarning)
}

var modeMessages = map[dbus.Mode]string{
	dbus.ModeNormal:  "Listening for hotword",
	dbus.ModeCommand: "Command mode",
	dbus.ModeTyping:  "Typing mode",
}
