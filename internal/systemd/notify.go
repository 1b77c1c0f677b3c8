// Package systemd reports the runner's state to the service manager over
// the sd_notify protocol.
package systemd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify states. Without NOTIFY_SOCKET every call is a no-op.
type Notifier struct {
	notify   func(unsetEnv bool, state string) (bool, error)
	watchdog func(unsetEnv bool) (time.Duration, error)
	logger   *slog.Logger
}

// NewNotifier creates a notifier bound to the process environment
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
		logger:   logger.With("component", "systemd"),
	}
}

// Ready tells the service manager that startup finished
func (n *Notifier) Ready() {
	n.send(daemon.SdNotifyReady)
}

// Watchdog pings the service watchdog
func (n *Notifier) Watchdog() {
	n.send(daemon.SdNotifyWatchdog)
}

// Stopping tells the service manager that shutdown began
func (n *Notifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

// Status publishes a free-form status line
func (n *Notifier) Status(format string, args ...any) {
	n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// WatchdogInterval returns the configured watchdog timeout, zero if disabled
func (n *Notifier) WatchdogInterval() time.Duration {
	d, err := n.watchdog(false)
	if err != nil {
		n.logger.Warn("cannot read watchdog settings", "error", err)
		return 0
	}
	return d
}

func (n *Notifier) send(state string) {
	sent, err := n.notify(false, state)
	if err != nil {
		n.logger.Warn("sd_notify failed", "state", state, "error", err)
		return
	}
	if sent {
		n.logger.Debug("sd_notify sent", "state", state)
	}
}
