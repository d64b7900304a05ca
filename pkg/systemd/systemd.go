// Package systemd reports service state to systemd through sd_notify.
// Every call is a no-op when the process was not started by systemd.
package systemd

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

func Ready() (bool, error) { return notify(daemon.SdNotifyReady) }

func Stopping() (bool, error) { return notify(daemon.SdNotifyStopping) }

func Reloading() (bool, error) { return notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(format string, args ...any) (bool, error) {
	return notify("STATUS=" + fmt.Sprintf(format, args...))
}

// WatchdogInterval returns the configured watchdog timeout, or 0 when the
// unit has no WatchdogSec.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

// Watchdog pings the service watchdog.
func Watchdog() (bool, error) { return notify(daemon.SdNotifyWatchdog) }
