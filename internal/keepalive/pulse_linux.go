//go:build linux

package keepalive

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
)

func sdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func watchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

// platformPulse is a no-op outside systemd (SdNotify reports not sent).
func (t *Ticker) platformPulse(context.Context) error {
	_, err := t.notify(daemon.SdNotifyWatchdog)
	return err
}
