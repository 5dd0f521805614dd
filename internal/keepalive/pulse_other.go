//go:build !linux

package keepalive

import (
	"context"
	"time"
)

const (
	sdReady    = "READY=1"
	sdStopping = "STOPPING=1"
)

func sdNotify(string) (bool, error) { return false, nil }

func watchdogInterval() time.Duration { return 0 }

func (t *Ticker) platformPulse(context.Context) error {
	t.log.Debug("keep-alive tick")
	return nil
}
