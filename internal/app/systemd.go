package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "moontele/pkg/logx"
)

// notify sends a state to systemd when running under a notify unit. It is
// a no-op elsewhere.
func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half its interval while alive
// reports healthy. It returns at once when the watchdog is off.
func watchdogLoop(ctx context.Context, log logx.Logger, alive func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if alive != nil && !alive() {
				log.Warn("skipping watchdog ping (unhealthy)")
				continue
			}
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
