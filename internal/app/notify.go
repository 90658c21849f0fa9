package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "plantmon/pkg/logx"
)

// notify sends a service manager state update. Outside systemd
// (no NOTIFY_SOCKET) it does nothing.
func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
