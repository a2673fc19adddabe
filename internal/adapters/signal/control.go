package signal

import (
	"github.com/dkeye/Proctor/internal/core"
)

func (ctl *SignalWSController) handlePing(h core.RoomHandle) {
	_ = ctl.Orch.Pong(h)
}
