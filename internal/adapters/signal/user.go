package signal

import (
	"context"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleWhoAmI(ctx context.Context, h core.RoomHandle) {
	if err := ctl.Orch.WhoAmI(ctx, h); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("handle", string(h.ID())).Msg("whoami")
	}
}
