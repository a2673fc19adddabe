package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Proctor/internal/app/orch"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

// handleRelay decodes a relayed event and hands it to the orchestrator.
// Failures go back to the sender as an error event; the connection stays
// open.
func (ctl *SignalWSController) handleRelay(ctx context.Context, h core.RoomHandle, env orch.Envelope) {
	var err error
	switch env.Type {
	case orch.EventOffer:
		err = ctl.Orch.RelayOffer(ctx, h, env.Data)
	case orch.EventAnswer:
		var in orch.AnswerIn
		if err = decode(env.Data, &in); err != nil {
			ctl.Orch.RejectRelay(ctx, h, env.Type, err)
			break
		}
		err = ctl.Orch.RelayAnswer(ctx, h, in)
	case orch.EventICECandidate:
		var in orch.ICECandidateIn
		if err = decode(env.Data, &in); err != nil {
			ctl.Orch.RejectRelay(ctx, h, env.Type, err)
			break
		}
		err = ctl.Orch.RelayIceCandidate(ctx, h, in)
	case orch.EventMessage:
		err = ctl.Orch.RelayMessage(ctx, h, env.Data)
	}
	if err != nil {
		ctl.Orch.SendError(h, err)
	}
}

func decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return domain.Errorf(domain.ErrInvalidRequest, "malformed payload")
	}
	return nil
}
