package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Proctor/internal/app/orch"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

// readPump processes the frames of one connection in order. When it ends
// the handle is evicted.
func (ctl *SignalWSController) readPump(ctx context.Context, h core.RoomHandle, c *WsSignalConn) {
	sid, uid := h.SessionID(), h.Meta().UserID
	defer func() {
		log.Info().Str("module", "signal").Str("session_id", string(sid)).Str("user", string(uid)).Msg("readPump closing")
		c.Close()
		ctl.limiter.Forget(h.ID())
		ctl.Orch.Evict(context.WithoutCancel(ctx), h, orch.ReasonDisconnect)
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("session_id", string(sid)).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		ctl.handleSignal(ctx, h, data)
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, h core.RoomHandle, data []byte) {
	var env orch.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("bad json")
		ctl.Orch.SendError(h, domain.Errorf(domain.ErrInvalidRequest, "frame is not a JSON envelope"))
		return
	}

	switch env.Type {
	case orch.EventPing:
		ctl.handlePing(h)
	case orch.EventWhoAmI:
		ctl.handleWhoAmI(ctx, h)
	case orch.EventOffer, orch.EventAnswer, orch.EventICECandidate, orch.EventMessage:
		if !ctl.limiter.Allow(h.ID()) {
			err := domain.Errorf(domain.ErrRelay, "rate limit exceeded")
			ctl.Orch.RejectRelay(ctx, h, env.Type, err)
			ctl.Orch.SendError(h, err)
			return
		}
		ctl.handleRelay(ctx, h, env)
	default:
		ctl.Orch.HandleUnknown(ctx, h, env.Type, env.Data)
	}
}
