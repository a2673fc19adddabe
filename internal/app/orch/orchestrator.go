package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Proctor/internal/app"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/rs/zerolog/log"
)

type admissionKey struct {
	sid domain.SessionID
	uid domain.UserID
}

// Orchestrator composes the identity gate, the session registry, the rooms
// and the audit sink for everything a connection or an API call does.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Gate     core.IdentityGate
	Audit    core.AuditSink

	// admission serializes Admit and Evict of one user in one session so
	// the enrollment row and the room agree.
	admission *app.KeyedMutex[admissionKey]
}

func New(reg *app.Registry, rooms core.RoomManager, policy app.Policy, gate core.IdentityGate, audit core.AuditSink) *Orchestrator {
	return &Orchestrator{
		Registry:  reg,
		Rooms:     rooms,
		Policy:    policy,
		Gate:      gate,
		Audit:     audit,
		admission: app.NewKeyedMutex[admissionKey](),
	}
}

// PublicMessage is the text a client may see for err: the message of a
// domain.Error, else the bare sentinel text. Store and decoder detail never
// leaves the process.
func PublicMessage(err error) string {
	var pub *domain.Error
	if errors.As(err, &pub) {
		return pub.Error()
	}
	for _, known := range []error{
		domain.ErrAuth, domain.ErrForbidden, domain.ErrNotFound, domain.ErrInvalidState,
		domain.ErrConflict, domain.ErrRelay, domain.ErrInvalidRequest,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal error"
}

// send delivers v to one handle and applies the backpressure policy if the
// handle cannot take it.
func (o *Orchestrator) send(h core.RoomHandle, event string, v any) error {
	f, err := Encode(event, v)
	if err != nil {
		return err
	}
	if err := h.Signal().TrySend(f); err != nil {
		o.onDropped(h)
		return err
	}
	return nil
}

// broadcast fans v out to every handle of sid's room except from that
// matches. It returns the recipients that accepted the frame.
func (o *Orchestrator) broadcast(sid domain.SessionID, from domain.HandleID, event string, v any, match func(core.RoomHandle) bool) []domain.UserID {
	room, ok := o.Rooms.Get(sid)
	if !ok {
		return nil
	}
	f, err := Encode(event, v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode broadcast")
		return nil
	}
	res := room.Broadcast(from, f, match)
	for _, slow := range res.Dropped {
		o.onDropped(slow)
	}
	return res.SentTo
}

// onDropped applies the policy to a handle whose buffer is full. Kicking
// only closes the transport; the adapter's read loop ends and runs Evict.
func (o *Orchestrator) onDropped(h core.RoomHandle) {
	if o.Policy == nil {
		return
	}
	room, _ := o.Rooms.Get(h.SessionID())
	switch o.Policy.OnBackPressure(room, h) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("session_id", string(h.SessionID())).Str("user", string(h.Meta().UserID)).
			Str("handle", string(h.ID())).Msg("kicking slow member")
		h.Signal().Close()
	case app.MarkSlow, app.DropFrame, app.NoAction:
	}
}

func (o *Orchestrator) audit(ctx context.Context, actor domain.UserID, sid domain.SessionID, ev domain.EventType, detail map[string]any) {
	o.Audit.Append(ctx, domain.NewAuditRecord(actor, sid, ev, detail))
}
