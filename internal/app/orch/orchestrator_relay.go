package orch

import (
	"context"
	"encoding/json"
	"slices"
	"unicode/utf8"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/dkeye/Proctor/internal/metrics"
	"github.com/rs/zerolog/log"
)

const maxAuditedPayload = 512

// relayRoles lists which in-session roles may send each relayed event.
var relayRoles = map[string][]domain.SessionRole{
	EventOffer:        {domain.SessionRoleExaminee},
	EventAnswer:       {domain.SessionRoleProctor},
	EventICECandidate: {domain.SessionRoleExaminee, domain.SessionRoleProctor},
	EventMessage:      {domain.SessionRoleExaminee, domain.SessionRoleProctor},
}

// relayResult is what a successful relay records.
type relayResult struct {
	event  domain.EventType
	detail map[string]any
}

// relay runs fn for a relayed event and records exactly one audit record
// for it: the success type fn reports, or RELAY_ERROR.
func (o *Orchestrator) relay(ctx context.Context, from core.RoomHandle, event string, fn func() (relayResult, error)) error {
	var res relayResult
	err := checkRelay(from, event)
	if err == nil {
		res, err = fn()
	}
	if err != nil {
		o.relayFailed(ctx, from, event, err)
		return err
	}
	metrics.Relays.WithLabelValues(event).Inc()
	o.audit(ctx, from.Meta().UserID, from.SessionID(), res.event, res.detail)
	return nil
}

func checkRelay(from core.RoomHandle, event string) error {
	if from.Evicted() {
		return domain.Errorf(domain.ErrRelay, "connection is closed")
	}
	if !slices.Contains(relayRoles[event], from.Meta().Role) {
		return domain.Errorf(domain.ErrForbidden, "%s may not send %s", from.Meta().Role, event)
	}
	return nil
}

func (o *Orchestrator) relayFailed(ctx context.Context, from core.RoomHandle, event string, err error) {
	metrics.RelayErrors.WithLabelValues(event).Inc()
	o.audit(ctx, from.Meta().UserID, from.SessionID(), domain.EventRelayError, map[string]any{
		"event":  event,
		"reason": PublicMessage(err),
	})
	log.Debug().Err(err).Str("module", "orch").Str("session_id", string(from.SessionID())).
		Str("user", string(from.Meta().UserID)).Str("event", event).Msg("relay failed")
}

// RejectRelay records a relay the transport refused before it reached the
// orchestrator, e.g. because of rate limiting or a malformed payload.
func (o *Orchestrator) RejectRelay(ctx context.Context, from core.RoomHandle, event string, err error) {
	o.relayFailed(ctx, from, event, err)
}

// target resolves the in-room handle for uid, never from itself.
func (o *Orchestrator) target(from core.RoomHandle, uid domain.UserID) (core.RoomHandle, error) {
	if uid == "" {
		return nil, domain.Errorf(domain.ErrInvalidRequest, "to_user_id is required")
	}
	room, ok := o.Rooms.Get(from.SessionID())
	if !ok {
		return nil, domain.Errorf(domain.ErrRelay, "room is gone")
	}
	h, ok := room.ByUser(uid)
	if !ok || h.ID() == from.ID() {
		return nil, domain.Errorf(domain.ErrRelay, "user %s is not in the room", uid)
	}
	return h, nil
}

func (o *Orchestrator) deliver(to core.RoomHandle, event string, v any) error {
	if err := o.send(to, event, v); err != nil {
		return domain.Errorf(domain.ErrRelay, "%s cannot take more messages", to.Meta().UserID)
	}
	return nil
}

// RelayOffer forwards an examinee's SDP offer to one proctor in the room.
func (o *Orchestrator) RelayOffer(ctx context.Context, from core.RoomHandle, offer json.RawMessage) error {
	return o.relay(ctx, from, EventOffer, func() (relayResult, error) {
		if len(offer) == 0 || !json.Valid(offer) {
			return relayResult{}, domain.Errorf(domain.ErrInvalidRequest, "offer must be JSON")
		}
		room, ok := o.Rooms.Get(from.SessionID())
		if !ok {
			return relayResult{}, domain.Errorf(domain.ErrRelay, "room is gone")
		}
		proctor, ok := room.FirstWithRole(domain.SessionRoleProctor, from.ID())
		if !ok {
			return relayResult{}, domain.Errorf(domain.ErrRelay, "no proctor in the exam room")
		}
		if err := o.deliver(proctor, EventOffer, OfferOut{Offer: offer, FromUserID: from.Meta().UserID}); err != nil {
			return relayResult{}, err
		}
		detail := summarizePayload(offer)
		detail["to_user_id"] = string(proctor.Meta().UserID)
		return relayResult{domain.EventRelayOffer, detail}, nil
	})
}

// RelayAnswer forwards a proctor's SDP answer to the examinee it names.
func (o *Orchestrator) RelayAnswer(ctx context.Context, from core.RoomHandle, in AnswerIn) error {
	return o.relay(ctx, from, EventAnswer, func() (relayResult, error) {
		if len(in.Answer) == 0 || !json.Valid(in.Answer) {
			return relayResult{}, domain.Errorf(domain.ErrInvalidRequest, "answer must be JSON")
		}
		to, err := o.target(from, in.ToUserID)
		if err != nil {
			return relayResult{}, err
		}
		if err := o.deliver(to, EventAnswer, AnswerOut{Answer: in.Answer, FromUserID: from.Meta().UserID}); err != nil {
			return relayResult{}, err
		}
		detail := summarizePayload(in.Answer)
		detail["to_user_id"] = string(to.Meta().UserID)
		return relayResult{domain.EventRelayAnswer, detail}, nil
	})
}

// RelayIceCandidate forwards a trickled ICE candidate to the named peer.
func (o *Orchestrator) RelayIceCandidate(ctx context.Context, from core.RoomHandle, in ICECandidateIn) error {
	return o.relay(ctx, from, EventICECandidate, func() (relayResult, error) {
		if len(in.Candidate) == 0 || !json.Valid(in.Candidate) {
			return relayResult{}, domain.Errorf(domain.ErrInvalidRequest, "candidate must be JSON")
		}
		to, err := o.target(from, in.ToUserID)
		if err != nil {
			return relayResult{}, err
		}
		if err := o.deliver(to, EventICECandidate, ICECandidateOut{Candidate: in.Candidate, FromUserID: from.Meta().UserID}); err != nil {
			return relayResult{}, err
		}
		return relayResult{domain.EventRelayICECandidate, map[string]any{
			"to_user_id": string(to.Meta().UserID),
		}}, nil
	})
}

// RelayMessage sends data verbatim to the user it names in user_id, or to
// every other handle in the room when user_id is empty.
func (o *Orchestrator) RelayMessage(ctx context.Context, from core.RoomHandle, data json.RawMessage) error {
	return o.relay(ctx, from, EventMessage, func() (relayResult, error) {
		var hdr messageHeader
		if err := json.Unmarshal(data, &hdr); err != nil {
			return relayResult{}, domain.Errorf(domain.ErrInvalidRequest, "message must be an object")
		}
		if hdr.UserID != "" {
			to, err := o.target(from, hdr.UserID)
			if err != nil {
				return relayResult{}, err
			}
			if err := o.deliver(to, EventMessage, data); err != nil {
				return relayResult{}, err
			}
			return relayResult{domain.EventMessageToUser, map[string]any{
				"content":  hdr.Content,
				"user_ids": []string{string(to.Meta().UserID)},
			}}, nil
		}
		sent := o.broadcast(from.SessionID(), from.ID(), EventMessage, data, nil)
		ids := make([]string, 0, len(sent))
		for _, uid := range sent {
			ids = append(ids, string(uid))
		}
		return relayResult{domain.EventMessageBroadcast, map[string]any{
			"content":  hdr.Content,
			"user_ids": ids,
		}}, nil
	})
}

// HandleUnknown records an event the server does not understand.
func (o *Orchestrator) HandleUnknown(ctx context.Context, from core.RoomHandle, event string, payload json.RawMessage) {
	raw := string(payload)
	if len(raw) > maxAuditedPayload {
		cut := maxAuditedPayload
		for cut > 0 && !utf8.RuneStart(raw[cut]) {
			cut--
		}
		raw = raw[:cut]
	}
	o.audit(ctx, from.Meta().UserID, from.SessionID(), domain.EventUnhandled, map[string]any{
		"event":   event,
		"payload": raw,
	})
	log.Warn().Str("module", "orch").Str("session_id", string(from.SessionID())).Str("user", string(from.Meta().UserID)).
		Str("event", event).Msg("unhandled event")
}
