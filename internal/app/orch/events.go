package orch

import (
	"encoding/json"
	"time"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

// Wire events. Every frame is {"type": <event>, "data": <payload>}.
const (
	EventOffer         = "webrtc-offer"
	EventAnswer        = "webrtc-answer"
	EventICECandidate  = "webrtc-ice-candidate"
	EventMessage       = "message"
	EventPing          = "ping"
	EventPong          = "pong"
	EventWhoAmI        = "whoami"
	EventRoomState     = "room_state"
	EventMemberJoined  = "member_joined"
	EventMemberLeft    = "member_left"
	EventSessionStatus = "session_status"
	EventDetection     = "detection"
	EventError         = "error"
)

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps data in an envelope for event.
func Encode(event string, data any) (core.Frame, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{event, data})
}

type OfferOut struct {
	Offer      json.RawMessage `json:"offer"`
	FromUserID domain.UserID   `json:"from_user_id"`
}

type AnswerIn struct {
	ToUserID domain.UserID   `json:"to_user_id"`
	Answer   json.RawMessage `json:"answer"`
}

type AnswerOut struct {
	Answer     json.RawMessage `json:"answer"`
	FromUserID domain.UserID   `json:"from_user_id"`
}

type ICECandidateIn struct {
	ToUserID  domain.UserID   `json:"to_user_id"`
	Candidate json.RawMessage `json:"candidate"`
}

type ICECandidateOut struct {
	Candidate  json.RawMessage `json:"candidate"`
	FromUserID domain.UserID   `json:"from_user_id"`
}

// messageHeader is the part of a chat message the server reads; the rest
// of the payload is forwarded untouched.
type messageHeader struct {
	UserID  domain.UserID `json:"user_id"`
	Content string        `json:"content"`
}

type RoomState struct {
	SessionID domain.SessionID     `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
	You       core.MemberDTO       `json:"you"`
	Members   []core.MemberDTO     `json:"members"`
	Count     int                  `json:"count"`
}

type MemberEvent struct {
	UserID domain.UserID      `json:"user_id"`
	Role   domain.SessionRole `json:"role_in_session"`
}

type SessionStatusOut struct {
	SessionID domain.SessionID     `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
	Action    domain.Action        `json:"action"`
	Actor     domain.UserID        `json:"actor_user_id"`
	At        time.Time            `json:"at"`
}

type WhoAmIOut struct {
	UserID    domain.UserID        `json:"user_id"`
	Role      domain.SessionRole   `json:"role_in_session"`
	SessionID domain.SessionID     `json:"session_id"`
	Status    domain.SessionStatus `json:"status,omitempty"`
	Handle    domain.HandleID      `json:"handle"`
}

type ErrorOut struct {
	Message string `json:"message"`
}
