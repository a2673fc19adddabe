package domain

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventSessionCreated  EventType = "SESSION_CREATED"
	EventSessionReady    EventType = "SESSION_READY"
	EventExamStart       EventType = "EXAM_START"
	EventExamPause       EventType = "EXAM_PAUSE"
	EventExamResume      EventType = "EXAM_RESUME"
	EventExamStop        EventType = "EXAM_STOP"
	EventSessionArchived EventType = "SESSION_ARCHIVED"

	EventJoin  EventType = "JOIN"
	EventLeave EventType = "LEAVE"

	EventRelayOffer        EventType = "RELAY_OFFER"
	EventRelayAnswer       EventType = "RELAY_ANSWER"
	EventRelayICECandidate EventType = "RELAY_ICE_CANDIDATE"
	EventMessageToUser     EventType = "MESSAGE_TO_USER"
	EventMessageBroadcast  EventType = "MESSAGE_BROADCAST"
	EventRelayError        EventType = "RELAY_ERROR"
	EventUnhandled         EventType = "UNHANDLED_EVENT"

	EventDetection EventType = "DETECTION_EVENT"
)

// AuditRecord is append-only; nothing updates it after Append.
type AuditRecord struct {
	ID        string         `json:"id" bson:"_id"`
	Actor     UserID         `json:"actor_user_id" bson:"actor_user_id"`
	SessionID SessionID      `json:"session_id,omitempty" bson:"session_id,omitempty"`
	EventType EventType      `json:"event_type" bson:"event_type"`
	Timestamp time.Time      `json:"timestamp" bson:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty" bson:"detail,omitempty"`
}

func NewAuditRecord(actor UserID, sid SessionID, ev EventType, detail map[string]any) AuditRecord {
	return AuditRecord{
		ID:        uuid.NewString(),
		Actor:     actor,
		SessionID: sid,
		EventType: ev,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}
}
