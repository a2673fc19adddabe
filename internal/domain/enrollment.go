package domain

import "time"

type ConnectionStatus string

const (
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
)

// Enrollment is the durable record that a user joined a session.
// There is at most one per (SessionID, UserID).
type Enrollment struct {
	SessionID        SessionID        `json:"session_id" bson:"session_id"`
	UserID           UserID           `json:"user_id" bson:"user_id"`
	Role             SessionRole      `json:"role_in_session" bson:"role_in_session"`
	ConnectionStatus ConnectionStatus `json:"connection_status" bson:"connection_status"`
	JoinedAt         time.Time        `json:"joined_at" bson:"joined_at"`
	UpdatedAt        time.Time        `json:"updated_at" bson:"updated_at"`
}

func (e *Enrollment) IsConnected() bool { return e.ConnectionStatus == Connected }
