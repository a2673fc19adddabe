package domain

type (
	SessionID string
	ExamID    string
	HandleID  string
)

// Room is the runtime meta of one session's signaling room.
type Room struct {
	SessionID SessionID `json:"session_id"`
}
