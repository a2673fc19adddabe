package domain

import "time"

// DetectionEvent is produced by the ML pipeline; the core only records and
// forwards it.
type DetectionEvent struct {
	SessionID     SessionID      `json:"session_id,omitempty" validate:"required_without=ExamID,max=64"`
	ExamID        ExamID         `json:"exam_id,omitempty" validate:"required_without=SessionID,max=64"`
	UserID        UserID         `json:"user_id" validate:"required,max=64"`
	EventType     string         `json:"event_type" validate:"required,max=64"`
	Severity      string         `json:"severity" validate:"required,oneof=low medium high critical"`
	Message       string         `json:"message" validate:"max=1024"`
	Details       map[string]any `json:"details,omitempty"`
	ScreenshotURL string         `json:"screenshot_url,omitempty" validate:"omitempty,url"`
	GeneratedAt   time.Time      `json:"generated_at"`
}
