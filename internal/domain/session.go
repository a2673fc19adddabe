package domain

import (
	"slices"
	"time"
)

type SessionStatus string

const (
	StatusDraft    SessionStatus = "draft"
	StatusReady    SessionStatus = "ready"
	StatusRunning  SessionStatus = "running"
	StatusPaused   SessionStatus = "paused"
	StatusEnded    SessionStatus = "ended"
	StatusArchived SessionStatus = "archived"
)

type Action string

const (
	ActionActivate Action = "activate"
	ActionStart    Action = "start"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionStop     Action = "stop"
	ActionArchive  Action = "archive"
)

type edge struct {
	from   SessionStatus
	action Action
}

// transitions lists every legal edge. Anything else is ErrInvalidState.
var transitions = map[edge]SessionStatus{
	{StatusDraft, ActionActivate}: StatusReady,
	{StatusReady, ActionStart}:    StatusRunning,
	{StatusRunning, ActionPause}:  StatusPaused,
	{StatusPaused, ActionResume}:  StatusRunning,
	{StatusRunning, ActionStop}:   StatusEnded,
	{StatusPaused, ActionStop}:    StatusEnded,
	{StatusEnded, ActionArchive}:  StatusArchived,
}

var transitionEvents = map[Action]EventType{
	ActionActivate: EventSessionReady,
	ActionStart:    EventExamStart,
	ActionPause:    EventExamPause,
	ActionResume:   EventExamResume,
	ActionStop:     EventExamStop,
	ActionArchive:  EventSessionArchived,
}

func (a Action) Valid() bool {
	_, ok := transitionEvents[a]
	return ok
}

// Event is the audit event type recorded for a successful transition.
func (a Action) Event() EventType { return transitionEvents[a] }

// Next returns the status reached by applying a to s.
func (s SessionStatus) Next(a Action) (SessionStatus, error) {
	to, ok := transitions[edge{s, a}]
	if !ok {
		return s, Errorf(ErrInvalidState, "cannot %s a %s session", a, s)
	}
	return to, nil
}

func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusArchived
}

// DetectRule selects which cheating detectors run for a session.
type DetectRule struct {
	GazeOffScreen   bool `json:"detect_gaze_off_screen" bson:"detect_gaze_off_screen"`
	WindowSwitch    bool `json:"detect_window_switch" bson:"detect_window_switch"`
	ProhibitedItems bool `json:"detect_prohibited_items" bson:"detect_prohibited_items"`
	MultipleFaces   bool `json:"detect_multiple_faces" bson:"detect_multiple_faces"`
	AudioNoise      bool `json:"detect_audio_noise" bson:"detect_audio_noise"`
}

// Exam is the slice of exam metadata a session is created from.
type Exam struct {
	ExamID              ExamID    `json:"exam_id" bson:"exam_id" validate:"required,max=64"`
	Title               string    `json:"title" bson:"title" validate:"max=200"`
	ProctorIDs          []UserID  `json:"proctor_ids" bson:"proctor_ids" validate:"required,min=1,dive,required,max=64"`
	ExpectedExamineeIDs []UserID  `json:"expected_examinee_ids" bson:"expected_examinee_ids" validate:"dive,required,max=64"`
	CreatedAt           time.Time `json:"created_at" bson:"created_at"`
}

type ExamSession struct {
	SessionID           SessionID     `json:"session_id" bson:"session_id"`
	ExamID              ExamID        `json:"exam_id" bson:"exam_id"`
	Title               string        `json:"title" bson:"title"`
	ProctorIDs          []UserID      `json:"proctor_ids" bson:"proctor_ids"`
	ExpectedExamineeIDs []UserID      `json:"expected_examinee_ids" bson:"expected_examinee_ids"`
	DetectRule          DetectRule    `json:"detect_rule" bson:"detect_rule"`
	Status              SessionStatus `json:"status" bson:"status"`
	CreatedAt           time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" bson:"updated_at"`
}

func (s *ExamSession) IsProctor(id UserID) bool {
	return slices.Contains(s.ProctorIDs, id)
}

func (s *ExamSession) IsExpectedExaminee(id UserID) bool {
	return slices.Contains(s.ExpectedExamineeIDs, id)
}

// RoleOf reports which in-session role id may hold, if any.
func (s *ExamSession) RoleOf(id UserID) (SessionRole, bool) {
	switch {
	case s.IsProctor(id):
		return SessionRoleProctor, true
	case s.IsExpectedExaminee(id):
		return SessionRoleExaminee, true
	}
	return "", false
}
