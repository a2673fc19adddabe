package orch

import (
	"context"
	"time"

	"github.com/dkeye/Proctor/internal/app"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/dkeye/Proctor/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

// Transition applies action through the registry and tells every handle of
// the session's room about the new status.
func (o *Orchestrator) Transition(ctx context.Context, sid domain.SessionID, action domain.Action, who domain.Identity) (domain.ExamSession, error) {
	s, err := o.Registry.Transition(ctx, sid, action, who)
	if err != nil {
		return s, err
	}
	o.BroadcastStatus(s, action, who.UserID)
	return s, nil
}

// BroadcastStatus pushes session_status to every handle in the room.
func (o *Orchestrator) BroadcastStatus(s domain.ExamSession, action domain.Action, actor domain.UserID) {
	out := SessionStatusOut{
		SessionID: s.SessionID,
		Status:    s.Status,
		Action:    action,
		Actor:     actor,
		At:        s.UpdatedAt,
	}
	sent := o.broadcast(s.SessionID, "", EventSessionStatus, out, nil)
	log.Info().Str("module", "orch").Str("session_id", string(s.SessionID)).Str("status", string(s.Status)).
		Int("notified", len(sent)).Msg("session status broadcast")
}

// detectors maps detection event types to the rule flag that enables them.
// Types not listed here, manual_flag and proctor_snapshot among them, are
// always pushed.
var detectors = map[string]func(domain.DetectRule) bool{
	"gaze_off_screen":          func(r domain.DetectRule) bool { return r.GazeOffScreen },
	"window_switch":            func(r domain.DetectRule) bool { return r.WindowSwitch },
	"prohibited_item_detected": func(r domain.DetectRule) bool { return r.ProhibitedItems },
	"multiple_faces":           func(r domain.DetectRule) bool { return r.MultipleFaces },
	"audio_noise":              func(r domain.DetectRule) bool { return r.AudioNoise },
}

// NotifyDetection records a detection event against its session and pushes
// it to the proctors currently in the room. Every event that resolves to a
// session is audited, including ones that are not pushed: invalid events
// and events from detectors the session did not enable. The delivered and
// reason fields of the record tell them apart.
func (o *Orchestrator) NotifyDetection(ctx context.Context, ev domain.DetectionEvent) (int, error) {
	if ev.SessionID == "" && ev.ExamID == "" {
		metrics.DetectionEvents.WithLabelValues("invalid").Inc()
		return 0, domain.Errorf(domain.ErrInvalidRequest, "detection event names no session or exam")
	}
	s, err := o.resolveDetection(ctx, ev)
	if err != nil {
		metrics.DetectionEvents.WithLabelValues("unknown_session").Inc()
		return 0, err
	}
	ev.SessionID, ev.ExamID = s.SessionID, s.ExamID
	if ev.GeneratedAt.IsZero() {
		ev.GeneratedAt = time.Now().UTC()
	}

	detail := map[string]any{
		"user_id":        string(ev.UserID),
		"event_type":     ev.EventType,
		"severity":       ev.Severity,
		"message":        ev.Message,
		"screenshot_url": ev.ScreenshotURL,
		"generated_at":   ev.GeneratedAt,
	}
	if len(ev.Details) > 0 {
		detail["details"] = ev.Details
	}

	if err := validate.Struct(ev); err != nil {
		o.recordDetection(ctx, ev, detail, "invalid_event")
		return 0, app.Invalid("detection event", err)
	}
	if on, ok := detectors[ev.EventType]; ok && !on(s.DetectRule) {
		o.recordDetection(ctx, ev, detail, "detector_disabled")
		return 0, nil
	}

	sent := o.broadcast(s.SessionID, "", EventDetection, ev, func(h core.RoomHandle) bool {
		return h.Meta().IsProctor()
	})
	detail["notified"] = len(sent)
	o.recordDetection(ctx, ev, detail, "")
	log.Info().Str("module", "orch").Str("session_id", string(s.SessionID)).Str("user", string(ev.UserID)).
		Str("event_type", ev.EventType).Str("severity", ev.Severity).Int("notified", len(sent)).Msg("detection")
	return len(sent), nil
}

// recordDetection audits a detection; an empty reason means it was pushed.
func (o *Orchestrator) recordDetection(ctx context.Context, ev domain.DetectionEvent, detail map[string]any, reason string) {
	detail["delivered"] = reason == ""
	if reason != "" {
		detail["reason"] = reason
		metrics.DetectionEvents.WithLabelValues(reason).Inc()
		log.Info().Str("module", "orch").Str("session_id", string(ev.SessionID)).Str("event_type", ev.EventType).
			Str("reason", reason).Msg("detection recorded, not pushed")
	} else {
		metrics.DetectionEvents.WithLabelValues("accepted").Inc()
	}
	o.audit(ctx, domain.System.UserID, ev.SessionID, domain.EventDetection, detail)
}

// Flag records a proctor's manual flag against an examinee of sid.
func (o *Orchestrator) Flag(ctx context.Context, sid domain.SessionID, who domain.Identity, uid domain.UserID, severity, message string) error {
	s, err := o.Registry.Supervise(ctx, sid, who)
	if err != nil {
		return err
	}
	if !s.IsExpectedExaminee(uid) {
		return domain.Errorf(domain.ErrInvalidRequest, "%s is not an examinee of %s", uid, sid)
	}
	_, err = o.NotifyDetection(ctx, domain.DetectionEvent{
		SessionID: sid,
		UserID:    uid,
		EventType: "manual_flag",
		Severity:  severity,
		Message:   message,
		Details:   map[string]any{"flagged_by": string(who.UserID)},
	})
	return err
}

func (o *Orchestrator) resolveDetection(ctx context.Context, ev domain.DetectionEvent) (domain.ExamSession, error) {
	if ev.SessionID != "" {
		return o.Registry.GetSession(ctx, ev.SessionID)
	}
	return o.Registry.GetSessionByExam(ctx, ev.ExamID)
}

// WhoAmI answers a whoami request on h.
func (o *Orchestrator) WhoAmI(ctx context.Context, h core.RoomHandle) error {
	out := WhoAmIOut{
		UserID:    h.Meta().UserID,
		Role:      h.Meta().Role,
		SessionID: h.SessionID(),
		Handle:    h.ID(),
	}
	if s, err := o.Registry.GetSession(ctx, h.SessionID()); err == nil {
		out.Status = s.Status
	}
	return o.send(h, EventWhoAmI, out)
}

// Pong answers a ping on h.
func (o *Orchestrator) Pong(h core.RoomHandle) error {
	return o.send(h, EventPong, nil)
}

// SendError reports err to h as an error event.
func (o *Orchestrator) SendError(h core.RoomHandle, err error) {
	_ = o.send(h, EventError, ErrorOut{Message: PublicMessage(err)})
}
