package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/dkeye/Proctor/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Registry is the canonical owner of exam sessions and their enrollments.
// Every status change and every enrollment write for one session runs under
// that session's lock; the store's compare-and-set on status backs it up
// across processes.
type Registry struct {
	store core.SessionStore
	audit core.AuditSink
	locks *KeyedMutex[domain.SessionID]
	now   func() time.Time
}

func NewRegistry(store core.SessionStore, audit core.AuditSink) *Registry {
	return &Registry{
		store: store,
		audit: audit,
		locks: NewKeyedMutex[domain.SessionID](),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// UpsertExam stores the exam metadata sessions are created from.
func (r *Registry) UpsertExam(ctx context.Context, exam domain.Exam, who domain.Identity) (domain.Exam, error) {
	if who.Role != domain.RoleAdmin {
		return domain.Exam{}, domain.Errorf(domain.ErrForbidden, "only admins manage exams")
	}
	if err := validate.Struct(exam); err != nil {
		return domain.Exam{}, Invalid("exam", err)
	}
	exam.ProctorIDs = lo.Uniq(exam.ProctorIDs)
	exam.ExpectedExamineeIDs = lo.Uniq(exam.ExpectedExamineeIDs)
	if exam.CreatedAt.IsZero() {
		exam.CreatedAt = r.now()
	}
	if err := r.store.UpsertExam(ctx, exam); err != nil {
		return domain.Exam{}, fmt.Errorf("upsert exam: %w", err)
	}
	log.Info().Str("module", "app.registry").Str("exam_id", string(exam.ExamID)).Str("user", string(who.UserID)).Msg("exam stored")
	return exam, nil
}

// CreateSession returns the session for examID, creating a draft one from
// the exam roster if none exists yet. created reports which happened.
func (r *Registry) CreateSession(ctx context.Context, examID domain.ExamID, rule domain.DetectRule, who domain.Identity) (s domain.ExamSession, created bool, err error) {
	if who.Role != domain.RoleAdmin {
		return s, false, domain.Errorf(domain.ErrForbidden, "only admins create sessions")
	}
	exam, err := r.store.GetExam(ctx, examID)
	if err != nil {
		return s, false, fmt.Errorf("exam %s: %w", examID, err)
	}
	now := r.now()
	s, created, err = r.store.CreateSession(ctx, domain.ExamSession{
		SessionID:           domain.SessionID(uuid.NewString()),
		ExamID:              exam.ExamID,
		Title:               exam.Title,
		ProctorIDs:          lo.Uniq(exam.ProctorIDs),
		ExpectedExamineeIDs: lo.Uniq(exam.ExpectedExamineeIDs),
		DetectRule:          rule,
		Status:              domain.StatusDraft,
		CreatedAt:           now,
		UpdatedAt:           now,
	})
	if err != nil {
		return s, false, fmt.Errorf("create session: %w", err)
	}
	if !created {
		log.Debug().Str("module", "app.registry").Str("exam_id", string(examID)).Str("session_id", string(s.SessionID)).Msg("session already exists")
		return s, false, nil
	}
	r.audit.Append(ctx, domain.NewAuditRecord(who.UserID, s.SessionID, domain.EventSessionCreated, map[string]any{
		"exam_id": string(s.ExamID),
	}))
	log.Info().Str("module", "app.registry").Str("exam_id", string(examID)).Str("session_id", string(s.SessionID)).Msg("session created")
	return s, true, nil
}

func (r *Registry) GetSession(ctx context.Context, sid domain.SessionID) (domain.ExamSession, error) {
	return r.store.GetSession(ctx, sid)
}

func (r *Registry) GetSessionByExam(ctx context.Context, examID domain.ExamID) (domain.ExamSession, error) {
	return r.store.GetSessionByExam(ctx, examID)
}

// ViewSession is GetSession for an API caller: admins see everything,
// everyone else only sessions they are rostered on.
func (r *Registry) ViewSession(ctx context.Context, sid domain.SessionID, who domain.Identity) (domain.ExamSession, error) {
	s, err := r.store.GetSession(ctx, sid)
	if err != nil {
		return s, err
	}
	if !canView(&s, who) {
		return domain.ExamSession{}, domain.Errorf(domain.ErrForbidden, "not on the roster of %s", sid)
	}
	return s, nil
}

// ViewSessionByExam applies the same visibility as ViewSession.
func (r *Registry) ViewSessionByExam(ctx context.Context, examID domain.ExamID, who domain.Identity) (domain.ExamSession, error) {
	s, err := r.store.GetSessionByExam(ctx, examID)
	if err != nil {
		return s, err
	}
	if !canView(&s, who) {
		return domain.ExamSession{}, domain.Errorf(domain.ErrForbidden, "not on the roster of %s", s.SessionID)
	}
	return s, nil
}

// ListSessions returns what who may see: admins all sessions, supervisors
// the ones they proctor, examinees the ones they are expected in.
func (r *Registry) ListSessions(ctx context.Context, who domain.Identity) ([]domain.ExamSession, error) {
	var f core.SessionFilter
	switch who.Role {
	case domain.RoleAdmin:
	case domain.RoleSupervisor:
		f.ProctorID = who.UserID
	case domain.RoleExaminee:
		f.ExamineeID = who.UserID
	default:
		return nil, domain.Errorf(domain.ErrForbidden, "role %q", who.Role)
	}
	return r.store.ListSessions(ctx, f)
}

// Transition applies action to the session and returns its new state.
func (r *Registry) Transition(ctx context.Context, sid domain.SessionID, action domain.Action, who domain.Identity) (domain.ExamSession, error) {
	if !action.Valid() {
		return domain.ExamSession{}, domain.Errorf(domain.ErrInvalidRequest, "unknown action %q", action)
	}
	unlock := r.locks.Lock(sid)
	defer unlock()

	s, err := r.store.GetSession(ctx, sid)
	if err != nil {
		return domain.ExamSession{}, err
	}
	if !canTransition(&s, action, who) {
		return s, domain.Errorf(domain.ErrForbidden, "%s may not %s session %s", who.UserID, action, sid)
	}
	if err := r.applyLocked(ctx, &s, action, who.UserID, nil); err != nil {
		return s, err
	}
	return s, nil
}

// applyLocked moves s along action's edge. The caller holds s's lock.
func (r *Registry) applyLocked(ctx context.Context, s *domain.ExamSession, action domain.Action, actor domain.UserID, extra map[string]any) error {
	from := s.Status
	to, err := from.Next(action)
	if err != nil {
		return err
	}
	now := r.now()
	if err := r.store.UpdateStatus(ctx, s.SessionID, from, to, now); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("update status of %s: %w", s.SessionID, err)
		}
		// another writer moved the session first
		if cur, rerr := r.store.GetSession(ctx, s.SessionID); rerr == nil {
			*s = cur
		}
		return domain.Errorf(domain.ErrInvalidState, "session %s is now %s", s.SessionID, s.Status)
	}
	s.Status = to
	s.UpdatedAt = now

	detail := map[string]any{
		"action": string(action),
		"from":   string(from),
		"to":     string(to),
	}
	for k, v := range extra {
		detail[k] = v
	}
	r.audit.Append(ctx, domain.NewAuditRecord(actor, s.SessionID, action.Event(), detail))
	metrics.Transitions.WithLabelValues(string(action)).Inc()
	log.Info().Str("module", "app.registry").Str("session_id", string(s.SessionID)).Str("user", string(actor)).
		Str("from", string(from)).Str("to", string(to)).Msg("session transitioned")
	return nil
}

// IsExpectedParticipant reports the in-session role uid is rostered for.
func (r *Registry) IsExpectedParticipant(ctx context.Context, sid domain.SessionID, uid domain.UserID) (domain.SessionRole, bool, error) {
	s, err := r.store.GetSession(ctx, sid)
	if err != nil {
		return "", false, err
	}
	role, ok := s.RoleOf(uid)
	return role, ok, nil
}

// CheckJoin runs the join rules for uid as role without writing anything.
func (r *Registry) CheckJoin(ctx context.Context, sid domain.SessionID, uid domain.UserID, role domain.SessionRole) (domain.ExamSession, error) {
	s, err := r.store.GetSession(ctx, sid)
	if err != nil {
		return s, err
	}
	return s, checkJoin(&s, uid, role)
}

// JoinAsExaminee enrolls uid as an examinee. joined is false when uid was
// already connected and nothing changed.
func (r *Registry) JoinAsExaminee(ctx context.Context, sid domain.SessionID, uid domain.UserID) (e domain.Enrollment, joined bool, err error) {
	unlock := r.locks.Lock(sid)
	defer unlock()

	s, err := r.store.GetSession(ctx, sid)
	if err != nil {
		return e, false, err
	}
	if err := checkJoin(&s, uid, domain.SessionRoleExaminee); err != nil {
		return e, false, err
	}
	return r.enrollLocked(ctx, &s, uid, domain.SessionRoleExaminee)
}

// JoinAsProctor enrolls uid as a proctor. The first proctor to join a
// draft session moves it to ready before being enrolled, so a failed
// activation leaves no enrollment behind.
func (r *Registry) JoinAsProctor(ctx context.Context, sid domain.SessionID, uid domain.UserID) (e domain.Enrollment, joined bool, err error) {
	unlock := r.locks.Lock(sid)
	defer unlock()

	s, err := r.store.GetSession(ctx, sid)
	if err != nil {
		return e, false, err
	}
	if err := checkJoin(&s, uid, domain.SessionRoleProctor); err != nil {
		return e, false, err
	}
	if s.Status == domain.StatusDraft {
		if err := r.applyLocked(ctx, &s, domain.ActionActivate, uid, map[string]any{"auto": true}); err != nil {
			return e, false, err
		}
	}
	return r.enrollLocked(ctx, &s, uid, domain.SessionRoleProctor)
}

func (r *Registry) enrollLocked(ctx context.Context, s *domain.ExamSession, uid domain.UserID, role domain.SessionRole) (domain.Enrollment, bool, error) {
	prev, err := r.store.GetEnrollment(ctx, s.SessionID, uid)
	switch {
	case err == nil && prev.IsConnected():
		return prev, false, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.Enrollment{}, false, fmt.Errorf("read enrollment: %w", err)
	}
	now := r.now()
	e := domain.Enrollment{
		SessionID:        s.SessionID,
		UserID:           uid,
		Role:             role,
		ConnectionStatus: domain.Connected,
		JoinedAt:         now,
		UpdatedAt:        now,
	}
	if err := r.store.UpsertEnrollment(ctx, e); err != nil {
		return domain.Enrollment{}, false, fmt.Errorf("write enrollment: %w", err)
	}
	r.audit.Append(ctx, domain.NewAuditRecord(uid, s.SessionID, domain.EventJoin, map[string]any{
		"role_in_session": string(role),
	}))
	log.Info().Str("module", "app.registry").Str("session_id", string(s.SessionID)).Str("user", string(uid)).Str("role", string(role)).Msg("joined")
	return e, true, nil
}

// Leave marks the enrollment disconnected. Enrollments are never deleted.
func (r *Registry) Leave(ctx context.Context, sid domain.SessionID, uid domain.UserID) error {
	unlock := r.locks.Lock(sid)
	defer unlock()
	return r.disconnectLocked(ctx, sid, uid, nil)
}

func (r *Registry) disconnectLocked(ctx context.Context, sid domain.SessionID, uid domain.UserID, detail map[string]any) error {
	e, err := r.store.GetEnrollment(ctx, sid, uid)
	if err != nil {
		return err
	}
	e.ConnectionStatus = domain.Disconnected
	e.UpdatedAt = r.now()
	if err := r.store.UpsertEnrollment(ctx, e); err != nil {
		return fmt.Errorf("write enrollment: %w", err)
	}
	r.audit.Append(ctx, domain.NewAuditRecord(uid, sid, domain.EventLeave, detail))
	log.Info().Str("module", "app.registry").Str("session_id", string(sid)).Str("user", string(uid)).Msg("left")
	return nil
}

// Supervise returns the session if who is an admin or one of its proctors.
func (r *Registry) Supervise(ctx context.Context, sid domain.SessionID, who domain.Identity) (domain.ExamSession, error) {
	s, err := r.store.GetSession(ctx, sid)
	if err != nil {
		return s, err
	}
	if !canSupervise(&s, who) {
		return domain.ExamSession{}, domain.Errorf(domain.ErrForbidden, "%s does not supervise %s", who.UserID, sid)
	}
	return s, nil
}

// ListEnrollments is the roster view for admins and the session's proctors.
func (r *Registry) ListEnrollments(ctx context.Context, sid domain.SessionID, who domain.Identity) ([]domain.Enrollment, error) {
	if _, err := r.Supervise(ctx, sid, who); err != nil {
		return nil, err
	}
	return r.store.ListEnrollments(ctx, core.EnrollmentFilter{SessionID: sid})
}

// ListAudit returns the session's audit trail. Admins only.
func (r *Registry) ListAudit(ctx context.Context, sid domain.SessionID, who domain.Identity) ([]domain.AuditRecord, error) {
	if who.Role != domain.RoleAdmin {
		return nil, domain.Errorf(domain.ErrForbidden, "only admins read audit logs")
	}
	if _, err := r.store.GetSession(ctx, sid); err != nil {
		return nil, err
	}
	return r.store.ListAudit(ctx, sid)
}

// Reconcile marks every connected enrollment disconnected. It runs once at
// startup, when no connection can be live yet, and assumes the store is not
// shared with another running instance.
func (r *Registry) Reconcile(ctx context.Context) (int, error) {
	return r.sweep(ctx, func(domain.Enrollment) bool { return true }, "reconcile")
}

// ReconcileStale disconnects enrollments still marked connected that have
// no live handle and were last touched before now-grace.
func (r *Registry) ReconcileStale(ctx context.Context, grace time.Duration, live func(domain.SessionID, domain.UserID) bool) (int, error) {
	cutoff := r.now().Add(-grace)
	return r.sweep(ctx, func(e domain.Enrollment) bool {
		return e.UpdatedAt.Before(cutoff) && !live(e.SessionID, e.UserID)
	}, "stale")
}

func (r *Registry) sweep(ctx context.Context, stale func(domain.Enrollment) bool, reason string) (int, error) {
	connected, err := r.store.ListEnrollments(ctx, core.EnrollmentFilter{Status: domain.Connected})
	if err != nil {
		return 0, fmt.Errorf("list connected enrollments: %w", err)
	}
	n := 0
	for _, e := range lo.Filter(connected, func(e domain.Enrollment, _ int) bool { return stale(e) }) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := r.sweepOne(ctx, e.SessionID, e.UserID, stale, reason)
		if err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("session_id", string(e.SessionID)).Str("user", string(e.UserID)).Msg("reconcile failed")
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		metrics.ReconciledEnrollments.Add(float64(n))
		log.Info().Str("module", "app.registry").Str("reason", reason).Int("count", n).Msg("enrollments reconciled")
	}
	return n, nil
}

// sweepOne re-reads the enrollment under the session lock so a join that
// raced the listing is not undone.
func (r *Registry) sweepOne(ctx context.Context, sid domain.SessionID, uid domain.UserID, stale func(domain.Enrollment) bool, reason string) (bool, error) {
	unlock := r.locks.Lock(sid)
	defer unlock()
	e, err := r.store.GetEnrollment(ctx, sid, uid)
	if err != nil {
		return false, err
	}
	if !e.IsConnected() || !stale(e) {
		return false, nil
	}
	return true, r.disconnectLocked(ctx, sid, uid, map[string]any{"reason": reason})
}

func checkJoin(s *domain.ExamSession, uid domain.UserID, role domain.SessionRole) error {
	switch role {
	case domain.SessionRoleExaminee:
		if !s.IsExpectedExaminee(uid) {
			return domain.Errorf(domain.ErrForbidden, "%s is not expected in %s", uid, s.SessionID)
		}
		if s.Status != domain.StatusReady {
			return domain.Errorf(domain.ErrInvalidState, "examinees join ready sessions, %s is %s", s.SessionID, s.Status)
		}
	case domain.SessionRoleProctor:
		if !s.IsProctor(uid) {
			return domain.Errorf(domain.ErrForbidden, "%s is not a proctor of %s", uid, s.SessionID)
		}
		if s.Status != domain.StatusDraft && s.Status != domain.StatusReady {
			return domain.Errorf(domain.ErrInvalidState, "proctors join draft or ready sessions, %s is %s", s.SessionID, s.Status)
		}
	default:
		return domain.Errorf(domain.ErrInvalidRequest, "role %q", role)
	}
	return nil
}

func canTransition(s *domain.ExamSession, action domain.Action, who domain.Identity) bool {
	switch who.Role {
	case domain.RoleAdmin:
		return true
	case domain.RoleSupervisor:
		return action != domain.ActionArchive && s.IsProctor(who.UserID)
	}
	return false
}

func canSupervise(s *domain.ExamSession, who domain.Identity) bool {
	return who.Role == domain.RoleAdmin || (who.Role == domain.RoleSupervisor && s.IsProctor(who.UserID))
}

func canView(s *domain.ExamSession, who domain.Identity) bool {
	if canSupervise(s, who) {
		return true
	}
	return who.Role == domain.RoleExaminee && s.IsExpectedExaminee(who.UserID)
}
