package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	s := New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func draftSession(sid domain.SessionID, exam domain.ExamID) domain.ExamSession {
	now := time.Now().UTC()
	return domain.ExamSession{
		SessionID:           sid,
		ExamID:              exam,
		Title:               "Midterm",
		ProctorIDs:          []domain.UserID{"p1"},
		ExpectedExamineeIDs: []domain.UserID{"e1", "e2"},
		Status:              domain.StatusDraft,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func TestStore_CreateSessionIsIdempotentPerExam(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	first, created, err := s.CreateSession(ctx, draftSession("s1", "exam-1"))
	req.NoError(err)
	req.True(created)

	second, created, err := s.CreateSession(ctx, draftSession("s2", "exam-1"))
	req.NoError(err)
	req.False(created)
	req.Equal(first.SessionID, second.SessionID)

	byExam, err := s.GetSessionByExam(ctx, "exam-1")
	req.NoError(err)
	req.Equal(domain.SessionID("s1"), byExam.SessionID)

	_, err = s.GetSession(ctx, "s2")
	req.ErrorIs(err, domain.ErrNotFound)
}

func TestStore_NotFound(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetExam(ctx, "missing")
	req.ErrorIs(err, domain.ErrNotFound)
	_, err = s.GetSession(ctx, "missing")
	req.ErrorIs(err, domain.ErrNotFound)
	_, err = s.GetSessionByExam(ctx, "missing")
	req.ErrorIs(err, domain.ErrNotFound)
	_, err = s.GetEnrollment(ctx, "missing", "u")
	req.ErrorIs(err, domain.ErrNotFound)
}

func TestStore_UpdateStatusComparesPriorStatus(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)
	_, _, err := s.CreateSession(ctx, draftSession("s1", "exam-1"))
	req.NoError(err)

	at := time.Now().UTC().Add(time.Minute)
	req.NoError(s.UpdateStatus(ctx, "s1", domain.StatusDraft, domain.StatusReady, at))

	err = s.UpdateStatus(ctx, "s1", domain.StatusDraft, domain.StatusReady, at)
	req.ErrorIs(err, domain.ErrConflict)

	got, err := s.GetSession(ctx, "s1")
	req.NoError(err)
	req.Equal(domain.StatusReady, got.Status)
	req.True(got.UpdatedAt.Equal(at))
}

func TestStore_ListSessionsFilters(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	a := draftSession("s1", "exam-1")
	b := draftSession("s2", "exam-2")
	b.ProctorIDs = []domain.UserID{"p2"}
	b.ExpectedExamineeIDs = []domain.UserID{"e3"}
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	for _, sess := range []domain.ExamSession{a, b} {
		_, _, err := s.CreateSession(ctx, sess)
		req.NoError(err)
	}

	all, err := s.ListSessions(ctx, core.SessionFilter{})
	req.NoError(err)
	req.Len(all, 2)
	req.Equal(domain.SessionID("s1"), all[0].SessionID)

	byProctor, err := s.ListSessions(ctx, core.SessionFilter{ProctorID: "p2"})
	req.NoError(err)
	req.Len(byProctor, 1)
	req.Equal(domain.SessionID("s2"), byProctor[0].SessionID)

	byExaminee, err := s.ListSessions(ctx, core.SessionFilter{ExamineeID: "e1"})
	req.NoError(err)
	req.Len(byExaminee, 1)
	req.Equal(domain.SessionID("s1"), byExaminee[0].SessionID)

	none, err := s.ListSessions(ctx, core.SessionFilter{Status: domain.StatusRunning})
	req.NoError(err)
	req.Empty(none)
}

func TestStore_Enrollments(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()

	rows := []domain.Enrollment{
		{SessionID: "s1", UserID: "e1", Role: domain.SessionRoleExaminee, ConnectionStatus: domain.Connected, JoinedAt: now, UpdatedAt: now},
		{SessionID: "s1", UserID: "p1", Role: domain.SessionRoleProctor, ConnectionStatus: domain.Disconnected, JoinedAt: now, UpdatedAt: now},
		{SessionID: "s2", UserID: "e1", Role: domain.SessionRoleExaminee, ConnectionStatus: domain.Connected, JoinedAt: now, UpdatedAt: now},
	}
	for _, e := range rows {
		req.NoError(s.UpsertEnrollment(ctx, e))
	}

	inS1, err := s.ListEnrollments(ctx, core.EnrollmentFilter{SessionID: "s1"})
	req.NoError(err)
	req.Len(inS1, 2)

	connected, err := s.ListEnrollments(ctx, core.EnrollmentFilter{Status: domain.Connected})
	req.NoError(err)
	req.Len(connected, 2)

	forUser, err := s.ListEnrollments(ctx, core.EnrollmentFilter{UserID: "e1", SessionID: "s2"})
	req.NoError(err)
	req.Len(forUser, 1)

	// upsert replaces, never duplicates
	rows[0].ConnectionStatus = domain.Disconnected
	req.NoError(s.UpsertEnrollment(ctx, rows[0]))
	got, err := s.GetEnrollment(ctx, "s1", "e1")
	req.NoError(err)
	req.Equal(domain.Disconnected, got.ConnectionStatus)
	inS1, err = s.ListEnrollments(ctx, core.EnrollmentFilter{SessionID: "s1"})
	req.NoError(err)
	req.Len(inS1, 2)
}

func TestStore_AuditIsOrderedPerSession(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Now().UTC()
	for i, ev := range []domain.EventType{domain.EventSessionCreated, domain.EventJoin, domain.EventLeave} {
		rec := domain.NewAuditRecord("u1", "s1", ev, map[string]any{"n": i})
		rec.Timestamp = base.Add(time.Duration(i) * time.Millisecond)
		req.NoError(s.AppendAudit(ctx, rec))
	}
	req.NoError(s.AppendAudit(ctx, domain.NewAuditRecord("u2", "s10", domain.EventJoin, nil)))

	recs, err := s.ListAudit(ctx, "s1")
	req.NoError(err)
	req.Len(recs, 3)
	req.Equal(domain.EventSessionCreated, recs[0].EventType)
	req.Equal(domain.EventJoin, recs[1].EventType)
	req.Equal(domain.EventLeave, recs[2].EventType)
}

func TestOpen_InMemory(t *testing.T) {
	req := require.New(t)
	s, err := Open("")
	req.NoError(err)
	defer s.Close()

	req.NoError(s.UpsertExam(context.Background(), domain.Exam{ExamID: "x", ProctorIDs: []domain.UserID{"p"}}))
	got, err := s.GetExam(context.Background(), "x")
	req.NoError(err)
	req.Equal(domain.ExamID("x"), got.ExamID)
}
