//go:generate go run go.uber.org/mock/mockgen -source=interfaces.go -destination=../mocks/mock_interfaces.go -package=mocks
package core

import (
	"context"
	"time"

	"github.com/dkeye/Proctor/internal/domain"
)

// IdentityGate resolves a bearer credential. Errors wrap domain.ErrAuth.
type IdentityGate interface {
	Verify(ctx context.Context, credential string) (domain.Identity, error)
}

// AuditSink is the side channel every lifecycle and relay event goes to.
// Append must not block the caller for long and never reports failure.
type AuditSink interface {
	Append(ctx context.Context, rec domain.AuditRecord)
}

// AuditWriter is the durable end of the audit pipeline.
type AuditWriter interface {
	AppendAudit(ctx context.Context, rec domain.AuditRecord) error
}

type SessionFilter struct {
	ProctorID  domain.UserID
	ExamineeID domain.UserID
	Status     domain.SessionStatus
}

type EnrollmentFilter struct {
	SessionID domain.SessionID
	UserID    domain.UserID
	Status    domain.ConnectionStatus
}

// SessionStore is the document store behind the session registry.
// Collections: exams, sessions, enrollments, audit. Lookups that find
// nothing return an error wrapping domain.ErrNotFound.
type SessionStore interface {
	AuditWriter

	UpsertExam(ctx context.Context, exam domain.Exam) error
	GetExam(ctx context.Context, id domain.ExamID) (domain.Exam, error)

	// CreateSession stores s unless a session for s.ExamID already exists,
	// in which case the existing one is returned with created=false.
	CreateSession(ctx context.Context, s domain.ExamSession) (stored domain.ExamSession, created bool, err error)
	GetSession(ctx context.Context, id domain.SessionID) (domain.ExamSession, error)
	GetSessionByExam(ctx context.Context, id domain.ExamID) (domain.ExamSession, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]domain.ExamSession, error)
	// UpdateStatus moves the session from -> to; it fails with
	// domain.ErrConflict when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id domain.SessionID, from, to domain.SessionStatus, at time.Time) error

	UpsertEnrollment(ctx context.Context, e domain.Enrollment) error
	GetEnrollment(ctx context.Context, sid domain.SessionID, uid domain.UserID) (domain.Enrollment, error)
	ListEnrollments(ctx context.Context, f EnrollmentFilter) ([]domain.Enrollment, error)

	ListAudit(ctx context.Context, sid domain.SessionID) ([]domain.AuditRecord, error)

	Close() error
}
