package core

import (
	"github.com/dkeye/Proctor/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SentTo  []domain.UserID
	Dropped []RoomHandle
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	UserID domain.UserID      `json:"user_id"`
	Role   domain.SessionRole `json:"role_in_session"`
	Handle domain.HandleID    `json:"handle"`
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO

	// AddMember stores h and returns the handle it superseded for the same
	// user, if any.
	AddMember(h RoomHandle) (RoomHandle, bool)
	// RemoveMember drops h; it reports whether h was still the user's
	// current handle.
	RemoveMember(h RoomHandle) bool
	ByUser(id domain.UserID) (RoomHandle, bool)
	// FirstWithRole returns the earliest admitted handle holding role, other
	// than except.
	FirstWithRole(role domain.SessionRole, except domain.HandleID) (RoomHandle, bool)
	// Snapshot copies the current handles; callers fan out without the lock.
	Snapshot() []RoomHandle
	Broadcast(from domain.HandleID, data Frame, match func(RoomHandle) bool) PublishResult
}

type RoomInfo struct {
	SessionID   domain.SessionID `json:"session_id"`
	MemberCount int              `json:"member_count"`
}

type RoomManager interface {
	GetOrCreate(sid domain.SessionID) RoomService
	Get(sid domain.SessionID) (RoomService, bool)
	List() []RoomInfo
	// Release drops the room if it has no members left.
	Release(sid domain.SessionID) bool
}
