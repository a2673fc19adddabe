package core

import "github.com/dkeye/Proctor/internal/domain"

// RoomHandle binds a live connection to (session, user, role).
// This is what a room stores and fans out to.
type RoomHandle interface {
	ID() domain.HandleID
	SessionID() domain.SessionID
	Meta() *domain.Member
	Signal() SignalConnection
	// MarkEvicted reports true exactly once, for the first caller.
	MarkEvicted() bool
	Evicted() bool
}
