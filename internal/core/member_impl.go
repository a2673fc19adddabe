package core

import (
	"sync/atomic"

	"github.com/dkeye/Proctor/internal/domain"
	"github.com/google/uuid"
)

// roomHandle implements RoomHandle by pairing meta + transport.
type roomHandle struct {
	id      domain.HandleID
	sid     domain.SessionID
	meta    *domain.Member
	conn    SignalConnection
	evicted atomic.Bool
}

func NewRoomHandle(sid domain.SessionID, meta *domain.Member, conn SignalConnection) RoomHandle {
	return &roomHandle{
		id:   domain.HandleID(uuid.NewString()),
		sid:  sid,
		meta: meta,
		conn: conn,
	}
}

func (h *roomHandle) ID() domain.HandleID         { return h.id }
func (h *roomHandle) SessionID() domain.SessionID { return h.sid }
func (h *roomHandle) Meta() *domain.Member        { return h.meta }
func (h *roomHandle) Signal() SignalConnection    { return h.conn }
func (h *roomHandle) MarkEvicted() bool           { return h.evicted.CompareAndSwap(false, true) }
func (h *roomHandle) Evicted() bool               { return h.evicted.Load() }
