package app

import "github.com/dkeye/Proctor/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.RoomHandle) BackpressureAction
}

// SimplePolicy kicks slow members; a signaling peer that cannot keep up has
// lost its negotiation anyway.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room core.RoomService, member core.RoomHandle) BackpressureAction {
	return KickMember
}

// TolerantPolicy drops the frame and keeps the member.
type TolerantPolicy struct{}

func (TolerantPolicy) OnBackPressure(room core.RoomService, member core.RoomHandle) BackpressureAction {
	return DropFrame
}
