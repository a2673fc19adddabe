package core

import (
	"slices"
	"sync"

	"github.com/dkeye/Proctor/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room     *domain.Room
	mu       sync.RWMutex
	byHandle map[domain.HandleID]RoomHandle
	byUser   map[domain.UserID]domain.HandleID
	// order holds handle ids in admission order.
	order []domain.HandleID
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:     room,
		byHandle: make(map[domain.HandleID]RoomHandle),
		byUser:   make(map[domain.UserID]domain.HandleID),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}

func (r *roomImpl) AddMember(h RoomHandle) (RoomHandle, bool) {
	u := h.Meta().UserID
	r.mu.Lock()
	defer r.mu.Unlock()
	var prev RoomHandle
	if hid, ok := r.byUser[u]; ok && hid != h.ID() {
		prev = r.byHandle[hid]
		delete(r.byHandle, hid)
		r.order = slices.DeleteFunc(r.order, func(id domain.HandleID) bool { return id == hid })
	}
	if _, ok := r.byHandle[h.ID()]; !ok {
		r.order = append(r.order, h.ID())
	}
	r.byHandle[h.ID()] = h
	r.byUser[u] = h.ID()
	log.Info().Str("module", "core.room").Str("session_id", string(r.room.SessionID)).Str("user", string(u)).Str("handle", string(h.ID())).Msg("member added")
	return prev, prev != nil
}

func (r *roomImpl) RemoveMember(h RoomHandle) bool {
	u := h.Meta().UserID
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byHandle, h.ID())
	r.order = slices.DeleteFunc(r.order, func(id domain.HandleID) bool { return id == h.ID() })
	current := r.byUser[u] == h.ID()
	if current {
		delete(r.byUser, u)
	}
	log.Info().Str("module", "core.room").Str("session_id", string(r.room.SessionID)).Str("handle", string(h.ID())).Bool("current", current).Msg("member removed")
	return current
}

func (r *roomImpl) ByUser(id domain.UserID) (RoomHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hid, ok := r.byUser[id]
	if !ok {
		return nil, false
	}
	h, ok := r.byHandle[hid]
	return h, ok
}

func (r *roomImpl) FirstWithRole(role domain.SessionRole, except domain.HandleID) (RoomHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, hid := range r.order {
		if h := r.byHandle[hid]; hid != except && h.Meta().Role == role {
			return h, true
		}
	}
	return nil, false
}

func (r *roomImpl) Snapshot() []RoomHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomHandle, 0, len(r.order))
	for _, hid := range r.order {
		out = append(out, r.byHandle[hid])
	}
	return out
}

// Broadcast holds the read lock for the whole fan-out so Add/Remove cannot
// interleave with it. TrySend never blocks.
func (r *roomImpl) Broadcast(from domain.HandleID, data Frame, match func(RoomHandle) bool) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for _, hid := range r.order {
		if hid == from {
			continue
		}
		h := r.byHandle[hid]
		if match != nil && !match(h) {
			continue
		}
		if err := h.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, h)
			continue
		}
		res.SentTo = append(res.SentTo, h.Meta().UserID)
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", len(res.SentTo)).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.order))
	for _, hid := range r.order {
		m := r.byHandle[hid].Meta()
		out = append(out, MemberDTO{UserID: m.UserID, Role: m.Role, Handle: hid})
	}
	return out
}
