package app

import (
	"sync"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomManagerImpl is the arena of rooms keyed by session id. Its own lock
// only guards the map; each room carries its own lock, so two sessions never
// contend with each other.
type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.SessionID]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.SessionID]core.RoomService)}
}

func (f *RoomManagerImpl) GetOrCreate(sid domain.SessionID) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[sid]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[sid]; ok {
		return room
	}
	room = core.NewRoomService(&domain.Room{SessionID: sid})
	f.rooms[sid] = room
	log.Debug().Str("module", "app.rooms").Str("session_id", string(sid)).Msg("room created")
	return room
}

func (f *RoomManagerImpl) Get(sid domain.SessionID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[sid]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for sid, r := range f.rooms {
		out = append(out, core.RoomInfo{SessionID: sid, MemberCount: r.MemberCount()})
	}
	return out
}

// Release holds the manager lock while checking emptiness, so a concurrent
// GetOrCreate either sees the old room before deletion or creates a new one.
// An Admit that already holds the old room re-checks with Get afterwards.
func (f *RoomManagerImpl) Release(sid domain.SessionID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[sid]
	if !ok || room.MemberCount() > 0 {
		return false
	}
	delete(f.rooms, sid)
	log.Debug().Str("module", "app.rooms").Str("session_id", string(sid)).Msg("room released")
	return true
}
