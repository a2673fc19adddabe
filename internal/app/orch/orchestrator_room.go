package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/dkeye/Proctor/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Eviction reasons, recorded on LEAVE audit records and metrics.
const (
	ReasonDisconnect = "disconnect"
	ReasonSuperseded = "superseded"
	ReasonShutdown   = "shutdown"
)

// SessionRoleFor maps an account role to the role it holds inside a room.
// Supervisors and admins both join as proctors.
func SessionRoleFor(id domain.Identity) (domain.SessionRole, error) {
	switch id.Role {
	case domain.RoleExaminee:
		return domain.SessionRoleExaminee, nil
	case domain.RoleSupervisor, domain.RoleAdmin:
		return domain.SessionRoleProctor, nil
	}
	return "", domain.Errorf(domain.ErrForbidden, "role %q cannot join a room", id.Role)
}

// Precheck authenticates credential and runs the join rules for sid
// without changing anything. The signaling adapter calls it before the
// WebSocket upgrade so refusals are plain HTTP errors.
func (o *Orchestrator) Precheck(ctx context.Context, sid domain.SessionID, credential string) (domain.Identity, domain.SessionRole, error) {
	id, err := o.Gate.Verify(ctx, credential)
	if err != nil {
		metrics.AdmitRejections.WithLabelValues("auth").Inc()
		return domain.Identity{}, "", fmt.Errorf("%w: %v", domain.ErrAuth, err)
	}
	role, err := SessionRoleFor(id)
	if err != nil {
		metrics.AdmitRejections.WithLabelValues("role").Inc()
		return id, "", err
	}
	if _, err := o.Registry.CheckJoin(ctx, sid, id.UserID, role); err != nil {
		metrics.AdmitRejections.WithLabelValues(rejectReason(err)).Inc()
		return id, role, err
	}
	return id, role, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid_state"
	}
	return "error"
}

// Admit binds conn to sid for the credential's user. Every failure happens
// before the room is touched. A previous handle of the same user is
// superseded: it is dropped from the room and its transport closed.
func (o *Orchestrator) Admit(ctx context.Context, conn core.SignalConnection, sid domain.SessionID, credential string) (core.RoomHandle, error) {
	id, role, err := o.Precheck(ctx, sid, credential)
	if err != nil {
		return nil, err
	}

	h, prev, joined, err := o.admit(ctx, conn, sid, id.UserID, role)
	if err != nil {
		metrics.AdmitRejections.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	if !joined {
		o.audit(ctx, id.UserID, sid, domain.EventJoin, map[string]any{
			"role_in_session": string(role),
			"reconnect":       true,
		})
	}
	if prev != nil {
		o.retire(ctx, prev, ReasonSuperseded)
	}
	metrics.Admits.WithLabelValues(string(role)).Inc()
	metrics.ActiveConnections.Inc()
	log.Info().Str("module", "orch").Str("session_id", string(sid)).Str("user", string(id.UserID)).
		Str("role", string(role)).Str("handle", string(h.ID())).Bool("superseded", prev != nil).Msg("admitted")

	o.sendRoomState(ctx, h)
	o.broadcast(sid, h.ID(), EventMemberJoined, MemberEvent{UserID: id.UserID, Role: role}, nil)
	return h, nil
}

func (o *Orchestrator) admit(ctx context.Context, conn core.SignalConnection, sid domain.SessionID, uid domain.UserID, role domain.SessionRole) (h core.RoomHandle, prev core.RoomHandle, joined bool, err error) {
	unlock := o.admission.Lock(admissionKey{sid, uid})
	defer unlock()

	switch role {
	case domain.SessionRoleExaminee:
		_, joined, err = o.Registry.JoinAsExaminee(ctx, sid, uid)
	case domain.SessionRoleProctor:
		_, joined, err = o.Registry.JoinAsProctor(ctx, sid, uid)
	}
	if err != nil {
		return nil, nil, false, err
	}

	h = core.NewRoomHandle(sid, domain.NewMember(uid, role), conn)
	for {
		room := o.Rooms.GetOrCreate(sid)
		prev, _ = room.AddMember(h)
		// Release may have dropped the room between GetOrCreate and
		// AddMember; only a room still registered counts.
		if cur, ok := o.Rooms.Get(sid); ok && cur == room {
			return h, prev, joined, nil
		}
		room.RemoveMember(h)
	}
}

// retire finishes a handle that is no longer in its room.
func (o *Orchestrator) retire(ctx context.Context, h core.RoomHandle, reason string) {
	if !h.MarkEvicted() {
		return
	}
	h.Signal().Close()
	o.audit(ctx, h.Meta().UserID, h.SessionID(), domain.EventLeave, map[string]any{
		"reason": reason,
		"handle": string(h.ID()),
	})
	metrics.Evictions.WithLabelValues(reason).Inc()
	metrics.ActiveConnections.Dec()
	log.Info().Str("module", "orch").Str("session_id", string(h.SessionID())).Str("user", string(h.Meta().UserID)).
		Str("handle", string(h.ID())).Str("reason", reason).Msg("handle retired")
}

// Evict removes h from its room and marks the enrollment disconnected. It
// runs at most once per handle; later calls, and calls for a handle that
// was superseded, do nothing.
func (o *Orchestrator) Evict(ctx context.Context, h core.RoomHandle, reason string) {
	if !h.MarkEvicted() {
		return
	}
	h.Signal().Close()
	sid, uid := h.SessionID(), h.Meta().UserID

	current := o.evict(ctx, h)
	metrics.Evictions.WithLabelValues(reason).Inc()
	metrics.ActiveConnections.Dec()
	log.Info().Str("module", "orch").Str("session_id", string(sid)).Str("user", string(uid)).
		Str("handle", string(h.ID())).Str("reason", reason).Bool("current", current).Msg("evicted")

	if current {
		o.broadcast(sid, h.ID(), EventMemberLeft, MemberEvent{UserID: uid, Role: h.Meta().Role}, nil)
	}
	o.Rooms.Release(sid)
}

func (o *Orchestrator) evict(ctx context.Context, h core.RoomHandle) bool {
	sid, uid := h.SessionID(), h.Meta().UserID
	unlock := o.admission.Lock(admissionKey{sid, uid})
	defer unlock()

	room, ok := o.Rooms.Get(sid)
	if !ok || !room.RemoveMember(h) {
		// a newer handle owns the enrollment
		o.audit(ctx, uid, sid, domain.EventLeave, map[string]any{
			"reason": ReasonSuperseded,
			"handle": string(h.ID()),
		})
		return false
	}
	if err := o.Registry.Leave(ctx, sid, uid); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("session_id", string(sid)).Str("user", string(uid)).Msg("leave failed")
		o.audit(ctx, uid, sid, domain.EventLeave, map[string]any{"error": PublicMessage(err)})
	}
	return true
}

// EvictAll drops every handle of every room. Used on shutdown.
func (o *Orchestrator) EvictAll(ctx context.Context) {
	for _, info := range o.Rooms.List() {
		room, ok := o.Rooms.Get(info.SessionID)
		if !ok {
			continue
		}
		for _, h := range room.Snapshot() {
			o.Evict(ctx, h, ReasonShutdown)
		}
	}
}

func (o *Orchestrator) sendRoomState(ctx context.Context, h core.RoomHandle) {
	room, ok := o.Rooms.Get(h.SessionID())
	if !ok {
		return
	}
	state := RoomState{
		SessionID: h.SessionID(),
		You:       core.MemberDTO{UserID: h.Meta().UserID, Role: h.Meta().Role, Handle: h.ID()},
		Members:   room.MembersSnapshot(),
		Count:     room.MemberCount(),
	}
	if s, err := o.Registry.GetSession(ctx, h.SessionID()); err == nil {
		state.Status = s.Status
	}
	_ = o.send(h, EventRoomState, state)
}

// RoomMembers lists the live handles of sid for admins and its proctors.
func (o *Orchestrator) RoomMembers(ctx context.Context, sid domain.SessionID, who domain.Identity) ([]core.MemberDTO, error) {
	if _, err := o.Registry.Supervise(ctx, sid, who); err != nil {
		return nil, err
	}
	room, ok := o.Rooms.Get(sid)
	if !ok {
		return []core.MemberDTO{}, nil
	}
	return room.MembersSnapshot(), nil
}

// IsLive reports whether uid has a handle in sid's room.
func (o *Orchestrator) IsLive(sid domain.SessionID, uid domain.UserID) bool {
	room, ok := o.Rooms.Get(sid)
	if !ok {
		return false
	}
	_, ok = room.ByUser(uid)
	return ok
}

// RunReconciler disconnects enrollments left connected without a live
// handle, every interval, until ctx ends.
func (o *Orchestrator) RunReconciler(ctx context.Context, interval, grace time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "orch").Msg("reconciler stopped")
			return
		case <-t.C:
			if _, err := o.Registry.ReconcileStale(ctx, grace, o.IsLive); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("module", "orch").Msg("reconcile")
			}
		}
	}
}
