package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/dkeye/Proctor/internal/adapters/store/badgerstore"
	"github.com/dkeye/Proctor/internal/app"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/dkeye/Proctor/internal/mocks"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var admin = domain.Identity{UserID: "admin", Role: domain.RoleAdmin}

const offerSDP = "v=0\r\n" +
	"o=- 4215 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n"

var errFull = errors.New("send buffer full")

// fakeConn records every frame it accepts.
type fakeConn struct {
	mu     sync.Mutex
	frames []Envelope
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full || c.closed {
		return errFull
	}
	var env Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return err
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) events(typ string) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Envelope
	for _, f := range c.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

type recordingSink struct {
	mu   sync.Mutex
	recs []domain.AuditRecord
}

func (s *recordingSink) Append(_ context.Context, rec domain.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordingSink) of(ev domain.EventType) []domain.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditRecord
	for _, r := range s.recs {
		if r.EventType == ev {
			out = append(out, r)
		}
	}
	return out
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type fixture struct {
	o    *Orchestrator
	sink *recordingSink
}

// newFixture builds an orchestrator whose gate accepts credentials of the
// form "<user>:<role>".
func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctrl := gomock.NewController(t)
	gate := mocks.NewMockIdentityGate(ctrl)
	gate.EXPECT().Verify(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cred string) (domain.Identity, error) {
			uid, role, ok := strings.Cut(cred, ":")
			if !ok {
				return domain.Identity{}, errors.New("bad token")
			}
			return domain.NewIdentity(uid, role)
		}).AnyTimes()

	sink := &recordingSink{}
	reg := app.NewRegistry(store, sink)
	return fixture{o: New(reg, app.NewRoomManager(), app.SimplePolicy{}, gate, sink), sink: sink}
}

// session creates a draft session for examID with the given proctors and
// examinees.
func (f fixture) session(t *testing.T, examID domain.ExamID, proctors, examinees []domain.UserID, rule domain.DetectRule) domain.SessionID {
	t.Helper()
	ctx := context.Background()
	_, err := f.o.Registry.UpsertExam(ctx, domain.Exam{
		ExamID:              examID,
		ProctorIDs:          proctors,
		ExpectedExamineeIDs: examinees,
	}, admin)
	require.NoError(t, err)
	s, _, err := f.o.Registry.CreateSession(ctx, examID, rule, admin)
	require.NoError(t, err)
	return s.SessionID
}

func (f fixture) admit(t *testing.T, sid domain.SessionID, cred string) (core.RoomHandle, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	h, err := f.o.Admit(context.Background(), conn, sid, cred)
	require.NoError(t, err)
	return h, conn
}

func offer(t *testing.T) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]string{"type": "offer", "sdp": offerSDP})
	require.NoError(t, err)
	return b
}

func TestPrecheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})

	_, _, err := f.o.Precheck(ctx, sid, "garbage")
	require.ErrorIs(t, err, domain.ErrAuth)

	_, _, err = f.o.Precheck(ctx, sid, "e9:examinee")
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, _, err = f.o.Precheck(ctx, sid, "e1:examinee")
	require.ErrorIs(t, err, domain.ErrInvalidState, "draft session")

	_, _, err = f.o.Precheck(ctx, "missing", "p1:supervisor")
	require.ErrorIs(t, err, domain.ErrNotFound)

	id, role, err := f.o.Precheck(ctx, sid, "p1:supervisor")
	require.NoError(t, err)
	require.Equal(t, domain.UserID("p1"), id.UserID)
	require.Equal(t, domain.SessionRoleProctor, role)
	_, ok := f.o.Rooms.Get(sid)
	require.False(t, ok, "precheck must not create the room")
}

func TestAdmit_RejectsBeforeTouchingRoom(t *testing.T) {
	f := newFixture(t)
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})

	_, err := f.o.Admit(context.Background(), &fakeConn{}, sid, "e1:examinee")
	require.ErrorIs(t, err, domain.ErrInvalidState)
	_, ok := f.o.Rooms.Get(sid)
	require.False(t, ok)
	require.Empty(t, f.sink.of(domain.EventJoin))
}

func TestAdmit_RoomStateAndMemberJoined(t *testing.T) {
	f := newFixture(t)
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})

	ph, pc := f.admit(t, sid, "p1:supervisor")
	require.Len(t, f.sink.of(domain.EventSessionReady), 1, "first proctor activates the draft")

	eh, ec := f.admit(t, sid, "e1:examinee")
	states := ec.events(EventRoomState)
	require.Len(t, states, 1)
	var st RoomState
	require.NoError(t, json.Unmarshal(states[0].Data, &st))
	require.Equal(t, domain.StatusReady, st.Status)
	require.Equal(t, 2, st.Count)
	require.Equal(t, eh.ID(), st.You.Handle)

	joined := pc.events(EventMemberJoined)
	require.Len(t, joined, 1)
	var m MemberEvent
	require.NoError(t, json.Unmarshal(joined[0].Data, &m))
	require.Equal(t, MemberEvent{UserID: "e1", Role: domain.SessionRoleExaminee}, m)
	require.Equal(t, domain.SessionRoleProctor, ph.Meta().Role)
	require.Len(t, f.sink.of(domain.EventJoin), 2)
}

func TestAdmit_AdminJoinsAsProctorOnlyWhenAssigned(t *testing.T) {
	f := newFixture(t)
	sid := f.session(t, "exam-1", []domain.UserID{"p1", "boss"}, []domain.UserID{"e1"}, domain.DetectRule{})

	_, err := f.o.Admit(context.Background(), &fakeConn{}, sid, "admin:admin")
	require.ErrorIs(t, err, domain.ErrForbidden)

	h, _ := f.admit(t, sid, "boss:admin")
	require.Equal(t, domain.SessionRoleProctor, h.Meta().Role)
}

func TestRelayOffer_ReachesExactlyOneProctor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1", "p2"}, []domain.UserID{"e1"}, domain.DetectRule{})
	_, c1 := f.admit(t, sid, "p1:supervisor")
	_, c2 := f.admit(t, sid, "p2:supervisor")
	eh, ec := f.admit(t, sid, "e1:examinee")

	require.NoError(t, f.o.RelayOffer(ctx, eh, offer(t)))

	got := append(c1.events(EventOffer), c2.events(EventOffer)...)
	require.Len(t, got, 1)
	var out OfferOut
	require.NoError(t, json.Unmarshal(got[0].Data, &out))
	require.Equal(t, domain.UserID("e1"), out.FromUserID)
	require.JSONEq(t, string(offer(t)), string(out.Offer))
	require.Empty(t, ec.events(EventOffer))

	recs := f.sink.of(domain.EventRelayOffer)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"audio", "video"}, recs[0].Detail["media"])
	assert.Equal(t, "offer", recs[0].Detail["sdp_type"])
	assert.Contains(t, []any{"p1", "p2"}, recs[0].Detail["to_user_id"])
}

func TestRelayOffer_ForwardsAnyJSONVerbatim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})
	_, pc := f.admit(t, sid, "p1:supervisor")
	eh, _ := f.admit(t, sid, "e1:examinee")

	wrapped := json.RawMessage(`{"description":{"type":"offer","sdp":"v=0"},"stream":"cam"}`)
	require.NoError(t, f.o.RelayOffer(ctx, eh, wrapped))
	got := pc.events(EventOffer)
	require.Len(t, got, 1)
	var out OfferOut
	require.NoError(t, json.Unmarshal(got[0].Data, &out))
	require.JSONEq(t, string(wrapped), string(out.Offer))

	recs := f.sink.of(domain.EventRelayOffer)
	require.Len(t, recs, 1)
	assert.Equal(t, true, recs[0].Detail["parse_error"])
	assert.Equal(t, "p1", recs[0].Detail["to_user_id"])

	require.ErrorIs(t, f.o.RelayOffer(ctx, eh, json.RawMessage(`{"type":`)), domain.ErrInvalidRequest)
	require.ErrorIs(t, f.o.RelayOffer(ctx, eh, nil), domain.ErrInvalidRequest)
	require.Len(t, pc.events(EventOffer), 1)
	require.Len(t, f.sink.of(domain.EventRelayError), 2)
}

func TestRelayOffer_NoProctor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})
	ph, _ := f.admit(t, sid, "p1:supervisor")
	eh, _ := f.admit(t, sid, "e1:examinee")
	f.o.Evict(ctx, ph, ReasonDisconnect)

	before := f.sink.len()
	err := f.o.RelayOffer(ctx, eh, offer(t))
	require.ErrorIs(t, err, domain.ErrRelay)
	require.Equal(t, before+1, f.sink.len(), "one audit record per relay")
	recs := f.sink.of(domain.EventRelayError)
	require.Len(t, recs, 1)
	require.Equal(t, EventOffer, recs[0].Detail["event"])
}

func TestRelay_RolePermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})
	ph, _ := f.admit(t, sid, "p1:supervisor")
	eh, _ := f.admit(t, sid, "e1:examinee")

	require.ErrorIs(t, f.o.RelayOffer(ctx, ph, offer(t)), domain.ErrForbidden)
	require.ErrorIs(t, f.o.RelayAnswer(ctx, eh, AnswerIn{ToUserID: "p1", Answer: offer(t)}), domain.ErrForbidden)
	require.Len(t, f.sink.of(domain.EventRelayError), 2)
	require.Empty(t, f.sink.of(domain.EventRelayOffer))
	require.Empty(t, f.sink.of(domain.EventRelayAnswer))
}

func TestRelayAnswerAndCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})
	ph, pc := f.admit(t, sid, "p1:supervisor")
	eh, ec := f.admit(t, sid, "e1:examinee")

	answer, err := json.Marshal(map[string]string{"type": "answer", "sdp": offerSDP})
	require.NoError(t, err)
	require.NoError(t, f.o.RelayAnswer(ctx, ph, AnswerIn{ToUserID: "e1", Answer: answer}))
	require.Len(t, ec.events(EventAnswer), 1)

	cand := json.RawMessage(`{"candidate":"candidate:1 1 UDP 2130706431 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	require.NoError(t, f.o.RelayIceCandidate(ctx, eh, ICECandidateIn{ToUserID: "p1", Candidate: cand}))
	got := pc.events(EventICECandidate)
	require.Len(t, got, 1)
	var out ICECandidateOut
	require.NoError(t, json.Unmarshal(got[0].Data, &out))
	require.Equal(t, domain.UserID("e1"), out.FromUserID)
	require.JSONEq(t, string(cand), string(out.Candidate))

	err = f.o.RelayIceCandidate(ctx, eh, ICECandidateIn{ToUserID: "ghost", Candidate: cand})
	require.ErrorIs(t, err, domain.ErrRelay)
	err = f.o.RelayIceCandidate(ctx, eh, ICECandidateIn{Candidate: cand})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	require.Len(t, f.sink.of(domain.EventRelayAnswer), 1)
	require.Len(t, f.sink.of(domain.EventRelayICECandidate), 1)
	require.Len(t, f.sink.of(domain.EventRelayError), 2)
}

func TestRelayMessage_BroadcastConfinedToRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1", "e2"}, domain.DetectRule{})
	s2 := f.session(t, "exam-2", []domain.UserID{"p2"}, []domain.UserID{"e1"}, domain.DetectRule{})
	_, p1 := f.admit(t, s1, "p1:supervisor")
	_, e2 := f.admit(t, s1, "e2:examinee")
	e1h, e1 := f.admit(t, s1, "e1:examinee")
	_, p2 := f.admit(t, s2, "p2:supervisor")

	msg := json.RawMessage(`{"content":"hello","extra":1}`)
	require.NoError(t, f.o.RelayMessage(ctx, e1h, msg))

	require.Len(t, p1.events(EventMessage), 1)
	require.Len(t, e2.events(EventMessage), 1)
	require.JSONEq(t, string(msg), string(p1.events(EventMessage)[0].Data))
	require.Empty(t, e1.events(EventMessage), "sender is skipped")
	require.Empty(t, p2.events(EventMessage), "other rooms never see it")

	recs := f.sink.of(domain.EventMessageBroadcast)
	require.Len(t, recs, 1)
	require.ElementsMatch(t, []string{"p1", "e2"}, recs[0].Detail["user_ids"])
	require.Equal(t, "hello", recs[0].Detail["content"])
}

func TestRelayMessage_Unicast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1", "e2"}, domain.DetectRule{})
	ph, _ := f.admit(t, sid, "p1:supervisor")
	_, e1 := f.admit(t, sid, "e1:examinee")
	_, e2 := f.admit(t, sid, "e2:examinee")

	require.NoError(t, f.o.RelayMessage(ctx, ph, json.RawMessage(`{"user_id":"e2","content":"eyes up"}`)))
	require.Len(t, e2.events(EventMessage), 1)
	require.Empty(t, e1.events(EventMessage))
	recs := f.sink.of(domain.EventMessageToUser)
	require.Len(t, recs, 1)
	require.Equal(t, []string{"e2"}, recs[0].Detail["user_ids"])

	require.ErrorIs(t, f.o.RelayMessage(ctx, ph, json.RawMessage(`"text"`)), domain.ErrInvalidRequest)
}

func TestAdmit_SupersedesPreviousHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})
	f.admit(t, sid, "p1:supervisor")

	old, oldConn := f.admit(t, sid, "e1:examinee")
	cur, _ := f.admit(t, sid, "e1:examinee")

	require.True(t, oldConn.isClosed())
	require.True(t, old.Evicted())
	room, ok := f.o.Rooms.Get(sid)
	require.True(t, ok)
	require.Equal(t, 2, room.MemberCount())
	h, ok := room.ByUser("e1")
	require.True(t, ok)
	require.Equal(t, cur.ID(), h.ID())

	joins := f.sink.of(domain.EventJoin)
	require.Len(t, joins, 3)
	require.Equal(t, true, joins[2].Detail["reconnect"])
	leaves := f.sink.of(domain.EventLeave)
	require.Len(t, leaves, 1)
	require.Equal(t, ReasonSuperseded, leaves[0].Detail["reason"])

	// the old read loop ending must not disconnect the new handle
	f.o.Evict(ctx, old, ReasonDisconnect)
	require.Len(t, f.sink.of(domain.EventLeave), 1)
	require.True(t, f.o.IsLive(sid, "e1"))
	e, err := f.o.Registry.ListEnrollments(ctx, sid, admin)
	require.NoError(t, err)
	for _, en := range e {
		require.Equal(t, domain.Connected, en.ConnectionStatus)
	}
}

func TestEvict_OnceAndReleasesRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})
	ph, _ := f.admit(t, sid, "p1:supervisor")
	eh, ec := f.admit(t, sid, "e1:examinee")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.o.Evict(ctx, eh, ReasonDisconnect)
		}()
	}
	wg.Wait()
	require.True(t, ec.isClosed())
	require.Len(t, f.sink.of(domain.EventLeave), 1)
	require.False(t, f.o.IsLive(sid, "e1"))

	f.o.Evict(ctx, ph, ReasonDisconnect)
	_, ok := f.o.Rooms.Get(sid)
	require.False(t, ok, "empty room is dropped")

	e, err := f.o.Registry.ListEnrollments(ctx, sid, admin)
	require.NoError(t, err)
	require.Len(t, e, 2)
	for _, en := range e {
		require.Equal(t, domain.Disconnected, en.ConnectionStatus)
	}
}

func TestEvictAll(t *testing.T) {
	f := newFixture(t)
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})
	f.admit(t, sid, "p1:supervisor")
	f.admit(t, sid, "e1:examinee")

	f.o.EvictAll(context.Background())
	require.Empty(t, f.o.Rooms.List())
	for _, r := range f.sink.of(domain.EventLeave) {
		require.NotEqual(t, ReasonSuperseded, r.Detail["reason"])
	}
	require.Len(t, f.sink.of(domain.EventLeave), 2)
}

func TestTransition_BroadcastsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})
	_, pc := f.admit(t, sid, "p1:supervisor")
	_, ec := f.admit(t, sid, "e1:examinee")

	s, err := f.o.Transition(ctx, sid, domain.ActionStart, domain.Identity{UserID: "p1", Role: domain.RoleSupervisor})
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, s.Status)

	for _, c := range []*fakeConn{pc, ec} {
		got := c.events(EventSessionStatus)
		require.Len(t, got, 1)
		var out SessionStatusOut
		require.NoError(t, json.Unmarshal(got[0].Data, &out))
		require.Equal(t, domain.StatusRunning, out.Status)
		require.Equal(t, domain.ActionStart, out.Action)
	}

	_, err = f.o.Transition(ctx, sid, domain.ActionResume, admin)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	require.Len(t, pc.events(EventSessionStatus), 1)
}

func TestNotifyDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{GazeOffScreen: true})
	_, pc := f.admit(t, sid, "p1:supervisor")
	_, ec := f.admit(t, sid, "e1:examinee")

	n, err := f.o.NotifyDetection(ctx, domain.DetectionEvent{
		ExamID:    "exam-1",
		UserID:    "e1",
		EventType: "gaze_off_screen",
		Severity:  "high",
		Message:   "looked away for 8s",
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, pc.events(EventDetection), 1)
	require.Empty(t, ec.events(EventDetection))
	recs := f.sink.of(domain.EventDetection)
	require.Len(t, recs, 1)
	require.Equal(t, sid, recs[0].SessionID)

	require.Equal(t, true, recs[0].Detail["delivered"])
	require.Equal(t, 1, recs[0].Detail["notified"])

	_, err = f.o.NotifyDetection(ctx, domain.DetectionEvent{UserID: "e1", EventType: "gaze_off_screen", Severity: "low"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest, "no session or exam")

	_, err = f.o.NotifyDetection(ctx, domain.DetectionEvent{ExamID: "nope", UserID: "e1", EventType: "manual_flag", Severity: "low"})
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Len(t, f.sink.of(domain.EventDetection), 1)
}

func TestNotifyDetection_RecordsWhatItDoesNotPush(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})
	_, pc := f.admit(t, sid, "p1:supervisor")

	n, err := f.o.NotifyDetection(ctx, domain.DetectionEvent{SessionID: sid, UserID: "e1", EventType: "window_switch", Severity: "low"})
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, pc.events(EventDetection))

	n, err = f.o.NotifyDetection(ctx, domain.DetectionEvent{ExamID: "exam-1", UserID: "e1", EventType: "proctor_snapshot", Severity: "low"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = f.o.NotifyDetection(ctx, domain.DetectionEvent{SessionID: sid, UserID: "e1", EventType: "gaze_off_screen", Severity: "apocalyptic"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	recs := f.sink.of(domain.EventDetection)
	require.Len(t, recs, 3)
	require.Equal(t, "window_switch", recs[0].Detail["event_type"])
	require.Equal(t, false, recs[0].Detail["delivered"])
	require.Equal(t, "detector_disabled", recs[0].Detail["reason"])
	require.Equal(t, "proctor_snapshot", recs[1].Detail["event_type"])
	require.Equal(t, true, recs[1].Detail["delivered"])
	require.Equal(t, false, recs[2].Detail["delivered"])
	require.Equal(t, "invalid_event", recs[2].Detail["reason"])
	for _, r := range recs {
		require.Equal(t, sid, r.SessionID)
		require.Equal(t, domain.System.UserID, r.Actor)
	}
}

func TestBackpressure_KicksSlowMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1", "e2"}, domain.DetectRule{})
	_, pc := f.admit(t, sid, "p1:supervisor")
	_, slow := f.admit(t, sid, "e2:examinee")
	eh, _ := f.admit(t, sid, "e1:examinee")

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	require.NoError(t, f.o.RelayMessage(ctx, eh, json.RawMessage(`{"content":"hi"}`)))
	require.True(t, slow.isClosed())
	require.False(t, pc.isClosed())
	recs := f.sink.of(domain.EventMessageBroadcast)
	require.Len(t, recs, 1)
	require.Equal(t, []string{"p1"}, recs[0].Detail["user_ids"])
}

func TestWhoAmIAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, nil, domain.DetectRule{})
	ph, pc := f.admit(t, sid, "p1:supervisor")

	require.NoError(t, f.o.WhoAmI(ctx, ph))
	got := pc.events(EventWhoAmI)
	require.Len(t, got, 1)
	var who WhoAmIOut
	require.NoError(t, json.Unmarshal(got[0].Data, &who))
	require.Equal(t, WhoAmIOut{UserID: "p1", Role: domain.SessionRoleProctor, SessionID: sid, Status: domain.StatusReady, Handle: ph.ID()}, who)

	f.o.HandleUnknown(ctx, ph, "teleport", json.RawMessage(strings.Repeat("x", 2000)))
	recs := f.sink.of(domain.EventUnhandled)
	require.Len(t, recs, 1)
	require.Equal(t, "teleport", recs[0].Detail["event"])
	require.Len(t, recs[0].Detail["payload"], maxAuditedPayload)
}

func TestHandleUnknown_TruncatesOnRuneBoundary(t *testing.T) {
	f := newFixture(t)
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, nil, domain.DetectRule{})
	ph, _ := f.admit(t, sid, "p1:supervisor")

	// the opening quote puts every two-byte rune at an odd offset, so the cut lands inside one
	payload, err := json.Marshal(strings.Repeat("é", 400))
	require.NoError(t, err)
	f.o.HandleUnknown(context.Background(), ph, "teleport", payload)

	recs := f.sink.of(domain.EventUnhandled)
	require.Len(t, recs, 1)
	raw, ok := recs[0].Detail["payload"].(string)
	require.True(t, ok)
	require.True(t, utf8.ValidString(raw))
	require.Len(t, raw, maxAuditedPayload-1)
}

func TestRoomMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1"}, []domain.UserID{"e1"}, domain.DetectRule{})
	f.admit(t, sid, "p1:supervisor")

	members, err := f.o.RoomMembers(ctx, sid, domain.Identity{UserID: "p1", Role: domain.RoleSupervisor})
	require.NoError(t, err)
	require.Len(t, members, 1)

	_, err = f.o.RoomMembers(ctx, sid, domain.Identity{UserID: "e1", Role: domain.RoleExaminee})
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestPublicMessage(t *testing.T) {
	require.Equal(t, "internal error", PublicMessage(errors.New("disk on fire")))
	require.Equal(t, "not found", PublicMessage(domain.ErrNotFound))

	// store keys and decoder output stay internal
	require.Equal(t, "not found", PublicMessage(fmt.Errorf("exam x: %w", fmt.Errorf("%w: session:abc", domain.ErrNotFound))))
	require.Equal(t, "forbidden: only admins", PublicMessage(fmt.Errorf("wrap: %w", domain.Errorf(domain.ErrForbidden, "only admins"))))

	err := validate.Struct(domain.DetectionEvent{SessionID: "s1"})
	require.Error(t, err)
	msg := PublicMessage(app.Invalid("detection event", err))
	require.True(t, strings.HasPrefix(msg, "invalid request: detection event has invalid fields: "), msg)
	require.Contains(t, msg, "UserID (required)")
	require.NotContains(t, msg, "Key:")
	require.Equal(t, "invalid request: detection event is malformed", PublicMessage(app.Invalid("detection event", errors.New("unexpected EOF"))))
}

func TestSummarizeSDP(t *testing.T) {
	out := SummarizeSDP(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: offerSDP})
	require.Equal(t, "answer", out["sdp_type"])
	require.Equal(t, []string{"audio", "video"}, out["media"])

	out = SummarizeSDP(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"})
	require.Equal(t, true, out["parse_error"])
	require.Equal(t, []string{}, out["media"])
}

func TestFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.session(t, "exam-1", []domain.UserID{"p1", "p2"}, []domain.UserID{"e1"}, domain.DetectRule{})
	_, p2 := f.admit(t, sid, "p2:supervisor")
	p1 := domain.Identity{UserID: "p1", Role: domain.RoleSupervisor}

	require.NoError(t, f.o.Flag(ctx, sid, p1, "e1", "medium", "phone on desk"))
	require.Len(t, p2.events(EventDetection), 1)
	require.Len(t, f.sink.of(domain.EventDetection), 1)

	require.ErrorIs(t, f.o.Flag(ctx, sid, p1, "p2", "low", ""), domain.ErrInvalidRequest)
	require.ErrorIs(t, f.o.Flag(ctx, sid, domain.Identity{UserID: "e1", Role: domain.RoleExaminee}, "e1", "low", ""), domain.ErrForbidden)
	require.ErrorIs(t, f.o.Flag(ctx, sid, p1, "e1", "apocalyptic", ""), domain.ErrInvalidRequest)
}
