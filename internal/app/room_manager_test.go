package app

import (
	"testing"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
	"github.com/dkeye/Proctor/internal/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestRoomManager_GetOrCreateReturnsSameRoom(t *testing.T) {
	req := require.New(t)
	m := NewRoomManager()

	a := m.GetOrCreate("s1")
	b := m.GetOrCreate("s1")
	req.Same(a, b)
	req.Equal(domain.SessionID("s1"), a.Room().SessionID)

	got, ok := m.Get("s1")
	req.True(ok)
	req.Same(a, got)

	_, ok = m.Get("s2")
	req.False(ok)
}

func TestRoomManager_ReleaseOnlyEmptyRooms(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	m := NewRoomManager()

	room := m.GetOrCreate("s1")
	h := core.NewRoomHandle("s1", domain.NewMember("e1", domain.SessionRoleExaminee), mocks.NewMockSignalConnection(ctrl))
	room.AddMember(h)

	req.False(m.Release("s1"))
	req.Len(m.List(), 1)
	req.Equal(1, m.List()[0].MemberCount)

	room.RemoveMember(h)
	req.True(m.Release("s1"))
	req.Empty(m.List())
	req.False(m.Release("s1"))
}

func TestPolicies(t *testing.T) {
	require.Equal(t, KickMember, SimplePolicy{}.OnBackPressure(nil, nil))
	require.Equal(t, DropFrame, TolerantPolicy{}.OnBackPressure(nil, nil))
}
