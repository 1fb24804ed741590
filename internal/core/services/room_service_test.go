package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRoomService(t *testing.T, cfg RoomConfig) *RoomService {
	return NewRoomService(memory.NewMemoryMeetingRepository(), nil, cfg, zaptest.NewLogger(t).Sugar())
}

func peer(conn string) domain.Peer {
	return domain.Peer{ConnectionID: domain.ConnectionID(conn), UserID: domain.UserID("u-" + conn), JoinedAt: time.Now()}
}

func TestRoomService_JoinLeaveOrder(t *testing.T) {
	s := newTestRoomService(t, RoomConfig{})

	out := s.Join("r1", peer("a"))
	assert.True(t, out.Joined)
	assert.Empty(t, out.Others)

	out = s.Join("r1", peer("b"))
	assert.True(t, out.Joined)
	assert.Equal(t, []domain.ConnectionID{"a"}, out.Others)

	out = s.Join("r1", peer("a"))
	assert.False(t, out.Joined)
	assert.Len(t, out.Peers, 2)

	s.Join("r1", peer("c"))
	assert.Equal(t, []domain.ConnectionID{"a", "b", "c"}, s.Members("r1"))

	left, remaining, ok := s.Leave("r1", "b")
	require.True(t, ok)
	assert.Equal(t, domain.UserID("u-b"), left.UserID)
	assert.Equal(t, []domain.ConnectionID{"a", "c"}, remaining)

	_, _, ok = s.Leave("r1", "b")
	assert.False(t, ok)
	_, _, ok = s.Leave("missing", "a")
	assert.False(t, ok)
}

func TestRoomService_MembersIsACopy(t *testing.T) {
	s := newTestRoomService(t, RoomConfig{})
	s.Join("r1", peer("a"))

	members := s.Members("r1")
	members[0] = "mutated"
	assert.Equal(t, []domain.ConnectionID{"a"}, s.Members("r1"))
	assert.Nil(t, s.Members("none"))
	assert.Empty(t, s.Peers("none"))
}

func TestRoomService_Authorize(t *testing.T) {
	s := newTestRoomService(t, RoomConfig{})
	ctx := context.Background()

	m, err := s.CreateRoom(ctx, domain.Identity{UserID: "owner"}, []domain.UserID{"guest", "owner"})
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"guest"}, m.Participants)
	assert.Equal(t, 1, s.Count())

	_, err = s.Authorize(ctx, m.ID, domain.Identity{UserID: "guest"})
	assert.NoError(t, err)
	_, err = s.Authorize(ctx, m.ID, domain.Identity{UserID: "owner"})
	assert.NoError(t, err)
	_, err = s.Authorize(ctx, m.ID, domain.Identity{UserID: "stranger"})
	assert.ErrorIs(t, err, domain.ErrNotAllowed)
	_, err = s.Authorize(ctx, "missing", domain.Identity{UserID: "guest"})
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomService_Reap(t *testing.T) {
	s := newTestRoomService(t, RoomConfig{EmptyRoomTTL: time.Minute})
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Join("busy", peer("a"))
	s.Join("idle", peer("b"))
	s.Leave("idle", "b")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, []domain.RoomID{"idle"}, s.Reap())
	assert.Equal(t, 1, s.Count())
	assert.Empty(t, s.Reap())

	// a reaped room comes back on the next join
	out := s.Join("idle", peer("b"))
	assert.True(t, out.Joined)
	assert.Equal(t, 2, s.Count())
}

func TestRoomService_ReapDisabled(t *testing.T) {
	s := newTestRoomService(t, RoomConfig{})
	s.Join("r", peer("a"))
	s.Leave("r", "a")
	assert.Nil(t, s.Reap())
}

func TestRoomService_ConcurrentJoinLeave(t *testing.T) {
	s := newTestRoomService(t, RoomConfig{EmptyRoomTTL: time.Nanosecond})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(conn string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Join("shared", peer(conn))
				s.Reap()
				s.Leave("shared", domain.ConnectionID(conn))
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	assert.Empty(t, s.Members("shared"))
}
