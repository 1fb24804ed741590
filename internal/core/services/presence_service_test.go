package services

import (
	"testing"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticMembers map[domain.RoomID][]domain.ConnectionID

func (m staticMembers) Members(roomID domain.RoomID) []domain.ConnectionID { return m[roomID] }

func TestPresenceService_Snapshot(t *testing.T) {
	p := NewPresenceService(testutils.NewRecorder(), staticMembers{}, "")
	assert.Equal(t, PresenceGlobal, p.scope)

	p.Set("a", "alice", domain.PresenceOnline)
	p.Set("b", "bob", domain.PresenceOnline)
	p.Set("a", "alice", domain.PresenceBusy)

	assert.Equal(t, []domain.PresenceEntry{
		{ConnectionID: "a", UserID: "alice", Status: domain.PresenceBusy},
		{ConnectionID: "b", UserID: "bob", Status: domain.PresenceOnline},
	}, p.Snapshot())

	p.Remove("a")
	_, ok := p.Status("a")
	assert.False(t, ok)
	status, ok := p.Status("b")
	require.True(t, ok)
	assert.Equal(t, domain.PresenceOnline, status)
}

func TestPresenceService_PublishScopes(t *testing.T) {
	rec := testutils.NewRecorder()
	members := staticMembers{"r1": {"a"}}

	global := NewPresenceService(rec, members, PresenceGlobal)
	global.Set("a", "alice", domain.PresenceBusy)
	global.Publish("r1")
	require.Len(t, rec.Deliveries(), 1)
	assert.True(t, rec.Deliveries()[0].All)

	rec.Reset()
	scoped := NewPresenceService(rec, members, PresenceRoom)
	scoped.Set("a", "alice", domain.PresenceBusy)
	scoped.Publish("r1")
	scoped.Publish("")
	deliveries := rec.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, []domain.ConnectionID{"a"}, deliveries[0].To)
	assert.Equal(t, ports.EventPresence, deliveries[0].Event.Type)
}
