package memory

import (
	"context"
	"testing"
	"time"

	"groupcall/internal/core/domain"
	apperrors "groupcall/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeetingRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryMeetingRepository()

	m := &domain.Meeting{ID: "r1", OwnerID: "alice", Participants: []domain.UserID{"bob"}}
	require.NoError(t, repo.Create(ctx, m))
	err := repo.Create(ctx, m)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.FromDomain(err).Code)

	got, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	got.Participants[0] = "mallory"

	again, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("bob"), again.Participants[0], "GetByID must hand out copies")

	at := time.Now()
	require.NoError(t, repo.RecordJoin(ctx, "r1", at))
	require.NoError(t, repo.RecordLeave(ctx, "r1", at.Add(time.Minute)))
	again, _ = repo.GetByID(ctx, "r1")
	assert.True(t, again.LastJoinAt.Equal(at))
	assert.True(t, again.LastLeaveAt.Equal(at.Add(time.Minute)))

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &domain.Meeting{ID: "missing"}), domain.ErrRoomNotFound)
}

func TestProducerRecordRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryProducerRecordRepository()
	now := time.Now()

	require.NoError(t, repo.Save(ctx, domain.ProducerInfo{RoomID: "r1", ProducerID: "p2", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, repo.Save(ctx, domain.ProducerInfo{RoomID: "r1", ProducerID: "p1", CreatedAt: now}))
	require.NoError(t, repo.Save(ctx, domain.ProducerInfo{RoomID: "r2", ProducerID: "p3", CreatedAt: now}))

	list, err := repo.ListByRoom(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.ProducerID("p1"), list[0].ProducerID)

	require.NoError(t, repo.Delete(ctx, "r1", "p1"))
	list, _ = repo.ListByRoom(ctx, "r1")
	assert.Len(t, list, 1)

	require.NoError(t, repo.DeleteRoom(ctx, "r2"))
	list, _ = repo.ListByRoom(ctx, "r2")
	assert.Empty(t, list)
}
