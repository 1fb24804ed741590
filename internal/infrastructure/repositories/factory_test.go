package repositories

import (
	"context"
	"testing"

	"groupcall/internal/core/domain"
	"groupcall/internal/infrastructure/repositories/cache"
	"groupcall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRepositoryFactory_MemoryFallback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	f := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	assert.False(t, f.UsesRedis())
	assert.Nil(t, f.RedisClient())
	assert.NoError(t, f.HealthCheck(context.Background()))

	meetings := f.CreateMeetingRepository()
	_, cached := meetings.(*cache.CachedMeetingRepository)
	assert.True(t, cached)

	ctx := context.Background()
	require.NoError(t, meetings.Create(ctx, &domain.Meeting{ID: "r1", OwnerID: "alice"}))
	records := f.CreateProducerRecordRepository()
	require.NoError(t, records.Save(ctx, domain.ProducerInfo{RoomID: "r1", ProducerID: "pr_1"}))
	list, err := records.ListByRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.NoError(t, f.Close())
}

func TestRepositoryFactory_CacheDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Rooms.MeetingCacheSize = 0

	f := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	_, cached := f.CreateMeetingRepository().(*cache.CachedMeetingRepository)
	assert.False(t, cached)
}

func TestRepositoryFactory_UnreachableRedisFallsBack(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	assert.False(t, f.UsesRedis())
	assert.NoError(t, f.HealthCheck(context.Background()))
}
