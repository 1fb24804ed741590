package repositories

import (
	"context"
	"time"

	"groupcall/internal/core/ports"
	"groupcall/internal/infrastructure/repositories/cache"
	"groupcall/internal/infrastructure/repositories/memory"
	redisrepo "groupcall/internal/infrastructure/repositories/redis"
	"groupcall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks Redis-backed stores when Redis is configured and
// reachable, and in-memory stores otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	cacheSize   int
	cacheTTL    time.Duration
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:  cfg.Redis.Enabled,
		cacheSize: cfg.Rooms.MeetingCacheSize,
		cacheTTL:  cfg.Rooms.MeetingCacheTTL,
		logger:    logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(redisrepo.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories", "error", err)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}
	return factory
}

func (f *RepositoryFactory) UsesRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient returns the shared client, or nil when running from memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) CreateMeetingRepository() ports.MeetingRepository {
	var repo ports.MeetingRepository
	if f.UsesRedis() {
		repo = redisrepo.NewRedisMeetingRepository(f.redisClient)
	} else {
		repo = memory.NewMemoryMeetingRepository()
	}
	return cache.NewCachedMeetingRepository(repo, f.cacheSize, f.cacheTTL)
}

func (f *RepositoryFactory) CreateProducerRecordRepository() ports.ProducerRecordRepository {
	if f.UsesRedis() {
		return redisrepo.NewRedisProducerRecordRepository(f.redisClient)
	}
	return memory.NewMemoryProducerRecordRepository()
}

func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}

// HealthCheck pings Redis when it backs the stores.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsesRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
