package redis

import (
	"context"
	"fmt"
	"time"

	"groupcall/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "groupcall:"

var connectRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2,
}

type Options struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient connects, verifies the connection and brings the key
// schema up to date.
func NewRedisClient(opts Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := retry.Do(ctx, connectRetry, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"pool_size", opts.PoolSize,
		)
	}

	return client, nil
}

func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
