package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const schemaVersionKey = keyPrefix + "schema:version"

type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate applies every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	current, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, m := range migrations() {
		if m.Version <= current {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", m.Version)
		}
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		current = m.Version
	}

	if logger != nil {
		logger.Infow("schema is up to date", "version", current)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func migrations() []Migration {
	return []Migration{
		{
			// Rebuild the index of rooms holding producer records from the
			// per-room hashes.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				iter := client.Scan(ctx, 0, producersKeyPattern, 100).Iterator()
				for iter.Next(ctx) {
					roomID, ok := roomFromProducersKey(iter.Val())
					if !ok {
						continue
					}
					if err := client.SAdd(ctx, roomIndexKey, roomID).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}
