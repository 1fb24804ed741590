package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const (
	roomIndexKey        = keyPrefix + "rooms"
	producersKeyPattern = keyPrefix + "room:*:producers"
)

// RedisProducerRecordRepository keeps one hash per room, keyed by producer
// id, plus a set of rooms that hold records.
type RedisProducerRecordRepository struct {
	client *redis.Client
}

func NewRedisProducerRecordRepository(client *redis.Client) ports.ProducerRecordRepository {
	return &RedisProducerRecordRepository{client: client}
}

func producersKey(roomID domain.RoomID) string {
	return keyPrefix + "room:" + string(roomID) + ":producers"
}

func roomFromProducersKey(key string) (string, bool) {
	rest := strings.TrimPrefix(key, keyPrefix+"room:")
	if rest == key || !strings.HasSuffix(rest, ":producers") {
		return "", false
	}
	roomID := strings.TrimSuffix(rest, ":producers")
	return roomID, roomID != ""
}

func (r *RedisProducerRecordRepository) Save(ctx context.Context, info domain.ProducerInfo) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "save", "producer_record")
	defer span.End()

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal producer record: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, producersKey(info.RoomID), string(info.ProducerID), data)
		pipe.SAdd(ctx, roomIndexKey, string(info.RoomID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save producer record: %w", err)
	}
	return nil
}

func (r *RedisProducerRecordRepository) Delete(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "delete", "producer_record")
	defer span.End()

	if err := r.client.HDel(ctx, producersKey(roomID), string(producerID)).Err(); err != nil {
		return fmt.Errorf("failed to delete producer record: %w", err)
	}
	return nil
}

// ListByRoom returns the records of a room, oldest first.
func (r *RedisProducerRecordRepository) ListByRoom(ctx context.Context, roomID domain.RoomID) ([]domain.ProducerInfo, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "list", "producer_record")
	defer span.End()

	fields, err := r.client.HGetAll(ctx, producersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list producer records: %w", err)
	}
	return decodeProducerRecords(fields)
}

func (r *RedisProducerRecordRepository) DeleteRoom(ctx context.Context, roomID domain.RoomID) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "delete_room", "producer_record")
	defer span.End()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, producersKey(roomID))
		pipe.SRem(ctx, roomIndexKey, string(roomID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete room records: %w", err)
	}
	return nil
}

func decodeProducerRecords(fields map[string]string) ([]domain.ProducerInfo, error) {
	out := make([]domain.ProducerInfo, 0, len(fields))
	for id, raw := range fields {
		var info domain.ProducerInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal producer record %s: %w", id, err)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
