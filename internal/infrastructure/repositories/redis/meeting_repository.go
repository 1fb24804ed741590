package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	apperrors "groupcall/pkg/errors"
	"groupcall/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

type RedisMeetingRepository struct {
	client *redis.Client
}

func NewRedisMeetingRepository(client *redis.Client) ports.MeetingRepository {
	return &RedisMeetingRepository{client: client}
}

func meetingKey(id domain.RoomID) string {
	return keyPrefix + "meeting:" + string(id)
}

func (r *RedisMeetingRepository) Create(ctx context.Context, meeting *domain.Meeting) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "create", "meeting")
	defer span.End()

	data, err := json.Marshal(meeting)
	if err != nil {
		return fmt.Errorf("failed to marshal meeting: %w", err)
	}
	created, err := r.client.SetNX(ctx, meetingKey(meeting.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store meeting: %w", err)
	}
	if !created {
		return apperrors.NewConflictError(fmt.Sprintf("meeting %s already exists", meeting.ID))
	}
	return nil
}

func (r *RedisMeetingRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Meeting, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "get", "meeting")
	defer span.End()

	data, err := r.client.Get(ctx, meetingKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting: %w", err)
	}
	return decodeMeeting(data)
}

func (r *RedisMeetingRepository) Update(ctx context.Context, meeting *domain.Meeting) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "update", "meeting")
	defer span.End()

	data, err := json.Marshal(meeting)
	if err != nil {
		return fmt.Errorf("failed to marshal meeting: %w", err)
	}
	updated, err := r.client.SetXX(ctx, meetingKey(meeting.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update meeting: %w", err)
	}
	if !updated {
		return domain.ErrRoomNotFound
	}
	return nil
}

func (r *RedisMeetingRepository) RecordJoin(ctx context.Context, id domain.RoomID, at time.Time) error {
	return r.modify(ctx, id, func(m *domain.Meeting) { m.LastJoinAt = at })
}

func (r *RedisMeetingRepository) RecordLeave(ctx context.Context, id domain.RoomID, at time.Time) error {
	return r.modify(ctx, id, func(m *domain.Meeting) { m.LastLeaveAt = at })
}

// modify applies fn to the stored meeting inside an optimistic transaction,
// retrying a few times when another writer races it.
func (r *RedisMeetingRepository) modify(ctx context.Context, id domain.RoomID, fn func(*domain.Meeting)) error {
	key := meetingKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		m, err := decodeMeeting(data)
		if err != nil {
			return err
		}
		fn(m)
		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("meeting %s: too much contention", id)
}

func decodeMeeting(data []byte) (*domain.Meeting, error) {
	var m domain.Meeting
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meeting: %w", err)
	}
	return &m, nil
}
