package ports

import (
	"context"
	"time"

	"groupcall/internal/core/domain"
)

type MeetingRepository interface {
	Create(ctx context.Context, meeting *domain.Meeting) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Meeting, error)
	Update(ctx context.Context, meeting *domain.Meeting) error
	RecordJoin(ctx context.Context, id domain.RoomID, at time.Time) error
	RecordLeave(ctx context.Context, id domain.RoomID, at time.Time) error
}

// ProducerRecordRepository keeps the per-room producer list late joiners read.
type ProducerRecordRepository interface {
	Save(ctx context.Context, info domain.ProducerInfo) error
	Delete(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) error
	ListByRoom(ctx context.Context, roomID domain.RoomID) ([]domain.ProducerInfo, error)
	DeleteRoom(ctx context.Context, roomID domain.RoomID) error
}
