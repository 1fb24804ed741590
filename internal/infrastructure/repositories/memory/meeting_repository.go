package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	apperrors "groupcall/pkg/errors"
)

type MemoryMeetingRepository struct {
	meetings map[domain.RoomID]*domain.Meeting
	mu       sync.RWMutex
}

func NewMemoryMeetingRepository() ports.MeetingRepository {
	return &MemoryMeetingRepository{
		meetings: make(map[domain.RoomID]*domain.Meeting),
	}
}

func (r *MemoryMeetingRepository) Create(ctx context.Context, meeting *domain.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.meetings[meeting.ID]; exists {
		return apperrors.NewConflictError(fmt.Sprintf("meeting %s already exists", meeting.ID))
	}
	r.meetings[meeting.ID] = cloneMeeting(meeting)
	return nil
}

// GetByID returns a copy; callers persist changes through Update.
func (r *MemoryMeetingRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Meeting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.meetings[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return cloneMeeting(m), nil
}

func (r *MemoryMeetingRepository) Update(ctx context.Context, meeting *domain.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.meetings[meeting.ID]; !exists {
		return domain.ErrRoomNotFound
	}
	r.meetings[meeting.ID] = cloneMeeting(meeting)
	return nil
}

func (r *MemoryMeetingRepository) RecordJoin(ctx context.Context, id domain.RoomID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.meetings[id]
	if !exists {
		return domain.ErrRoomNotFound
	}
	m.LastJoinAt = at
	return nil
}

func (r *MemoryMeetingRepository) RecordLeave(ctx context.Context, id domain.RoomID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.meetings[id]
	if !exists {
		return domain.ErrRoomNotFound
	}
	m.LastLeaveAt = at
	return nil
}

func cloneMeeting(m *domain.Meeting) *domain.Meeting {
	c := *m
	c.Participants = append([]domain.UserID(nil), m.Participants...)
	return &c
}
