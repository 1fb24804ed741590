// Package cache fronts the meeting store with a bounded, expiring LRU so
// repeated joins of a busy room do not hit the backing store each time.
// With several instances sharing one store, writes are announced through
// OnChange and peers drop their copy with Invalidate; entries that miss an
// announcement are stale for at most the TTL.
package cache

import (
	"context"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type CachedMeetingRepository struct {
	next     ports.MeetingRepository
	cache    *expirable.LRU[domain.RoomID, domain.Meeting]
	onChange func(domain.RoomID)
}

// NewCachedMeetingRepository wraps next. A size of zero or less disables
// caching and returns next unchanged.
func NewCachedMeetingRepository(next ports.MeetingRepository, size int, ttl time.Duration) ports.MeetingRepository {
	if size <= 0 {
		return next
	}
	return &CachedMeetingRepository{
		next:  next,
		cache: expirable.NewLRU[domain.RoomID, domain.Meeting](size, nil, ttl),
	}
}

func (r *CachedMeetingRepository) Create(ctx context.Context, meeting *domain.Meeting) error {
	if err := r.next.Create(ctx, meeting); err != nil {
		return err
	}
	r.cache.Add(meeting.ID, clone(meeting))
	return nil
}

func (r *CachedMeetingRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Meeting, error) {
	if m, ok := r.cache.Get(id); ok {
		out := clone(&m)
		return &out, nil
	}
	m, err := r.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, clone(m))
	return m, nil
}

func (r *CachedMeetingRepository) Update(ctx context.Context, meeting *domain.Meeting) error {
	r.cache.Remove(meeting.ID)
	if err := r.next.Update(ctx, meeting); err != nil {
		return err
	}
	r.cache.Add(meeting.ID, clone(meeting))
	r.changed(meeting.ID)
	return nil
}

func (r *CachedMeetingRepository) RecordJoin(ctx context.Context, id domain.RoomID, at time.Time) error {
	r.cache.Remove(id)
	if err := r.next.RecordJoin(ctx, id, at); err != nil {
		return err
	}
	r.changed(id)
	return nil
}

func (r *CachedMeetingRepository) RecordLeave(ctx context.Context, id domain.RoomID, at time.Time) error {
	r.cache.Remove(id)
	if err := r.next.RecordLeave(ctx, id, at); err != nil {
		return err
	}
	r.changed(id)
	return nil
}

// OnChange registers fn to be told about every successful write. It must be
// set before the repository is shared.
func (r *CachedMeetingRepository) OnChange(fn func(domain.RoomID)) {
	r.onChange = fn
}

// Invalidate drops the cached copy of a meeting another instance changed.
func (r *CachedMeetingRepository) Invalidate(id domain.RoomID) {
	r.cache.Remove(id)
}

func (r *CachedMeetingRepository) changed(id domain.RoomID) {
	if r.onChange != nil {
		r.onChange(id)
	}
}

func (r *CachedMeetingRepository) Len() int {
	return r.cache.Len()
}

func clone(m *domain.Meeting) domain.Meeting {
	c := *m
	c.Participants = append([]domain.UserID(nil), m.Participants...)
	return c
}
