package memory

import (
	"context"
	"sort"
	"sync"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
)

type MemoryProducerRecordRepository struct {
	rooms map[domain.RoomID]map[domain.ProducerID]domain.ProducerInfo
	mu    sync.RWMutex
}

func NewMemoryProducerRecordRepository() ports.ProducerRecordRepository {
	return &MemoryProducerRecordRepository{
		rooms: make(map[domain.RoomID]map[domain.ProducerID]domain.ProducerInfo),
	}
}

func (r *MemoryProducerRecordRepository) Save(ctx context.Context, info domain.ProducerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[info.RoomID]
	if !ok {
		room = make(map[domain.ProducerID]domain.ProducerInfo)
		r.rooms[info.RoomID] = room
	}
	room[info.ProducerID] = info
	return nil
}

func (r *MemoryProducerRecordRepository) Delete(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[roomID]; ok {
		delete(room, producerID)
		if len(room) == 0 {
			delete(r.rooms, roomID)
		}
	}
	return nil
}

// ListByRoom returns the records of a room, oldest first.
func (r *MemoryProducerRecordRepository) ListByRoom(ctx context.Context, roomID domain.RoomID) ([]domain.ProducerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ProducerInfo, 0, len(r.rooms[roomID]))
	for _, info := range r.rooms[roomID] {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryProducerRecordRepository) DeleteRoom(ctx context.Context, roomID domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rooms, roomID)
	return nil
}
