package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/pkg/utils"

	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/zap"
)

// Room is the in-memory peer directory of one meeting. Each room has its
// own lock; the service map lock only guards lookup and creation.
type Room struct {
	id domain.RoomID

	mu         sync.Mutex
	peers      *orderedmap.OrderedMap[domain.ConnectionID, domain.Peer]
	lastJoinAt time.Time
	emptySince time.Time
	reaped     bool
}

func newRoom(id domain.RoomID, now time.Time) *Room {
	return &Room{
		id:         id,
		peers:      orderedmap.NewOrderedMap[domain.ConnectionID, domain.Peer](),
		emptySince: now,
	}
}

func (r *Room) peersLocked() []domain.Peer {
	out := make([]domain.Peer, 0, r.peers.Len())
	for el := r.peers.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

type RoomConfig struct {
	EmptyRoomTTL time.Duration
	ReapInterval time.Duration
}

// JoinOutcome describes the directory after a join.
type JoinOutcome struct {
	Joined bool // false when the connection was already a member
	Peers  []domain.Peer
	Others []domain.ConnectionID
}

type RoomService struct {
	meetings ports.MeetingRepository
	metrics  ports.MetricsRecorder
	cfg      RoomConfig
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
}

func NewRoomService(meetings ports.MeetingRepository, metrics ports.MetricsRecorder, cfg RoomConfig, logger *zap.SugaredLogger) *RoomService {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &RoomService{
		meetings: meetings,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		rooms:    make(map[domain.RoomID]*Room),
	}
}

// CreateRoom stores a meeting record owned by owner. With no participants
// the meeting is open to any authenticated user.
func (s *RoomService) CreateRoom(ctx context.Context, owner domain.Identity, participants []domain.UserID) (*domain.Meeting, error) {
	meeting := &domain.Meeting{
		ID:        domain.RoomID(utils.NewRoomID()),
		OwnerID:   owner.UserID,
		Open:      len(participants) == 0,
		CreatedAt: s.now(),
	}
	meeting.AddParticipants(participants...)

	if err := s.meetings.Create(ctx, meeting); err != nil {
		return nil, fmt.Errorf("failed to create meeting: %w", err)
	}
	s.getOrCreate(meeting.ID)

	s.logger.Infow("room created", "room_id", meeting.ID, "owner_id", owner.UserID, "open", meeting.Open)
	return meeting, nil
}

// Authorize loads the meeting record and checks the identity may join it.
func (s *RoomService) Authorize(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (*domain.Meeting, error) {
	meeting, err := s.meetings.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !meeting.Permits(identity.UserID) {
		return nil, fmt.Errorf("user %s in room %s: %w", identity.UserID, roomID, domain.ErrNotAllowed)
	}
	return meeting, nil
}

// Join adds the peer. Joining a room the connection is already in changes
// nothing and reports Joined=false.
func (s *RoomService) Join(roomID domain.RoomID, peer domain.Peer) JoinOutcome {
	for {
		room := s.getOrCreate(roomID)
		room.mu.Lock()
		if room.reaped {
			room.mu.Unlock()
			continue
		}
		_, present := room.peers.Get(peer.ConnectionID)
		if !present {
			room.peers.Set(peer.ConnectionID, peer)
			room.lastJoinAt = peer.JoinedAt
			room.emptySince = time.Time{}
		}
		out := JoinOutcome{Joined: !present, Peers: room.peersLocked()}
		for _, p := range out.Peers {
			if p.ConnectionID != peer.ConnectionID {
				out.Others = append(out.Others, p.ConnectionID)
			}
		}
		room.mu.Unlock()
		return out
	}
}

// Leave removes the peer and returns it with the remaining members.
func (s *RoomService) Leave(roomID domain.RoomID, connID domain.ConnectionID) (domain.Peer, []domain.ConnectionID, bool) {
	room := s.get(roomID)
	if room == nil {
		return domain.Peer{}, nil, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	peer, ok := room.peers.Get(connID)
	if !ok {
		return domain.Peer{}, nil, false
	}
	room.peers.Delete(connID)
	if room.peers.Len() == 0 {
		room.emptySince = s.now()
	}
	remaining := make([]domain.ConnectionID, 0, room.peers.Len())
	for el := room.peers.Front(); el != nil; el = el.Next() {
		remaining = append(remaining, el.Key)
	}
	return peer, remaining, true
}

// Members returns a fresh slice of the connections in the room, in join order.
func (s *RoomService) Members(roomID domain.RoomID) []domain.ConnectionID {
	room := s.get(roomID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]domain.ConnectionID, 0, room.peers.Len())
	for el := room.peers.Front(); el != nil; el = el.Next() {
		out = append(out, el.Key)
	}
	return out
}

func (s *RoomService) Peers(roomID domain.RoomID) []domain.Peer {
	room := s.get(roomID)
	if room == nil {
		return []domain.Peer{}
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.peersLocked()
}

func (s *RoomService) RecordJoin(ctx context.Context, roomID domain.RoomID) {
	if err := s.meetings.RecordJoin(ctx, roomID, s.now()); err != nil {
		s.logger.Warnw("failed to record meeting join", "room_id", roomID, "error", err)
	}
}

func (s *RoomService) RecordLeave(ctx context.Context, roomID domain.RoomID) {
	if err := s.meetings.RecordLeave(ctx, roomID, s.now()); err != nil {
		s.logger.Warnw("failed to record meeting leave", "room_id", roomID, "error", err)
	}
}

func (s *RoomService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Reap drops rooms that have been empty for longer than the configured TTL.
func (s *RoomService) Reap() []domain.RoomID {
	if s.cfg.EmptyRoomTTL <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.cfg.EmptyRoomTTL)

	s.mu.Lock()
	var reaped []domain.RoomID
	for id, room := range s.rooms {
		room.mu.Lock()
		if room.peers.Len() == 0 && !room.emptySince.IsZero() && room.emptySince.Before(cutoff) {
			room.reaped = true
			delete(s.rooms, id)
			reaped = append(reaped, id)
		}
		room.mu.Unlock()
	}
	n := len(s.rooms)
	s.mu.Unlock()

	sort.Slice(reaped, func(i, j int) bool { return reaped[i] < reaped[j] })
	s.metrics.SetActiveRooms(n)
	if len(reaped) > 0 {
		s.metrics.IncRoomsReaped(len(reaped))
	}
	return reaped
}

func (s *RoomService) get(roomID domain.RoomID) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID]
}

func (s *RoomService) getOrCreate(roomID domain.RoomID) *Room {
	if room := s.get(roomID); room != nil {
		return room
	}
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		room = newRoom(roomID, s.now())
		s.rooms[roomID] = room
	}
	n := len(s.rooms)
	s.mu.Unlock()
	s.metrics.SetActiveRooms(n)
	return room
}
