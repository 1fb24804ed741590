package services

import (
	"sync"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"

	"github.com/elliotchance/orderedmap/v2"
)

type PresenceScope string

const (
	PresenceGlobal PresenceScope = "global"
	PresenceRoom   PresenceScope = "room"
)

// PresenceService tracks online/busy status per connection and publishes
// snapshots whenever a room's peer set changes.
type PresenceService struct {
	broadcaster ports.Broadcaster
	rooms       RoomMembers
	scope       PresenceScope

	mu      sync.Mutex
	entries *orderedmap.OrderedMap[domain.ConnectionID, domain.PresenceEntry]
}

func NewPresenceService(broadcaster ports.Broadcaster, rooms RoomMembers, scope PresenceScope) *PresenceService {
	if scope != PresenceRoom {
		scope = PresenceGlobal
	}
	return &PresenceService{
		broadcaster: broadcaster,
		rooms:       rooms,
		scope:       scope,
		entries:     orderedmap.NewOrderedMap[domain.ConnectionID, domain.PresenceEntry](),
	}
}

func (p *PresenceService) Set(connID domain.ConnectionID, userID domain.UserID, status domain.PresenceStatus) {
	p.mu.Lock()
	p.entries.Set(connID, domain.PresenceEntry{ConnectionID: connID, UserID: userID, Status: status})
	p.mu.Unlock()
}

func (p *PresenceService) Remove(connID domain.ConnectionID) {
	p.mu.Lock()
	p.entries.Delete(connID)
	p.mu.Unlock()
}

func (p *PresenceService) Status(connID domain.ConnectionID) (domain.PresenceStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries.Get(connID)
	return e.Status, ok
}

// Snapshot lists every known connection in registration order.
func (p *PresenceService) Snapshot() []domain.PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.PresenceEntry, 0, p.entries.Len())
	for el := p.entries.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}

// Publish sends the snapshot to everybody, or only to the members of
// roomID when the scope is per room.
func (p *PresenceService) Publish(roomID domain.RoomID) {
	event := ports.Event{Type: ports.EventPresence, Data: PresenceEvent{Entries: p.Snapshot()}}
	if p.scope == PresenceRoom {
		if roomID != "" {
			p.broadcaster.SendToConnections(p.rooms.Members(roomID), event)
		}
		return
	}
	p.broadcaster.SendToAll(event)
}
