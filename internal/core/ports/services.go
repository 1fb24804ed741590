package ports

import (
	"context"
	"time"

	"groupcall/internal/core/domain"
)

// Event is a server push addressed to one or more connections.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	EventNewProducer     = "new-producer"
	EventProducerRemoved = "producer-removed"
	EventConsumerClosed  = "consumer-closed"
	EventNewPeer         = "new-peer"
	EventPeerLeft        = "peer-left"
	EventPresence        = "presence"
	EventTransportClosed = "transport-closed"
	EventCallInvite      = "call-invite"
)

// Broadcaster delivers events to live connections. Implementations must not
// block on slow receivers.
type Broadcaster interface {
	SendToConnections(ids []domain.ConnectionID, event Event)
	SendToUser(userID domain.UserID, event Event)
	SendToAll(event Event)
}

type IdentityProvider interface {
	Authenticate(ctx context.Context, token string) (*domain.Identity, error)
}

type MetricsRecorder interface {
	SetActiveConnections(n int)
	SetActiveRooms(n int)
	SetActiveTransports(n int)
	SetActiveProducers(n int)
	SetActiveConsumers(n int)
	ObserveSignalRequest(op string, ok bool, d time.Duration)
	IncCannotConsume()
	IncRoomsReaped(n int)
}
