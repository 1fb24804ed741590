package domain

import "time"

// Peer is a connection's presence inside a room.
type Peer struct {
	ConnectionID ConnectionID `json:"connectionId"`
	UserID       UserID       `json:"userId"`
	DisplayName  string       `json:"displayName,omitempty"`
	JoinedAt     time.Time    `json:"joinedAt"`
}

// ProducerInfo is the announcement shape of a live producer.
type ProducerInfo struct {
	RoomID       RoomID       `json:"roomId"`
	ProducerID   ProducerID   `json:"producerId"`
	ConnectionID ConnectionID `json:"connectionId"`
	OwnerID      UserID       `json:"ownerId"`
	Kind         MediaKind    `json:"kind"`
	IsScreen     bool         `json:"isScreen"`
	CreatedAt    time.Time    `json:"createdAt"`
}

type PresenceStatus string

const (
	PresenceOnline PresenceStatus = "online"
	PresenceBusy   PresenceStatus = "busy"
)

type PresenceEntry struct {
	ConnectionID ConnectionID   `json:"connectionId"`
	UserID       UserID         `json:"userId"`
	Status       PresenceStatus `json:"status"`
}

// JoinResult is returned to a connection that joined a room.
type JoinResult struct {
	RoomID    RoomID          `json:"roomId"`
	Producers []ProducerInfo  `json:"producers"`
	Peers     []Peer          `json:"peers"`
	Presence  []PresenceEntry `json:"presence"`
}
