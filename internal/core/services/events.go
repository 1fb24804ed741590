package services

import "groupcall/internal/core/domain"

type ProducerRemovedEvent struct {
	RoomID     domain.RoomID     `json:"roomId"`
	ProducerID domain.ProducerID `json:"producerId"`
}

type ConsumerClosedEvent struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
	ProducerID domain.ProducerID `json:"producerId"`
}

type NewPeerEvent struct {
	RoomID domain.RoomID `json:"roomId"`
	domain.Peer
}

type PeerLeftEvent struct {
	RoomID       domain.RoomID       `json:"roomId"`
	ConnectionID domain.ConnectionID `json:"connectionId"`
	UserID       domain.UserID       `json:"userId"`
}

type PresenceEvent struct {
	Entries []domain.PresenceEntry `json:"entries"`
}

type TransportClosedEvent struct {
	TransportID domain.TransportID   `json:"transportId"`
	Role        domain.TransportRole `json:"role"`
}

type CallInviteEvent struct {
	RoomID domain.RoomID   `json:"roomId"`
	From   domain.Identity `json:"from"`
}
