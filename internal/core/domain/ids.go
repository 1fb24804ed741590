package domain

type ConnectionID string
type UserID string
type RoomID string
type TransportID string
type ProducerID string
type ConsumerID string

// TransportRole distinguishes the two transports a connection may own.
type TransportRole string

const (
	RoleSend    TransportRole = "send"
	RoleReceive TransportRole = "receive"
)

func (r TransportRole) Valid() bool {
	return r == RoleSend || r == RoleReceive
}
