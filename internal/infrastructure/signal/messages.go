package signal

import (
	"encoding/json"

	"groupcall/internal/core/domain"
)

// Request is one client-to-server signaling message.
type Request struct {
	ID      uint64          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers exactly one Request and carries its id.
type Response struct {
	ID    uint64      `json:"id"`
	Type  string      `json:"type"`
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Operations
const (
	OpGetRouterCapabilities   = "get-router-capabilities"
	OpCreateSendTransport     = "create-send-transport"
	OpCreateReceiveTransport  = "create-receive-transport"
	OpConnectSendTransport    = "connect-send-transport"
	OpConnectReceiveTransport = "connect-receive-transport"
	OpCloseTransport          = "close-transport"
	OpProduce                 = "produce"
	OpCloseProducer           = "close-producer"
	OpConsume                 = "consume"
	OpResumeConsumer          = "resume-consumer"
	OpRemoveProducer          = "remove-producer"
	OpCreateRoom              = "create-room"
	OpJoinRoom                = "join-room"
	OpLeaveRoom               = "leave-room"
)

type connectTransportPayload struct {
	DTLSParameters domain.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *domain.ICEParameters `json:"iceParameters,omitempty"`
}

type closeTransportPayload struct {
	Role domain.TransportRole `json:"role"`
}

type producePayload struct {
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
	RoomID        domain.RoomID        `json:"roomId"`
	IsScreen      bool                 `json:"isScreen"`
}

type produceResult struct {
	ID domain.ProducerID `json:"id"`
}

type consumePayload struct {
	ConnectionID    domain.ConnectionID    `json:"connectionId"`
	ProducerID      domain.ProducerID      `json:"producerId"`
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
}

type producerPayload struct {
	ProducerID domain.ProducerID `json:"producerId"`
	RoomID     domain.RoomID     `json:"roomId,omitempty"`
}

type roomPayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

// EventWelcome is the first push on every connection.
const EventWelcome = "welcome"

type welcome struct {
	ConnectionID domain.ConnectionID `json:"connectionId"`
	UserID       domain.UserID       `json:"userId"`
}
