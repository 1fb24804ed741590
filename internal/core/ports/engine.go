package ports

import (
	"context"

	"groupcall/internal/core/domain"
)

// MediaEngine is the process-wide media worker. Once Died fires, every
// transport, producer and consumer it created is invalid.
type MediaEngine interface {
	Router() (Router, error)
	Ready() bool
	Died() <-chan error
	Close() error
}

type Router interface {
	ID() string
	RTPCapabilities() domain.RTPCapabilities
	CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool
	CreateWebRTCTransport(ctx context.Context, opts TransportOptions) (Transport, error)
}

type TransportOptions struct {
	ConnectionID domain.ConnectionID
	Role         domain.TransportRole
}

// Transport is a single ICE/DTLS endpoint. OnClose handlers run once, after
// the transport has closed, whether by Close or by an engine-side failure.
type Transport interface {
	ID() domain.TransportID
	Parameters() domain.TransportParameters
	SetMaxIncomingBitrate(bps uint32) error
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error
	Closed() bool
	OnClose(fn func())
}

type ConnectParams struct {
	DTLSParameters domain.DTLSParameters
	ICEParameters  *domain.ICEParameters
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RTPParameters domain.RTPParameters
}

type ConsumeOptions struct {
	ProducerID      domain.ProducerID
	RTPCapabilities domain.RTPCapabilities
	Paused          bool
}

// Producer is one incoming track. The engine may close it on its own, for
// example when the receiver cannot start; OnClose handlers run once either way.
type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Type() domain.ConsumerType
	Close() error
	Closed() bool
	OnClose(fn func())
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	Type() domain.ConsumerType
	RTPParameters() domain.RTPParameters
	Paused() bool
	Resume(ctx context.Context) error
	SetPreferredLayers(layers domain.ConsumerLayers) error
	Close() error
	Closed() bool
	OnClose(fn func())
}
