package domain

import "errors"

var (
	ErrEngineNotReady    = errors.New("media engine not ready")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
	ErrCannotConsume     = errors.New("cannot consume")
	ErrRoomNotFound      = errors.New("room not found")
	ErrNotAllowed        = errors.New("not allowed to join room")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidKind       = errors.New("invalid media kind")
)
