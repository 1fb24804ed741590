package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a prefixed random id such as "tr_1b4e28ba2fa1...".
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func NewRoomID() string       { return uuid.NewString() }
func NewConnectionID() string { return NewID("conn") }
func NewTransportID() string  { return NewID("tr") }
func NewProducerID() string   { return NewID("pr") }
func NewConsumerID() string   { return NewID("co") }
func NewRequestID() string    { return NewID("req") }
