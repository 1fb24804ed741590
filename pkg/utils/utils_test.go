package utils

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	id1 := NewID("tr")
	id2 := NewID("tr")

	assert.NotEqual(t, id1, id2)
	assert.True(t, strings.HasPrefix(id1, "tr_"))
	assert.Len(t, id1, len("tr_")+32)
	assert.Len(t, NewID(""), 32)
}

func TestNewRoomID_IsUUID(t *testing.T) {
	_, err := uuid.Parse(NewRoomID())
	assert.NoError(t, err)
}
