package redis

import (
	"encoding/json"
	"testing"
	"time"

	"groupcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "groupcall:meeting:r1", meetingKey("r1"))
	assert.Equal(t, "groupcall:room:r1:producers", producersKey("r1"))

	room, ok := roomFromProducersKey(producersKey("team-sync"))
	assert.True(t, ok)
	assert.Equal(t, "team-sync", room)

	for _, key := range []string{"groupcall:meeting:r1", "other:room:r1:producers", "groupcall:room::producers"} {
		_, ok := roomFromProducersKey(key)
		assert.False(t, ok, key)
	}
}

func TestDecodeProducerRecords_OldestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fields := map[string]string{}
	for i, id := range []domain.ProducerID{"pr_c", "pr_a", "pr_b"} {
		data, err := json.Marshal(domain.ProducerInfo{
			RoomID:     "r1",
			ProducerID: id,
			Kind:       domain.KindAudio,
			CreatedAt:  base.Add(time.Duration(2-i) * time.Second),
		})
		require.NoError(t, err)
		fields[string(id)] = string(data)
	}

	out, err := decodeProducerRecords(fields)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, domain.ProducerID("pr_b"), out[0].ProducerID)
	assert.Equal(t, domain.ProducerID("pr_a"), out[1].ProducerID)
	assert.Equal(t, domain.ProducerID("pr_c"), out[2].ProducerID)

	_, err = decodeProducerRecords(map[string]string{"pr_x": "{"})
	assert.Error(t, err)
}

func TestDecodeMeeting(t *testing.T) {
	m, err := decodeMeeting([]byte(`{"id":"r1","ownerId":"alice","participants":["bob"],"open":false}`))
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r1"), m.ID)
	assert.True(t, m.Permits("bob"))
	assert.False(t, m.Permits("carol"))

	_, err = decodeMeeting([]byte("nope"))
	assert.Error(t, err)
}
