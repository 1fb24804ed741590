package services

import (
	"context"
	"testing"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/internal/infrastructure/repositories/memory"
	"groupcall/internal/testutils"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	engine   *testutils.Engine
	router   *testutils.Router
	rec      *testutils.Recorder
	meetings ports.MeetingRepository
	records  ports.ProducerRecordRepository
	conf     *Conference
}

func defaultConferenceConfig() ConferenceConfig {
	return ConferenceConfig{
		Transport: TransportConfig{MaxIncomingBitrate: 1500000},
		Media:     MediaConfig{PreferredLayers: domain.ConsumerLayers{SpatialLayer: 2, TemporalLayer: 2}},
		Rooms:     RoomConfig{EmptyRoomTTL: time.Minute, ReapInterval: time.Second},
		Presence:  PresenceGlobal,
	}
}

func newHarness(t *testing.T, mutate ...func(*ConferenceConfig)) *harness {
	t.Helper()
	cfg := defaultConferenceConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	engine := testutils.NewEngine()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		engine:   engine,
		router:   engine.FakeRouter(),
		rec:      testutils.NewRecorder(),
		meetings: memory.NewMemoryMeetingRepository(),
		records:  memory.NewMemoryProducerRecordRepository(),
	}
	h.conf = NewConference(engine, h.meetings, h.records, h.rec, nil, cfg, zaptest.NewLogger(t).Sugar())
	return h
}

func (h *harness) connect(id, user string) domain.ConnectionID {
	connID := domain.ConnectionID(id)
	h.conf.Connect(h.ctx, connID, domain.Identity{UserID: domain.UserID(user), DisplayName: user})
	return connID
}

// openRoom creates an open meeting owned by owner.
func (h *harness) openRoom(owner string) domain.RoomID {
	h.t.Helper()
	m, err := h.conf.CreateMeeting(h.ctx, domain.Identity{UserID: domain.UserID(owner)}, nil)
	require.NoError(h.t, err)
	return m.ID
}

func (h *harness) join(conn domain.ConnectionID, room domain.RoomID) *domain.JoinResult {
	h.t.Helper()
	res, err := h.conf.JoinRoom(h.ctx, conn, room)
	require.NoError(h.t, err)
	return res
}

func (h *harness) transport(conn domain.ConnectionID, role domain.TransportRole) domain.TransportParameters {
	h.t.Helper()
	params, err := h.conf.CreateTransport(h.ctx, conn, role)
	require.NoError(h.t, err)
	err = h.conf.ConnectTransport(h.ctx, conn, role, ports.ConnectParams{DTLSParameters: params.DTLSParameters})
	require.NoError(h.t, err)
	return params
}

func (h *harness) produce(conn domain.ConnectionID, kind domain.MediaKind, screen bool) domain.ProducerID {
	h.t.Helper()
	params := testutils.OpusParameters(1111)
	if kind == domain.KindVideo {
		params = testutils.VP8Parameters()
	}
	id, err := h.conf.Produce(h.ctx, conn, ProduceRequest{Kind: kind, RTPParameters: params, IsScreen: screen})
	require.NoError(h.t, err)
	return id
}

func (h *harness) consume(conn domain.ConnectionID, producer domain.ProducerID) *ConsumerParams {
	h.t.Helper()
	params, err := h.conf.Consume(h.ctx, conn, ConsumeRequest{ProducerID: producer, RTPCapabilities: testutils.DefaultCapabilities()})
	require.NoError(h.t, err)
	return params
}

// fakeTransport finds the open fake transport of a connection for role.
func (h *harness) fakeTransport(conn domain.ConnectionID, role domain.TransportRole) *testutils.Transport {
	for _, t := range h.router.OpenTransports(conn) {
		if t.Role == role {
			return t
		}
	}
	return nil
}

func producerIDs(infos []domain.ProducerInfo) []domain.ProducerID {
	out := make([]domain.ProducerID, 0, len(infos))
	for _, p := range infos {
		out = append(out, p.ProducerID)
	}
	return out
}

func peerIDs(peers []domain.Peer) []domain.ConnectionID {
	out := make([]domain.ConnectionID, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.ConnectionID)
	}
	return out
}

func eventsOfType(events []ports.Event, typ string) []ports.Event {
	var out []ports.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
