package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/internal/core/services"
	"groupcall/internal/infrastructure/repositories/memory"
	"groupcall/internal/testutils"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	t    *testing.T
	srv  *httptest.Server
	auth services.AuthService
	hub  *Hub
	conf *services.Conference
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	hub := NewHub(logger.Sugar())
	conf := services.NewConference(
		testutils.NewEngine(),
		memory.NewMemoryMeetingRepository(),
		memory.NewMemoryProducerRecordRepository(),
		hub,
		nil,
		services.ConferenceConfig{
			Transport: services.TransportConfig{MaxIncomingBitrate: 1500000},
			Media:     services.MediaConfig{PreferredLayers: domain.ConsumerLayers{SpatialLayer: 2, TemporalLayer: 2}},
			Rooms:     services.RoomConfig{EmptyRoomTTL: time.Minute, ReapInterval: time.Second},
			Presence:  services.PresenceGlobal,
		},
		logger.Sugar(),
	)
	auth := services.NewAuthService("signal-test-secret", time.Hour)

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	ws := NewWebSocketServer(conf, auth, hub, nil, cfg, logger)
	srv := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ws.Shutdown(ctx)
	})
	return &testEnv{t: t, srv: srv, auth: auth, hub: hub, conf: conf}
}

func (e *testEnv) url(token string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (e *testEnv) dial(user string) *client {
	e.t.Helper()
	token, err := e.auth.GenerateToken(domain.Identity{UserID: domain.UserID(user), DisplayName: user})
	require.NoError(e.t, err)
	ws, _, err := websocket.DefaultDialer.Dial(e.url(token), nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = ws.Close() })

	c := &client{t: e.t, ws: ws}
	ev := c.waitEvent(EventWelcome)
	var w welcome
	require.NoError(e.t, json.Unmarshal(ev.Data, &w))
	c.id = w.ConnectionID
	return c
}

type inbound struct {
	ID    uint64          `json:"id"`
	Type  string          `json:"type"`
	OK    *bool           `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *ErrorBody      `json:"error"`
}

type client struct {
	t      *testing.T
	ws     *websocket.Conn
	id     domain.ConnectionID
	nextID uint64
	events []inbound
}

func (c *client) read() inbound {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg inbound
	require.NoError(c.t, c.ws.ReadJSON(&msg))
	return msg
}

func (c *client) send(typ string, payload interface{}) uint64 {
	c.t.Helper()
	c.nextID++
	req := map[string]interface{}{"id": c.nextID, "type": typ}
	if payload != nil {
		req["payload"] = payload
	}
	require.NoError(c.t, c.ws.WriteJSON(req))
	return c.nextID
}

// request sends one operation and returns its response, keeping any pushes
// that arrive first.
func (c *client) request(typ string, payload interface{}) inbound {
	c.t.Helper()
	id := c.send(typ, payload)
	for {
		msg := c.read()
		if msg.OK != nil && msg.ID == id {
			return msg
		}
		if msg.OK == nil {
			c.events = append(c.events, msg)
		}
	}
}

func (c *client) ok(typ string, payload interface{}, out interface{}) {
	c.t.Helper()
	resp := c.request(typ, payload)
	require.True(c.t, *resp.OK, "%s failed: %+v", typ, resp.Error)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(resp.Data, out))
	}
}

func (c *client) fails(typ string, payload interface{}, code string) {
	c.t.Helper()
	resp := c.request(typ, payload)
	require.False(c.t, *resp.OK, "%s unexpectedly succeeded", typ)
	assert.Equal(c.t, code, resp.Error.Code)
}

func (c *client) waitEvent(typ string) inbound {
	c.t.Helper()
	for i, ev := range c.events {
		if ev.Type == typ {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return ev
		}
	}
	for {
		msg := c.read()
		if msg.OK == nil && msg.Type == typ {
			return msg
		}
		if msg.OK == nil {
			c.events = append(c.events, msg)
		}
	}
}

var dtls = domain.DTLSParameters{
	Role:         "client",
	Fingerprints: []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
}

func (e *testEnv) room(owner string) domain.RoomID {
	e.t.Helper()
	m, err := e.conf.CreateMeeting(context.Background(), domain.Identity{UserID: domain.UserID(owner)}, nil)
	require.NoError(e.t, err)
	return m.ID
}

func TestHandleWebSocket_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.url(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.url("garbage"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWebSocket_BearerHeader(t *testing.T) {
	env := newTestEnv(t)
	token, err := env.auth.GenerateToken(domain.Identity{UserID: "ada"})
	require.NoError(t, err)

	ws, _, err := websocket.DefaultDialer.Dial(env.url(""), http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	defer ws.Close()

	c := &client{t: t, ws: ws}
	ev := c.waitEvent(EventWelcome)
	assert.Contains(t, string(ev.Data), `"userId":"ada"`)
}

func TestSignal_PublishAndSubscribe(t *testing.T) {
	env := newTestEnv(t)
	roomID := env.room("alice")
	alice := env.dial("alice")
	bob := env.dial("bob")

	var caps domain.RTPCapabilities
	alice.ok(OpGetRouterCapabilities, nil, &caps)
	require.NotEmpty(t, caps.Codecs)

	alice.ok(OpJoinRoom, roomPayload{RoomID: roomID}, nil)
	var joined domain.JoinResult
	bob.ok(OpJoinRoom, roomPayload{RoomID: roomID}, &joined)
	assert.Len(t, joined.Peers, 2)
	alice.waitEvent(ports.EventNewPeer)

	var send domain.TransportParameters
	alice.ok(OpCreateSendTransport, nil, &send)
	assert.NotEmpty(t, send.ID)
	alice.ok(OpConnectSendTransport, connectTransportPayload{DTLSParameters: dtls}, nil)

	var produced produceResult
	alice.ok(OpProduce, producePayload{
		Kind:          domain.KindAudio,
		RTPParameters: testutils.OpusParameters(1111),
		RoomID:        roomID,
	}, &produced)
	require.NotEmpty(t, produced.ID)

	ev := bob.waitEvent(ports.EventNewProducer)
	var info domain.ProducerInfo
	require.NoError(t, json.Unmarshal(ev.Data, &info))
	assert.Equal(t, produced.ID, info.ProducerID)
	assert.Equal(t, alice.id, info.ConnectionID)

	bob.ok(OpCreateReceiveTransport, nil, nil)
	bob.ok(OpConnectReceiveTransport, connectTransportPayload{DTLSParameters: dtls}, nil)

	var consumer services.ConsumerParams
	bob.ok(OpConsume, consumePayload{
		ConnectionID:    alice.id,
		ProducerID:      produced.ID,
		RTPCapabilities: caps,
	}, &consumer)
	assert.Equal(t, produced.ID, consumer.ProducerID)
	assert.Equal(t, domain.KindAudio, consumer.Kind)
	assert.False(t, consumer.Paused)
	bob.ok(OpResumeConsumer, producerPayload{ProducerID: produced.ID}, nil)

	alice.ok(OpCloseProducer, producerPayload{ProducerID: produced.ID}, nil)
	closed := bob.waitEvent(ports.EventConsumerClosed)
	assert.Contains(t, string(closed.Data), string(consumer.ID))
	bob.waitEvent(ports.EventProducerRemoved)
}

func TestSignal_Errors(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial("alice")

	alice.fails("dance", nil, "INVALID_INPUT")
	alice.fails(OpConnectSendTransport, connectTransportPayload{DTLSParameters: dtls}, "TRANSPORT_NOT_FOUND")
	alice.fails(OpConnectSendTransport, connectTransportPayload{}, "INVALID_INPUT")
	alice.fails(OpJoinRoom, roomPayload{RoomID: "no-such-room"}, "ROOM_NOT_FOUND")
	alice.fails(OpJoinRoom, nil, "INVALID_INPUT")
	alice.fails(OpCloseTransport, closeTransportPayload{Role: "sideways"}, "INVALID_INPUT")
	alice.fails(OpProduce, producePayload{Kind: "data"}, "INVALID_INPUT")
	alice.fails(OpResumeConsumer, producerPayload{ProducerID: "pr_missing"}, "CONSUMER_NOT_FOUND")

	private, err := env.conf.CreateMeeting(context.Background(), domain.Identity{UserID: "carol"}, []domain.UserID{"dave"})
	require.NoError(t, err)
	alice.fails(OpJoinRoom, roomPayload{RoomID: private.ID}, "FORBIDDEN")

	require.NoError(t, alice.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	resp := alice.read()
	require.NotNil(t, resp.OK)
	assert.False(t, *resp.OK)
	assert.Equal(t, "INVALID_INPUT", resp.Error.Code)
}

func TestSignal_CreateRoomAndLeave(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial("alice")

	var created roomPayload
	alice.ok(OpCreateRoom, nil, &created)
	require.NotEmpty(t, created.RoomID)

	alice.ok(OpJoinRoom, roomPayload{RoomID: created.RoomID}, nil)
	alice.ok(OpLeaveRoom, roomPayload{RoomID: created.RoomID}, nil)
	alice.ok(OpLeaveRoom, roomPayload{RoomID: created.RoomID}, nil)
}

func TestSignal_DisconnectActsAsLeave(t *testing.T) {
	env := newTestEnv(t)
	roomID := env.room("alice")
	alice := env.dial("alice")
	bob := env.dial("bob")

	alice.ok(OpJoinRoom, roomPayload{RoomID: roomID}, nil)
	bob.ok(OpJoinRoom, roomPayload{RoomID: roomID}, nil)

	require.NoError(t, alice.ws.Close())

	ev := bob.waitEvent(ports.EventPeerLeft)
	assert.Contains(t, string(ev.Data), string(alice.id))
	assert.Eventually(t, func() bool { return env.hub.Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSignal_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.MessagesPerSecond = 0.001
		c.Burst = 1
	})
	alice := env.dial("alice")

	alice.ok(OpGetRouterCapabilities, nil, nil)
	alice.fails(OpGetRouterCapabilities, nil, "RATE_LIMIT_EXCEEDED")
}

func TestHub_SendToUserReachesEveryConnection(t *testing.T) {
	env := newTestEnv(t)
	first := env.dial("alice")
	second := env.dial("alice")
	other := env.dial("bob")

	env.hub.SendToUser("alice", ports.Event{Type: ports.EventCallInvite, Data: map[string]string{"roomId": "r1"}})

	first.waitEvent(ports.EventCallInvite)
	second.waitEvent(ports.EventCallInvite)

	env.hub.SendToConnections([]domain.ConnectionID{other.id}, ports.Event{Type: "ping-test"})
	other.waitEvent("ping-test")
	for _, ev := range other.events {
		assert.NotEqual(t, ports.EventCallInvite, ev.Type)
	}
}

func TestConnection_FullBufferDropsWithoutBlocking(t *testing.T) {
	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	ws := <-accepted

	cfg := DefaultConfig()
	cfg.SendBufferSize = 1
	c := newConnection("c1", domain.Identity{UserID: "alice"}, ws, cfg, zap.NewNop().Sugar())

	c.enqueue([]byte(`{"type":"first"}`))
	start := time.Now()
	c.enqueue([]byte(`{"type":"second"}`))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("slow connection was not closed")
	}

	// nothing was written before the close frame
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = peer.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// later pushes are ignored
	c.enqueue([]byte(`{"type":"third"}`))
	assert.Len(t, c.send, 1)
}
