package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/internal/core/services"
	apperrors "groupcall/pkg/errors"
	rlog "groupcall/pkg/logger"
	"groupcall/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Conference is the part of the call core the signaling server drives.
type Conference interface {
	Connect(ctx context.Context, connID domain.ConnectionID, identity domain.Identity) *services.Session
	Disconnect(ctx context.Context, connID domain.ConnectionID)
	RouterCapabilities() (domain.RTPCapabilities, error)
	CreateTransport(ctx context.Context, connID domain.ConnectionID, role domain.TransportRole) (domain.TransportParameters, error)
	ConnectTransport(ctx context.Context, connID domain.ConnectionID, role domain.TransportRole, params ports.ConnectParams) error
	CloseTransport(ctx context.Context, connID domain.ConnectionID, role domain.TransportRole) error
	Produce(ctx context.Context, connID domain.ConnectionID, req services.ProduceRequest) (domain.ProducerID, error)
	Consume(ctx context.Context, connID domain.ConnectionID, req services.ConsumeRequest) (*services.ConsumerParams, error)
	ResumeConsumer(ctx context.Context, connID domain.ConnectionID, producerID domain.ProducerID) error
	CloseProducer(ctx context.Context, connID domain.ConnectionID, producerID domain.ProducerID) error
	RemoveProducer(ctx context.Context, connID domain.ConnectionID, producerID domain.ProducerID, roomID domain.RoomID) error
	CreateRoom(ctx context.Context, connID domain.ConnectionID) (domain.RoomID, error)
	JoinRoom(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID) (*domain.JoinResult, error)
	LeaveRoom(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID) error
}

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	MaxMessageSize int64

	// MessagesPerSecond limits requests per connection; 0 disables the limit.
	MessagesPerSecond float64
	Burst             int

	// AllowedOrigins restricts browser origins; empty or "*" allows any.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBufferSize: 64,
		MaxMessageSize: 64 * 1024,
	}
}

type WebSocketServer struct {
	conference Conference
	identity   ports.IdentityProvider
	hub        *Hub
	metrics    ports.MetricsRecorder
	cfg        Config
	upgrader   websocket.Upgrader
	handlers   map[string]handlerFunc

	ctxLogger *rlog.ContextLogger
	logger    *zap.SugaredLogger

	wg sync.WaitGroup
}

func NewWebSocketServer(
	conference Conference,
	identity ports.IdentityProvider,
	hub *Hub,
	metrics ports.MetricsRecorder,
	cfg Config,
	logger *zap.Logger,
) *WebSocketServer {
	if metrics == nil {
		metrics = services.NoopMetrics{}
	}
	s := &WebSocketServer{
		conference: conference,
		identity:   identity,
		hub:        hub,
		metrics:    metrics,
		cfg:        cfg,
		ctxLogger:  rlog.NewContextLogger(logger.Named("signal")),
		logger:     logger.Named("signal").Sugar(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.handlers = s.routes()
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// tokenFromRequest reads the JWT from the token query parameter or the
// Authorization header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// HandleWebSocket authenticates the caller, upgrades the connection and
// serves it until it closes. Everything the connection owned is reclaimed
// on return.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.identity.Authenticate(r.Context(), tokenFromRequest(r))
	if err != nil {
		appErr := apperrors.NewUnauthorizedError(err.Error())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(appErr.HTTPStatus)
		_ = json.NewEncoder(w).Encode(ErrorBody{Code: string(appErr.Code), Message: appErr.Message})
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	id := domain.ConnectionID(utils.NewConnectionID())
	c := newConnection(id, *identity, ws, s.cfg, s.logger.With("connection_id", id, "user_id", identity.UserID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = rlog.WithValue(ctx, rlog.ConnectionIDKey, string(id))
	ctx = rlog.WithValue(ctx, rlog.UserIDKey, string(identity.UserID))

	s.hub.register(c)
	s.metrics.SetActiveConnections(s.hub.Count())
	s.conference.Connect(ctx, id, *identity)
	c.push(ports.Event{Type: EventWelcome, Data: welcome{ConnectionID: id, UserID: identity.UserID}})

	go c.writePump()
	s.readLoop(ctx, c)

	s.hub.unregister(c)
	s.conference.Disconnect(context.Background(), id)
	c.close()
	s.metrics.SetActiveConnections(s.hub.Count())
	c.logger.Infow("connection finished")
}

func (s *WebSocketServer) readLoop(ctx context.Context, c *connection) {
	ws := c.ws
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("websocket read failed", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
			c.reply(errorResponse(req, apperrors.NewInvalidInputError("malformed request")))
			continue
		}
		if limiter != nil && !limiter.Allow() {
			c.reply(errorResponse(req, apperrors.NewRateLimitError()))
			continue
		}
		c.reply(s.dispatch(ctx, c, req))
	}
}

// Shutdown closes every live connection and waits for their cleanup.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connection is one authenticated websocket. Writes go through send and
// are performed by writePump only.
type connection struct {
	id       domain.ConnectionID
	identity domain.Identity
	ws       *websocket.Conn
	cfg      Config
	send     chan []byte
	logger   *zap.SugaredLogger

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(id domain.ConnectionID, identity domain.Identity, ws *websocket.Conn, cfg Config, logger *zap.SugaredLogger) *connection {
	size := cfg.SendBufferSize
	if size <= 0 {
		size = 64
	}
	return &connection{
		id:       id,
		identity: identity,
		ws:       ws,
		cfg:      cfg,
		send:     make(chan []byte, size),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// enqueue never blocks, including when it drops a connection that cannot
// keep up: the close handshake runs on its own goroutine.
func (c *connection) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warnw("send buffer full, closing connection")
		go c.close()
	}
}

func (c *connection) reply(resp Response) {
	msg, err := json.Marshal(resp)
	if err != nil {
		c.logger.Errorw("failed to encode response", "type", resp.Type, "error", err)
		return
	}
	c.enqueue(msg)
}

func (c *connection) push(event ports.Event) {
	msg, err := json.Marshal(event)
	if err != nil {
		c.logger.Errorw("failed to encode event", "type", event.Type, "error", err)
		return
	}
	c.enqueue(msg)
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debugw("websocket write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("websocket ping failed", "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
}
