package services

import (
	"context"
	"fmt"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"

	"go.uber.org/zap"
)

type ConferenceConfig struct {
	Transport TransportConfig
	Media     MediaConfig
	Rooms     RoomConfig
	Presence  PresenceScope
}

// RoomView is the read model served to the REST API.
type RoomView struct {
	Meeting   *domain.Meeting       `json:"meeting"`
	Peers     []domain.Peer         `json:"peers"`
	Producers []domain.ProducerInfo `json:"producers"`
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Transports  int `json:"transports"`
	Producers   int `json:"producers"`
	Consumers   int `json:"consumers"`
}

// Conference is the entry point for every per-connection operation. Each
// call locks the connection's session for its whole duration.
type Conference struct {
	engine      ports.MediaEngine
	sessions    *SessionRegistry
	transports  *TransportService
	media       *MediaService
	rooms       *RoomService
	presence    *PresenceService
	meetings    ports.MeetingRepository
	records     ports.ProducerRecordRepository
	broadcaster ports.Broadcaster
	metrics     ports.MetricsRecorder
	cfg         ConferenceConfig
	logger      *zap.SugaredLogger
}

func NewConference(
	engine ports.MediaEngine,
	meetings ports.MeetingRepository,
	records ports.ProducerRecordRepository,
	broadcaster ports.Broadcaster,
	metrics ports.MetricsRecorder,
	cfg ConferenceConfig,
	logger *zap.SugaredLogger,
) *Conference {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	rooms := NewRoomService(meetings, metrics, cfg.Rooms, logger)
	media := NewMediaService(engine, records, broadcaster, rooms, metrics, cfg.Media, logger)
	c := &Conference{
		engine:      engine,
		sessions:    NewSessionRegistry(),
		transports:  NewTransportService(engine, media, metrics, cfg.Transport, logger),
		media:       media,
		rooms:       rooms,
		presence:    NewPresenceService(broadcaster, rooms, cfg.Presence),
		meetings:    meetings,
		records:     records,
		broadcaster: broadcaster,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger,
	}
	c.transports.OnTransportClosed(c.transportClosed)
	return c
}

// Connect opens the session of a freshly authenticated connection.
func (c *Conference) Connect(ctx context.Context, connID domain.ConnectionID, identity domain.Identity) *Session {
	sess, created := c.sessions.Open(connID, identity)
	if created {
		c.presence.Set(connID, identity.UserID, domain.PresenceOnline)
		c.metrics.SetActiveConnections(c.sessions.Count())
		c.logger.Infow("connection opened", "connection_id", connID, "user_id", identity.UserID)
	}
	return sess
}

// Disconnect reclaims everything the connection owns. It is equivalent to
// an explicit leave followed by closing both transports, and is safe to call
// more than once.
func (c *Conference) Disconnect(ctx context.Context, connID domain.ConnectionID) {
	sess, err := c.sessions.Get(connID)
	if err != nil {
		return
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	roomID := sess.roomID
	if roomID != "" {
		c.leaveLocked(ctx, sess)
	}
	c.transports.CloseAll(ctx, sess)
	sess.closed = true
	sess.mu.Unlock()

	c.sessions.Remove(connID)
	c.presence.Remove(connID)
	if roomID != "" {
		c.presence.Publish(roomID)
	}
	c.metrics.SetActiveConnections(c.sessions.Count())
	c.logger.Infow("connection closed", "connection_id", connID, "room_id", roomID)
}

func (c *Conference) RouterCapabilities() (domain.RTPCapabilities, error) {
	router, err := c.engine.Router()
	if err != nil {
		return domain.RTPCapabilities{}, err
	}
	return router.RTPCapabilities(), nil
}

func (c *Conference) CreateTransport(ctx context.Context, connID domain.ConnectionID, role domain.TransportRole) (domain.TransportParameters, error) {
	var params domain.TransportParameters
	err := c.withSession(connID, func(sess *Session) error {
		var err error
		params, err = c.transports.Create(ctx, sess, role)
		return err
	})
	return params, err
}

func (c *Conference) ConnectTransport(ctx context.Context, connID domain.ConnectionID, role domain.TransportRole, params ports.ConnectParams) error {
	return c.withSession(connID, func(sess *Session) error {
		return c.transports.Connect(ctx, sess, role, params)
	})
}

func (c *Conference) CloseTransport(ctx context.Context, connID domain.ConnectionID, role domain.TransportRole) error {
	return c.withSession(connID, func(sess *Session) error {
		return c.transports.Close(ctx, sess, role)
	})
}

// Produce publishes a track into the connection's current room.
func (c *Conference) Produce(ctx context.Context, connID domain.ConnectionID, req ProduceRequest) (domain.ProducerID, error) {
	var id domain.ProducerID
	err := c.withSession(connID, func(sess *Session) error {
		if !req.Kind.Valid() {
			return fmt.Errorf("%w: %q", domain.ErrInvalidKind, req.Kind)
		}
		if req.RoomID == "" {
			req.RoomID = sess.roomID
		}
		if sess.roomID == "" || req.RoomID != sess.roomID {
			return fmt.Errorf("produce into room %q: %w", req.RoomID, domain.ErrNotAllowed)
		}
		var err error
		id, err = c.media.Produce(ctx, sess, req)
		return err
	})
	return id, err
}

func (c *Conference) Consume(ctx context.Context, connID domain.ConnectionID, req ConsumeRequest) (*ConsumerParams, error) {
	var params *ConsumerParams
	err := c.withSession(connID, func(sess *Session) error {
		if info, ok := c.media.Producer(req.ProducerID); ok && info.RoomID != sess.roomID {
			return fmt.Errorf("consume producer %s from another room: %w", req.ProducerID, domain.ErrNotAllowed)
		}
		var err error
		params, err = c.media.Consume(ctx, sess, req)
		return err
	})
	return params, err
}

func (c *Conference) ResumeConsumer(ctx context.Context, connID domain.ConnectionID, producerID domain.ProducerID) error {
	return c.withSession(connID, func(sess *Session) error {
		return c.media.Resume(ctx, sess, producerID)
	})
}

// CloseProducer lets a connection stop one of its own producers.
func (c *Conference) CloseProducer(ctx context.Context, connID domain.ConnectionID, producerID domain.ProducerID) error {
	return c.withSession(connID, func(sess *Session) error {
		info, ok := c.media.Producer(producerID)
		if !ok || info.ConnectionID != sess.ID {
			return fmt.Errorf("producer %s: %w", producerID, domain.ErrProducerNotFound)
		}
		_, err := c.media.CloseProducer(ctx, producerID)
		return err
	})
}

// RemoveProducer is the administrative removal: the producer's owner or the
// meeting owner may remove it. A stale record for an already closed producer
// is dropped as well.
func (c *Conference) RemoveProducer(ctx context.Context, connID domain.ConnectionID, producerID domain.ProducerID, roomID domain.RoomID) error {
	return c.withSession(connID, func(sess *Session) error {
		info, ok := c.media.Producer(producerID)
		if !ok || (roomID != "" && info.RoomID != roomID) {
			if roomID != "" {
				if err := c.records.Delete(ctx, roomID, producerID); err != nil {
					c.logger.Warnw("failed to delete stale producer record", "room_id", roomID, "producer_id", producerID, "error", err)
				}
			}
			return fmt.Errorf("producer %s: %w", producerID, domain.ErrProducerNotFound)
		}

		if info.ConnectionID != sess.ID {
			meeting, err := c.meetings.GetByID(ctx, info.RoomID)
			if err != nil {
				return err
			}
			if meeting.OwnerID != sess.Identity.UserID {
				return fmt.Errorf("remove producer %s: %w", producerID, domain.ErrNotAllowed)
			}
		}

		_, err := c.media.CloseProducer(ctx, producerID)
		return err
	})
}

// CreateRoom creates an open meeting owned by the connection's user.
func (c *Conference) CreateRoom(ctx context.Context, connID domain.ConnectionID) (domain.RoomID, error) {
	sess, err := c.sessions.Get(connID)
	if err != nil {
		return "", err
	}
	meeting, err := c.rooms.CreateRoom(ctx, sess.Identity, nil)
	if err != nil {
		return "", err
	}
	return meeting.ID, nil
}

func (c *Conference) CreateMeeting(ctx context.Context, owner domain.Identity, participants []domain.UserID) (*domain.Meeting, error) {
	return c.rooms.CreateRoom(ctx, owner, participants)
}

// JoinRoom moves the connection into roomID, leaving its previous room
// first. Joining the current room again only returns a fresh snapshot.
func (c *Conference) JoinRoom(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID) (*domain.JoinResult, error) {
	if roomID == "" {
		return nil, domain.ErrRoomNotFound
	}

	var (
		result   *domain.JoinResult
		previous domain.RoomID
	)
	err := c.withSession(connID, func(sess *Session) error {
		if sess.roomID == roomID {
			result = c.snapshot(ctx, sess.ID, roomID)
			return nil
		}
		if _, err := c.rooms.Authorize(ctx, roomID, sess.Identity); err != nil {
			return err
		}

		if sess.roomID != "" {
			previous = sess.roomID
			c.leaveLocked(ctx, sess)
		}

		peer := domain.Peer{
			ConnectionID: sess.ID,
			UserID:       sess.Identity.UserID,
			DisplayName:  sess.Identity.DisplayName,
			JoinedAt:     time.Now(),
		}
		outcome := c.rooms.Join(roomID, peer)
		sess.roomID = roomID
		c.presence.Set(sess.ID, sess.Identity.UserID, domain.PresenceBusy)
		c.rooms.RecordJoin(ctx, roomID)

		if outcome.Joined {
			c.broadcaster.SendToConnections(outcome.Others, ports.Event{
				Type: ports.EventNewPeer,
				Data: NewPeerEvent{RoomID: roomID, Peer: peer},
			})
		}
		result = c.snapshot(ctx, sess.ID, roomID)

		c.logger.Infow("peer joined", "connection_id", sess.ID, "room_id", roomID, "user_id", sess.Identity.UserID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if previous != "" {
		c.presence.Publish(previous)
	}
	c.presence.Publish(roomID)
	return result, nil
}

// LeaveRoom is idempotent: leaving a room the connection is not in is a no-op.
func (c *Conference) LeaveRoom(ctx context.Context, connID domain.ConnectionID, roomID domain.RoomID) error {
	var left domain.RoomID
	err := c.withSession(connID, func(sess *Session) error {
		if sess.roomID == "" || (roomID != "" && sess.roomID != roomID) {
			return nil
		}
		left = sess.roomID
		c.leaveLocked(ctx, sess)
		c.presence.Set(sess.ID, sess.Identity.UserID, domain.PresenceOnline)
		return nil
	})
	if err != nil {
		return err
	}
	if left != "" {
		c.presence.Publish(left)
	}
	return nil
}

// Invite adds users to a meeting and rings each of them.
func (c *Conference) Invite(ctx context.Context, from domain.Identity, roomID domain.RoomID, users []domain.UserID) error {
	meeting, err := c.meetings.GetByID(ctx, roomID)
	if err != nil {
		return err
	}
	if meeting.OwnerID != from.UserID {
		return fmt.Errorf("invite to room %s: %w", roomID, domain.ErrNotAllowed)
	}
	meeting.AddParticipants(users...)
	if err := c.meetings.Update(ctx, meeting); err != nil {
		return fmt.Errorf("failed to update meeting: %w", err)
	}

	for _, u := range users {
		c.broadcaster.SendToUser(u, ports.Event{
			Type: ports.EventCallInvite,
			Data: CallInviteEvent{RoomID: roomID, From: from},
		})
	}
	return nil
}

func (c *Conference) Room(ctx context.Context, roomID domain.RoomID) (*RoomView, error) {
	meeting, err := c.meetings.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &RoomView{
		Meeting:   meeting,
		Peers:     c.rooms.Peers(roomID),
		Producers: c.media.LiveProducers(roomID),
	}, nil
}

func (c *Conference) Stats() Stats {
	p, cons := c.media.Counts()
	return Stats{
		Connections: c.sessions.Count(),
		Rooms:       c.rooms.Count(),
		Transports:  c.transports.Active(),
		Producers:   p,
		Consumers:   cons,
	}
}

// ReapRooms drops rooms that stayed empty past the TTL, with their records.
func (c *Conference) ReapRooms(ctx context.Context) []domain.RoomID {
	reaped := c.rooms.Reap()
	for _, id := range reaped {
		if err := c.records.DeleteRoom(ctx, id); err != nil {
			c.logger.Warnw("failed to delete producer records of reaped room", "room_id", id, "error", err)
		}
	}
	if len(reaped) > 0 {
		c.logger.Infow("reaped empty rooms", "count", len(reaped))
	}
	return reaped
}

// RunReaper calls ReapRooms every interval until ctx is done.
func (c *Conference) RunReaper(ctx context.Context) error {
	if c.cfg.Rooms.EmptyRoomTTL <= 0 || c.cfg.Rooms.ReapInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.cfg.Rooms.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.ReapRooms(ctx)
		}
	}
}

func (c *Conference) withSession(connID domain.ConnectionID, fn func(sess *Session) error) error {
	sess, err := c.sessions.Get(connID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return domain.ErrSessionClosed
	}
	return fn(sess)
}

// leaveLocked removes the connection from its room and closes both of its
// transports. Presence is left to the caller.
func (c *Conference) leaveLocked(ctx context.Context, sess *Session) {
	roomID := sess.roomID
	sess.roomID = ""

	peer, remaining, removed := c.rooms.Leave(roomID, sess.ID)
	c.transports.CloseAll(ctx, sess)
	if removed {
		c.broadcaster.SendToConnections(remaining, ports.Event{
			Type: ports.EventPeerLeft,
			Data: PeerLeftEvent{RoomID: roomID, ConnectionID: sess.ID, UserID: peer.UserID},
		})
	}
	c.rooms.RecordLeave(ctx, roomID)
	c.logger.Infow("peer left", "connection_id", sess.ID, "room_id", roomID)
}

func (c *Conference) snapshot(ctx context.Context, self domain.ConnectionID, roomID domain.RoomID) *domain.JoinResult {
	live := c.media.LiveProducers(roomID)
	c.pruneRecords(ctx, roomID, live)

	producers := make([]domain.ProducerInfo, 0, len(live))
	for _, p := range live {
		if p.ConnectionID != self {
			producers = append(producers, p)
		}
	}
	return &domain.JoinResult{
		RoomID:    roomID,
		Producers: producers,
		Peers:     c.rooms.Peers(roomID),
		Presence:  c.presenceFor(roomID),
	}
}

// pruneRecords drops persisted producer records whose producer is gone.
func (c *Conference) pruneRecords(ctx context.Context, roomID domain.RoomID, live []domain.ProducerInfo) {
	records, err := c.records.ListByRoom(ctx, roomID)
	if err != nil {
		c.logger.Warnw("failed to list producer records", "room_id", roomID, "error", err)
		return
	}
	alive := make(map[domain.ProducerID]bool, len(live))
	for _, p := range live {
		alive[p.ProducerID] = true
	}
	for _, r := range records {
		if alive[r.ProducerID] {
			continue
		}
		if err := c.records.Delete(ctx, roomID, r.ProducerID); err != nil {
			c.logger.Warnw("failed to prune producer record", "room_id", roomID, "producer_id", r.ProducerID, "error", err)
		}
	}
}

func (c *Conference) presenceFor(roomID domain.RoomID) []domain.PresenceEntry {
	all := c.presence.Snapshot()
	if c.presence.scope != PresenceRoom {
		return all
	}
	members := make(map[domain.ConnectionID]bool)
	for _, id := range c.rooms.Members(roomID) {
		members[id] = true
	}
	out := make([]domain.PresenceEntry, 0, len(members))
	for _, e := range all {
		if members[e.ConnectionID] {
			out = append(out, e)
		}
	}
	return out
}

// transportClosed runs when the engine reports a transport as closed. An
// explicit close has already removed it from the session, so only engine
// failures get here with work to do.
func (c *Conference) transportClosed(sess *Session, role domain.TransportRole, tr ports.Transport) {
	ctx := context.Background()

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	reclaimed := c.transports.Reclaim(ctx, sess, role, tr)
	sess.mu.Unlock()

	if reclaimed {
		c.logger.Warnw("transport closed by engine", "connection_id", sess.ID, "role", role, "transport_id", tr.ID())
		c.broadcaster.SendToConnections([]domain.ConnectionID{sess.ID}, ports.Event{
			Type: ports.EventTransportClosed,
			Data: TransportClosedEvent{TransportID: tr.ID(), Role: role},
		})
	}
}
