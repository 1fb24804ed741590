package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/pkg/tracing"

	"go.uber.org/zap"
)

// RoomMembers resolves the connections currently joined to a room.
type RoomMembers interface {
	Members(roomID domain.RoomID) []domain.ConnectionID
}

type ProduceRequest struct {
	Kind          domain.MediaKind
	RTPParameters domain.RTPParameters
	RoomID        domain.RoomID
	IsScreen      bool
}

type ConsumeRequest struct {
	TargetConnectionID domain.ConnectionID
	ProducerID         domain.ProducerID
	RTPCapabilities    domain.RTPCapabilities
}

type ConsumerParams struct {
	ID            domain.ConsumerID    `json:"id"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
	Type          domain.ConsumerType  `json:"type"`
	Paused        bool                 `json:"paused"`
}

type MediaConfig struct {
	PreferredLayers domain.ConsumerLayers
}

type producerEntry struct {
	seq         uint64
	producer    ports.Producer
	info        domain.ProducerInfo
	transportID domain.TransportID
}

type consumerKey struct {
	conn     domain.ConnectionID
	producer domain.ProducerID
}

type consumerEntry struct {
	consumer    ports.Consumer
	key         consumerKey
	transportID domain.TransportID
}

type transportIndex struct {
	producers map[domain.ProducerID]struct{}
	consumers map[consumerKey]struct{}
}

// MediaService owns every live producer and consumer. Its index lock is a
// leaf: it is never held across engine calls, broadcasts or other locks.
// Methods taking a *Session expect the caller to hold the session lock.
type MediaService struct {
	engine      ports.MediaEngine
	records     ports.ProducerRecordRepository
	broadcaster ports.Broadcaster
	rooms       RoomMembers
	metrics     ports.MetricsRecorder
	cfg         MediaConfig
	logger      *zap.SugaredLogger

	mu          sync.Mutex
	seq         uint64
	producers   map[domain.ProducerID]*producerEntry
	consumers   map[consumerKey]*consumerEntry
	byProducer  map[domain.ProducerID]map[consumerKey]struct{}
	byTransport map[domain.TransportID]*transportIndex
}

func NewMediaService(
	engine ports.MediaEngine,
	records ports.ProducerRecordRepository,
	broadcaster ports.Broadcaster,
	rooms RoomMembers,
	metrics ports.MetricsRecorder,
	cfg MediaConfig,
	logger *zap.SugaredLogger,
) *MediaService {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &MediaService{
		engine:      engine,
		records:     records,
		broadcaster: broadcaster,
		rooms:       rooms,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger,
		producers:   make(map[domain.ProducerID]*producerEntry),
		consumers:   make(map[consumerKey]*consumerEntry),
		byProducer:  make(map[domain.ProducerID]map[consumerKey]struct{}),
		byTransport: make(map[domain.TransportID]*transportIndex),
	}
}

// Produce publishes a track on the session's send transport and announces
// it to the other members of req.RoomID.
func (m *MediaService) Produce(ctx context.Context, sess *Session, req ProduceRequest) (domain.ProducerID, error) {
	tr, err := sess.transport(domain.RoleSend)
	if err != nil {
		return "", err
	}

	engineCtx, span := tracing.TraceEngineOperation(ctx, "produce",
		tracing.TransportIDKey.String(string(tr.ID())),
		tracing.MediaKindKey.String(string(req.Kind)),
	)
	producer, err := tr.Produce(engineCtx, ports.ProduceOptions{Kind: req.Kind, RTPParameters: req.RTPParameters})
	if err != nil {
		tracing.RecordError(engineCtx, err)
		span.End()
		return "", fmt.Errorf("produce on transport %s: %w", tr.ID(), err)
	}
	tracing.AddSpanAttributes(engineCtx, tracing.ProducerIDKey.String(string(producer.ID())))
	span.End()

	info := domain.ProducerInfo{
		RoomID:       req.RoomID,
		ProducerID:   producer.ID(),
		ConnectionID: sess.ID,
		OwnerID:      sess.Identity.UserID,
		Kind:         req.Kind,
		IsScreen:     req.IsScreen,
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	if tr.Closed() {
		m.mu.Unlock()
		_ = producer.Close()
		return "", fmt.Errorf("transport %s closed while producing: %w", tr.ID(), domain.ErrTransportNotFound)
	}
	m.seq++
	m.producers[info.ProducerID] = &producerEntry{seq: m.seq, producer: producer, info: info, transportID: tr.ID()}
	m.indexFor(tr.ID()).producers[info.ProducerID] = struct{}{}
	m.mu.Unlock()
	m.updateGauges()

	if err := m.records.Save(ctx, info); err != nil {
		m.logger.Warnw("failed to persist producer record", "room_id", info.RoomID, "producer_id", info.ProducerID, "error", err)
	}

	m.broadcaster.SendToConnections(m.othersIn(info.RoomID, sess.ID), ports.Event{Type: ports.EventNewProducer, Data: info})

	m.logger.Infow("producer created",
		"connection_id", sess.ID,
		"room_id", info.RoomID,
		"producer_id", info.ProducerID,
		"kind", info.Kind,
		"is_screen", info.IsScreen,
	)

	// The engine can close a producer on its own; clean up as if it had been
	// closed through CloseProducer.
	producer.OnClose(func() { m.producerClosed(info.ProducerID, producer) })
	return info.ProducerID, nil
}

// Consume subscribes the session's receive transport to a producer. Video
// consumers start paused.
func (m *MediaService) Consume(ctx context.Context, sess *Session, req ConsumeRequest) (*ConsumerParams, error) {
	tr, err := sess.transport(domain.RoleReceive)
	if err != nil {
		return nil, err
	}
	router, err := m.engine.Router()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	pe, ok := m.producers[req.ProducerID]
	m.mu.Unlock()
	if !ok || (req.TargetConnectionID != "" && pe.info.ConnectionID != req.TargetConnectionID) {
		return nil, fmt.Errorf("producer %s: %w", req.ProducerID, domain.ErrProducerNotFound)
	}

	if !router.CanConsume(req.ProducerID, req.RTPCapabilities) {
		m.metrics.IncCannotConsume()
		m.logger.Warnw("cannot consume producer with given capabilities",
			"connection_id", sess.ID,
			"producer_id", req.ProducerID,
			"kind", pe.info.Kind,
		)
		return nil, fmt.Errorf("producer %s: %w", req.ProducerID, domain.ErrCannotConsume)
	}

	key := consumerKey{conn: sess.ID, producer: req.ProducerID}
	if old := m.detachConsumer(key); old != nil {
		if err := old.consumer.Close(); err != nil {
			m.logger.Warnw("failed to close replaced consumer", "consumer_id", old.consumer.ID(), "error", err)
		}
	}

	engineCtx, span := tracing.TraceEngineOperation(ctx, "consume",
		tracing.TransportIDKey.String(string(tr.ID())),
		tracing.ProducerIDKey.String(string(req.ProducerID)),
	)
	consumer, err := tr.Consume(engineCtx, ports.ConsumeOptions{
		ProducerID:      req.ProducerID,
		RTPCapabilities: req.RTPCapabilities,
		Paused:          pe.info.Kind == domain.KindVideo,
	})
	if err != nil {
		tracing.RecordError(engineCtx, err)
		span.End()
		return nil, fmt.Errorf("consume producer %s: %w", req.ProducerID, err)
	}
	span.End()

	if consumer.Type() == domain.ConsumerSimulcast {
		if err := consumer.SetPreferredLayers(m.cfg.PreferredLayers); err != nil {
			m.logger.Warnw("failed to set preferred layers", "consumer_id", consumer.ID(), "error", err)
		}
	}

	m.mu.Lock()
	if _, live := m.producers[req.ProducerID]; !live || tr.Closed() {
		m.mu.Unlock()
		_ = consumer.Close()
		return nil, fmt.Errorf("producer %s closed while consuming: %w", req.ProducerID, domain.ErrProducerNotFound)
	}
	m.consumers[key] = &consumerEntry{consumer: consumer, key: key, transportID: tr.ID()}
	subs, ok := m.byProducer[req.ProducerID]
	if !ok {
		subs = make(map[consumerKey]struct{})
		m.byProducer[req.ProducerID] = subs
	}
	subs[key] = struct{}{}
	m.indexFor(tr.ID()).consumers[key] = struct{}{}
	m.mu.Unlock()
	m.updateGauges()

	consumer.OnClose(func() { m.consumerClosed(key, consumer) })

	return &ConsumerParams{
		ID:            consumer.ID(),
		ProducerID:    req.ProducerID,
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
		Type:          consumer.Type(),
		Paused:        consumer.Paused(),
	}, nil
}

func (m *MediaService) Resume(ctx context.Context, sess *Session, producerID domain.ProducerID) error {
	m.mu.Lock()
	ce, ok := m.consumers[consumerKey{conn: sess.ID, producer: producerID}]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("consumer for producer %s: %w", producerID, domain.ErrConsumerNotFound)
	}
	return ce.consumer.Resume(ctx)
}

// Producer returns the announcement record of a live producer.
func (m *MediaService) Producer(producerID domain.ProducerID) (domain.ProducerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pe, ok := m.producers[producerID]
	if !ok {
		return domain.ProducerInfo{}, false
	}
	return pe.info, true
}

// CloseProducer closes a producer and every consumer subscribed to it,
// then tells the room.
func (m *MediaService) CloseProducer(ctx context.Context, producerID domain.ProducerID) (domain.ProducerInfo, error) {
	m.mu.Lock()
	pe, ok := m.producers[producerID]
	if !ok {
		m.mu.Unlock()
		return domain.ProducerInfo{}, fmt.Errorf("producer %s: %w", producerID, domain.ErrProducerNotFound)
	}
	subscribers := m.detachProducerLocked(pe)
	m.mu.Unlock()

	m.finishProducerClose(ctx, pe, subscribers)
	return pe.info, nil
}

// CloseTransport closes everything that lives on a transport: its own
// consumers, and its producers together with their subscribers everywhere.
func (m *MediaService) CloseTransport(ctx context.Context, transportID domain.TransportID) {
	m.mu.Lock()
	ti, ok := m.byTransport[transportID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byTransport, transportID)

	var own []*consumerEntry
	for key := range ti.consumers {
		if ce := m.removeConsumerLocked(key); ce != nil {
			own = append(own, ce)
		}
	}
	type closing struct {
		pe          *producerEntry
		subscribers []*consumerEntry
	}
	var producers []closing
	for id := range ti.producers {
		if pe, ok := m.producers[id]; ok {
			producers = append(producers, closing{pe: pe, subscribers: m.detachProducerLocked(pe)})
		}
	}
	m.mu.Unlock()

	for _, ce := range own {
		if err := ce.consumer.Close(); err != nil {
			m.logger.Errorw("failed to close consumer", "consumer_id", ce.consumer.ID(), "error", err)
		}
	}
	for _, c := range producers {
		m.finishProducerClose(ctx, c.pe, c.subscribers)
	}
	m.updateGauges()
}

// LiveProducers lists the open producers announced in a room in creation order.
func (m *MediaService) LiveProducers(roomID domain.RoomID) []domain.ProducerInfo {
	m.mu.Lock()
	var entries []*producerEntry
	for _, pe := range m.producers {
		if pe.info.RoomID == roomID {
			entries = append(entries, pe)
		}
	}
	m.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]domain.ProducerInfo, 0, len(entries))
	for _, pe := range entries {
		out = append(out, pe.info)
	}
	return out
}

// TransportUsage reports how many producers and consumers a transport owns.
func (m *MediaService) TransportUsage(transportID domain.TransportID) (producers, consumers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ti, ok := m.byTransport[transportID]; ok {
		return len(ti.producers), len(ti.consumers)
	}
	return 0, 0
}

// Subscribers counts the open consumers of a producer.
func (m *MediaService) Subscribers(producerID domain.ProducerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byProducer[producerID])
}

func (m *MediaService) Counts() (producers, consumers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.producers), len(m.consumers)
}

// producerClosed handles a close the engine started. Closes started by the
// service have already unindexed the producer and are ignored here.
func (m *MediaService) producerClosed(id domain.ProducerID, producer ports.Producer) {
	m.mu.Lock()
	pe, ok := m.producers[id]
	if !ok || pe.producer != producer {
		m.mu.Unlock()
		return
	}
	subscribers := m.detachProducerLocked(pe)
	m.mu.Unlock()

	m.logger.Warnw("producer closed by engine", "producer_id", id, "connection_id", pe.info.ConnectionID)
	m.finishProducerClose(context.Background(), pe, subscribers)
}

// consumerClosed drops a consumer the engine closed and tells its owner.
func (m *MediaService) consumerClosed(key consumerKey, consumer ports.Consumer) {
	m.mu.Lock()
	ce, ok := m.consumers[key]
	if !ok || ce.consumer != consumer {
		m.mu.Unlock()
		return
	}
	m.removeConsumerLocked(key)
	m.mu.Unlock()

	m.broadcaster.SendToConnections([]domain.ConnectionID{key.conn}, ports.Event{
		Type: ports.EventConsumerClosed,
		Data: ConsumerClosedEvent{ConsumerID: consumer.ID(), ProducerID: key.producer},
	})
	m.updateGauges()
	m.logger.Infow("consumer closed by engine", "consumer_id", consumer.ID(), "producer_id", key.producer, "connection_id", key.conn)
}

func (m *MediaService) finishProducerClose(ctx context.Context, pe *producerEntry, subscribers []*consumerEntry) {
	id := pe.info.ProducerID

	// A failing close must not keep the remaining subscribers open.
	for _, ce := range subscribers {
		if err := ce.consumer.Close(); err != nil {
			m.logger.Errorw("failed to close dependent consumer",
				"producer_id", id,
				"consumer_id", ce.consumer.ID(),
				"connection_id", ce.key.conn,
				"error", err,
			)
		}
		m.broadcaster.SendToConnections([]domain.ConnectionID{ce.key.conn}, ports.Event{
			Type: ports.EventConsumerClosed,
			Data: ConsumerClosedEvent{ConsumerID: ce.consumer.ID(), ProducerID: id},
		})
	}
	if err := pe.producer.Close(); err != nil {
		m.logger.Errorw("failed to close producer", "producer_id", id, "error", err)
	}

	if err := m.records.Delete(ctx, pe.info.RoomID, id); err != nil {
		m.logger.Warnw("failed to delete producer record", "room_id", pe.info.RoomID, "producer_id", id, "error", err)
	}

	if pe.info.RoomID != "" {
		m.broadcaster.SendToConnections(m.rooms.Members(pe.info.RoomID), ports.Event{
			Type: ports.EventProducerRemoved,
			Data: ProducerRemovedEvent{RoomID: pe.info.RoomID, ProducerID: id},
		})
	}
	m.updateGauges()

	m.logger.Infow("producer closed",
		"producer_id", id,
		"room_id", pe.info.RoomID,
		"subscribers_closed", len(subscribers),
	)
}

// detachProducerLocked unindexes a producer and all of its subscribers.
func (m *MediaService) detachProducerLocked(pe *producerEntry) []*consumerEntry {
	id := pe.info.ProducerID
	delete(m.producers, id)
	if ti, ok := m.byTransport[pe.transportID]; ok {
		delete(ti.producers, id)
	}

	var out []*consumerEntry
	for key := range m.byProducer[id] {
		if ce := m.removeConsumerLocked(key); ce != nil {
			out = append(out, ce)
		}
	}
	delete(m.byProducer, id)
	return out
}

func (m *MediaService) removeConsumerLocked(key consumerKey) *consumerEntry {
	ce, ok := m.consumers[key]
	if !ok {
		return nil
	}
	delete(m.consumers, key)
	if subs, ok := m.byProducer[key.producer]; ok {
		delete(subs, key)
		if len(subs) == 0 {
			delete(m.byProducer, key.producer)
		}
	}
	if ti, ok := m.byTransport[ce.transportID]; ok {
		delete(ti.consumers, key)
	}
	return ce
}

func (m *MediaService) detachConsumer(key consumerKey) *consumerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeConsumerLocked(key)
}

func (m *MediaService) indexFor(transportID domain.TransportID) *transportIndex {
	ti, ok := m.byTransport[transportID]
	if !ok {
		ti = &transportIndex{
			producers: make(map[domain.ProducerID]struct{}),
			consumers: make(map[consumerKey]struct{}),
		}
		m.byTransport[transportID] = ti
	}
	return ti
}

func (m *MediaService) othersIn(roomID domain.RoomID, self domain.ConnectionID) []domain.ConnectionID {
	if roomID == "" {
		return nil
	}
	members := m.rooms.Members(roomID)
	out := members[:0]
	for _, id := range members {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

func (m *MediaService) updateGauges() {
	p, c := m.Counts()
	m.metrics.SetActiveProducers(p)
	m.metrics.SetActiveConsumers(c)
}
