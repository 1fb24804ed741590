package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"groupcall/internal/core/domain"
	"groupcall/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Consumer sends one producer's stream to a receive transport. Simulcast
// consumers forward a single layer at a time.
type Consumer struct {
	id        domain.ConsumerID
	producer  *Producer
	transport *Transport
	params    domain.RTPParameters
	logger    *zap.SugaredLogger

	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender

	paused       atomic.Bool
	needKeyframe atomic.Bool

	mu        sync.Mutex
	layer     int // encoding currently forwarded
	preferred domain.ConsumerLayers
	seq       sequencer
	onClose   []func()

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newConsumer(t *Transport, p *Producer, paused bool) (*Consumer, error) {
	id := domain.ConsumerID(utils.NewConsumerID())
	track, err := webrtc.NewTrackLocalStaticRTP(pionCapability(p.routerCodec), string(id), string(p.id))
	if err != nil {
		return nil, fmt.Errorf("failed to create track: %w", err)
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}
	encodings := sender.GetParameters().Encodings
	if len(encodings) == 0 {
		_ = sender.Stop()
		return nil, errors.New("sender has no encodings")
	}

	cname := p.params.RTCP.CNAME
	if cname == "" {
		cname = string(p.id)
	}

	top := len(p.params.Encodings) - 1
	c := &Consumer{
		id:        id,
		producer:  p,
		transport: t,
		params:    consumerParameters(p.routerCodec, uint32(encodings[0].SSRC), cname),
		logger:    t.logger.With("consumer_id", id, "producer_id", p.id),
		track:     track,
		sender:    sender,
		layer:     top,
		preferred: domain.ConsumerLayers{SpatialLayer: uint8(p.layers() - 1)},
		done:      make(chan struct{}),
	}
	if _, temporal := scalabilityLayers(p.params.Encodings[top].ScalabilityMode); temporal > 1 {
		c.preferred.TemporalLayer = uint8(temporal - 1)
	}
	c.paused.Store(paused)
	c.needKeyframe.Store(p.kind == domain.KindVideo)
	return c, nil
}

func (c *Consumer) ID() domain.ConsumerID {
	return c.id
}

func (c *Consumer) ProducerID() domain.ProducerID {
	return c.producer.id
}

func (c *Consumer) Kind() domain.MediaKind {
	return c.producer.kind
}

func (c *Consumer) Type() domain.ConsumerType {
	return c.producer.typ
}

func (c *Consumer) RTPParameters() domain.RTPParameters {
	return c.params
}

func (c *Consumer) Paused() bool {
	return c.paused.Load()
}

func (c *Consumer) Closed() bool {
	return c.closed.Load()
}

// Resume starts forwarding. Video waits for the next keyframe, which is
// requested right away.
func (c *Consumer) Resume(_ context.Context) error {
	if c.closed.Load() {
		return domain.ErrConsumerNotFound
	}
	if !c.paused.Swap(false) {
		return nil
	}
	if c.producer.kind == domain.KindVideo {
		c.needKeyframe.Store(true)
		c.mu.Lock()
		layer := c.layer
		c.mu.Unlock()
		c.producer.requestKeyframe(layer)
	}
	return nil
}

// SetPreferredLayers picks the forwarded simulcast encoding. The spatial
// layer is clamped to what the producer sends; the temporal layer is kept
// as a preference only.
func (c *Consumer) SetPreferredLayers(layers domain.ConsumerLayers) error {
	if c.closed.Load() {
		return domain.ErrConsumerNotFound
	}
	if top := c.producer.layers() - 1; int(layers.SpatialLayer) > top {
		layers.SpatialLayer = uint8(top)
	}

	c.mu.Lock()
	c.preferred = layers
	next := int(layers.SpatialLayer)
	if next > len(c.producer.params.Encodings)-1 {
		next = len(c.producer.params.Encodings) - 1
	}
	switched := next != c.layer
	if switched {
		c.layer = next
		c.seq.switchSource()
		c.needKeyframe.Store(true)
	}
	c.mu.Unlock()

	if switched {
		c.logger.Debugw("consumer layer changed", "layer", next)
		c.producer.requestKeyframe(next)
	}
	return nil
}

// PreferredLayers returns the last requested layers after clamping.
func (c *Consumer) PreferredLayers() domain.ConsumerLayers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferred
}

// start binds the sender once the transport is connected and relays
// keyframe requests from the remote side to the producer.
func (c *Consumer) start() {
	t := c.transport
	select {
	case <-t.connected:
	case <-c.done:
		return
	case <-t.done:
		return
	}

	err := c.sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(c.params.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(c.params.Codecs[0].PayloadType),
			},
		}},
	})
	if err != nil {
		c.logger.Warnw("failed to start sender", "error", err)
		_ = c.Close()
		return
	}

	if !c.paused.Load() {
		c.requestKeyframe()
	}

	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.requestKeyframe()
			}
		}
	}
}

func (c *Consumer) requestKeyframe() {
	c.mu.Lock()
	layer := c.layer
	c.mu.Unlock()
	c.producer.requestKeyframe(layer)
}

// writeRTP is called by the producer for every packet of every layer.
func (c *Consumer) writeRTP(layer int, pkt *rtp.Packet) {
	if c.closed.Load() || c.paused.Load() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if layer != c.layer {
		return
	}
	if c.needKeyframe.Load() {
		if !isKeyframe(c.params.Codecs[0].MimeType, pkt) {
			c.producer.requestKeyframe(layer)
			return
		}
		c.needKeyframe.Store(false)
	}

	out := c.seq.rewrite(pkt)
	if err := c.track.WriteRTP(&out); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.logger.Debugw("failed to write rtp", "error", err)
	}
}

// OnClose registers fn to run after the consumer closes. Registering on an
// already closed consumer runs fn immediately.
func (c *Consumer) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close stops sending and detaches from the producer and transport.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		handlers := c.onClose
		c.onClose = nil
		c.mu.Unlock()
		close(c.done)
		if err := c.sender.Stop(); err != nil {
			c.logger.Debugw("sender stop", "error", err)
		}
		c.producer.removeConsumer(c.id)
		c.transport.removeConsumer(c.id)
		c.logger.Debugw("consumer closed")
		for _, fn := range handlers {
			fn()
		}
	})
	return nil
}

// sequencer keeps outgoing sequence numbers and timestamps contiguous when
// the forwarded encoding changes.
type sequencer struct {
	started   bool
	rebase    bool
	seqOffset uint16
	tsOffset  uint32
	lastSeq   uint16
	lastTS    uint32
}

func (s *sequencer) switchSource() {
	s.rebase = true
}

func (s *sequencer) rewrite(pkt *rtp.Packet) rtp.Packet {
	if s.rebase && s.started {
		s.seqOffset = pkt.SequenceNumber - s.lastSeq - 1
		s.tsOffset = pkt.Timestamp - s.lastTS - 1
	}
	s.rebase = false
	s.started = true

	out := *pkt
	out.SequenceNumber = pkt.SequenceNumber - s.seqOffset
	out.Timestamp = pkt.Timestamp - s.tsOffset
	s.lastSeq = out.SequenceNumber
	s.lastTS = out.Timestamp
	return out
}
