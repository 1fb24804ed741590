package webrtc

import (
	"sync"

	"groupcall/internal/core/domain"
	"groupcall/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Producer receives one client stream and fans its packets out to the
// consumers attached to it. Each encoding is one layer, lowest first.
type Producer struct {
	id          domain.ProducerID
	kind        domain.MediaKind
	typ         domain.ConsumerType
	params      domain.RTPParameters
	codec       domain.RTPCodecParameters
	routerCodec domain.RTPCodecCapability
	transport   *Transport
	logger      *zap.SugaredLogger

	mu        sync.RWMutex
	receiver  *webrtc.RTPReceiver
	tracks    []*webrtc.TrackRemote
	keyframes []*rate.Limiter
	consumers map[domain.ConsumerID]*Consumer
	onClose   []func()

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newProducer(
	t *Transport,
	kind domain.MediaKind,
	params domain.RTPParameters,
	codec domain.RTPCodecParameters,
	routerCodec domain.RTPCodecCapability,
) *Producer {
	id := domain.ProducerID(utils.NewProducerID())
	keyframes := make([]*rate.Limiter, len(params.Encodings))
	for i := range keyframes {
		keyframes[i] = newKeyframeLimiter()
	}
	return &Producer{
		id:          id,
		kind:        kind,
		typ:         producerType(params),
		params:      params,
		codec:       codec,
		routerCodec: routerCodec,
		transport:   t,
		logger:      t.logger.With("producer_id", id),
		keyframes:   keyframes,
		consumers:   make(map[domain.ConsumerID]*Consumer),
		done:        make(chan struct{}),
	}
}

func (p *Producer) ID() domain.ProducerID {
	return p.id
}

func (p *Producer) Kind() domain.MediaKind {
	return p.kind
}

func (p *Producer) Type() domain.ConsumerType {
	return p.typ
}

func (p *Producer) Closed() bool {
	return p.closed.Load()
}

// layers is the number of spatial layers a consumer can pick from.
func (p *Producer) layers() int {
	if n := len(p.params.Encodings); n > 1 {
		return n
	}
	if len(p.params.Encodings) == 1 {
		if s, _ := scalabilityLayers(p.params.Encodings[0].ScalabilityMode); s > 1 {
			return s
		}
	}
	return 1
}

// start waits for the transport to connect, then binds a receiver to the
// announced encodings and forwards each one.
func (p *Producer) start() {
	t := p.transport
	select {
	case <-t.connected:
	case <-p.done:
		return
	case <-t.done:
		return
	}

	pionCodec := pionCodecParameters(p.codec)
	if err := t.me.RegisterCodec(pionCodec, codecType(p.kind)); err != nil {
		p.logger.Warnw("failed to register producer codec", "error", err)
		_ = p.Close()
		return
	}
	receiver, err := t.api.NewRTPReceiver(codecType(p.kind), t.dtls)
	if err != nil {
		p.logger.Warnw("failed to create receiver", "error", err)
		_ = p.Close()
		return
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: decodingParameters(p.params, pionCodec.PayloadType),
	})
	if err != nil {
		p.logger.Warnw("failed to start receiver", "error", err)
		_ = receiver.Stop()
		_ = p.Close()
		return
	}
	receiver.SetRTPParameters(webrtc.RTPParameters{Codecs: []webrtc.RTPCodecParameters{pionCodec}})

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		_ = receiver.Stop()
		return
	}
	p.receiver = receiver
	p.tracks = receiver.Tracks()
	tracks := p.tracks
	p.mu.Unlock()

	for layer, track := range tracks {
		layer, track := layer, track
		go t.router.worker.guard(func() { p.forward(layer, track) })
	}
	go p.drainRTCP(receiver)

	p.logger.Debugw("producer receiving", "layers", len(tracks))
}

// forward copies packets from one layer to every consumer until the
// receiver stops.
func (p *Producer) forward(layer int, track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !p.closed.Load() {
				p.logger.Debugw("track read ended", "layer", layer, "error", err)
			}
			return
		}

		p.mu.RLock()
		for _, c := range p.consumers {
			c.writeRTP(layer, pkt)
		}
		p.mu.RUnlock()
	}
}

// drainRTCP keeps the receiver's RTCP buffer from filling up; sender
// reports are not used.
func (p *Producer) drainRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}

// requestKeyframe sends a PLI for one layer, at most once per
// keyframeInterval.
func (p *Producer) requestKeyframe(layer int) {
	if p.kind != domain.KindVideo || p.closed.Load() {
		return
	}
	if layer < 0 || layer >= len(p.keyframes) || !p.keyframes[layer].Allow() {
		return
	}
	ssrc := p.params.Encodings[layer].SSRC
	pli := &rtcp.PictureLossIndication{MediaSSRC: ssrc}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{pli}); err != nil && !p.closed.Load() {
		p.logger.Debugw("failed to request keyframe", "layer", layer, "error", err)
	}
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return false
	}
	p.consumers[c.id] = c
	return true
}

// OnClose registers fn to run after the producer closes. Registering on an
// already closed producer runs fn immediately.
func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		fn()
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *Producer) removeConsumer(id domain.ConsumerID) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// Close stops receiving and closes every consumer of this producer.
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed.Store(true)
		close(p.done)
		receiver := p.receiver
		consumers := make([]*Consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		handlers := p.onClose
		p.onClose = nil
		p.mu.Unlock()

		if receiver != nil {
			if err := receiver.Stop(); err != nil {
				p.logger.Debugw("receiver stop", "error", err)
			}
		}
		for _, c := range consumers {
			_ = c.Close()
		}
		p.transport.router.removeProducer(p.id)
		p.transport.removeProducer(p.id)
		p.logger.Debugw("producer closed")
		for _, fn := range handlers {
			fn()
		}
	})
	return nil
}
