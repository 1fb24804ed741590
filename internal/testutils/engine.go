// Package testutils provides in-memory stand-ins for the media engine and
// the broadcast channel. The fake transports do not cascade closes to their
// producers or consumers, so tests observe the services' own cleanup.
package testutils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"

	"go.uber.org/atomic"
)

var ErrClosed = errors.New("closed")

// DefaultCapabilities mirrors the production codec table.
func DefaultCapabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 101, ClockRate: 90000,
			Parameters: map[string]string{"x-google-start-bitrate": "1000"}},
	}}
}

func AudioOnlyCapabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: DefaultCapabilities().Codecs[:1]}
}

func OpusParameters(ssrc uint32) domain.RTPParameters {
	return domain.RTPParameters{
		Codecs:    []domain.RTPCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RTPEncodingParameters{{SSRC: ssrc}},
	}
}

func VP8Parameters(rids ...string) domain.RTPParameters {
	p := domain.RTPParameters{
		Codecs: []domain.RTPCodecParameters{{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000}},
	}
	if len(rids) == 0 {
		p.Encodings = []domain.RTPEncodingParameters{{SSRC: 2222}}
	}
	for _, rid := range rids {
		p.Encodings = append(p.Encodings, domain.RTPEncodingParameters{RID: rid})
	}
	return p
}

type Engine struct {
	ready   atomic.Bool
	router  *Router
	died    chan error
	dieOnce sync.Once
}

func NewEngine() *Engine {
	e := &Engine{
		router: &Router{caps: DefaultCapabilities(), producers: make(map[domain.ProducerID]*Producer)},
		died:   make(chan error, 1),
	}
	e.ready.Store(true)
	return e
}

func (e *Engine) SetReady(ready bool) { e.ready.Store(ready) }

func (e *Engine) Ready() bool { return e.ready.Load() }

func (e *Engine) Router() (ports.Router, error) {
	if !e.ready.Load() {
		return nil, domain.ErrEngineNotReady
	}
	return e.router, nil
}

// FakeRouter exposes the router for assertions.
func (e *Engine) FakeRouter() *Router { return e.router }

func (e *Engine) Died() <-chan error { return e.died }

// Kill simulates the worker process terminating.
func (e *Engine) Kill(err error) {
	e.dieOnce.Do(func() {
		e.ready.Store(false)
		e.died <- err
	})
}

func (e *Engine) Close() error {
	e.ready.Store(false)
	return nil
}

type Router struct {
	caps domain.RTPCapabilities
	seq  atomic.Int64

	// FailBitrate makes new transports reject SetMaxIncomingBitrate.
	FailBitrate atomic.Bool

	mu         sync.Mutex
	producers  map[domain.ProducerID]*Producer
	transports []*Transport
}

func (r *Router) ID() string { return "router-1" }

func (r *Router) RTPCapabilities() domain.RTPCapabilities { return r.caps }

// CanConsume matches the producer's codec against caps by mime type and clock rate.
func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok || p.Closed() || len(p.params.Codecs) == 0 {
		return false
	}
	want := p.params.Codecs[0]
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, want.MimeType) && c.ClockRate == want.ClockRate {
			return true
		}
	}
	return false
}

func (r *Router) CreateWebRTCTransport(_ context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	n := r.seq.Inc()
	t := &Transport{
		router:      r,
		id:          domain.TransportID(fmt.Sprintf("tr-%d", n)),
		Owner:       opts.ConnectionID,
		Role:        opts.Role,
		FailBitrate: r.FailBitrate.Load(),
	}
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

// Transports returns every transport ever created, in creation order.
func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Transport(nil), r.transports...)
}

// OpenTransports returns the transports of a connection that are still open.
func (r *Router) OpenTransports(conn domain.ConnectionID) []*Transport {
	var out []*Transport
	for _, t := range r.Transports() {
		if t.Owner == conn && !t.Closed() {
			out = append(out, t)
		}
	}
	return out
}

// Producer returns a producer the router has seen.
func (r *Router) Producer(id domain.ProducerID) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

type Transport struct {
	router *Router
	id     domain.TransportID
	Owner  domain.ConnectionID
	Role   domain.TransportRole

	// FailBitrate makes SetMaxIncomingBitrate return an error.
	FailBitrate bool

	mu          sync.Mutex
	closed      bool
	connected   bool
	maxIncoming uint32
	producers   []*Producer
	consumers   []*Consumer
	onClose     []func()
}

func (t *Transport) ID() domain.TransportID { return t.id }

func (t *Transport) Parameters() domain.TransportParameters {
	return domain.TransportParameters{
		ID:            t.id,
		ICEParameters: domain.ICEParameters{UsernameFragment: "ufrag-" + string(t.id), Password: "pwd"},
		ICECandidates: []domain.ICECandidate{
			{Foundation: "udp1", Priority: 1076302079, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"},
			{Foundation: "tcp1", Priority: 1076276479, IP: "127.0.0.1", Protocol: "tcp", Port: 44443, Type: "host", TCPType: "passive"},
		},
		DTLSParameters: domain.DTLSParameters{
			Role:         "auto",
			Fingerprints: []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *Transport) SetMaxIncomingBitrate(bps uint32) error {
	if t.FailBitrate {
		return errors.New("bitrate cap rejected")
	}
	t.mu.Lock()
	t.maxIncoming = bps
	t.mu.Unlock()
	return nil
}

func (t *Transport) MaxIncomingBitrate() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxIncoming
}

func (t *Transport) Connect(_ context.Context, params ports.ConnectParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if len(params.DTLSParameters.Fingerprints) == 0 {
		return errors.New("missing fingerprints")
	}
	t.connected = true
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Produce(_ context.Context, opts ports.ProduceOptions) (ports.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	typ := domain.ConsumerSimple
	if opts.RTPParameters.IsSimulcast() {
		typ = domain.ConsumerSimulcast
	}
	p := &Producer{
		id:     domain.ProducerID(fmt.Sprintf("pr-%d", t.router.seq.Inc())),
		kind:   opts.Kind,
		typ:    typ,
		params: opts.RTPParameters,
	}
	t.producers = append(t.producers, p)

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts ports.ConsumeOptions) (ports.Consumer, error) {
	p := t.router.Producer(opts.ProducerID)
	if p == nil || p.Closed() {
		return nil, domain.ErrProducerNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	c := &Consumer{
		id:         domain.ConsumerID(fmt.Sprintf("co-%d", t.router.seq.Inc())),
		producerID: p.id,
		kind:       p.kind,
		typ:        p.typ,
		params:     p.params,
	}
	c.paused.Store(opts.Paused)
	t.consumers = append(t.consumers, c)
	return c, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handlers := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	return nil
}

// Fail closes the transport as the engine would after an ICE or DTLS failure.
func (t *Transport) Fail() { _ = t.Close() }

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		go fn()
		return
	}
	t.onClose = append(t.onClose, fn)
}

// OpenProducers counts producers created on this transport that are still open.
func (t *Transport) OpenProducers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.producers {
		if !p.Closed() {
			n++
		}
	}
	return n
}

func (t *Transport) OpenConsumers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.consumers {
		if !c.Closed() {
			n++
		}
	}
	return n
}

func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Consumer(nil), t.consumers...)
}

type Producer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	typ    domain.ConsumerType
	params domain.RTPParameters
	closed atomic.Bool
	hooks  closeHooks
}

func (p *Producer) ID() domain.ProducerID     { return p.id }
func (p *Producer) Kind() domain.MediaKind    { return p.kind }
func (p *Producer) Type() domain.ConsumerType { return p.typ }
func (p *Producer) Closed() bool              { return p.closed.Load() }
func (p *Producer) OnClose(fn func())         { p.hooks.add(fn) }

func (p *Producer) Close() error {
	if !p.closed.Swap(true) {
		p.hooks.run()
	}
	return nil
}

// Fail closes the producer as the engine would when its receiver stops.
func (p *Producer) Fail() { _ = p.Close() }

type Consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	typ        domain.ConsumerType
	params     domain.RTPParameters
	paused     atomic.Bool
	closed     atomic.Bool

	// CloseErr is returned by Close, which still marks the consumer closed.
	CloseErr error

	mu     sync.Mutex
	layers *domain.ConsumerLayers
	hooks  closeHooks
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind              { return c.kind }
func (c *Consumer) Type() domain.ConsumerType           { return c.typ }
func (c *Consumer) RTPParameters() domain.RTPParameters { return c.params }
func (c *Consumer) Paused() bool                        { return c.paused.Load() }
func (c *Consumer) Closed() bool                        { return c.closed.Load() }

func (c *Consumer) Resume(context.Context) error {
	if c.closed.Load() {
		return domain.ErrConsumerNotFound
	}
	c.paused.Store(false)
	return nil
}

func (c *Consumer) SetPreferredLayers(layers domain.ConsumerLayers) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layers = &layers
	return nil
}

func (c *Consumer) PreferredLayers() *domain.ConsumerLayers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layers
}

func (c *Consumer) OnClose(fn func()) { c.hooks.add(fn) }

func (c *Consumer) Close() error {
	if !c.closed.Swap(true) {
		c.hooks.run()
	}
	return c.CloseErr
}

// Fail closes the consumer as the engine would when its sender stops.
func (c *Consumer) Fail() { _ = c.Close() }

// closeHooks runs registered handlers once; handlers added after run are
// called right away.
type closeHooks struct {
	mu   sync.Mutex
	done bool
	fns  []func()
}

func (h *closeHooks) add(fn func()) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		fn()
		return
	}
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *closeHooks) run() {
	h.mu.Lock()
	h.done = true
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
