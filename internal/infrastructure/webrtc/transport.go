package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	apperrors "groupcall/pkg/errors"
	"groupcall/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	errTransportClosed  = errors.New("transport closed")
	errAlreadyConnected = errors.New("transport already connected")
	errMissingICEParams = errors.New("ice parameters are required")
	errSSRCRequired     = errors.New("every encoding needs an ssrc")
	errUnsupportedCodec = errors.New("codec not supported by router")
	errNoMediaCodec     = errors.New("no media codec in rtp parameters")
)

// Transport is an ICE-lite endpoint with its own DTLS association. The
// remote side always starts ICE; the transport is the controlled agent.
type Transport struct {
	id     domain.TransportID
	router *Router
	role   domain.TransportRole
	logger *zap.SugaredLogger

	api      *webrtc.API
	me       *webrtc.MediaEngine
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   domain.TransportParameters

	connecting  atomic.Bool
	connected   chan struct{}
	maxIncoming atomic.Uint32

	mu        sync.Mutex
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
	onClose   []func()

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newTransport(
	r *Router,
	api *webrtc.API,
	me *webrtc.MediaEngine,
	gatherer *webrtc.ICEGatherer,
	ice *webrtc.ICETransport,
	dtls *webrtc.DTLSTransport,
	opts ports.TransportOptions,
) (*Transport, error) {
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("failed to read ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, fmt.Errorf("failed to read ice candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("failed to read dtls parameters: %w", err)
	}

	id := domain.TransportID(utils.NewTransportID())
	t := &Transport{
		id:     id,
		router: r,
		role:   opts.Role,
		logger: r.logger.With("transport_id", id, "connection_id", opts.ConnectionID),
		api:    api,
		me:     me,

		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		params:   domain.TransportParameters{
			ID:             id,
			ICEParameters:  fromPionICEParameters(iceParams, true),
			ICECandidates:  fromPionCandidates(candidates),
			DTLSParameters: fromPionDTLSParameters(dtlsParams),
		},

		connected: make(chan struct{}),
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
		done:      make(chan struct{}),
	}

	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		t.logger.Debugw("ice state changed", "state", state.String())
		if state == webrtc.ICETransportStateFailed {
			go t.fail(errors.New("ice failed"))
		}
	})
	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		t.logger.Debugw("dtls state changed", "state", state.String())
		switch state {
		case webrtc.DTLSTransportStateFailed, webrtc.DTLSTransportStateClosed:
			go t.fail(fmt.Errorf("dtls %s", state))
		}
	})

	return t, nil
}

func (t *Transport) ID() domain.TransportID {
	return t.id
}

func (t *Transport) Parameters() domain.TransportParameters {
	return t.params
}

func (t *Transport) SetMaxIncomingBitrate(bps uint32) error {
	if t.closed.Load() {
		return errTransportClosed
	}
	t.maxIncoming.Store(bps)
	return nil
}

// Connect records the client's parameters and starts the ICE and DTLS
// handshakes in the background. Failure closes the transport.
func (t *Transport) Connect(_ context.Context, params ports.ConnectParams) error {
	if t.closed.Load() {
		return errTransportClosed
	}
	if params.ICEParameters == nil {
		return errMissingICEParams
	}
	if t.connecting.Swap(true) {
		return errAlreadyConnected
	}

	remoteICE := toPionICEParameters(*params.ICEParameters)
	remoteDTLS := toPionDTLSParameters(params.DTLSParameters)

	go t.router.worker.guard(func() {
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(t.gatherer, remoteICE, &role); err != nil {
			t.fail(fmt.Errorf("ice start: %w", err))
			return
		}
		if err := t.dtls.Start(remoteDTLS); err != nil {
			t.fail(fmt.Errorf("dtls start: %w", err))
			return
		}
		if t.closed.Load() {
			return
		}
		close(t.connected)
		t.logger.Infow("transport connected")

		t.bitrateFeedback()
	})
	return nil
}

func (t *Transport) Produce(_ context.Context, opts ports.ProduceOptions) (ports.Producer, error) {
	if t.closed.Load() {
		return nil, errTransportClosed
	}
	codec, ok := mediaCodec(opts.RTPParameters)
	if !ok {
		return nil, invalidParameters(errNoMediaCodec)
	}
	if codec.Kind() != opts.Kind {
		return nil, fmt.Errorf("%w: codec %s for %s producer", domain.ErrInvalidKind, codec.MimeType, opts.Kind)
	}
	routerCodec, ok := matchCodec(t.router.caps.Codecs, codec)
	if !ok {
		return nil, invalidParameters(fmt.Errorf("%w: %s", errUnsupportedCodec, codec.MimeType))
	}
	if len(opts.RTPParameters.Encodings) == 0 {
		return nil, invalidParameters(errSSRCRequired)
	}
	for _, e := range opts.RTPParameters.Encodings {
		if e.SSRC == 0 {
			return nil, invalidParameters(errSSRCRequired)
		}
	}

	p := newProducer(t, opts.Kind, opts.RTPParameters, codec, routerCodec)

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)

	go t.router.worker.guard(p.start)

	t.logger.Debugw("producer created", "producer_id", p.id, "kind", p.kind, "type", p.typ)
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts ports.ConsumeOptions) (ports.Consumer, error) {
	if t.closed.Load() {
		return nil, errTransportClosed
	}
	p := t.router.producer(opts.ProducerID)
	if p == nil || p.Closed() {
		return nil, domain.ErrProducerNotFound
	}
	if !canConsume(p.params, opts.RTPCapabilities) {
		return nil, domain.ErrCannotConsume
	}

	c, err := newConsumer(t, p, opts.Paused)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = c.sender.Stop()
		return nil, errTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !p.addConsumer(c) {
		_ = c.Close()
		return nil, domain.ErrProducerNotFound
	}

	go t.router.worker.guard(c.start)

	t.logger.Debugw("consumer created",
		"consumer_id", c.id,
		"producer_id", p.id,
		"paused", opts.Paused,
	)
	return c, nil
}

func (t *Transport) Closed() bool {
	return t.closed.Load()
}

// OnClose registers fn to run after the transport closes. Registering on an
// already closed transport runs fn immediately.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		fn()
		return
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

// Close stops the transport and every producer and consumer on it.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed.Store(true)
		close(t.done)
		producers := make([]*Producer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		consumers := make([]*Consumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			consumers = append(consumers, c)
		}
		handlers := t.onClose
		t.onClose = nil
		t.mu.Unlock()

		for _, c := range consumers {
			_ = c.Close()
		}
		for _, p := range producers {
			_ = p.Close()
		}

		if err := t.dtls.Stop(); err != nil {
			t.logger.Debugw("dtls stop", "error", err)
		}
		if err := t.ice.Stop(); err != nil {
			t.logger.Debugw("ice stop", "error", err)
		}
		if err := t.gatherer.Close(); err != nil {
			t.logger.Debugw("gatherer close", "error", err)
		}
		t.router.removeTransport(t.id)

		t.logger.Debugw("transport closed")
		for _, fn := range handlers {
			fn()
		}
	})
	return nil
}

// fail closes the transport after an engine-side error. Errors that follow
// an explicit Close are expected and not reported.
func (t *Transport) fail(err error) {
	if t.closed.Load() {
		return
	}
	t.logger.Warnw("transport failed", "error", err)
	_ = t.Close()
}

// invalidParameters marks client-supplied parameters the engine cannot use.
func invalidParameters(err error) error {
	return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
}

func (t *Transport) removeProducer(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// bitrateFeedback tells senders the incoming bitrate cap with REMB until the
// transport closes.
func (t *Transport) bitrateFeedback() {
	interval := t.router.worker.cfg.BitrateFeedback
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		limit := t.maxIncoming.Load()
		if limit == 0 {
			continue
		}
		ssrcs := t.videoSSRCs()
		if len(ssrcs) == 0 {
			continue
		}
		remb := &rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: float32(limit), SSRCs: ssrcs}
		if _, err := t.dtls.WriteRTCP([]rtcp.Packet{remb}); err != nil && !t.closed.Load() {
			t.logger.Debugw("failed to send REMB", "error", err)
		}
	}
}

func (t *Transport) videoSSRCs() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ssrcs []uint32
	for _, p := range t.producers {
		if p.kind != domain.KindVideo {
			continue
		}
		for _, e := range p.params.Encodings {
			ssrcs = append(ssrcs, e.SSRC)
		}
	}
	return ssrcs
}
