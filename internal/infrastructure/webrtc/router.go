package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Router owns every transport and producer of the worker and answers
// capability questions for the signaling layer.
type Router struct {
	id     string
	worker *Worker
	caps   domain.RTPCapabilities
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	transports map[domain.TransportID]*Transport
	producers  map[domain.ProducerID]*Producer
}

func newRouter(w *Worker) *Router {
	id := utils.NewID("rt")
	return &Router{
		id:         id,
		worker:     w,
		caps:       routerCapabilitiesWithStartBitrate(w.cfg.InitialOutgoingBitrate),
		logger:     w.logger.With("router_id", id),
		transports: make(map[domain.TransportID]*Transport),
		producers:  make(map[domain.ProducerID]*Producer),
	}
}

func (r *Router) ID() string {
	return r.id
}

func (r *Router) RTPCapabilities() domain.RTPCapabilities {
	return copyCapabilities(r.caps.Codecs)
}

func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	p := r.producer(producerID)
	if p == nil || p.Closed() {
		return false
	}
	return canConsume(p.params, caps)
}

// CreateWebRTCTransport gathers host candidates for a new ICE-lite transport
// and returns once gathering has completed.
func (r *Router) CreateWebRTCTransport(ctx context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	if !r.worker.Ready() {
		return nil, domain.ErrEngineNotReady
	}

	me := &webrtc.MediaEngine{}
	if err := registerCodecs(me, r.caps); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(r.worker.settings))

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to create dtls transport: %w", err)
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to gather candidates: %w", err)
	}

	timer := time.NewTimer(r.worker.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		_ = gatherer.Close()
		return nil, fmt.Errorf("candidate gathering timed out after %s", r.worker.cfg.GatherTimeout)
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	t, err := newTransport(r, api, me, gatherer, ice, dtls, opts)
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()

	r.logger.Debugw("transport created",
		"transport_id", t.id,
		"connection_id", opts.ConnectionID,
		"role", opts.Role,
		"candidates", len(t.params.ICECandidates),
	)
	return t, nil
}

func (r *Router) producer(id domain.ProducerID) *Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.producers[id]
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) closeAll() {
	r.mu.RLock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.RUnlock()

	for _, t := range transports {
		_ = t.Close()
	}
}
