package services

import (
	"context"
	"fmt"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type TransportConfig struct {
	MaxIncomingBitrate uint32
}

// TransportClosedFunc is invoked, off the engine's goroutine, when a
// transport reports that it has closed.
type TransportClosedFunc func(sess *Session, role domain.TransportRole, tr ports.Transport)

// TransportService keeps at most one transport per (connection, role).
// All methods expect the caller to hold the session lock.
type TransportService struct {
	engine  ports.MediaEngine
	media   *MediaService
	metrics ports.MetricsRecorder
	cfg     TransportConfig
	logger  *zap.SugaredLogger

	active   atomic.Int64
	onClosed TransportClosedFunc
}

func NewTransportService(
	engine ports.MediaEngine,
	media *MediaService,
	metrics ports.MetricsRecorder,
	cfg TransportConfig,
	logger *zap.SugaredLogger,
) *TransportService {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &TransportService{
		engine:  engine,
		media:   media,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
}

// OnTransportClosed registers the engine-side close hook. It must be set
// before the first Create.
func (s *TransportService) OnTransportClosed(fn TransportClosedFunc) {
	s.onClosed = fn
}

// Create makes a new transport for role, closing the previous one first.
func (s *TransportService) Create(ctx context.Context, sess *Session, role domain.TransportRole) (domain.TransportParameters, error) {
	if !role.Valid() {
		return domain.TransportParameters{}, fmt.Errorf("invalid transport role %q", role)
	}
	router, err := s.engine.Router()
	if err != nil {
		return domain.TransportParameters{}, err
	}

	if old, ok := sess.transports[role]; ok {
		s.logger.Infow("replacing transport", "connection_id", sess.ID, "role", role, "transport_id", old.ID())
		s.closeLocked(ctx, sess, role, old)
	}

	engineCtx, span := tracing.TraceEngineOperation(ctx, "create_transport", attribute.String("transport.role", string(role)))
	tr, err := router.CreateWebRTCTransport(engineCtx, ports.TransportOptions{ConnectionID: sess.ID, Role: role})
	if err != nil {
		tracing.RecordError(engineCtx, err)
		span.End()
		return domain.TransportParameters{}, fmt.Errorf("create %s transport: %w", role, err)
	}
	tracing.AddSpanAttributes(engineCtx, tracing.TransportIDKey.String(string(tr.ID())))
	span.End()

	if s.cfg.MaxIncomingBitrate > 0 {
		if err := tr.SetMaxIncomingBitrate(s.cfg.MaxIncomingBitrate); err != nil {
			s.logger.Debugw("ignoring max incoming bitrate failure", "transport_id", tr.ID(), "error", err)
		}
	}

	sess.transports[role] = tr
	s.metrics.SetActiveTransports(int(s.active.Inc()))

	tr.OnClose(func() {
		if s.onClosed != nil {
			go s.onClosed(sess, role, tr)
		}
	})

	s.logger.Infow("transport created", "connection_id", sess.ID, "role", role, "transport_id", tr.ID())
	return tr.Parameters(), nil
}

func (s *TransportService) Connect(ctx context.Context, sess *Session, role domain.TransportRole, params ports.ConnectParams) error {
	tr, err := sess.transport(role)
	if err != nil {
		return fmt.Errorf("connect %s transport: %w", role, err)
	}
	if err := tr.Connect(ctx, params); err != nil {
		return fmt.Errorf("connect transport %s: %w", tr.ID(), err)
	}
	return nil
}

func (s *TransportService) Close(ctx context.Context, sess *Session, role domain.TransportRole) error {
	tr, err := sess.transport(role)
	if err != nil {
		return fmt.Errorf("close %s transport: %w", role, err)
	}
	s.closeLocked(ctx, sess, role, tr)
	return nil
}

func (s *TransportService) CloseAll(ctx context.Context, sess *Session) {
	for _, role := range []domain.TransportRole{domain.RoleSend, domain.RoleReceive} {
		if tr, ok := sess.transports[role]; ok {
			s.closeLocked(ctx, sess, role, tr)
		}
	}
}

// Reclaim drops a transport the engine has already closed. It reports false
// when tr is no longer the session's transport for role.
func (s *TransportService) Reclaim(ctx context.Context, sess *Session, role domain.TransportRole, tr ports.Transport) bool {
	if cur, ok := sess.transports[role]; !ok || cur != tr {
		return false
	}
	s.media.CloseTransport(ctx, tr.ID())
	delete(sess.transports, role)
	s.metrics.SetActiveTransports(int(s.active.Dec()))
	return true
}

func (s *TransportService) Active() int {
	return int(s.active.Load())
}

// closeLocked cascades before the transport leaves the registry.
func (s *TransportService) closeLocked(ctx context.Context, sess *Session, role domain.TransportRole, tr ports.Transport) {
	s.media.CloseTransport(ctx, tr.ID())
	delete(sess.transports, role)
	if err := tr.Close(); err != nil {
		s.logger.Warnw("transport close failed", "transport_id", tr.ID(), "error", err)
	}
	s.metrics.SetActiveTransports(int(s.active.Dec()))
	s.logger.Infow("transport closed", "connection_id", sess.ID, "role", role, "transport_id", tr.ID())
}
