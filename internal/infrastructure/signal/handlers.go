package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/internal/core/services"
	apperrors "groupcall/pkg/errors"
	rlog "groupcall/pkg/logger"
	"groupcall/pkg/tracing"
	"groupcall/pkg/validation"

	"go.uber.org/zap"
)

type handlerFunc func(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error)

func (s *WebSocketServer) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		OpGetRouterCapabilities:   s.getRouterCapabilities,
		OpCreateSendTransport:     s.createTransport(domain.RoleSend),
		OpCreateReceiveTransport:  s.createTransport(domain.RoleReceive),
		OpConnectSendTransport:    s.connectTransport(domain.RoleSend),
		OpConnectReceiveTransport: s.connectTransport(domain.RoleReceive),
		OpCloseTransport:          s.closeTransport,
		OpProduce:                 s.produce,
		OpCloseProducer:           s.closeProducer,
		OpConsume:                 s.consume,
		OpResumeConsumer:          s.resumeConsumer,
		OpRemoveProducer:          s.removeProducer,
		OpCreateRoom:              s.createRoom,
		OpJoinRoom:                s.joinRoom,
		OpLeaveRoom:               s.leaveRoom,
	}
}

// dispatch runs one request and builds its response. Every outcome is
// traced, measured and answered on the same connection.
func (s *WebSocketServer) dispatch(ctx context.Context, c *connection, req Request) Response {
	start := time.Now()
	op := req.Type
	h, known := s.handlers[op]
	if !known {
		op = "unknown"
	}

	ctx, span := tracing.TraceSignalRequest(ctx, op, string(c.id))
	defer span.End()
	ctx = rlog.WithValue(ctx, rlog.RequestIDKey, fmt.Sprintf("%s-%d", c.id, req.ID))

	var (
		data interface{}
		err  error
	)
	if known {
		data, err = h(ctx, c, req.Payload)
	} else {
		err = apperrors.NewInvalidInputError(fmt.Sprintf("unknown operation %q", req.Type))
	}

	elapsed := time.Since(start)
	s.metrics.ObserveSignalRequest(op, err == nil, elapsed)
	tracing.MeasureDuration(ctx, start)
	s.ctxLogger.LogSignal(ctx, req.Type, err == nil, elapsed.Milliseconds())

	if err != nil {
		tracing.RecordError(ctx, err)
		appErr := apperrors.FromDomain(err)
		if appErr.Code == apperrors.ErrCodeInternal {
			s.ctxLogger.LogError(ctx, err, "signal request failed", zap.String("op", req.Type))
		}
		return errorResponse(req, appErr)
	}
	return Response{ID: req.ID, Type: req.Type, OK: true, Data: data}
}

func errorResponse(req Request, appErr *apperrors.AppError) Response {
	return Response{
		ID:    req.ID,
		Type:  req.Type,
		OK:    false,
		Error: &ErrorBody{Code: string(appErr.Code), Message: appErr.Message},
	}
}

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return apperrors.NewInvalidInputError("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperrors.NewInvalidInputError("malformed payload: " + err.Error())
	}
	return nil
}

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.NewInvalidInputError(err.Error())
}

func (s *WebSocketServer) getRouterCapabilities(_ context.Context, _ *connection, _ json.RawMessage) (interface{}, error) {
	return s.conference.RouterCapabilities()
}

func (s *WebSocketServer) createTransport(role domain.TransportRole) handlerFunc {
	return func(ctx context.Context, c *connection, _ json.RawMessage) (interface{}, error) {
		return s.conference.CreateTransport(ctx, c.id, role)
	}
}

func (s *WebSocketServer) connectTransport(role domain.TransportRole) handlerFunc {
	return func(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
		var p connectTransportPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if err := validation.ValidateDTLSParameters(p.DTLSParameters); err != nil {
			return nil, invalid(err)
		}
		return nil, s.conference.ConnectTransport(ctx, c.id, role, ports.ConnectParams{
			DTLSParameters: p.DTLSParameters,
			ICEParameters:  p.ICEParameters,
		})
	}
}

func (s *WebSocketServer) closeTransport(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var p closeTransportPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if !p.Role.Valid() {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("role must be %q or %q", domain.RoleSend, domain.RoleReceive))
	}
	return nil, s.conference.CloseTransport(ctx, c.id, p.Role)
}

func (s *WebSocketServer) produce(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var p producePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := validation.ValidateMediaKind(p.Kind); err != nil {
		return nil, err
	}
	if err := validation.ValidateRTPParameters(p.Kind, p.RTPParameters); err != nil {
		return nil, invalid(err)
	}
	if p.RoomID != "" {
		if err := validation.ValidateID(string(p.RoomID), "roomId"); err != nil {
			return nil, invalid(err)
		}
	}
	tracing.AddSpanAttributes(ctx, tracing.MediaKindKey.String(string(p.Kind)), tracing.RoomIDKey.String(string(p.RoomID)))

	id, err := s.conference.Produce(ctx, c.id, services.ProduceRequest{
		Kind:          p.Kind,
		RTPParameters: p.RTPParameters,
		RoomID:        p.RoomID,
		IsScreen:      p.IsScreen,
	})
	if err != nil {
		return nil, err
	}
	tracing.AddSpanAttributes(ctx, tracing.ProducerIDKey.String(string(id)))
	return produceResult{ID: id}, nil
}

func (s *WebSocketServer) closeProducer(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var p producerPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := validation.ValidateID(string(p.ProducerID), "producerId"); err != nil {
		return nil, invalid(err)
	}
	return nil, s.conference.CloseProducer(ctx, c.id, p.ProducerID)
}

func (s *WebSocketServer) consume(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var p consumePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := validation.ValidateID(string(p.ConnectionID), "connectionId"); err != nil {
		return nil, invalid(err)
	}
	if err := validation.ValidateID(string(p.ProducerID), "producerId"); err != nil {
		return nil, invalid(err)
	}
	if err := validation.ValidateRTPCapabilities(p.RTPCapabilities); err != nil {
		return nil, invalid(err)
	}
	tracing.AddSpanAttributes(ctx, tracing.ProducerIDKey.String(string(p.ProducerID)))

	return s.conference.Consume(ctx, c.id, services.ConsumeRequest{
		TargetConnectionID: p.ConnectionID,
		ProducerID:         p.ProducerID,
		RTPCapabilities:    p.RTPCapabilities,
	})
}

func (s *WebSocketServer) resumeConsumer(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var p producerPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := validation.ValidateID(string(p.ProducerID), "producerId"); err != nil {
		return nil, invalid(err)
	}
	return nil, s.conference.ResumeConsumer(ctx, c.id, p.ProducerID)
}

func (s *WebSocketServer) removeProducer(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var p producerPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := validation.ValidateID(string(p.ProducerID), "producerId"); err != nil {
		return nil, invalid(err)
	}
	if err := validation.ValidateID(string(p.RoomID), "roomId"); err != nil {
		return nil, invalid(err)
	}
	return nil, s.conference.RemoveProducer(ctx, c.id, p.ProducerID, p.RoomID)
}

func (s *WebSocketServer) createRoom(ctx context.Context, c *connection, _ json.RawMessage) (interface{}, error) {
	id, err := s.conference.CreateRoom(ctx, c.id)
	if err != nil {
		return nil, err
	}
	return roomPayload{RoomID: id}, nil
}

func (s *WebSocketServer) joinRoom(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var p roomPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := validation.ValidateID(string(p.RoomID), "roomId"); err != nil {
		return nil, invalid(err)
	}
	tracing.AddSpanAttributes(ctx, tracing.RoomIDKey.String(string(p.RoomID)))
	return s.conference.JoinRoom(rlog.WithValue(ctx, rlog.RoomIDKey, string(p.RoomID)), c.id, p.RoomID)
}

func (s *WebSocketServer) leaveRoom(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var p roomPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := validation.ValidateID(string(p.RoomID), "roomId"); err != nil {
		return nil, invalid(err)
	}
	return nil, s.conference.LeaveRoom(ctx, c.id, p.RoomID)
}
