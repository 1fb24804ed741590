// Package distributed relays user-addressed and global pushes, and meeting
// change notices, between server instances over Redis pub/sub.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type target string

const (
	targetUser    target = "user"
	targetAll     target = "all"
	targetMeeting target = "meeting"
)

// envelope is the wire form of a relayed push.
type envelope struct {
	InstanceID string          `json:"instanceId"`
	Target     target          `json:"target"`
	UserID     domain.UserID   `json:"userId,omitempty"`
	RoomID     domain.RoomID   `json:"roomId,omitempty"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	SentAt     time.Time       `json:"sentAt"`
}

// EventBus is a Broadcaster that delivers locally and, for pushes not bound
// to a connection id, publishes them for the other instances. Connection ids
// are instance-local, so SendToConnections never leaves the process.
type EventBus struct {
	local      ports.Broadcaster
	client     *redis.Client
	channel    string
	instanceID string
	outbox     chan envelope
	logger     *zap.SugaredLogger

	onMeetingChanged func(domain.RoomID)
}

var _ ports.Broadcaster = (*EventBus)(nil)

func NewEventBus(local ports.Broadcaster, client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		local:      local,
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		outbox:     make(chan envelope, 256),
		logger:     logger,
	}
}

func (eb *EventBus) SendToConnections(ids []domain.ConnectionID, event ports.Event) {
	eb.local.SendToConnections(ids, event)
}

func (eb *EventBus) SendToUser(userID domain.UserID, event ports.Event) {
	eb.local.SendToUser(userID, event)
	eb.enqueue(targetUser, userID, event)
}

func (eb *EventBus) SendToAll(event ports.Event) {
	eb.local.SendToAll(event)
	eb.enqueue(targetAll, "", event)
}

// MeetingChanged tells the other instances that a meeting record was
// written, so they drop any cached copy.
func (eb *EventBus) MeetingChanged(roomID domain.RoomID) {
	eb.push(envelope{
		InstanceID: eb.instanceID,
		Target:     targetMeeting,
		RoomID:     roomID,
		Type:       "meeting-changed",
		SentAt:     time.Now(),
	})
}

// OnMeetingChanged registers the handler for change notices from other
// instances. It must be set before Run.
func (eb *EventBus) OnMeetingChanged(fn func(domain.RoomID)) {
	eb.onMeetingChanged = fn
}

func (eb *EventBus) enqueue(t target, userID domain.UserID, event ports.Event) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		eb.logger.Warnw("failed to encode relayed event", "type", event.Type, "error", err)
		return
	}
	eb.push(envelope{
		InstanceID: eb.instanceID,
		Target:     t,
		UserID:     userID,
		Type:       event.Type,
		Data:       data,
		SentAt:     time.Now(),
	})
}

func (eb *EventBus) push(env envelope) {
	select {
	case eb.outbox <- env:
	default:
		eb.logger.Warnw("event relay backlog full, dropping event", "type", env.Type)
	}
}

// Run publishes queued events and delivers the ones other instances publish
// until ctx is cancelled.
func (eb *EventBus) Run(ctx context.Context) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		_, err := pubsub.Receive(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	eb.logger.Infow("event relay started", "channel", eb.channel, "instance_id", eb.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-eb.outbox:
			eb.publish(ctx, env)
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", eb.channel)
			}
			eb.handle(msg.Payload)
		}
	}
}

func (eb *EventBus) publish(ctx context.Context, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		eb.logger.Warnw("failed to marshal envelope", "type", env.Type, "error", err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := eb.client.Publish(pctx, eb.channel, data).Err(); err != nil {
		eb.logger.Warnw("failed to publish event", "type", env.Type, "error", err)
	}
}

func (eb *EventBus) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		eb.logger.Warnw("failed to unmarshal envelope", "error", err)
		return
	}
	if env.InstanceID == eb.instanceID {
		return
	}

	event := ports.Event{Type: env.Type, Data: env.Data}
	switch env.Target {
	case targetUser:
		eb.local.SendToUser(env.UserID, event)
	case targetAll:
		eb.local.SendToAll(event)
	case targetMeeting:
		if eb.onMeetingChanged != nil && env.RoomID != "" {
			eb.onMeetingChanged(env.RoomID)
		}
	default:
		eb.logger.Debugw("ignoring envelope with unknown target", "target", env.Target)
	}
}
