package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/trustagent/audit-gateway/internal/logger"
)

// eventsSubject carries serialized audit events between gateway instances
// so every instance's subscribers see every result.
const eventsSubject = "audit.events"

// bridgeEnvelope tags a payload with its origin so an instance can skip
// events it already delivered locally.
type bridgeEnvelope struct {
	InstanceID string          `json:"instance_id"`
	Payload    json.RawMessage `json:"payload"`
}

// EventBridge mirrors locally produced events to NATS and replays events
// from other instances into the local hub.
type EventBridge struct {
	nc         *nats.Conn
	hub        *Hub
	sub        *nats.Subscription
	instanceID string
	logger     *logger.Logger
}

// NewEventBridge returns nil when no NATS connection is configured;
// callers treat a nil bridge as single-instance mode.
func NewEventBridge(nc *nats.Conn, hub *Hub, log *logger.Logger) *EventBridge {
	if nc == nil {
		return nil
	}
	return &EventBridge{
		nc:         nc,
		hub:        hub,
		instanceID: logger.GetInstanceID(),
		logger:     log.WithComponent("event_bridge"),
	}
}

// Start subscribes to the shared event subject.
func (b *EventBridge) Start() error {
	sub, err := b.nc.Subscribe(eventsSubject, b.handleEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eventsSubject, err)
	}
	b.sub = sub
	b.logger.Info("event bridge started",
		slog.String("subject", eventsSubject),
		slog.String("instance_id", b.instanceID))
	return nil
}

// Stop drains the subscription so in-flight events are still handled.
func (b *EventBridge) Stop() {
	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			b.logger.Warn("failed to drain subscription",
				slog.String("error", err.Error()))
		}
	}
}

// Publish mirrors one serialized event to the other instances.
func (b *EventBridge) Publish(data []byte) error {
	envelope, err := json.Marshal(bridgeEnvelope{
		InstanceID: b.instanceID,
		Payload:    data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal bridge envelope: %w", err)
	}
	if err := b.nc.Publish(eventsSubject, envelope); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *EventBridge) handleEvent(msg *nats.Msg) {
	var envelope bridgeEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		b.logger.Warn("dropping malformed bridge event",
			slog.String("error", err.Error()))
		return
	}

	// Locally produced events were already fanned out.
	if envelope.InstanceID == b.instanceID {
		return
	}

	b.hub.BroadcastSerialized(envelope.Payload)
}
