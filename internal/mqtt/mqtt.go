// Package mqtt connects the controller to an MQTT broker: it publishes
// events, alerts and lifecycle messages and receives remote sensor readings.
package mqtt

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/events"
)

const (
	// TopicEvents carries the event log.
	TopicEvents = "vivarium/events"
	// TopicAlerts carries alert notifications.
	TopicAlerts = "vivarium/alerts"
	// TopicSystem carries lifecycle messages and the last will.
	TopicSystem = "vivarium/system"
)

// Publisher publishes to MQTT.
type Publisher interface {
	// PublishEvent sends an event log record.
	// Returns error if publishing fails (should not crash the process).
	PublishEvent(r events.Record) error

	// PublishAlert sends a pre-formatted alert notification.
	PublishAlert(payload []byte) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// Handler receives messages for a subscription.
type Handler func(topic string, payload []byte)

// Subscriber registers topic handlers. Subscriptions survive reconnects.
type Subscriber interface {
	Subscribe(topic string, h Handler) error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a lifecycle event (STARTUP, SHUTDOWN, OFFLINE...).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string
	RawPayload []byte // if set, FormatSystemPayload returns it as is
	Retained   bool
}

// EventPayload is the wire form of an event record.
type EventPayload struct {
	Event EventPayloadInner `json:"event"`
}

// EventPayloadInner contains the record fields.
type EventPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	Message   string `json:"message"`
	ChannelID int64  `json:"channel_id,omitempty"`
	TankID    int64  `json:"tank_id,omitempty"`
}

// FormatEventPayload creates the JSON payload for an event record.
func FormatEventPayload(r events.Record) ([]byte, error) {
	return json.Marshal(EventPayload{
		Event: EventPayloadInner{
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
			Level:     string(r.Level),
			Type:      string(r.Type),
			Source:    r.Source,
			Message:   r.Message,
			ChannelID: r.ChannelID,
			TankID:    r.TankID,
		},
	})
}

// SystemPayload is the wire form of a simple lifecycle event.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}

// Forward publishes records from an event subscription until ctx is done
// or the channel closes. Publish errors are logged and dropped.
func Forward(ctx context.Context, records <-chan events.Record, pub Publisher, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-records:
			if !ok {
				return
			}
			if err := pub.PublishEvent(r); err != nil {
				log.Warn("mqtt event publish failed", zap.String("type", string(r.Type)), zap.Error(err))
			}
		}
	}
}
