package notify

import (
	"context"
	"fmt"
)

// AlertPublisher is the slice of the MQTT client the notifier needs.
type AlertPublisher interface {
	PublishAlert(payload []byte) error
}

// MQTTNotifier publishes alerts as JSON to the broker.
type MQTTNotifier struct {
	pub AlertPublisher
}

// NewMQTTNotifier wraps an MQTT publisher.
func NewMQTTNotifier(pub AlertPublisher) *MQTTNotifier {
	return &MQTTNotifier{pub: pub}
}

func (m *MQTTNotifier) Name() string { return "mqtt" }

func (m *MQTTNotifier) Send(_ context.Context, n Notification) error {
	payload, err := FormatPayload(n)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return m.pub.PublishAlert(payload)
}
