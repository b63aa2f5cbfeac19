package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/vivarium-controller/internal/logic"
)

// TopicReadings is the subscription for remote sensor nodes.
// The second level is the sensor ID.
const TopicReadings = "vivarium/sensors/+/reading"

// Message is the JSON payload a sensor node publishes.
type Message struct {
	SensorID    string   `json:"sensor_id"`
	TankID      int64    `json:"tank_id"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Timestamp   string   `json:"timestamp"`
}

// ParseMessage decodes a reading. The sensor ID falls back to the topic
// segment and a missing timestamp to now.
func ParseMessage(topic string, payload []byte, now time.Time) (logic.Reading, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return logic.Reading{}, fmt.Errorf("decode reading: %w", err)
	}
	if m.Temperature == nil {
		return logic.Reading{}, errors.New("reading has no temperature")
	}
	if m.SensorID == "" {
		m.SensorID = sensorFromTopic(topic)
	}
	if m.SensorID == "" && m.TankID == 0 {
		return logic.Reading{}, errors.New("reading has neither sensor_id nor tank_id")
	}

	ts := now
	if m.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, m.Timestamp)
		if err != nil {
			return logic.Reading{}, fmt.Errorf("bad timestamp %q: %w", m.Timestamp, err)
		}
		ts = t
	}
	return logic.Reading{
		SensorID:    m.SensorID,
		TankID:      m.TankID,
		Temperature: *m.Temperature,
		Humidity:    m.Humidity,
		Timestamp:   ts,
	}, nil
}

func sensorFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 4 && parts[0] == "vivarium" && parts[1] == "sensors" {
		return parts[2]
	}
	return ""
}
