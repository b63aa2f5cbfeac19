// Package logic contains pure business rules for enclosure climate control.
// This package has NO external dependencies (no bus, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"fmt"
	"time"
)

// DeviceType is the closed set of actuator kinds a channel can drive.
type DeviceType string

const (
	DeviceRelay      DeviceType = "relay"
	DeviceHeating    DeviceType = "heating"
	DeviceLighting   DeviceType = "lighting"
	DeviceHumidifier DeviceType = "humidifier"
	DeviceFan        DeviceType = "fan"
)

// DeviceTypes lists every supported kind in display order.
var DeviceTypes = []DeviceType{DeviceRelay, DeviceHeating, DeviceLighting, DeviceHumidifier, DeviceFan}

// ParseDeviceType converts a configuration string into a DeviceType.
// An empty string is treated as a plain relay.
func ParseDeviceType(s string) (DeviceType, error) {
	if s == "" {
		return DeviceRelay, nil
	}
	for _, t := range DeviceTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown device type %q", s)
}

// Tank is an enclosure with climate bounds.
type Tank struct {
	ID          int64
	Name        string
	TempMin     float64
	TempMax     float64
	HumidityMin *float64
	HumidityMax *float64
	Active      bool
}

// HasHumidityBounds reports whether both humidity bounds are configured.
func (t Tank) HasHumidityBounds() bool {
	return t.HumidityMin != nil && t.HumidityMax != nil
}

// Channel is one addressable relay output.
type Channel struct {
	ID      int64
	Index   int
	Name    string
	Type    DeviceType
	TankID  int64 // 0 = not associated with a tank
	Enabled bool

	// Last known hardware state. Only the dispatcher writes this.
	CurrentState bool

	ManualOverride bool
	ManualState    bool
	OverrideUntil  *time.Time // nil = until cleared

	Degraded bool
	Failures int
}

// OverrideActive reports whether the manual override applies at now.
func (c Channel) OverrideActive(now time.Time) bool {
	if !c.ManualOverride {
		return false
	}
	if c.OverrideUntil != nil && !now.Before(*c.OverrideUntil) {
		return false
	}
	return true
}

// Schedule is an "on" time window for a channel.
type Schedule struct {
	ID        int64
	ChannelID int64
	Name      string
	Start     TimeOfDay
	End       TimeOfDay
	Days      DaySet
	Active    bool
	Priority  int
}

// Reading is a single sensor sample, already mapped to a tank.
type Reading struct {
	SensorID    string
	TankID      int64
	Temperature float64
	Humidity    *float64
	Timestamp   time.Time
}

// Severity ranks alert urgency.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; higher is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Metric identifies what an alert is about.
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricHumidity    Metric = "humidity"
	MetricLink        Metric = "link"
	MetricActuator    Metric = "actuator"
)

// Alert is one episode of an abnormal condition. History is append-only:
// a resolved alert is never reopened.
type Alert struct {
	ID         string
	TankID     int64 // 0 = system-wide
	ChannelID  int64 // set for actuator alerts
	Metric     Metric
	Severity   Severity
	Message    string
	Value      float64
	CreatedAt  time.Time
	Resolved   bool
	ResolvedAt *time.Time
	ResolvedBy string // "auto" or "operator"
}
