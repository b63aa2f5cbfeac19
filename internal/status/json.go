package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Ready         bool           `json:"ready"`
	Leader        bool           `json:"leader"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	MQTT          MQTTStatus     `json:"mqtt"`
	Controller    ControllerJSON `json:"controller"`
	Sensors       []SensorJSON   `json:"sensors"`
	OpenAlerts    int            `json:"open_alerts"`
	Network       *NetworkJSON   `json:"network,omitempty"`
	Config        ConfigJSON     `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ControllerJSON summarises the last tick.
type ControllerJSON struct {
	Ticks      int64  `json:"ticks"`
	LastTick   string `json:"last_tick,omitempty"`
	Channels   int    `json:"channels"`
	ChannelsOn int    `json:"channels_on"`
	Degraded   int    `json:"degraded"`
	Failed     int    `json:"failed_last_tick"`
	Overrides  int    `json:"overrides"`
	Standby    bool   `json:"standby"`
}

// SensorJSON is the freshness of one tank's readings.
type SensorJSON struct {
	TankID   int64  `json:"tank_id"`
	TankName string `json:"tank_name"`
	LastSeen string `json:"last_seen,omitempty"`
	AgeSec   *int64 `json:"age_seconds,omitempty"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TickMs      int64  `json:"tick_ms"`
	Bus         string `json:"bus"`
	Sensors     string `json:"sensors"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
	Timezone    string `json:"timezone"`
	Database    string `json:"database"`
	MaxChannels int    `json:"max_channels"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Ready:         snap.Ready(),
		Leader:        snap.Leader,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Controller: ControllerJSON{
			Ticks:      snap.Ticks,
			Channels:   snap.Last.Channels,
			ChannelsOn: snap.Last.ChannelsOn,
			Degraded:   snap.Last.Degraded,
			Failed:     snap.Last.Failed,
			Overrides:  snap.Last.Overrides,
			Standby:    snap.Last.Skipped,
		},
		Sensors:    make([]SensorJSON, 0, len(snap.Sensors)),
		OpenAlerts: snap.OpenAlerts,
		Config: ConfigJSON{
			TickMs:      snap.Config.TickMs,
			Bus:         snap.Config.Bus,
			Sensors:     snap.Config.Sensors,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			Timezone:    snap.Config.Timezone,
			Database:    snap.Config.Database,
			MaxChannels: snap.Config.MaxChannels,
		},
	}
	if !snap.Last.At.IsZero() {
		inner.Controller.LastTick = snap.Last.At.UTC().Format(time.RFC3339)
	}
	for _, s := range snap.Sensors {
		sj := SensorJSON{TankID: s.TankID, TankName: s.TankName}
		if !s.LastSeen.IsZero() {
			sj.LastSeen = s.LastSeen.UTC().Format(time.RFC3339)
			age := int64(snap.Now.Sub(s.LastSeen).Seconds())
			sj.AgeSec = &age
		}
		inner.Sensors = append(inner.Sensors, sj)
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
