// Package status provides a thread-safe status tracker for the controller
// daemon. It is read by HTTP handlers and the MQTT heartbeat.
package status

import (
	"sync"
	"time"
)

// NetworkInfo contains network state as reported by the host helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	TickMs      int64
	Bus         string
	Sensors     string
	Broker      string
	HTTPAddr    string
	Timezone    string
	Database    string
	MaxChannels int
}

// Tick is the per-tick summary the run loop reports.
type Tick struct {
	At         time.Time
	Channels   int
	ChannelsOn int
	Degraded   int
	Failed     int
	Overrides  int
	Skipped    bool
}

// SensorInfo is the freshness of one tank's readings.
type SensorInfo struct {
	TankID   int64
	TankName string
	LastSeen time.Time // zero = never
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	StartTime     time.Time
	Now           time.Time
	Ticks         int64
	Last          Tick
	OpenAlerts    int
	Sensors       []SensorInfo
	MQTTConnected bool
	Leader        bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether at least one tick has completed.
func (s Snapshot) Ready() bool {
	return s.Ticks > 0
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu      sync.RWMutex
	snap    Snapshot
	nowFunc func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
			Leader:    true,
		},
		nowFunc: time.Now,
	}
}

// Update records a completed tick. Called from the run loop on every tick.
func (t *Tracker) Update(tick Tick) {
	t.mu.Lock()
	t.snap.Ticks++
	t.snap.Last = tick
	t.mu.Unlock()
}

// SetOpenAlerts sets the number of unresolved alerts.
func (t *Tracker) SetOpenAlerts(n int) {
	t.mu.Lock()
	t.snap.OpenAlerts = n
	t.mu.Unlock()
}

// SetSensors replaces the per-tank sensor freshness list.
func (t *Tracker) SetSensors(s []SensorInfo) {
	cp := append([]SensorInfo(nil), s...)
	t.mu.Lock()
	t.snap.Sensors = cp
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetLeader sets whether this instance holds the bus lock.
func (t *Tracker) SetLeader(leader bool) {
	t.mu.Lock()
	t.snap.Leader = leader
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Sensors = append([]SensorInfo(nil), t.snap.Sensors...)
	t.mu.RUnlock()
	s.Now = t.nowFunc()
	return s
}
