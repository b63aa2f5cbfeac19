// Package store owns the in-memory table of tanks, channels and schedules,
// plus the runtime channel state the engine maintains. All mutation goes
// through Store methods; readers take a consistent Snapshot.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sweeney/vivarium-controller/internal/logic"
)

// DefaultMaxChannels matches a 16-channel relay board.
const DefaultMaxChannels = 16

// ConfigError rejects an invalid or missing tank/channel/schedule reference.
type ConfigError struct {
	Entity   string
	ID       int64
	NotFound bool
	Msg      string
}

func (e *ConfigError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
	}
	if e.ID != 0 {
		return fmt.Sprintf("%s %d: %s", e.Entity, e.ID, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Entity, e.Msg)
}

// IsNotFound reports whether err is a ConfigError for a missing entity.
func IsNotFound(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce) && ce.NotFound
}

func notFound(entity string, id int64) error {
	return &ConfigError{Entity: entity, ID: id, NotFound: true}
}

func invalid(entity string, id int64, format string, args ...any) error {
	return &ConfigError{Entity: entity, ID: id, Msg: fmt.Sprintf(format, args...)}
}

// Persister writes accepted changes through to durable storage.
// Calls happen while the store lock is held, in mutation order.
type Persister interface {
	SaveTank(t logic.Tank) error
	DeleteTank(id int64) error
	SaveChannel(c logic.Channel) error
	DeleteChannel(id int64) error
	SaveSchedule(s logic.Schedule) error
	DeleteSchedule(id int64) error
	SaveSensor(sensorID string, tankID int64) error
	DeleteSensor(sensorID string) error
}

// Snapshot is a point-in-time deep copy of the table.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Version   uint64
	Tanks     []logic.Tank     // by ID
	Channels  []logic.Channel  // by Index
	Schedules []logic.Schedule // by ID
	Sensors   map[string]int64
}

// Tank returns the tank with the given ID.
func (s Snapshot) Tank(id int64) (logic.Tank, bool) {
	for _, t := range s.Tanks {
		if t.ID == id {
			return t, true
		}
	}
	return logic.Tank{}, false
}

// Channel returns the channel with the given ID.
func (s Snapshot) Channel(id int64) (logic.Channel, bool) {
	for _, c := range s.Channels {
		if c.ID == id {
			return c, true
		}
	}
	return logic.Channel{}, false
}

// Store holds the table behind an RWMutex.
type Store struct {
	mu          sync.RWMutex
	maxChannels int
	persist     Persister

	tanks     map[int64]logic.Tank
	channels  map[int64]logic.Channel
	schedules map[int64]logic.Schedule
	sensors   map[string]int64

	lastTankID     int64
	lastChannelID  int64
	lastScheduleID int64
	version        uint64
}

// New creates an empty store. persist may be nil.
func New(maxChannels int, persist Persister) *Store {
	if maxChannels <= 0 {
		maxChannels = DefaultMaxChannels
	}
	return &Store{
		maxChannels: maxChannels,
		persist:     persist,
		tanks:       make(map[int64]logic.Tank),
		channels:    make(map[int64]logic.Channel),
		schedules:   make(map[int64]logic.Schedule),
		sensors:     make(map[string]int64),
	}
}

// MaxChannels returns the channel index bound.
func (s *Store) MaxChannels() int {
	return s.maxChannels
}

// Load replaces the whole table, typically with rows read at startup.
// It does not call the persister.
func (s *Store) Load(tanks []logic.Tank, channels []logic.Channel, schedules []logic.Schedule, sensors map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tanks = make(map[int64]logic.Tank, len(tanks))
	s.channels = make(map[int64]logic.Channel, len(channels))
	s.schedules = make(map[int64]logic.Schedule, len(schedules))
	s.sensors = make(map[string]int64, len(sensors))
	for _, t := range tanks {
		s.tanks[t.ID] = copyTank(t)
		s.lastTankID = max(s.lastTankID, t.ID)
	}
	for _, c := range channels {
		s.channels[c.ID] = copyChannel(c)
		s.lastChannelID = max(s.lastChannelID, c.ID)
	}
	for _, sc := range schedules {
		s.schedules[sc.ID] = sc
		s.lastScheduleID = max(s.lastScheduleID, sc.ID)
	}
	for k, v := range sensors {
		s.sensors[k] = v
	}
	s.version++
}

// Snapshot returns a consistent deep copy of the table.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version:   s.version,
		Tanks:     make([]logic.Tank, 0, len(s.tanks)),
		Channels:  make([]logic.Channel, 0, len(s.channels)),
		Schedules: make([]logic.Schedule, 0, len(s.schedules)),
		Sensors:   make(map[string]int64, len(s.sensors)),
	}
	for _, t := range s.tanks {
		snap.Tanks = append(snap.Tanks, copyTank(t))
	}
	for _, c := range s.channels {
		snap.Channels = append(snap.Channels, copyChannel(c))
	}
	for _, sc := range s.schedules {
		snap.Schedules = append(snap.Schedules, sc)
	}
	for k, v := range s.sensors {
		snap.Sensors[k] = v
	}
	sort.Slice(snap.Tanks, func(i, j int) bool { return snap.Tanks[i].ID < snap.Tanks[j].ID })
	sort.Slice(snap.Channels, func(i, j int) bool { return snap.Channels[i].Index < snap.Channels[j].Index })
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].ID < snap.Schedules[j].ID })
	return snap
}

// Tank returns one tank.
func (s *Store) Tank(id int64) (logic.Tank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tanks[id]
	if !ok {
		return logic.Tank{}, notFound("tank", id)
	}
	return copyTank(t), nil
}

// Channel returns one channel.
func (s *Store) Channel(id int64) (logic.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	if !ok {
		return logic.Channel{}, notFound("channel", id)
	}
	return copyChannel(c), nil
}

// Schedule returns one schedule.
func (s *Store) Schedule(id int64) (logic.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return logic.Schedule{}, notFound("schedule", id)
	}
	return sc, nil
}

// TankForSensor resolves the sensor-to-tank mapping.
func (s *Store) TankForSensor(sensorID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sensors[sensorID]
	return id, ok
}

// --- configuration edits ---

// PutTank creates (ID == 0) or replaces a tank.
func (s *Store) PutTank(t logic.Tank) (logic.Tank, error) {
	if t.Name == "" {
		return logic.Tank{}, invalid("tank", t.ID, "name is required")
	}
	if t.TempMin > t.TempMax {
		return logic.Tank{}, invalid("tank", t.ID, "target_temp_min %.1f above target_temp_max %.1f", t.TempMin, t.TempMax)
	}
	if (t.HumidityMin == nil) != (t.HumidityMax == nil) {
		return logic.Tank{}, invalid("tank", t.ID, "humidity bounds must be set together")
	}
	if t.HasHumidityBounds() && *t.HumidityMin > *t.HumidityMax {
		return logic.Tank{}, invalid("tank", t.ID, "target_humidity_min above target_humidity_max")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == 0 {
		t.ID = s.lastTankID + 1
	} else if _, ok := s.tanks[t.ID]; !ok {
		return logic.Tank{}, notFound("tank", t.ID)
	}
	if s.persist != nil {
		if err := s.persist.SaveTank(t); err != nil {
			return logic.Tank{}, fmt.Errorf("persist tank: %w", err)
		}
	}
	s.lastTankID = max(s.lastTankID, t.ID)
	s.tanks[t.ID] = copyTank(t)
	s.version++
	return copyTank(t), nil
}

// DeleteTank removes a tank. Its channels become unassociated and its
// sensor mappings are dropped. Returns the IDs of the detached channels.
func (s *Store) DeleteTank(id int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tanks[id]; !ok {
		return nil, notFound("tank", id)
	}

	var detached []int64
	for cid, c := range s.channels {
		if c.TankID != id {
			continue
		}
		c.TankID = 0
		if s.persist != nil {
			if err := s.persist.SaveChannel(c); err != nil {
				return nil, fmt.Errorf("persist channel %d: %w", cid, err)
			}
		}
		s.channels[cid] = c
		detached = append(detached, cid)
	}
	for sensorID, tankID := range s.sensors {
		if tankID != id {
			continue
		}
		if s.persist != nil {
			if err := s.persist.DeleteSensor(sensorID); err != nil {
				return nil, fmt.Errorf("persist sensor %s: %w", sensorID, err)
			}
		}
		delete(s.sensors, sensorID)
	}
	if s.persist != nil {
		if err := s.persist.DeleteTank(id); err != nil {
			return nil, fmt.Errorf("persist tank delete: %w", err)
		}
	}
	delete(s.tanks, id)
	s.version++
	sort.Slice(detached, func(i, j int) bool { return detached[i] < detached[j] })
	return detached, nil
}

// PutChannel creates (ID == 0) or updates a channel's configuration.
// Runtime fields (current state, override, degraded) are owned by the engine
// and are kept from the existing row on update. Index is immutable.
func (s *Store) PutChannel(c logic.Channel) (logic.Channel, error) {
	if c.Index < 0 || c.Index >= s.maxChannels {
		return logic.Channel{}, invalid("channel", c.ID, "index %d out of range 0-%d", c.Index, s.maxChannels-1)
	}
	if _, err := logic.ParseDeviceType(string(c.Type)); err != nil {
		return logic.Channel{}, invalid("channel", c.ID, "%v", err)
	}
	if c.Type == "" {
		c.Type = logic.DeviceRelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.TankID != 0 {
		if _, ok := s.tanks[c.TankID]; !ok {
			return logic.Channel{}, invalid("channel", c.ID, "tank %d does not exist", c.TankID)
		}
	}
	for id, other := range s.channels {
		if id != c.ID && other.Index == c.Index {
			return logic.Channel{}, invalid("channel", c.ID, "index %d already used by channel %d", c.Index, id)
		}
	}

	if c.ID == 0 {
		c.ID = s.lastChannelID + 1
		c.CurrentState = false
		c.ManualOverride = false
		c.ManualState = false
		c.OverrideUntil = nil
		c.Degraded = false
		c.Failures = 0
	} else {
		old, ok := s.channels[c.ID]
		if !ok {
			return logic.Channel{}, notFound("channel", c.ID)
		}
		if old.Index != c.Index {
			return logic.Channel{}, invalid("channel", c.ID, "index is immutable (%d)", old.Index)
		}
		c.CurrentState = old.CurrentState
		c.ManualOverride = old.ManualOverride
		c.ManualState = old.ManualState
		c.OverrideUntil = old.OverrideUntil
		c.Degraded = old.Degraded
		c.Failures = old.Failures
	}
	if err := s.saveChannelLocked(c); err != nil {
		return logic.Channel{}, err
	}
	s.lastChannelID = max(s.lastChannelID, c.ID)
	s.version++
	return copyChannel(c), nil
}

// DeleteChannel removes a channel and every schedule targeting it.
func (s *Store) DeleteChannel(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[id]; !ok {
		return notFound("channel", id)
	}
	for sid, sc := range s.schedules {
		if sc.ChannelID != id {
			continue
		}
		if s.persist != nil {
			if err := s.persist.DeleteSchedule(sid); err != nil {
				return fmt.Errorf("persist schedule delete %d: %w", sid, err)
			}
		}
		delete(s.schedules, sid)
	}
	if s.persist != nil {
		if err := s.persist.DeleteChannel(id); err != nil {
			return fmt.Errorf("persist channel delete: %w", err)
		}
	}
	delete(s.channels, id)
	s.version++
	return nil
}

// SetChannelEnabled flips the enabled flag.
func (s *Store) SetChannelEnabled(id int64, enabled bool) (logic.Channel, error) {
	return s.updateChannel(id, func(c *logic.Channel) error {
		c.Enabled = enabled
		return nil
	})
}

// PutSchedule creates (ID == 0) or replaces a schedule.
func (s *Store) PutSchedule(sc logic.Schedule) (logic.Schedule, error) {
	if sc.Start < 0 || sc.Start >= 86400 || sc.End < 0 || sc.End >= 86400 {
		return logic.Schedule{}, invalid("schedule", sc.ID, "time of day out of range")
	}
	if sc.Days > logic.EveryDay {
		return logic.Schedule{}, invalid("schedule", sc.ID, "invalid days of week")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[sc.ChannelID]; !ok {
		return logic.Schedule{}, invalid("schedule", sc.ID, "channel %d does not exist", sc.ChannelID)
	}
	if sc.ID == 0 {
		sc.ID = s.lastScheduleID + 1
	} else if _, ok := s.schedules[sc.ID]; !ok {
		return logic.Schedule{}, notFound("schedule", sc.ID)
	}
	if s.persist != nil {
		if err := s.persist.SaveSchedule(sc); err != nil {
			return logic.Schedule{}, fmt.Errorf("persist schedule: %w", err)
		}
	}
	s.lastScheduleID = max(s.lastScheduleID, sc.ID)
	s.schedules[sc.ID] = sc
	s.version++
	return sc, nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return notFound("schedule", id)
	}
	if s.persist != nil {
		if err := s.persist.DeleteSchedule(id); err != nil {
			return fmt.Errorf("persist schedule delete: %w", err)
		}
	}
	delete(s.schedules, id)
	s.version++
	return nil
}

// SetScheduleActive enables or disables a schedule.
func (s *Store) SetScheduleActive(id int64, active bool) (logic.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[id]
	if !ok {
		return logic.Schedule{}, notFound("schedule", id)
	}
	sc.Active = active
	if s.persist != nil {
		if err := s.persist.SaveSchedule(sc); err != nil {
			return logic.Schedule{}, fmt.Errorf("persist schedule: %w", err)
		}
	}
	s.schedules[id] = sc
	s.version++
	return sc, nil
}

// MapSensor associates a sensor with a tank.
func (s *Store) MapSensor(sensorID string, tankID int64) error {
	if sensorID == "" {
		return invalid("sensor", 0, "sensor id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tanks[tankID]; !ok {
		return invalid("sensor", 0, "tank %d does not exist", tankID)
	}
	if s.persist != nil {
		if err := s.persist.SaveSensor(sensorID, tankID); err != nil {
			return fmt.Errorf("persist sensor: %w", err)
		}
	}
	s.sensors[sensorID] = tankID
	s.version++
	return nil
}

// --- operator intent ---

// SetOverride records a manual override. Disabled channels reject it.
func (s *Store) SetOverride(id int64, state bool, until *time.Time) (logic.Channel, error) {
	return s.updateChannel(id, func(c *logic.Channel) error {
		if !c.Enabled {
			return invalid("channel", id, "channel is disabled")
		}
		c.ManualOverride = true
		c.ManualState = state
		c.OverrideUntil = copyTime(until)
		return nil
	})
}

// ToggleOverride overrides the channel to the inverse of its last known
// hardware state.
func (s *Store) ToggleOverride(id int64) (logic.Channel, error) {
	return s.updateChannel(id, func(c *logic.Channel) error {
		if !c.Enabled {
			return invalid("channel", id, "channel is disabled")
		}
		c.ManualOverride = true
		c.ManualState = !c.CurrentState
		c.OverrideUntil = nil
		return nil
	})
}

// ClearOverride returns the channel to automatic control.
func (s *Store) ClearOverride(id int64) (logic.Channel, error) {
	return s.updateChannel(id, func(c *logic.Channel) error {
		c.ManualOverride = false
		c.ManualState = false
		c.OverrideUntil = nil
		return nil
	})
}

// ExpireOverrides clears overrides whose expiry is at or before now and
// returns the affected channel IDs.
func (s *Store) ExpireOverrides(now time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []int64
	var firstErr error
	for id, c := range s.channels {
		if !c.ManualOverride || c.OverrideUntil == nil || now.Before(*c.OverrideUntil) {
			continue
		}
		c.ManualOverride = false
		c.ManualState = false
		c.OverrideUntil = nil
		if err := s.saveChannelLocked(c); err != nil && firstErr == nil {
			firstErr = err
		}
		expired = append(expired, id)
	}
	if len(expired) > 0 {
		s.version++
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired, firstErr
}

// --- dispatcher-owned runtime state ---

// RecordActuation stores a successful hardware write. It returns whether the
// channel was degraded before this write. The in-memory state is updated
// even when persisting fails.
func (s *Store) RecordActuation(id int64, state bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[id]
	if !ok {
		return false, notFound("channel", id)
	}
	wasDegraded := c.Degraded
	c.CurrentState = state
	c.Degraded = false
	c.Failures = 0
	s.channels[id] = c
	s.version++
	if s.persist != nil {
		if err := s.persist.SaveChannel(c); err != nil {
			return wasDegraded, fmt.Errorf("persist channel: %w", err)
		}
	}
	return wasDegraded, nil
}

// RecordFailure marks a channel degraded after exhausted retries. It returns
// the failure count and whether this call started a new degraded episode.
func (s *Store) RecordFailure(id int64) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[id]
	if !ok {
		return 0, false, notFound("channel", id)
	}
	first := !c.Degraded
	c.Failures++
	c.Degraded = true
	s.channels[id] = c
	s.version++
	return c.Failures, first, nil
}

// SetObserved records a state read back from hardware without touching the
// degraded flag. Used for startup reconciliation.
func (s *Store) SetObserved(id int64, state bool) error {
	_, err := s.updateChannel(id, func(c *logic.Channel) error {
		c.CurrentState = state
		return nil
	})
	return err
}

func (s *Store) updateChannel(id int64, fn func(c *logic.Channel) error) (logic.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[id]
	if !ok {
		return logic.Channel{}, notFound("channel", id)
	}
	if err := fn(&c); err != nil {
		return logic.Channel{}, err
	}
	if err := s.saveChannelLocked(c); err != nil {
		return logic.Channel{}, err
	}
	s.version++
	return copyChannel(c), nil
}

func (s *Store) saveChannelLocked(c logic.Channel) error {
	if s.persist != nil {
		if err := s.persist.SaveChannel(c); err != nil {
			return fmt.Errorf("persist channel: %w", err)
		}
	}
	s.channels[c.ID] = copyChannel(c)
	return nil
}

func copyTank(t logic.Tank) logic.Tank {
	t.HumidityMin = copyFloat(t.HumidityMin)
	t.HumidityMax = copyFloat(t.HumidityMax)
	return t
}

func copyChannel(c logic.Channel) logic.Channel {
	c.OverrideUntil = copyTime(c.OverrideUntil)
	return c
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
