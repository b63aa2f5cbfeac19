package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/vivarium-controller/internal/logic"
)

func ptr(f float64) *float64 { return &f }

// recordingPersister captures write-through calls.
type recordingPersister struct {
	mu      sync.Mutex
	calls   []string
	failAll error
}

func (p *recordingPersister) record(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll != nil {
		return p.failAll
	}
	p.calls = append(p.calls, call)
	return nil
}

func (p *recordingPersister) SaveTank(logic.Tank) error         { return p.record("SaveTank") }
func (p *recordingPersister) DeleteTank(int64) error            { return p.record("DeleteTank") }
func (p *recordingPersister) SaveChannel(logic.Channel) error   { return p.record("SaveChannel") }
func (p *recordingPersister) DeleteChannel(int64) error         { return p.record("DeleteChannel") }
func (p *recordingPersister) SaveSchedule(logic.Schedule) error { return p.record("SaveSchedule") }
func (p *recordingPersister) DeleteSchedule(int64) error        { return p.record("DeleteSchedule") }
func (p *recordingPersister) SaveSensor(string, int64) error    { return p.record("SaveSensor") }
func (p *recordingPersister) DeleteSensor(string) error         { return p.record("DeleteSensor") }

func seed(t *testing.T, s *Store) (logic.Tank, logic.Channel) {
	t.Helper()
	tank, err := s.PutTank(logic.Tank{Name: "main", TempMin: 26, TempMax: 30, Active: true})
	require.NoError(t, err)
	ch, err := s.PutChannel(logic.Channel{Index: 0, Name: "heat lamp", Type: logic.DeviceHeating, TankID: tank.ID, Enabled: true})
	require.NoError(t, err)
	return tank, ch
}

func TestPutTankValidation(t *testing.T) {
	s := New(16, nil)
	tests := []struct {
		name string
		tank logic.Tank
	}{
		{"no name", logic.Tank{TempMin: 20, TempMax: 30}},
		{"inverted temp", logic.Tank{Name: "a", TempMin: 31, TempMax: 30}},
		{"half humidity", logic.Tank{Name: "a", TempMin: 20, TempMax: 30, HumidityMin: ptr(40)}},
		{"inverted humidity", logic.Tank{Name: "a", TempMin: 20, TempMax: 30, HumidityMin: ptr(70), HumidityMax: ptr(40)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.PutTank(tt.tank)
			var ce *ConfigError
			assert.True(t, errors.As(err, &ce), "got %v", err)
		})
	}
}

func TestPutTankUnknownID(t *testing.T) {
	s := New(16, nil)
	_, err := s.PutTank(logic.Tank{ID: 7, Name: "x", TempMin: 1, TempMax: 2})
	assert.True(t, IsNotFound(err))
}

func TestPutChannelIndexRules(t *testing.T) {
	s := New(16, nil)
	_, ch := seed(t, s)

	_, err := s.PutChannel(logic.Channel{Index: 16, Name: "x"})
	assert.Error(t, err, "index above range")

	_, err = s.PutChannel(logic.Channel{Index: -1, Name: "x"})
	assert.Error(t, err, "negative index")

	_, err = s.PutChannel(logic.Channel{Index: 0, Name: "dup"})
	assert.Error(t, err, "duplicate index")

	ch.Index = 5
	_, err = s.PutChannel(ch)
	assert.Error(t, err, "index is immutable")

	_, err = s.PutChannel(logic.Channel{Index: 3, Name: "x", TankID: 42})
	assert.Error(t, err, "unknown tank")

	_, err = s.PutChannel(logic.Channel{Index: 3, Name: "x", Type: "toaster"})
	assert.Error(t, err, "unknown device type")

	c, err := s.PutChannel(logic.Channel{Index: 3, Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, logic.DeviceRelay, c.Type)
}

func TestPutChannelKeepsRuntimeState(t *testing.T) {
	s := New(16, nil)
	_, ch := seed(t, s)

	_, err := s.RecordActuation(ch.ID, true)
	require.NoError(t, err)
	_, err = s.SetOverride(ch.ID, false, nil)
	require.NoError(t, err)

	ch.Name = "renamed"
	ch.CurrentState = false
	ch.ManualOverride = false
	updated, err := s.PutChannel(ch)
	require.NoError(t, err)

	assert.Equal(t, "renamed", updated.Name)
	assert.True(t, updated.CurrentState)
	assert.True(t, updated.ManualOverride)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := New(16, nil)
	tank, ch := seed(t, s)
	until := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)
	_, err := s.SetOverride(ch.ID, true, &until)
	require.NoError(t, err)
	tank.HumidityMin, tank.HumidityMax = ptr(50), ptr(70)
	_, err = s.PutTank(tank)
	require.NoError(t, err)

	snap := s.Snapshot()
	*snap.Channels[0].OverrideUntil = until.Add(time.Hour)
	*snap.Tanks[0].HumidityMin = 0
	snap.Sensors["x"] = 1

	again := s.Snapshot()
	assert.Equal(t, until, *again.Channels[0].OverrideUntil)
	assert.Equal(t, 50.0, *again.Tanks[0].HumidityMin)
	assert.Empty(t, again.Sensors)
}

func TestSnapshotOrdering(t *testing.T) {
	s := New(16, nil)
	for _, idx := range []int{7, 2, 11} {
		_, err := s.PutChannel(logic.Channel{Index: idx, Name: "c"})
		require.NoError(t, err)
	}
	snap := s.Snapshot()
	require.Len(t, snap.Channels, 3)
	assert.Equal(t, 2, snap.Channels[0].Index)
	assert.Equal(t, 11, snap.Channels[2].Index)
}

func TestDeleteTankDetachesChannelsAndSensors(t *testing.T) {
	s := New(16, nil)
	tank, ch := seed(t, s)
	require.NoError(t, s.MapSensor("28-0001", tank.ID))
	sc, err := s.PutSchedule(logic.Schedule{ChannelID: ch.ID, Start: logic.MustTimeOfDay("08:00"), End: logic.MustTimeOfDay("20:00"), Active: true})
	require.NoError(t, err)

	detached, err := s.DeleteTank(tank.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{ch.ID}, detached)

	got, err := s.Channel(ch.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TankID)

	_, ok := s.TankForSensor("28-0001")
	assert.False(t, ok)

	// schedules target channels, so they survive
	_, err = s.Schedule(sc.ID)
	assert.NoError(t, err)
}

func TestDeleteChannelDropsSchedules(t *testing.T) {
	s := New(16, nil)
	_, ch := seed(t, s)
	sc, err := s.PutSchedule(logic.Schedule{ChannelID: ch.ID, Start: 0, End: 3600, Active: true})
	require.NoError(t, err)

	require.NoError(t, s.DeleteChannel(ch.ID))
	_, err = s.Schedule(sc.ID)
	assert.True(t, IsNotFound(err))
}

func TestPutScheduleValidation(t *testing.T) {
	s := New(16, nil)
	_, ch := seed(t, s)

	_, err := s.PutSchedule(logic.Schedule{ChannelID: 99, Start: 0, End: 60})
	assert.Error(t, err)

	_, err = s.PutSchedule(logic.Schedule{ChannelID: ch.ID, Start: 0, End: 86400})
	assert.Error(t, err)

	_, err = s.PutSchedule(logic.Schedule{ChannelID: ch.ID, Start: 0, End: 60, Days: 0x80})
	assert.Error(t, err)

	sc, err := s.PutSchedule(logic.Schedule{ChannelID: ch.ID, Start: 0, End: 60, Active: true})
	require.NoError(t, err)

	sc, err = s.SetScheduleActive(sc.ID, false)
	require.NoError(t, err)
	assert.False(t, sc.Active)
}

func TestOverrideCommands(t *testing.T) {
	s := New(16, nil)
	_, ch := seed(t, s)

	_, err := s.RecordActuation(ch.ID, true)
	require.NoError(t, err)

	got, err := s.ToggleOverride(ch.ID)
	require.NoError(t, err)
	assert.True(t, got.ManualOverride)
	assert.False(t, got.ManualState, "toggle inverts the hardware state")

	got, err = s.ClearOverride(ch.ID)
	require.NoError(t, err)
	assert.False(t, got.ManualOverride)

	_, err = s.SetChannelEnabled(ch.ID, false)
	require.NoError(t, err)
	_, err = s.SetOverride(ch.ID, true, nil)
	var ce *ConfigError
	assert.True(t, errors.As(err, &ce), "disabled channel rejects override")

	_, err = s.SetOverride(404, true, nil)
	assert.True(t, IsNotFound(err))
}

func TestExpireOverrides(t *testing.T) {
	s := New(16, nil)
	_, ch := seed(t, s)
	other, err := s.PutChannel(logic.Channel{Index: 1, Name: "lamp", Enabled: true})
	require.NoError(t, err)

	now := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	_, err = s.SetOverride(ch.ID, true, &past)
	require.NoError(t, err)
	_, err = s.SetOverride(other.ID, true, &future)
	require.NoError(t, err)

	expired, err := s.ExpireOverrides(now)
	require.NoError(t, err)
	assert.Equal(t, []int64{ch.ID}, expired)

	got, _ := s.Channel(other.ID)
	assert.True(t, got.ManualOverride)
}

func TestRecordFailureEpisodes(t *testing.T) {
	s := New(16, nil)
	_, ch := seed(t, s)

	n, first, err := s.RecordFailure(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, first)

	n, first, _ = s.RecordFailure(ch.ID)
	assert.Equal(t, 2, n)
	assert.False(t, first)

	wasDegraded, err := s.RecordActuation(ch.ID, true)
	require.NoError(t, err)
	assert.True(t, wasDegraded)

	_, first, _ = s.RecordFailure(ch.ID)
	assert.True(t, first, "new episode after recovery")
}

func TestPersisterFailureLeavesMemoryUnchanged(t *testing.T) {
	p := &recordingPersister{}
	s := New(16, p)
	tank, _ := seed(t, s)
	assert.Equal(t, []string{"SaveTank", "SaveChannel"}, p.calls)

	p.failAll = errors.New("disk full")
	tank.Name = "renamed"
	_, err := s.PutTank(tank)
	require.Error(t, err)

	got, err := s.Tank(tank.ID)
	require.NoError(t, err)
	assert.Equal(t, "main", got.Name)
}

func TestRecordActuationKeepsMemoryOnPersistFailure(t *testing.T) {
	p := &recordingPersister{}
	s := New(16, p)
	_, ch := seed(t, s)

	p.failAll = errors.New("disk full")
	_, err := s.RecordActuation(ch.ID, true)
	require.Error(t, err)

	got, _ := s.Channel(ch.ID)
	assert.True(t, got.CurrentState)
}

func TestLoadContinuesIDs(t *testing.T) {
	s := New(16, nil)
	s.Load(
		[]logic.Tank{{ID: 4, Name: "a", TempMin: 1, TempMax: 2}},
		[]logic.Channel{{ID: 9, Index: 0, Name: "c"}},
		nil,
		map[string]int64{"s1": 4},
	)

	tank, err := s.PutTank(logic.Tank{Name: "b", TempMin: 1, TempMax: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), tank.ID)

	ch, err := s.PutChannel(logic.Channel{Index: 1, Name: "d"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), ch.ID)

	id, ok := s.TankForSensor("s1")
	assert.True(t, ok)
	assert.Equal(t, int64(4), id)
}
