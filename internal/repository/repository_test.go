package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/logic"
	"github.com/sweeney/vivarium-controller/internal/store"
)

// compile-time check: the repository is the store's write-through target
var _ store.Persister = (*Repository)(nil)

func setupTestDB(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(context.Background(), ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSeedDefaults(t *testing.T) {
	r := setupTestDB(t)
	ctx := context.Background()

	seeded, err := r.SeedDefaults(ctx, 16)
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = r.SeedDefaults(ctx, 16)
	require.NoError(t, err)
	assert.False(t, seeded, "second run is a no-op")

	tanks, err := r.LoadTanks(ctx)
	require.NoError(t, err)
	require.Len(t, tanks, 1)
	assert.Equal(t, "主飼養箱", tanks[0].Name)
	require.True(t, tanks[0].HasHumidityBounds())
	assert.Equal(t, 50.0, *tanks[0].HumidityMin)

	chans, err := r.LoadChannels(ctx)
	require.NoError(t, err)
	require.Len(t, chans, 16)
	assert.Equal(t, logic.DeviceHeating, chans[0].Type)
	assert.Equal(t, logic.DeviceLighting, chans[2].Type)
	assert.Equal(t, logic.DeviceHumidifier, chans[8].Type)
	assert.Equal(t, logic.DeviceFan, chans[9].Type)
	assert.Equal(t, logic.DeviceRelay, chans[10].Type)
	assert.Equal(t, int64(1), chans[9].TankID)
	assert.Zero(t, chans[10].TankID)
}

func TestChannelRoundTrip(t *testing.T) {
	r := setupTestDB(t)
	ctx := context.Background()

	until := time.Date(2026, 10, 12, 9, 30, 0, 0, time.UTC)
	in := logic.Channel{
		ID: 4, Index: 3, Name: "basking lamp", Type: logic.DeviceLighting, TankID: 2,
		Enabled: true, CurrentState: true, ManualOverride: true, ManualState: false, OverrideUntil: &until,
	}
	require.NoError(t, r.SaveChannel(in))

	in.Name = "basking lamp 2"
	require.NoError(t, r.SaveChannel(in))

	out, err := r.LoadChannels(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, in, out[0])

	require.NoError(t, r.DeleteChannel(4))
	out, err = r.LoadChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestScheduleRoundTrip(t *testing.T) {
	r := setupTestDB(t)
	ctx := context.Background()

	weekdays, err := logic.NewDaySet(0, 1, 2, 3, 4)
	require.NoError(t, err)
	in := []logic.Schedule{
		{ID: 1, ChannelID: 3, Name: "day", Start: logic.MustTimeOfDay("08:00"), End: logic.MustTimeOfDay("20:00"), Active: true, Priority: 1},
		{ID: 2, ChannelID: 3, Name: "night", Start: logic.MustTimeOfDay("22:00:30"), End: logic.MustTimeOfDay("06:00"), Days: weekdays, Priority: 5},
	}
	for _, s := range in {
		require.NoError(t, r.SaveSchedule(s))
	}

	out, err := r.LoadSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSensorsAndTanks(t *testing.T) {
	r := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, r.SaveTank(logic.Tank{ID: 1, Name: "dry", TempMin: 20, TempMax: 35, Active: true}))
	require.NoError(t, r.SaveSensor("28-00000a", 1))
	require.NoError(t, r.SaveSensor("28-00000a", 1))

	sensors, err := r.LoadSensors(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"28-00000a": 1}, sensors)

	tanks, err := r.LoadTanks(ctx)
	require.NoError(t, err)
	require.Len(t, tanks, 1)
	assert.Nil(t, tanks[0].HumidityMin)

	require.NoError(t, r.DeleteSensor("28-00000a"))
	require.NoError(t, r.DeleteTank(1))
	tanks, err = r.LoadTanks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tanks)
}

func TestAlertLifecycle(t *testing.T) {
	r := setupTestDB(t)
	ctx := context.Background()
	created := time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)

	open := logic.Alert{ID: uuid.NewString(), TankID: 1, Metric: logic.MetricTemperature,
		Severity: logic.SeverityWarning, Message: "hot", Value: 33, CreatedAt: created}
	require.NoError(t, r.SaveAlert(ctx, open))

	old := logic.Alert{ID: uuid.NewString(), TankID: 1, Metric: logic.MetricLink,
		Severity: logic.SeverityError, Message: "stale", CreatedAt: created.Add(-time.Hour)}
	require.NoError(t, r.SaveAlert(ctx, old))
	resolvedAt := created.Add(-30 * time.Minute)
	old.Resolved, old.ResolvedAt, old.ResolvedBy = true, &resolvedAt, "auto"
	require.NoError(t, r.SaveAlert(ctx, old))

	all, err := r.LoadAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, old.ID, all[0].ID, "oldest first")
	assert.True(t, all[0].Resolved)
	assert.Equal(t, resolvedAt, *all[0].ResolvedAt)
	assert.Equal(t, open, all[1])

	// limit applies to resolved history only
	all, err = r.LoadAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, open.ID, all[0].ID)
}

func TestSaveAlertEmptyID(t *testing.T) {
	r := setupTestDB(t)
	assert.Error(t, r.SaveAlert(context.Background(), logic.Alert{}))
}

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Repository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, New(db, zap.NewNop())
}

func TestSaveTankWrapsError(t *testing.T) {
	db, mock, r := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO tanks`).
		WithArgs(int64(3), "main", 26.0, 30.0, sqlmock.AnyArg(), sqlmock.AnyArg(), true).
		WillReturnError(errors.New("database is locked"))

	err := r.SaveTank(logic.Tank{ID: 3, Name: "main", TempMin: 26, TempMax: 30, Active: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save tank 3")
	assert.Contains(t, err.Error(), "database is locked")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadChannelsRejectsUnknownType(t *testing.T) {
	db, mock, r := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "idx", "name", "device_type", "tank_id", "enabled",
		"current_state", "manual_override", "manual_state", "override_until",
	}).AddRow(1, 0, "mystery", "toaster", nil, true, false, false, false, nil)
	mock.ExpectQuery(`SELECT id, idx, name`).WillReturnRows(rows)

	_, err := r.LoadChannels(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toaster")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSchedulesQueryError(t *testing.T) {
	db, mock, r := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, channel_id`).WillReturnError(sql.ErrConnDone)

	_, err := r.LoadSchedules(context.Background())
	assert.ErrorIs(t, err, sql.ErrConnDone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInferDeviceType(t *testing.T) {
	tests := []struct {
		name string
		want logic.DeviceType
	}{
		{"加熱燈1", logic.DeviceHeating},
		{"UVB燈", logic.DeviceLighting},
		{"夜燈", logic.DeviceLighting},
		{"霧化器", logic.DeviceHumidifier},
		{"風扇", logic.DeviceFan},
		{"備用3", logic.DeviceRelay},
		{"Basking Lamp", logic.DeviceLighting},
		{"heat mat", logic.DeviceHeating},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferDeviceType(tt.name), tt.name)
	}
}
