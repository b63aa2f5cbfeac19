package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/logic"
	"github.com/sweeney/vivarium-controller/internal/notify"
	"github.com/sweeney/vivarium-controller/internal/store"
)

var t0 = time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)

type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *captureNotifier) Notify(n notify.Notification) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return true
}

func (c *captureNotifier) kinds() []notify.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Kind
	for _, n := range c.sent {
		out = append(out, n.Kind)
	}
	return out
}

type memRepo struct {
	saved map[string]logic.Alert
}

func (m *memRepo) SaveAlert(_ context.Context, a logic.Alert) error {
	m.saved[a.ID] = a
	return nil
}

type fixture struct {
	store *store.Store
	tank  logic.Tank
	notes *captureNotifier
	repo  *memRepo
	eng   *Engine
}

func hum(v float64) *float64 { return &v }

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := store.New(16, nil)
	tank, err := st.PutTank(logic.Tank{
		Name: "main", TempMin: 24, TempMax: 32,
		HumidityMin: hum(50), HumidityMax: hum(70), Active: true,
	})
	require.NoError(t, err)
	require.NoError(t, st.MapSensor("28-0001", tank.ID))

	f := &fixture{store: st, tank: tank, notes: &captureNotifier{}, repo: &memRepo{saved: map[string]logic.Alert{}}}
	f.eng = New(cfg, st, zap.NewNop(), nil, f.notes, f.repo, t0)
	seq := 0
	f.eng.newID = func() string {
		seq++
		return fmt.Sprintf("alert-%d", seq)
	}
	f.eng.nowFunc = func() time.Time { return t0 }
	return f
}

// immediate commits every status change on its first reading.
func immediate() Config {
	cfg := DefaultConfig()
	cfg.Hysteresis = 0
	return cfg
}

func (f *fixture) observe(t *testing.T, temp float64, at time.Duration) {
	t.Helper()
	require.NoError(t, f.eng.Observe(context.Background(), logic.Reading{
		SensorID: "28-0001", Temperature: temp, Timestamp: t0.Add(at),
	}))
}

func TestSequenceProducesOneEpisode(t *testing.T) {
	f := newFixture(t, Config{Bands: logic.Bands{ErrorBand: 2, CriticalBand: 5}})

	for i, v := range []float64{31, 33, 34, 29} {
		f.observe(t, v, time.Duration(i)*time.Minute)
	}

	all := f.eng.Alerts(false, 0)
	require.Len(t, all, 1)
	a := all[0]
	assert.Equal(t, logic.MetricTemperature, a.Metric)
	assert.True(t, a.Resolved)
	require.NotNil(t, a.ResolvedAt)
	assert.Equal(t, t0.Add(3*time.Minute), *a.ResolvedAt)
	assert.Equal(t, "auto", a.ResolvedBy)

	// 33 opened as warning, 34 is two over the max: escalated to error
	assert.Equal(t, logic.SeverityError, a.Severity)
	assert.Equal(t, []notify.Kind{notify.KindOpened, notify.KindEscalated, notify.KindResolved}, f.notes.kinds())
	assert.True(t, f.repo.saved[a.ID].Resolved)
}

func TestSequenceStampsFirstBreachWithHysteresis(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.Equal(t, time.Minute, DefaultConfig().Hysteresis)

	for i, v := range []float64{31, 33, 34, 29} {
		f.observe(t, v, time.Duration(i)*time.Minute)
	}
	open := f.eng.Alerts(true, 0)
	require.Len(t, open, 1)
	assert.Equal(t, t0.Add(time.Minute), open[0].CreatedAt, "created at the 33 reading")

	// 29 is still inside the hold window; the next normal reading commits
	f.observe(t, 28, 4*time.Minute)

	all := f.eng.Alerts(false, 0)
	require.Len(t, all, 1)
	a := all[0]
	assert.True(t, a.Resolved)
	require.NotNil(t, a.ResolvedAt)
	assert.Equal(t, t0.Add(3*time.Minute), *a.ResolvedAt, "resolved at the 29 reading")
	assert.Equal(t, t0.Add(time.Minute), f.repo.saved[a.ID].CreatedAt)
}

func TestDefaultHysteresisIgnoresSingleNoisyReading(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.observe(t, 45, 0)
	f.observe(t, 28, 10*time.Second)
	f.observe(t, 28, 2*time.Minute)

	assert.Empty(t, f.eng.Alerts(false, 0))
	assert.Empty(t, f.notes.kinds())
}

func TestReenteringOpensNewAlert(t *testing.T) {
	f := newFixture(t, immediate())

	f.observe(t, 33, 0)
	f.observe(t, 30, time.Minute)
	f.observe(t, 20, 2*time.Minute)

	all := f.eng.Alerts(false, 0)
	require.Len(t, all, 2)
	assert.False(t, all[0].Resolved, "newest first")
	assert.Contains(t, all[0].Message, "below minimum")
	assert.True(t, all[1].Resolved)
	assert.NotEqual(t, all[0].ID, all[1].ID)
}

func TestHysteresisSuppressesBlip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hysteresis = 2 * time.Minute
	f := newFixture(t, cfg)

	f.observe(t, 35, 0)
	f.observe(t, 30, time.Minute)

	assert.Empty(t, f.eng.Alerts(false, 0))
	assert.Empty(t, f.notes.kinds())
}

func TestHumidityOnlyWithBounds(t *testing.T) {
	f := newFixture(t, immediate())
	require.NoError(t, f.eng.Observe(context.Background(), logic.Reading{
		SensorID: "28-0001", Temperature: 28, Humidity: hum(40), Timestamp: t0,
	}))

	open := f.eng.Alerts(true, 0)
	require.Len(t, open, 1)
	assert.Equal(t, logic.MetricHumidity, open[0].Metric)

	// tank without humidity bounds ignores humidity
	other, err := f.store.PutTank(logic.Tank{Name: "dry", TempMin: 20, TempMax: 40, Active: true})
	require.NoError(t, err)
	require.NoError(t, f.eng.Observe(context.Background(), logic.Reading{
		TankID: other.ID, Temperature: 30, Humidity: hum(5), Timestamp: t0,
	}))
	assert.Len(t, f.eng.Alerts(true, 0), 1)
}

func TestUnmappedSensor(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	err := f.eng.Observe(context.Background(), logic.Reading{SensorID: "nope", Temperature: 50, Timestamp: t0})
	assert.True(t, errors.Is(err, ErrUnmappedSensor))
}

func TestInactiveTankIgnored(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.tank.Active = false
	_, err := f.store.PutTank(f.tank)
	require.NoError(t, err)

	f.observe(t, 50, 0)
	assert.Empty(t, f.eng.Alerts(false, 0))
}

func TestStaleLinkAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SensorTimeout = 5 * time.Minute
	f := newFixture(t, cfg)
	ctx := context.Background()

	// never seen: measured from engine start
	f.eng.CheckStale(ctx, t0.Add(4*time.Minute))
	assert.Empty(t, f.eng.Alerts(true, 0))

	f.eng.CheckStale(ctx, t0.Add(5*time.Minute))
	open := f.eng.Alerts(true, 0)
	require.Len(t, open, 1)
	assert.Equal(t, logic.MetricLink, open[0].Metric)
	assert.Equal(t, logic.SeverityError, open[0].Severity)

	// repeated checks do not duplicate
	f.eng.CheckStale(ctx, t0.Add(6*time.Minute))
	assert.Len(t, f.eng.Alerts(true, 0), 1)

	// next reading restores the link
	f.observe(t, 28, 7*time.Minute)
	assert.Empty(t, f.eng.Alerts(true, 0))

	last, ok := f.eng.LastSeen(f.tank.ID)
	assert.True(t, ok)
	assert.Equal(t, t0.Add(7*time.Minute), last)
}

func TestActuatorAlerts(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ch := logic.Channel{ID: 3, Index: 2, Name: "heat mat", TankID: f.tank.ID}

	f.eng.ChannelDegraded(ch, errors.New("timeout"))
	f.eng.ChannelDegraded(ch, errors.New("timeout"))
	open := f.eng.Alerts(true, 0)
	require.Len(t, open, 1)
	assert.Equal(t, logic.MetricActuator, open[0].Metric)
	assert.Equal(t, int64(3), open[0].ChannelID)
	assert.Contains(t, open[0].Message, "timeout")

	f.eng.ChannelRecovered(ch)
	assert.Zero(t, f.eng.OpenCount())
}

func TestOperatorResolve(t *testing.T) {
	f := newFixture(t, immediate())
	f.observe(t, 40, 0)

	open := f.eng.Alerts(true, 0)
	require.Len(t, open, 1)

	a, err := f.eng.Resolve(context.Background(), open[0].ID, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "operator", a.ResolvedBy)

	_, err = f.eng.Resolve(context.Background(), open[0].ID, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestoredOpenAlertResolvesOnNormal(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.eng.Restore([]logic.Alert{{
		ID: "old", TankID: f.tank.ID, Metric: logic.MetricTemperature,
		Severity: logic.SeverityWarning, CreatedAt: t0.Add(-time.Hour),
	}})
	require.Equal(t, 1, f.eng.OpenCount())

	f.observe(t, 28, 0)
	assert.Zero(t, f.eng.OpenCount())
	assert.True(t, f.repo.saved["old"].Resolved)
}

func TestForgetTank(t *testing.T) {
	f := newFixture(t, immediate())
	f.observe(t, 40, 0)
	require.Equal(t, 1, f.eng.OpenCount())
	before := len(f.notes.kinds())

	f.eng.ForgetTank(context.Background(), f.tank.ID, t0.Add(time.Minute))
	assert.Zero(t, f.eng.OpenCount())
	assert.Len(t, f.notes.kinds(), before, "no notification for deleted tank")
	_, ok := f.eng.LastSeen(f.tank.ID)
	assert.False(t, ok)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := immediate()
	cfg.HistorySize = 3
	f := newFixture(t, cfg)

	for i := 0; i < 5; i++ {
		f.observe(t, 40, time.Duration(2*i)*time.Minute)
		f.observe(t, 28, time.Duration(2*i+1)*time.Minute)
	}
	assert.Len(t, f.eng.Alerts(false, 0), 3)
	assert.Len(t, f.eng.Alerts(false, 2), 2)
}
