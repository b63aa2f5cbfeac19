// Package alert turns sensor readings into alert episodes.
//
// Each tank metric runs a hysteresis detector. Entering an abnormal status
// opens an alert, a larger excursion escalates it in place, and returning
// to normal resolves it. Stale sensor links and degraded actuators open
// alerts of their own. Resolved alerts are never reopened.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/events"
	"github.com/sweeney/vivarium-controller/internal/logic"
	"github.com/sweeney/vivarium-controller/internal/notify"
	"github.com/sweeney/vivarium-controller/internal/store"
)

// ErrNotFound is returned when resolving an unknown or closed alert.
var ErrNotFound = errors.New("alert not found or already resolved")

// ErrUnmappedSensor is returned for readings from a sensor with no tank.
var ErrUnmappedSensor = errors.New("sensor is not mapped to a tank")

// SensorStaleError describes a tank whose sensor link has gone quiet.
type SensorStaleError struct {
	TankID   int64
	TankName string
	LastSeen time.Time // zero if never seen
	Timeout  time.Duration
}

func (e *SensorStaleError) Error() string {
	if e.LastSeen.IsZero() {
		return fmt.Sprintf("tank %q: no sensor reading received within %s", e.TankName, e.Timeout)
	}
	return fmt.Sprintf("tank %q: no sensor reading since %s", e.TankName, e.LastSeen.UTC().Format(time.RFC3339))
}

// Config tunes the alert engine.
type Config struct {
	Hysteresis    time.Duration
	Bands         logic.Bands
	SensorTimeout time.Duration // 0 disables stale link alerts
	HistorySize   int
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		Hysteresis:    time.Minute,
		Bands:         logic.Bands{ErrorBand: 2, CriticalBand: 5},
		SensorTimeout: 5 * time.Minute,
		HistorySize:   500,
	}
}

// Notifier receives alert lifecycle notifications. Notify must not block.
type Notifier interface {
	Notify(n notify.Notification) bool
}

// Repository stores alerts durably.
type Repository interface {
	SaveAlert(ctx context.Context, a logic.Alert) error
}

type detectorKey struct {
	tankID int64
	metric logic.Metric
}

type openKey struct {
	tankID    int64
	channelID int64
	metric    logic.Metric
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg      Config
	store    *store.Store
	log      *zap.Logger
	events   events.Emitter
	notifier Notifier
	repo     Repository
	newID    func() string
	nowFunc  func() time.Time

	mu        sync.Mutex
	started   time.Time
	detectors map[detectorKey]*logic.ThresholdDetector
	lastSeen  map[int64]time.Time
	open      map[openKey]*logic.Alert
	history   []*logic.Alert // oldest first
}

// New creates an engine. notifier and repo may be nil. started is the
// reference time for tanks that have never reported.
func New(cfg Config, st *store.Store, log *zap.Logger, em events.Emitter, notifier Notifier, repo Repository, started time.Time) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if em == nil {
		em = events.Discard{}
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 500
	}
	return &Engine{
		cfg:       cfg,
		store:     st,
		log:       log.Named("alert"),
		events:    em,
		notifier:  notifier,
		repo:      repo,
		newID:     uuid.NewString,
		nowFunc:   time.Now,
		started:   started,
		detectors: make(map[detectorKey]*logic.ThresholdDetector),
		lastSeen:  make(map[int64]time.Time),
		open:      make(map[openKey]*logic.Alert),
	}
}

// Restore loads previously stored alerts. Open ones resume their episode.
func (e *Engine) Restore(alerts []logic.Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sorted := append([]logic.Alert(nil), alerts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	for i := range sorted {
		a := sorted[i]
		e.appendHistory(&a)
		if !a.Resolved {
			e.open[keyOf(a)] = &a
		}
	}
}

func keyOf(a logic.Alert) openKey {
	return openKey{tankID: a.TankID, channelID: a.ChannelID, metric: a.Metric}
}

// Observe processes one reading.
func (e *Engine) Observe(ctx context.Context, r logic.Reading) error {
	tankID := r.TankID
	if tankID == 0 {
		id, ok := e.store.TankForSensor(r.SensorID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnmappedSensor, r.SensorID)
		}
		tankID = id
	}
	tank, err := e.store.Tank(tankID)
	if err != nil {
		return err
	}
	if !tank.Active {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.lastSeen[tankID]; !ok || r.Timestamp.After(last) {
		e.lastSeen[tankID] = r.Timestamp
	}
	if a, ok := e.open[openKey{tankID: tankID, metric: logic.MetricLink}]; ok {
		e.resolveLocked(ctx, a, r.Timestamp, "auto", fmt.Sprintf("tank %q: sensor link restored", tank.Name))
	}

	e.evaluateLocked(ctx, tank, logic.MetricTemperature, r.Temperature,
		logic.Bounds{Min: tank.TempMin, Max: tank.TempMax}, r.Timestamp)
	if tank.HasHumidityBounds() && r.Humidity != nil {
		e.evaluateLocked(ctx, tank, logic.MetricHumidity, *r.Humidity,
			logic.Bounds{Min: *tank.HumidityMin, Max: *tank.HumidityMax}, r.Timestamp)
	}
	return nil
}

func (e *Engine) evaluateLocked(ctx context.Context, tank logic.Tank, metric logic.Metric, v float64, b logic.Bounds, at time.Time) {
	dk := detectorKey{tankID: tank.ID, metric: metric}
	det, ok := e.detectors[dk]
	if !ok {
		det = logic.NewThresholdDetector(e.cfg.Hysteresis)
		e.detectors[dk] = det
	}

	tr := det.Process(v, b, at)
	a, isOpen := e.open[openKey{tankID: tank.ID, metric: metric}]

	if tr == nil {
		st := det.State()
		switch {
		case !st.LastSeen.Equal(at):
			// out-of-order reading, ignored by the detector
		case st.Stable == logic.StatusNormal && st.Pending == "" && isOpen:
			// open episode carried over from a restart
			e.resolveLocked(ctx, a, at, "auto", describe(tank, metric, v, b, logic.StatusNormal))
		case st.Stable != logic.StatusNormal && isOpen:
			e.maybeEscalateLocked(ctx, a, tank, metric, v, b, at)
		}
		return
	}

	// episodes are stamped with the first reading of the new status
	if tr.To == logic.StatusNormal {
		if isOpen {
			e.resolveLocked(ctx, a, tr.Since, "auto", describe(tank, metric, v, b, tr.To))
		}
		return
	}

	if isOpen {
		a.Message = describe(tank, metric, v, b, tr.To)
		a.Value = v
		e.maybeEscalateLocked(ctx, a, tank, metric, v, b, at)
		return
	}

	e.openLocked(ctx, &logic.Alert{
		TankID:    tank.ID,
		Metric:    metric,
		Severity:  e.cfg.Bands.SeverityFor(v, b),
		Message:   describe(tank, metric, v, b, tr.To),
		Value:     v,
		CreatedAt: tr.Since,
	}, tank.Name)
}

func (e *Engine) maybeEscalateLocked(ctx context.Context, a *logic.Alert, tank logic.Tank, metric logic.Metric, v float64, b logic.Bounds, at time.Time) {
	sev := e.cfg.Bands.SeverityFor(v, b)
	if sev.Rank() <= a.Severity.Rank() {
		return
	}
	a.Severity = sev
	a.Value = v
	a.Message = describe(tank, metric, v, b, logic.Classify(v, b))
	e.saveLocked(ctx, *a)
	e.publishLocked(*a, tank.Name, notify.KindEscalated, at)
}

// CheckStale opens a link alert for every active tank without a reading
// within SensorTimeout.
func (e *Engine) CheckStale(ctx context.Context, now time.Time) {
	if e.cfg.SensorTimeout <= 0 {
		return
	}
	snap := e.store.Snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, tank := range snap.Tanks {
		if !tank.Active {
			continue
		}
		key := openKey{tankID: tank.ID, metric: logic.MetricLink}
		if _, ok := e.open[key]; ok {
			continue
		}
		last, seen := e.lastSeen[tank.ID]
		ref := last
		if !seen {
			ref = e.started
		}
		if now.Sub(ref) < e.cfg.SensorTimeout {
			continue
		}
		stale := &SensorStaleError{TankID: tank.ID, TankName: tank.Name, Timeout: e.cfg.SensorTimeout}
		if seen {
			stale.LastSeen = last
		}
		e.openLocked(ctx, &logic.Alert{
			TankID:    tank.ID,
			Metric:    logic.MetricLink,
			Severity:  logic.SeverityError,
			Message:   stale.Error(),
			CreatedAt: now,
		}, tank.Name)
	}
}

// ChannelDegraded opens an actuator alert for ch.
func (e *Engine) ChannelDegraded(ch logic.Channel, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := openKey{tankID: ch.TankID, channelID: ch.ID, metric: logic.MetricActuator}
	if _, ok := e.open[key]; ok {
		return
	}
	msg := fmt.Sprintf("channel %d (%s) is not responding", ch.Index, ch.Name)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	e.openLocked(context.Background(), &logic.Alert{
		TankID:    ch.TankID,
		ChannelID: ch.ID,
		Metric:    logic.MetricActuator,
		Severity:  logic.SeverityError,
		Message:   msg,
		CreatedAt: e.nowFunc(),
	}, e.tankName(ch.TankID))
}

// ChannelRecovered resolves the actuator alert for ch.
func (e *Engine) ChannelRecovered(ch logic.Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.open[openKey{tankID: ch.TankID, channelID: ch.ID, metric: logic.MetricActuator}]
	if !ok {
		return
	}
	e.resolveLocked(context.Background(), a, e.nowFunc(), "auto",
		fmt.Sprintf("channel %d (%s) responding again", ch.Index, ch.Name))
}

// Resolve closes an open alert on operator request.
func (e *Engine) Resolve(ctx context.Context, id string, now time.Time) (logic.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, a := range e.open {
		if a.ID == id {
			e.resolveLocked(ctx, a, now, "operator", "")
			return *a, nil
		}
	}
	return logic.Alert{}, ErrNotFound
}

// ForgetTank drops detector state and open alerts for a deleted tank.
// Its open alerts are closed without notification.
func (e *Engine) ForgetTank(ctx context.Context, tankID int64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for k := range e.detectors {
		if k.tankID == tankID {
			delete(e.detectors, k)
		}
	}
	delete(e.lastSeen, tankID)
	for k, a := range e.open {
		if k.tankID != tankID {
			continue
		}
		resolvedAt := now
		a.Resolved = true
		a.ResolvedAt = &resolvedAt
		a.ResolvedBy = "auto"
		e.saveLocked(ctx, *a)
		delete(e.open, k)
	}
}

// Alerts lists alerts newest first. limit <= 0 means all retained alerts.
func (e *Engine) Alerts(onlyOpen bool, limit int) []logic.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []logic.Alert
	for i := len(e.history) - 1; i >= 0; i-- {
		a := e.history[i]
		if onlyOpen && a.Resolved {
			continue
		}
		out = append(out, copyAlert(*a))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// OpenCount returns the number of open alerts.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

// LastSeen returns when the tank last reported.
func (e *Engine) LastSeen(tankID int64) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastSeen[tankID]
	return t, ok
}

func (e *Engine) openLocked(ctx context.Context, a *logic.Alert, tankName string) {
	a.ID = e.newID()
	e.open[keyOf(*a)] = a
	e.appendHistory(a)
	e.saveLocked(ctx, *a)
	e.publishLocked(*a, tankName, notify.KindOpened, a.CreatedAt)
}

func (e *Engine) resolveLocked(ctx context.Context, a *logic.Alert, at time.Time, by, msg string) {
	resolvedAt := at
	a.Resolved = true
	a.ResolvedAt = &resolvedAt
	a.ResolvedBy = by
	delete(e.open, keyOf(*a))
	e.saveLocked(ctx, *a)

	n := *a
	if msg != "" {
		n.Message = msg
	}
	e.publishLocked(n, e.tankName(a.TankID), notify.KindResolved, at)
}

func (e *Engine) saveLocked(ctx context.Context, a logic.Alert) {
	if e.repo == nil {
		return
	}
	if err := e.repo.SaveAlert(ctx, a); err != nil {
		e.log.Warn("failed to persist alert", zap.String("alert_id", a.ID), zap.Error(err))
	}
}

func (e *Engine) publishLocked(a logic.Alert, tankName string, kind notify.Kind, at time.Time) {
	level := events.LevelWarning
	if kind == notify.KindResolved {
		level = events.LevelInfo
	} else if a.Severity.Rank() >= logic.SeverityError.Rank() {
		level = events.LevelError
	}
	e.events.Emit(events.Record{
		Timestamp: at,
		Level:     level,
		Type:      events.TypeAlert,
		Source:    "alert",
		Message:   fmt.Sprintf("%s %s alert: %s", kind, a.Severity, a.Message),
		ChannelID: a.ChannelID,
		TankID:    a.TankID,
	})
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(notify.Notification{
		AlertID:   a.ID,
		TankID:    a.TankID,
		TankName:  tankName,
		Metric:    a.Metric,
		Severity:  a.Severity,
		Kind:      kind,
		Message:   a.Message,
		Timestamp: at,
	})
}

func (e *Engine) appendHistory(a *logic.Alert) {
	e.history = append(e.history, a)
	if len(e.history) <= e.cfg.HistorySize {
		return
	}
	// drop the oldest resolved alert; open ones stay
	for i, h := range e.history {
		if h.Resolved {
			e.history = append(e.history[:i], e.history[i+1:]...)
			return
		}
	}
}

func (e *Engine) tankName(id int64) string {
	if id == 0 {
		return ""
	}
	t, err := e.store.Tank(id)
	if err != nil {
		return ""
	}
	return t.Name
}

func describe(tank logic.Tank, metric logic.Metric, v float64, b logic.Bounds, st logic.Status) string {
	unit := "°C"
	if metric == logic.MetricHumidity {
		unit = "%"
	}
	switch st {
	case logic.StatusHigh:
		return fmt.Sprintf("tank %q %s %.1f%s above maximum %.1f%s", tank.Name, metric, v, unit, b.Max, unit)
	case logic.StatusLow:
		return fmt.Sprintf("tank %q %s %.1f%s below minimum %.1f%s", tank.Name, metric, v, unit, b.Min, unit)
	}
	return fmt.Sprintf("tank %q %s back to normal at %.1f%s", tank.Name, metric, v, unit)
}

func copyAlert(a logic.Alert) logic.Alert {
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		a.ResolvedAt = &t
	}
	return a
}
