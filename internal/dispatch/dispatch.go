// Package dispatch turns arbitrated target states into bus writes.
//
// Writes are edge-triggered against the last known hardware state, one
// writer at a time per channel, with bounded retry. A channel whose retries
// are exhausted is marked degraded and keeps its last known state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/bus"
	"github.com/sweeney/vivarium-controller/internal/events"
	"github.com/sweeney/vivarium-controller/internal/logic"
	"github.com/sweeney/vivarium-controller/internal/store"
)

// Config holds retry tuning.
type Config struct {
	Attempts       int
	Initial        time.Duration
	Max            time.Duration
	Factor         float64
	AttemptTimeout time.Duration
}

// DefaultConfig returns conservative retry settings for a serial bus.
func DefaultConfig() Config {
	return Config{
		Attempts:       3,
		Initial:        200 * time.Millisecond,
		Max:            2 * time.Second,
		Factor:         2,
		AttemptTimeout: 4 * time.Second,
	}
}

// ErrBusy is returned by TryApply when another writer holds the channel.
var ErrBusy = errors.New("dispatch: channel busy")

// ActuationError reports a write that failed after every retry.
type ActuationError struct {
	ChannelID int64
	Index     int
	Attempts  int
	Err       error
}

func (e *ActuationError) Error() string {
	return fmt.Sprintf("channel %d (index %d): write failed after %d attempts: %v", e.ChannelID, e.Index, e.Attempts, e.Err)
}

func (e *ActuationError) Unwrap() error { return e.Err }

// Hooks receives degraded/recovered transitions, once per episode.
type Hooks interface {
	ChannelDegraded(ch logic.Channel, err error)
	ChannelRecovered(ch logic.Channel)
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	driver bus.Driver
	store  *store.Store
	events events.Emitter
	log    *zap.Logger
	cfg    Config
	hooks  Hooks

	sleep func(ctx context.Context, d time.Duration) error

	slotsMu sync.Mutex
	slots   map[int64]chan struct{}
}

// New creates a dispatcher. hooks may be nil.
func New(driver bus.Driver, st *store.Store, em events.Emitter, log *zap.Logger, cfg Config, hooks Hooks) *Dispatcher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Factor < 1 {
		cfg.Factor = 1
	}
	if em == nil {
		em = events.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		driver: driver,
		store:  st,
		events: em,
		log:    log.Named("dispatch"),
		cfg:    cfg,
		hooks:  hooks,
		sleep:  sleepCtx,
		slots:  make(map[int64]chan struct{}),
	}
}

// Apply drives ch to target. It is a no-op when target equals the last
// known hardware state, unless the channel is degraded: after a failed
// write the hardware state is unknown, so every call writes until one
// succeeds.
func (d *Dispatcher) Apply(ctx context.Context, ch logic.Channel, target bool) error {
	release, err := d.acquire(ctx, ch.ID)
	if err != nil {
		return err
	}
	defer release()
	return d.apply(ctx, ch, target)
}

// TryApply is Apply without waiting: it returns ErrBusy when another
// writer, such as a flash, holds the channel.
func (d *Dispatcher) TryApply(ctx context.Context, ch logic.Channel, target bool) error {
	release, ok := d.tryAcquire(ch.ID)
	if !ok {
		return ErrBusy
	}
	defer release()
	return d.apply(ctx, ch, target)
}

func (d *Dispatcher) apply(ctx context.Context, ch logic.Channel, target bool) error {
	// Re-read under the slot; another writer may have just finished.
	cur, err := d.store.Channel(ch.ID)
	if err != nil {
		return err
	}
	if cur.CurrentState == target && !cur.Degraded {
		return nil
	}

	attempts, err := d.write(ctx, cur.Index, target)
	if err != nil {
		return d.fail(cur, target, attempts, err)
	}

	wasDegraded, perr := d.store.RecordActuation(cur.ID, target)
	if perr != nil {
		d.log.Warn("failed to persist channel state", zap.Int64("channel_id", cur.ID), zap.Error(perr))
	}
	d.events.Emit(events.Record{
		Level:     events.LevelInfo,
		Type:      events.TypeRelayControl,
		Source:    "dispatch",
		Message:   fmt.Sprintf("%s (channel %d): %s", cur.Name, cur.Index, Describe(cur.Type, target)),
		ChannelID: cur.ID,
		TankID:    cur.TankID,
	})
	if wasDegraded {
		d.log.Info("channel recovered", zap.Int64("channel_id", cur.ID), zap.Int("index", cur.Index))
		if d.hooks != nil {
			cur.CurrentState = target
			cur.Degraded = false
			cur.Failures = 0
			d.hooks.ChannelRecovered(cur)
		}
	}
	return nil
}

func (d *Dispatcher) fail(cur logic.Channel, target bool, attempts int, err error) error {
	aerr := &ActuationError{ChannelID: cur.ID, Index: cur.Index, Attempts: attempts, Err: err}

	failures, first, serr := d.store.RecordFailure(cur.ID)
	if serr != nil {
		d.log.Warn("failed to record channel failure", zap.Int64("channel_id", cur.ID), zap.Error(serr))
	}
	d.log.Error("actuation failed",
		zap.Int64("channel_id", cur.ID),
		zap.Int("index", cur.Index),
		zap.Bool("target", target),
		zap.Int("failures", failures),
		zap.Error(err))
	d.events.Emit(events.Record{
		Level:     events.LevelError,
		Type:      events.TypeSystemError,
		Source:    "dispatch",
		Message:   aerr.Error(),
		ChannelID: cur.ID,
		TankID:    cur.TankID,
	})
	if first && serr == nil && d.hooks != nil {
		cur.Degraded = true
		cur.Failures = failures
		d.hooks.ChannelDegraded(cur, aerr)
	}
	return aerr
}

// write runs up to cfg.Attempts attempts with exponential backoff.
// Returns the number of attempts made.
func (d *Dispatcher) write(ctx context.Context, index int, on bool) (int, error) {
	delay := d.cfg.Initial
	var lastErr error
	attempt := 0
	for attempt < d.cfg.Attempts {
		attempt++
		lastErr = d.attempt(ctx, func(actx context.Context) error {
			return d.driver.Write(actx, index, on)
		})
		if lastErr == nil {
			return attempt, nil
		}
		d.log.Warn("bus write failed",
			zap.Int("index", index),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt == d.cfg.Attempts || ctx.Err() != nil {
			break
		}
		if err := d.sleep(ctx, delay); err != nil {
			break
		}
		delay = time.Duration(float64(delay) * d.cfg.Factor)
		if d.cfg.Max > 0 && delay > d.cfg.Max {
			delay = d.cfg.Max
		}
	}
	return attempt, lastErr
}

// attempt runs fn under AttemptTimeout on the caller's goroutine. A driver
// that overruns its context still finishes before the slot is released;
// its own I/O timeout bounds the call.
func (d *Dispatcher) attempt(ctx context.Context, fn func(context.Context) error) error {
	if d.cfg.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	return fn(actx)
}

// Reconcile reads every output from the bus and records it as the current
// state, so the first tick only writes real differences.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	var states []bool
	err := d.attempt(ctx, func(actx context.Context) error {
		var err error
		states, err = d.driver.ReadAll(actx)
		return err
	})
	if err != nil {
		return fmt.Errorf("read relay states: %w", err)
	}

	snap := d.store.Snapshot()
	on := 0
	for _, ch := range snap.Channels {
		if ch.Index >= len(states) {
			continue
		}
		if err := d.store.SetObserved(ch.ID, states[ch.Index]); err != nil {
			d.log.Warn("failed to record observed state", zap.Int64("channel_id", ch.ID), zap.Error(err))
			continue
		}
		if states[ch.Index] {
			on++
		}
	}
	d.events.Emit(events.Record{
		Level:   events.LevelInfo,
		Type:    events.TypeSystem,
		Source:  "dispatch",
		Message: fmt.Sprintf("reconciled %d channels from hardware, %d on", len(snap.Channels), on),
	})
	return nil
}

// Pulse drives ch to on for dur, then restores the state read back from the
// bus beforehand. Stored state is never changed. Cancelling ctx cuts the
// pulse short but the restore write still happens.
func (d *Dispatcher) Pulse(ctx context.Context, ch logic.Channel, on bool, dur time.Duration) error {
	release, err := d.acquire(ctx, ch.ID)
	if err != nil {
		return err
	}
	defer release()

	prev, err := d.driver.Read(ctx, ch.Index)
	if err != nil {
		cur, serr := d.store.Channel(ch.ID)
		if serr != nil {
			return serr
		}
		d.log.Warn("pulse: read failed, restoring last known state", zap.Int64("channel_id", ch.ID), zap.Error(err))
		prev = cur.CurrentState
	}

	if _, err := d.write(ctx, ch.Index, on); err != nil {
		return &ActuationError{ChannelID: ch.ID, Index: ch.Index, Attempts: d.cfg.Attempts, Err: err}
	}
	d.events.Emit(events.Record{
		Level:     events.LevelInfo,
		Type:      events.TypeRelayControl,
		Source:    "dispatch",
		Message:   fmt.Sprintf("%s (channel %d): flash %s for %s", ch.Name, ch.Index, Describe(ch.Type, on), dur),
		ChannelID: ch.ID,
		TankID:    ch.TankID,
	})

	_ = d.sleep(ctx, dur)

	restoreCtx := context.WithoutCancel(ctx)
	if _, err := d.write(restoreCtx, ch.Index, prev); err != nil {
		return &ActuationError{ChannelID: ch.ID, Index: ch.Index, Attempts: d.cfg.Attempts, Err: fmt.Errorf("restore: %w", err)}
	}
	return nil
}

// Describe names the physical effect of switching a device kind.
func Describe(t logic.DeviceType, on bool) string {
	state := "off"
	if on {
		state = "on"
	}
	var what string
	switch t {
	case logic.DeviceHeating:
		what = "heater"
	case logic.DeviceLighting:
		what = "light"
	case logic.DeviceHumidifier:
		what = "mister"
	case logic.DeviceFan:
		what = "fan"
	case logic.DeviceRelay:
		what = "relay"
	default:
		what = "relay"
	}
	return what + " " + state
}

func (d *Dispatcher) acquire(ctx context.Context, id int64) (func(), error) {
	d.slotsMu.Lock()
	slot, ok := d.slots[id]
	if !ok {
		slot = make(chan struct{}, 1)
		d.slots[id] = slot
	}
	d.slotsMu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) tryAcquire(id int64) (func(), bool) {
	d.slotsMu.Lock()
	slot, ok := d.slots[id]
	if !ok {
		slot = make(chan struct{}, 1)
		d.slots[id] = slot
	}
	d.slotsMu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, true
	default:
		return nil, false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
