// Package engine runs the control loop. Every tick takes one consistent
// snapshot of the table, arbitrates a target state per channel and hands
// the targets to the dispatcher in parallel. Operator commands record
// intent in the store and wake the loop; the hardware effect follows on
// the next tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/vivarium-controller/internal/dispatch"
	"github.com/sweeney/vivarium-controller/internal/events"
	"github.com/sweeney/vivarium-controller/internal/lock"
	"github.com/sweeney/vivarium-controller/internal/logic"
	"github.com/sweeney/vivarium-controller/internal/store"
)

// ErrNotLeader rejects direct hardware commands on a standby instance.
var ErrNotLeader = errors.New("not the leader instance; bus writes are disabled")

// Dispatcher applies target states to hardware. TryApply returns
// dispatch.ErrBusy instead of waiting for another writer.
type Dispatcher interface {
	Apply(ctx context.Context, ch logic.Channel, target bool) error
	TryApply(ctx context.Context, ch logic.Channel, target bool) error
	Pulse(ctx context.Context, ch logic.Channel, on bool, d time.Duration) error
}

// StaleChecker raises alerts for quiet sensor links.
type StaleChecker interface {
	CheckStale(ctx context.Context, now time.Time)
}

// Config tunes the loop.
type Config struct {
	Location      *time.Location
	ApplyTimeout  time.Duration
	FlashDefault  time.Duration
	FlashMax      time.Duration
	MaxConcurrent int // parallel dispatches per tick, 0 = unlimited
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		Location:     time.Local,
		ApplyTimeout: 10 * time.Second,
		FlashDefault: 500 * time.Millisecond,
		FlashMax:     30 * time.Second,
	}
}

// TickResult summarises one tick.
type TickResult struct {
	At        time.Time
	Decisions []logic.Decision
	Expired   []int64
	Failed    map[int64]error
	// Busy lists channels left for the next tick because a flash held them.
	Busy []int64
	// Skipped is true when writes were suppressed on a standby instance.
	Skipped bool
}

// Engine is safe for concurrent use. Ticks are serialised.
type Engine struct {
	cfg    Config
	store  *store.Store
	disp   Dispatcher
	stale  StaleChecker
	leader lock.Leader
	events events.Emitter
	log    *zap.Logger

	nowFunc func() time.Time
	onTick  func(TickResult)

	wake    chan struct{}
	tickMu  sync.Mutex
	pulses  sync.WaitGroup
	baseMu  sync.Mutex
	baseCtx context.Context

	mu       sync.Mutex
	last     TickResult
	running  map[int64]int64 // channel -> winning schedule
	tickSeen bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStaleChecker runs stale sensor checks on every tick.
func WithStaleChecker(s StaleChecker) Option { return func(e *Engine) { e.stale = s } }

// WithLeader gates bus writes on leadership.
func WithLeader(l lock.Leader) Option { return func(e *Engine) { e.leader = l } }

// WithOnTick registers a callback invoked after every tick.
func WithOnTick(fn func(TickResult)) Option { return func(e *Engine) { e.onTick = fn } }

// WithClock overrides the wall clock used for command-triggered ticks.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.nowFunc = now } }

// New creates an engine.
func New(cfg Config, st *store.Store, disp Dispatcher, em events.Emitter, log *zap.Logger, opts ...Option) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.FlashDefault <= 0 {
		cfg.FlashDefault = 500 * time.Millisecond
	}
	if em == nil {
		em = events.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:     cfg,
		store:   st,
		disp:    disp,
		leader:  lock.Always{},
		events:  em,
		log:     log.Named("engine"),
		nowFunc: time.Now,
		wake:    make(chan struct{}, 1),
		baseCtx: context.Background(),
		running: make(map[int64]int64),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run ticks on every value from ticks, and immediately after commands,
// until ctx is cancelled. It returns once in-flight pulses have finished.
func (e *Engine) Run(ctx context.Context, ticks <-chan time.Time) error {
	e.baseMu.Lock()
	e.baseCtx = ctx
	e.baseMu.Unlock()

	e.Tick(ctx, e.nowFunc())
	for {
		select {
		case <-ctx.Done():
			e.pulses.Wait()
			return nil
		case t := <-ticks:
			e.Tick(ctx, t)
		case <-e.wake:
			e.Tick(ctx, e.nowFunc())
		}
	}
}

// Wake requests an immediate tick. It never blocks.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Tick runs one evaluation and dispatch pass at now.
func (e *Engine) Tick(ctx context.Context, now time.Time) TickResult {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	res := TickResult{At: now, Failed: make(map[int64]error)}

	expired, err := e.store.ExpireOverrides(now)
	if err != nil {
		e.log.Warn("failed to persist expired overrides", zap.Error(err))
	}
	res.Expired = expired
	for _, id := range expired {
		e.events.Emit(events.Record{
			Timestamp: now,
			Type:      events.TypeRelayControl,
			Source:    "engine",
			Message:   fmt.Sprintf("manual override on channel %d expired", id),
			ChannelID: id,
		})
	}

	snap := e.store.Snapshot()
	res.Decisions = make([]logic.Decision, 0, len(snap.Channels))
	for _, ch := range snap.Channels {
		vote, voted := logic.Evaluate(ch, snap.Schedules, now, e.cfg.Location)
		res.Decisions = append(res.Decisions, logic.Resolve(ch, vote, voted, now))
	}
	e.trackSchedules(snap, res.Decisions, now)

	if !e.leader.IsLeader() {
		res.Skipped = true
	} else {
		e.dispatch(ctx, snap, &res)
	}

	if e.stale != nil {
		e.stale.CheckStale(ctx, now)
	}

	e.mu.Lock()
	e.last = res
	e.mu.Unlock()
	if e.onTick != nil {
		e.onTick(res)
	}
	return res
}

func (e *Engine) dispatch(ctx context.Context, snap store.Snapshot, res *TickResult) {
	var (
		g     errgroup.Group
		resMu sync.Mutex
	)
	if e.cfg.MaxConcurrent > 0 {
		g.SetLimit(e.cfg.MaxConcurrent)
	}
	for i, d := range res.Decisions {
		ch := snap.Channels[i]
		target := d.Target
		g.Go(func() error {
			actx, cancel := e.applyContext(ctx)
			defer cancel()
			err := e.disp.TryApply(actx, ch, target)
			if err == nil {
				return nil
			}
			resMu.Lock()
			if errors.Is(err, dispatch.ErrBusy) {
				res.Busy = append(res.Busy, ch.ID)
			} else {
				res.Failed[ch.ID] = err
			}
			resMu.Unlock()
			// failures are isolated per channel
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) applyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.ApplyTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.ApplyTimeout)
	}
	return context.WithCancel(ctx)
}

// trackSchedules emits schedule_run records when a channel's winning
// schedule changes.
func (e *Engine) trackSchedules(snap store.Snapshot, decisions []logic.Decision, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	first := !e.tickSeen
	e.tickSeen = true
	for _, d := range decisions {
		prev := e.running[d.ChannelID]
		cur := d.ScheduleID
		if prev == cur {
			continue
		}
		if cur == 0 {
			delete(e.running, d.ChannelID)
		} else {
			e.running[d.ChannelID] = cur
		}
		if first {
			continue
		}
		ch, _ := snap.Channel(d.ChannelID)
		msg := fmt.Sprintf("schedule %d now driving %s (channel %d)", cur, ch.Name, ch.Index)
		if cur == 0 {
			msg = fmt.Sprintf("schedule %d no longer driving %s (channel %d)", prev, ch.Name, ch.Index)
		}
		e.events.Emit(events.Record{
			Timestamp: now,
			Type:      events.TypeScheduleRun,
			Source:    "engine",
			Message:   msg,
			ChannelID: d.ChannelID,
			TankID:    ch.TankID,
		})
	}
	for id := range e.running {
		if _, ok := snap.Channel(id); !ok {
			delete(e.running, id)
		}
	}
}

// LastTick returns the most recent tick summary.
func (e *Engine) LastTick() TickResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Decide returns what the arbiter would choose for one channel right now,
// without touching hardware.
func (e *Engine) Decide(id int64) (logic.Decision, error) {
	snap := e.store.Snapshot()
	ch, ok := snap.Channel(id)
	if !ok {
		return logic.Decision{}, &store.ConfigError{Entity: "channel", ID: id, NotFound: true}
	}
	now := e.nowFunc()
	vote, voted := logic.Evaluate(ch, snap.Schedules, now, e.cfg.Location)
	return logic.Resolve(ch, vote, voted, now), nil
}
