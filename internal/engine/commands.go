package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/events"
	"github.com/sweeney/vivarium-controller/internal/logic"
	"github.com/sweeney/vivarium-controller/internal/store"
)

// TankForgetter drops runtime state tied to a deleted tank.
type TankForgetter interface {
	ForgetTank(ctx context.Context, tankID int64, now time.Time)
}

// CommandResult is the per-channel outcome of a bulk command.
type CommandResult struct {
	ChannelID int64  `json:"channel_id"`
	Index     int    `json:"index"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// SetManualOverride pins a channel on or off. A nil until holds the
// override until it is cleared.
func (e *Engine) SetManualOverride(id int64, state bool, until *time.Time) (logic.Channel, error) {
	now := e.nowFunc()
	if until != nil && !until.After(now) {
		return logic.Channel{}, &store.ConfigError{Entity: "channel", ID: id, Msg: "override expiry is in the past"}
	}
	ch, err := e.store.SetOverride(id, state, until)
	if err != nil {
		return logic.Channel{}, err
	}
	msg := fmt.Sprintf("%s (channel %d) manually set %s", ch.Name, ch.Index, onOff(state))
	if until != nil {
		msg += " until " + until.In(e.cfg.Location).Format(time.RFC3339)
	}
	e.commandEvent(ch, msg)
	e.Wake()
	return ch, nil
}

// Toggle overrides a channel to the inverse of its last known state.
func (e *Engine) Toggle(id int64) (logic.Channel, error) {
	ch, err := e.store.ToggleOverride(id)
	if err != nil {
		return logic.Channel{}, err
	}
	e.commandEvent(ch, fmt.Sprintf("%s (channel %d) toggled %s", ch.Name, ch.Index, onOff(ch.ManualState)))
	e.Wake()
	return ch, nil
}

// ClearOverride returns a channel to schedule control.
func (e *Engine) ClearOverride(id int64) (logic.Channel, error) {
	ch, err := e.store.ClearOverride(id)
	if err != nil {
		return logic.Channel{}, err
	}
	e.commandEvent(ch, fmt.Sprintf("%s (channel %d) returned to automatic control", ch.Name, ch.Index))
	e.Wake()
	return ch, nil
}

// SetEnabled enables or disables a channel. Disabled channels are driven
// off on the next tick.
func (e *Engine) SetEnabled(id int64, enabled bool) (logic.Channel, error) {
	ch, err := e.store.SetChannelEnabled(id, enabled)
	if err != nil {
		return logic.Channel{}, err
	}
	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	e.commandEvent(ch, fmt.Sprintf("%s (channel %d) %s", ch.Name, ch.Index, verb))
	e.Wake()
	return ch, nil
}

// SetAll overrides every channel to state. Each channel is attempted
// independently; disabled channels report an error.
func (e *Engine) SetAll(state bool) []CommandResult {
	snap := e.store.Snapshot()
	results := make([]CommandResult, 0, len(snap.Channels))
	for _, ch := range snap.Channels {
		r := CommandResult{ChannelID: ch.ID, Index: ch.Index}
		if _, err := e.store.SetOverride(ch.ID, state, nil); err != nil {
			r.Error = err.Error()
		} else {
			r.OK = true
		}
		results = append(results, r)
	}
	e.events.Emit(events.Record{
		Timestamp: e.nowFunc(),
		Level:     events.LevelInfo,
		Type:      events.TypeRelayControl,
		Source:    "operator",
		Message:   "all channels manually set " + onOff(state),
	})
	e.Wake()
	return results
}

// SetScheduleActive activates or deactivates a schedule.
func (e *Engine) SetScheduleActive(id int64, active bool) (logic.Schedule, error) {
	sc, err := e.store.SetScheduleActive(id, active)
	if err != nil {
		return logic.Schedule{}, err
	}
	verb := "deactivated"
	if active {
		verb = "activated"
	}
	e.events.Emit(events.Record{
		Timestamp: e.nowFunc(),
		Level:     events.LevelInfo,
		Type:      events.TypeScheduleRun,
		Source:    "operator",
		Message:   fmt.Sprintf("schedule %d (%s) %s", sc.ID, sc.Name, verb),
		ChannelID: sc.ChannelID,
	})
	e.Wake()
	return sc, nil
}

// Flash pulses a channel for d and then restores its previous state.
// The pulse runs in the background; store state is left untouched.
func (e *Engine) Flash(id int64, d time.Duration) error {
	ch, err := e.store.Channel(id)
	if err != nil {
		return err
	}
	if !ch.Enabled {
		return &store.ConfigError{Entity: "channel", ID: id, Msg: "channel is disabled"}
	}
	if !e.leader.IsLeader() {
		return ErrNotLeader
	}
	if d <= 0 {
		d = e.cfg.FlashDefault
	}
	if e.cfg.FlashMax > 0 && d > e.cfg.FlashMax {
		d = e.cfg.FlashMax
	}

	e.baseMu.Lock()
	ctx := e.baseCtx
	e.baseMu.Unlock()

	e.pulses.Add(1)
	go func() {
		defer e.pulses.Done()
		if err := e.disp.Pulse(ctx, ch, !ch.CurrentState, d); err != nil {
			e.log.Warn("flash failed", zap.Int64("channel", id), zap.Error(err))
		}
	}()
	return nil
}

// Changed wakes the loop after a configuration edit.
func (e *Engine) Changed() { e.Wake() }

// DeleteTank removes a tank and closes any alerts it still has open.
func (e *Engine) DeleteTank(ctx context.Context, id int64, forget TankForgetter) ([]int64, error) {
	detached, err := e.store.DeleteTank(id)
	if err != nil {
		return nil, err
	}
	if forget != nil {
		forget.ForgetTank(ctx, id, e.nowFunc())
	}
	e.events.Emit(events.Record{
		Timestamp: e.nowFunc(),
		Level:     events.LevelInfo,
		Type:      events.TypeSystem,
		Source:    "operator",
		Message:   fmt.Sprintf("tank %d deleted, %d channel(s) detached", id, len(detached)),
		TankID:    id,
	})
	e.Wake()
	return detached, nil
}

// DeleteChannel drives a channel off, if it may be on and this instance
// owns the bus, and then removes it together with its schedules. No tick
// runs in between.
func (e *Engine) DeleteChannel(ctx context.Context, id int64) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	ch, err := e.store.Channel(id)
	if err != nil {
		return err
	}
	if (ch.CurrentState || ch.Degraded) && e.leader.IsLeader() {
		actx, cancel := e.applyContext(ctx)
		err := e.disp.Apply(actx, ch, false)
		cancel()
		if err != nil {
			e.log.Warn("could not switch off deleted channel", zap.Int64("channel", id), zap.Error(err))
		}
	}
	if err := e.store.DeleteChannel(id); err != nil {
		return err
	}
	e.commandEvent(ch, fmt.Sprintf("%s (channel %d) deleted", ch.Name, ch.Index))
	e.Wake()
	return nil
}

// WaitPulses blocks until background flashes have completed.
func (e *Engine) WaitPulses() { e.pulses.Wait() }

func (e *Engine) commandEvent(ch logic.Channel, msg string) {
	e.events.Emit(events.Record{
		Timestamp: e.nowFunc(),
		Level:     events.LevelInfo,
		Type:      events.TypeRelayControl,
		Source:    "operator",
		Message:   msg,
		ChannelID: ch.ID,
		TankID:    ch.TankID,
	})
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
