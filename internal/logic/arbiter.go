package logic

import "time"

// Vote is the schedule evaluator's opinion for one channel.
type Vote struct {
	On         bool
	ScheduleID int64
	Priority   int
}

// Evaluate picks the winning schedule for ch at now. Among active, matching
// rules that target ch, the highest priority wins and ties go to the lowest
// schedule ID. Returns false when no rule matches or the channel is disabled.
func Evaluate(ch Channel, rules []Schedule, now time.Time, loc *time.Location) (Vote, bool) {
	if !ch.Enabled {
		return Vote{}, false
	}
	var (
		best  Schedule
		found bool
	)
	for _, r := range rules {
		if r.ChannelID != ch.ID || !r.Active {
			continue
		}
		if !Matches(r, now, loc) {
			continue
		}
		if !found || r.Priority > best.Priority || (r.Priority == best.Priority && r.ID < best.ID) {
			best = r
			found = true
		}
	}
	if !found {
		return Vote{}, false
	}
	// Windows are always "on" intervals.
	return Vote{On: true, ScheduleID: best.ID, Priority: best.Priority}, true
}

// Reason explains why the arbiter chose a target.
type Reason string

const (
	ReasonDisabled Reason = "disabled"
	ReasonManual   Reason = "manual"
	ReasonSchedule Reason = "schedule"
	ReasonIdle     Reason = "idle"
)

// Decision is the single authoritative target state for a channel.
type Decision struct {
	ChannelID  int64
	Target     bool
	Reason     Reason
	ScheduleID int64
}

// Resolve merges channel flags, manual override and the schedule vote.
// Priority: disabled channel is off; an unexpired manual override wins;
// otherwise the vote, defaulting to off.
func Resolve(ch Channel, vote Vote, voted bool, now time.Time) Decision {
	d := Decision{ChannelID: ch.ID}
	switch {
	case !ch.Enabled:
		d.Reason = ReasonDisabled
	case ch.OverrideActive(now):
		d.Target = ch.ManualState
		d.Reason = ReasonManual
	case voted:
		d.Target = vote.On
		d.Reason = ReasonSchedule
		d.ScheduleID = vote.ScheduleID
	default:
		d.Reason = ReasonIdle
	}
	return d
}
