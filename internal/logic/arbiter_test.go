package logic

import (
	"testing"
	"time"
)

func TestEvaluatePriorityScenario(t *testing.T) {
	ch := Channel{ID: 3, Index: 3, Enabled: true}
	rules := []Schedule{
		{ID: 1, ChannelID: 3, Start: MustTimeOfDay("08:00"), End: MustTimeOfDay("20:00"), Days: EveryDay, Active: true, Priority: 1},
		{ID: 2, ChannelID: 3, Start: MustTimeOfDay("12:00"), End: MustTimeOfDay("13:00"), Days: Weekdays, Active: true, Priority: 5},
	}

	// Wednesday 12:30
	vote, ok := Evaluate(ch, rules, at(2, 12, 30), time.UTC)
	if !ok {
		t.Fatal("expected a vote at 12:30 Wednesday")
	}
	if vote.ScheduleID != 2 {
		t.Errorf("winner: got schedule %d, want 2", vote.ScheduleID)
	}
	if d := Resolve(ch, vote, ok, at(2, 12, 30)); !d.Target {
		t.Error("expected channel driven on")
	}

	// 21:00: nothing matches, channel off
	vote, ok = Evaluate(ch, rules, at(2, 21, 0), time.UTC)
	if ok {
		t.Errorf("expected no vote at 21:00, got %+v", vote)
	}
	d := Resolve(ch, vote, ok, at(2, 21, 0))
	if d.Target || d.Reason != ReasonIdle {
		t.Errorf("got %+v, want off/idle", d)
	}
}

func TestEvaluateTieBreaksOnLowestID(t *testing.T) {
	ch := Channel{ID: 1, Enabled: true}
	rules := []Schedule{
		{ID: 9, ChannelID: 1, Start: MustTimeOfDay("00:00"), End: MustTimeOfDay("23:00"), Active: true, Priority: 2},
		{ID: 4, ChannelID: 1, Start: MustTimeOfDay("00:00"), End: MustTimeOfDay("23:00"), Active: true, Priority: 2},
		{ID: 6, ChannelID: 1, Start: MustTimeOfDay("00:00"), End: MustTimeOfDay("23:00"), Active: true, Priority: 2},
	}
	for i := 0; i < 3; i++ {
		// rotate input order; result must not depend on it
		rules = append(rules[1:], rules[0])
		vote, ok := Evaluate(ch, rules, at(0, 10, 0), time.UTC)
		if !ok || vote.ScheduleID != 4 {
			t.Errorf("rotation %d: got %+v, want schedule 4", i, vote)
		}
	}
}

func TestEvaluateIgnoresOtherChannelsAndInactive(t *testing.T) {
	ch := Channel{ID: 1, Enabled: true}
	rules := []Schedule{
		{ID: 1, ChannelID: 2, Start: MustTimeOfDay("00:00"), End: MustTimeOfDay("23:00"), Active: true},
		{ID: 2, ChannelID: 1, Start: MustTimeOfDay("00:00"), End: MustTimeOfDay("23:00"), Active: false},
	}
	if _, ok := Evaluate(ch, rules, at(0, 10, 0), time.UTC); ok {
		t.Error("expected no vote")
	}
}

func TestEvaluateDisabledChannel(t *testing.T) {
	ch := Channel{ID: 1, Enabled: false}
	rules := []Schedule{{ID: 1, ChannelID: 1, Start: MustTimeOfDay("00:00"), End: MustTimeOfDay("23:00"), Active: true}}
	if _, ok := Evaluate(ch, rules, at(0, 10, 0), time.UTC); ok {
		t.Error("disabled channel must not get a vote")
	}
}

func TestResolveManualBeatsSchedule(t *testing.T) {
	ch := Channel{ID: 1, Enabled: true, ManualOverride: true, ManualState: false}
	d := Resolve(ch, Vote{On: true, ScheduleID: 7}, true, at(0, 10, 0))
	if d.Target {
		t.Error("manual off must beat schedule on")
	}
	if d.Reason != ReasonManual {
		t.Errorf("reason: got %s, want manual", d.Reason)
	}
}

func TestResolveDisabledForcesOff(t *testing.T) {
	ch := Channel{ID: 1, Enabled: false, ManualOverride: true, ManualState: true}
	d := Resolve(ch, Vote{On: true}, true, at(0, 10, 0))
	if d.Target {
		t.Error("disabled channel must be off")
	}
	if d.Reason != ReasonDisabled {
		t.Errorf("reason: got %s, want disabled", d.Reason)
	}
}

func TestResolveScheduleVote(t *testing.T) {
	ch := Channel{ID: 1, Enabled: true}
	d := Resolve(ch, Vote{On: true, ScheduleID: 3}, true, at(0, 10, 0))
	if !d.Target || d.Reason != ReasonSchedule || d.ScheduleID != 3 {
		t.Errorf("got %+v", d)
	}
}

func TestResolveExpiredOverrideFallsBack(t *testing.T) {
	until := at(0, 9, 0)
	ch := Channel{ID: 1, Enabled: true, ManualOverride: true, ManualState: true, OverrideUntil: &until}

	if d := Resolve(ch, Vote{}, false, at(0, 8, 59)); !d.Target {
		t.Error("override should still apply before expiry")
	}
	d := Resolve(ch, Vote{}, false, at(0, 9, 0))
	if d.Target || d.Reason != ReasonIdle {
		t.Errorf("expired override: got %+v, want off/idle", d)
	}
}

func TestParseDeviceType(t *testing.T) {
	for _, dt := range DeviceTypes {
		got, err := ParseDeviceType(string(dt))
		if err != nil || got != dt {
			t.Errorf("%s: got %s, %v", dt, got, err)
		}
	}
	if got, _ := ParseDeviceType(""); got != DeviceRelay {
		t.Errorf("empty: got %s, want relay", got)
	}
	if _, err := ParseDeviceType("toaster"); err == nil {
		t.Error("expected error for unknown type")
	}
}
