package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sweeney/vivarium-controller/internal/alert"
	"github.com/sweeney/vivarium-controller/internal/engine"
	"github.com/sweeney/vivarium-controller/internal/logic"
	"github.com/sweeney/vivarium-controller/internal/store"
)

// TankJSON is the wire form of a tank.
type TankJSON struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	TempMin     float64  `json:"temp_min"`
	TempMax     float64  `json:"temp_max"`
	HumidityMin *float64 `json:"humidity_min,omitempty"`
	HumidityMax *float64 `json:"humidity_max,omitempty"`
	Active      bool     `json:"active"`
}

func tankJSON(t logic.Tank) TankJSON {
	return TankJSON{
		ID:          t.ID,
		Name:        t.Name,
		TempMin:     t.TempMin,
		TempMax:     t.TempMax,
		HumidityMin: t.HumidityMin,
		HumidityMax: t.HumidityMax,
		Active:      t.Active,
	}
}

func (t TankJSON) tank() logic.Tank {
	return logic.Tank{
		ID:          t.ID,
		Name:        t.Name,
		TempMin:     t.TempMin,
		TempMax:     t.TempMax,
		HumidityMin: t.HumidityMin,
		HumidityMax: t.HumidityMax,
		Active:      t.Active,
	}
}

// RelayJSON is the wire form of a channel.
type RelayJSON struct {
	ID             int64   `json:"id"`
	Index          int     `json:"index"`
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	TankID         int64   `json:"tank_id,omitempty"`
	Enabled        bool    `json:"enabled"`
	CurrentState   bool    `json:"current_state"`
	ManualOverride bool    `json:"manual_override"`
	ManualState    bool    `json:"manual_state"`
	OverrideUntil  *string `json:"override_until,omitempty"`
	Degraded       bool    `json:"degraded"`
	Failures       int     `json:"failures"`
}

func relayJSON(c logic.Channel) RelayJSON {
	r := RelayJSON{
		ID:             c.ID,
		Index:          c.Index,
		Name:           c.Name,
		Type:           string(c.Type),
		TankID:         c.TankID,
		Enabled:        c.Enabled,
		CurrentState:   c.CurrentState,
		ManualOverride: c.ManualOverride,
		ManualState:    c.ManualState,
		Degraded:       c.Degraded,
		Failures:       c.Failures,
	}
	if c.OverrideUntil != nil {
		s := c.OverrideUntil.UTC().Format(time.RFC3339)
		r.OverrideUntil = &s
	}
	return r
}

// RelayInput is the editable part of a channel.
type RelayInput struct {
	Index   *int   `json:"index"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	TankID  int64  `json:"tank_id"`
	Enabled *bool  `json:"enabled"`
}

// channel builds the channel config. On update the index defaults to the
// existing one; on create it is required.
func (in RelayInput) channel(id int64, existing *logic.Channel) (logic.Channel, error) {
	typ, err := logic.ParseDeviceType(in.Type)
	if err != nil {
		return logic.Channel{}, &store.ConfigError{Entity: "channel", ID: id, Msg: err.Error()}
	}
	var index int
	switch {
	case in.Index != nil:
		index = *in.Index
	case existing != nil:
		index = existing.Index
	default:
		return logic.Channel{}, &store.ConfigError{Entity: "channel", ID: id, Msg: "index is required"}
	}
	enabled := true
	switch {
	case in.Enabled != nil:
		enabled = *in.Enabled
	case existing != nil:
		enabled = existing.Enabled
	}
	return logic.Channel{ID: id, Index: index, Name: in.Name, Type: typ, TankID: in.TankID, Enabled: enabled}, nil
}

// ScheduleJSON is the wire form of a schedule.
type ScheduleJSON struct {
	ID        int64  `json:"id"`
	ChannelID int64  `json:"channel_id"`
	Name      string `json:"name"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Days      []int  `json:"days"`
	Active    bool   `json:"active"`
	Priority  int    `json:"priority"`
}

func scheduleJSON(s logic.Schedule) ScheduleJSON {
	days := s.Days.Days()
	if days == nil {
		days = []int{}
	}
	return ScheduleJSON{
		ID:        s.ID,
		ChannelID: s.ChannelID,
		Name:      s.Name,
		StartTime: s.Start.String(),
		EndTime:   s.End.String(),
		Days:      days,
		Active:    s.Active,
		Priority:  s.Priority,
	}
}

func (s ScheduleJSON) schedule() (logic.Schedule, error) {
	bad := func(err error) error {
		return &store.ConfigError{Entity: "schedule", ID: s.ID, Msg: err.Error()}
	}
	start, err := logic.ParseTimeOfDay(s.StartTime)
	if err != nil {
		return logic.Schedule{}, bad(err)
	}
	end, err := logic.ParseTimeOfDay(s.EndTime)
	if err != nil {
		return logic.Schedule{}, bad(err)
	}
	days, err := logic.NewDaySet(s.Days...)
	if err != nil {
		return logic.Schedule{}, bad(err)
	}
	return logic.Schedule{
		ID:        s.ID,
		ChannelID: s.ChannelID,
		Name:      s.Name,
		Start:     start,
		End:       end,
		Days:      days,
		Active:    s.Active,
		Priority:  s.Priority,
	}, nil
}

// AlertJSON is the wire form of an alert.
type AlertJSON struct {
	ID         string  `json:"id"`
	TankID     int64   `json:"tank_id,omitempty"`
	ChannelID  int64   `json:"channel_id,omitempty"`
	Metric     string  `json:"metric"`
	Severity   string  `json:"severity"`
	Message    string  `json:"message"`
	Value      float64 `json:"value"`
	CreatedAt  string  `json:"created_at"`
	Resolved   bool    `json:"resolved"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
	ResolvedBy string  `json:"resolved_by,omitempty"`
}

func alertJSON(a logic.Alert) AlertJSON {
	j := AlertJSON{
		ID:         a.ID,
		TankID:     a.TankID,
		ChannelID:  a.ChannelID,
		Metric:     string(a.Metric),
		Severity:   string(a.Severity),
		Message:    a.Message,
		Value:      a.Value,
		CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339),
		Resolved:   a.Resolved,
		ResolvedBy: a.ResolvedBy,
	}
	if a.ResolvedAt != nil {
		s := a.ResolvedAt.UTC().Format(time.RFC3339)
		j.ResolvedAt = &s
	}
	return j
}

// ReadingJSON is the wire form of a stored sensor reading.
type ReadingJSON struct {
	TankID      int64    `json:"tank_id"`
	SensorID    string   `json:"sensor_id,omitempty"`
	Temperature float64  `json:"temperature"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

func readingJSON(rd logic.Reading) ReadingJSON {
	return ReadingJSON{
		TankID:      rd.TankID,
		SensorID:    rd.SensorID,
		Temperature: rd.Temperature,
		Humidity:    rd.Humidity,
		Timestamp:   rd.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// ControlInput sets a manual override. Until takes precedence over
// DurationMinutes; neither means until cleared.
type ControlInput struct {
	State           bool   `json:"state"`
	Until           string `json:"until"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (in ControlInput) expiry(now time.Time) (*time.Time, error) {
	switch {
	case in.Until != "":
		t, err := time.Parse(time.RFC3339, in.Until)
		if err != nil {
			return nil, fmt.Errorf("bad until %q: %w", in.Until, err)
		}
		return &t, nil
	case in.DurationMinutes < 0:
		return nil, errors.New("duration_minutes must not be negative")
	case in.DurationMinutes > 0:
		t := now.Add(time.Duration(in.DurationMinutes) * time.Minute)
		return &t, nil
	}
	return nil, nil
}

// FlashInput is the pulse duration; zero uses the default.
type FlashInput struct {
	DurationMs int64 `json:"duration_ms"`
}

// SensorInput maps a sensor to a tank.
type SensorInput struct {
	TankID int64 `json:"tank_id"`
}

type errorJSON struct {
	Error string `json:"error"`
}

type bulkJSON struct {
	Results []engine.CommandResult `json:"results"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes the body into v. An empty body leaves v untouched.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad id %q", r.PathValue("id"))
	}
	return id, nil
}

// statusFor maps an error onto an HTTP status code.
func statusFor(err error) int {
	var cerr *store.ConfigError
	switch {
	case errors.As(err, &cerr):
		if cerr.NotFound {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case errors.Is(err, alert.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotLeader):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
