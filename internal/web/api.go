package web

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/sweeney/vivarium-controller/internal/events"
	"github.com/sweeney/vivarium-controller/internal/logic"
)

// --- tanks ---

func (s *Server) listTanks(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Store.Snapshot()
	out := make([]TankJSON, 0, len(snap.Tanks))
	for _, t := range snap.Tanks {
		out = append(out, tankJSON(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTank(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	t, err := s.deps.Store.Tank(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tankJSON(t))
}

func (s *Server) createTank(w http.ResponseWriter, r *http.Request) {
	var in TankJSON
	if err := readJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	in.ID = 0
	s.putTank(w, in, http.StatusCreated)
}

func (s *Server) updateTank(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var in TankJSON
	if err := readJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	in.ID = id
	s.putTank(w, in, http.StatusOK)
}

func (s *Server) putTank(w http.ResponseWriter, in TankJSON, code int) {
	t, err := s.deps.Store.PutTank(in.tank())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.deps.Engine.Changed()
	writeJSON(w, code, tankJSON(t))
}

func (s *Server) deleteTank(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	detached, err := s.deps.Engine.DeleteTank(r.Context(), id, s.deps.Alerts)
	if err != nil {
		s.fail(w, err)
		return
	}
	if detached == nil {
		detached = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id, "detached_relays": detached})
}

// --- relays ---

func (s *Server) listRelays(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Store.Snapshot()
	tank := r.URL.Query().Get("tank_id")
	out := make([]RelayJSON, 0, len(snap.Channels))
	for _, c := range snap.Channels {
		if tank != "" && strconv.FormatInt(c.TankID, 10) != tank {
			continue
		}
		out = append(out, relayJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getRelay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	c, err := s.deps.Store.Channel(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, relayJSON(c))
}

func (s *Server) createRelay(w http.ResponseWriter, r *http.Request) {
	var in RelayInput
	if err := readJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	ch, err := in.channel(0, nil)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.putRelay(w, ch, http.StatusCreated)
}

func (s *Server) updateRelay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	existing, err := s.deps.Store.Channel(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	var in RelayInput
	if err := readJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	ch, err := in.channel(id, &existing)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.putRelay(w, ch, http.StatusOK)
}

func (s *Server) putRelay(w http.ResponseWriter, ch logic.Channel, code int) {
	c, err := s.deps.Store.PutChannel(ch)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.deps.Engine.Changed()
	writeJSON(w, code, relayJSON(c))
}

func (s *Server) deleteRelay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.deps.Engine.DeleteChannel(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) relayDecision(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	d, err := s.deps.Engine.Decide(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"relay_id":    d.ChannelID,
		"target":      d.Target,
		"reason":      d.Reason,
		"schedule_id": d.ScheduleID,
	})
}

func (s *Server) controlRelay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var in ControlInput
	if err := readJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	until, err := in.expiry(s.nowFunc())
	if err != nil {
		badRequest(w, err)
		return
	}
	c, err := s.deps.Engine.SetManualOverride(id, in.State, until)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, relayJSON(c))
}

func (s *Server) toggleRelay(w http.ResponseWriter, r *http.Request) {
	s.relayCommand(w, r, s.deps.Engine.Toggle)
}

func (s *Server) clearOverride(w http.ResponseWriter, r *http.Request) {
	s.relayCommand(w, r, s.deps.Engine.ClearOverride)
}

func (s *Server) enableRelay(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.relayCommand(w, r, func(id int64) (logic.Channel, error) {
			return s.deps.Engine.SetEnabled(id, enabled)
		})
	}
}

func (s *Server) relayCommand(w http.ResponseWriter, r *http.Request, cmd func(int64) (logic.Channel, error)) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	c, err := cmd(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, relayJSON(c))
}

func (s *Server) flashRelay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var in FlashInput
	if err := readJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	if err := s.deps.Engine.Flash(id, time.Duration(in.DurationMs)*time.Millisecond); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"relay_id": id, "flashing": true})
}

func (s *Server) allRelays(state bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, bulkJSON{Results: s.deps.Engine.SetAll(state)})
	}
}

// --- schedules ---

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Store.Snapshot()
	relay := r.URL.Query().Get("relay_id")
	out := make([]ScheduleJSON, 0, len(snap.Schedules))
	for _, sc := range snap.Schedules {
		if relay != "" && strconv.FormatInt(sc.ChannelID, 10) != relay {
			continue
		}
		out = append(out, scheduleJSON(sc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	sc, err := s.deps.Store.Schedule(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleJSON(sc))
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var in ScheduleJSON
	if err := readJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	in.ID = 0
	s.putSchedule(w, in, http.StatusCreated)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var in ScheduleJSON
	if err := readJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	in.ID = id
	s.putSchedule(w, in, http.StatusOK)
}

func (s *Server) putSchedule(w http.ResponseWriter, in ScheduleJSON, code int) {
	sc, err := in.schedule()
	if err != nil {
		s.fail(w, err)
		return
	}
	sc, err = s.deps.Store.PutSchedule(sc)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.deps.Engine.Changed()
	writeJSON(w, code, scheduleJSON(sc))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.deps.Store.DeleteSchedule(id); err != nil {
		s.fail(w, err)
		return
	}
	s.deps.Engine.Changed()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activateSchedule(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			badRequest(w, err)
			return
		}
		sc, err := s.deps.Engine.SetScheduleActive(id, active)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, scheduleJSON(sc))
	}
}

// --- sensors ---

func (s *Server) listSensors(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Store.Snapshot()
	type sensorJSON struct {
		SensorID string `json:"sensor_id"`
		TankID   int64  `json:"tank_id"`
	}
	out := make([]sensorJSON, 0, len(snap.Sensors))
	for id, tank := range snap.Sensors {
		out = append(out, sensorJSON{SensorID: id, TankID: tank})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) mapSensor(w http.ResponseWriter, r *http.Request) {
	var in SensorInput
	if err := readJSON(w, r, &in); err != nil {
		badRequest(w, err)
		return
	}
	sensor := r.PathValue("sensor")
	if err := s.deps.Store.MapSensor(sensor, in.TankID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sensor_id": sensor, "tank_id": in.TankID})
}

// --- readings ---

const (
	defaultHistoryHours = 24
	defaultHistoryLimit = 1000
	maxHistoryLimit     = 10000
)

func (s *Server) readingTank(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if s.deps.Readings == nil {
		writeJSON(w, http.StatusNotImplemented, errorJSON{Error: "reading history is not enabled"})
		return 0, false
	}
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err)
		return 0, false
	}
	if _, err := s.deps.Store.Tank(id); err != nil {
		s.fail(w, err)
		return 0, false
	}
	return id, true
}

func (s *Server) tankReadings(w http.ResponseWriter, r *http.Request) {
	id, ok := s.readingTank(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	hours, err := queryInt(q.Get("hours"), defaultHistoryHours)
	if err != nil || hours <= 0 {
		badRequest(w, fmt.Errorf("bad hours %q", q.Get("hours")))
		return
	}
	limit, err := queryInt(q.Get("limit"), defaultHistoryLimit)
	if err != nil || limit <= 0 {
		badRequest(w, fmt.Errorf("bad limit %q", q.Get("limit")))
		return
	}
	limit = min(limit, maxHistoryLimit)

	since := s.nowFunc().Add(-time.Duration(hours) * time.Hour)
	readings, err := s.deps.Readings.ReadingHistory(r.Context(), id, since, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]ReadingJSON, 0, len(readings))
	for _, rd := range readings {
		out = append(out, readingJSON(rd))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) latestReading(w http.ResponseWriter, r *http.Request) {
	id, ok := s.readingTank(w, r)
	if !ok {
		return
	}
	rd, found, err := s.deps.Readings.LatestReading(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorJSON{Error: fmt.Sprintf("no readings for tank %d", id)})
		return
	}
	writeJSON(w, http.StatusOK, readingJSON(rd))
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// --- alerts and events ---

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	onlyOpen := q.Get("open") == "1" || q.Get("open") == "true"
	limit, _ := strconv.Atoi(q.Get("limit"))
	alerts := s.deps.Alerts.Alerts(onlyOpen, limit)
	out := make([]AlertJSON, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertJSON(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.Resolve(r.Context(), r.PathValue("alert"), s.nowFunc())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alertJSON(a))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	recs := s.deps.Events.Recent(limit)
	if recs == nil {
		recs = []events.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}
