// Package web serves the controller's HTTP API, the status page and a
// WebSocket tail of the event log.
package web

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/justinas/alice"
	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/engine"
	"github.com/sweeney/vivarium-controller/internal/events"
	"github.com/sweeney/vivarium-controller/internal/logic"
	"github.com/sweeney/vivarium-controller/internal/status"
	"github.com/sweeney/vivarium-controller/internal/store"
)

// Commander is the engine's command surface.
type Commander interface {
	SetManualOverride(id int64, state bool, until *time.Time) (logic.Channel, error)
	ClearOverride(id int64) (logic.Channel, error)
	Toggle(id int64) (logic.Channel, error)
	SetEnabled(id int64, enabled bool) (logic.Channel, error)
	SetAll(state bool) []engine.CommandResult
	SetScheduleActive(id int64, active bool) (logic.Schedule, error)
	Flash(id int64, d time.Duration) error
	Decide(id int64) (logic.Decision, error)
	DeleteTank(ctx context.Context, id int64, forget engine.TankForgetter) ([]int64, error)
	DeleteChannel(ctx context.Context, id int64) error
	Changed()
}

// AlertService lists and resolves alerts.
type AlertService interface {
	Alerts(onlyOpen bool, limit int) []logic.Alert
	Resolve(ctx context.Context, id string, now time.Time) (logic.Alert, error)
	ForgetTank(ctx context.Context, tankID int64, now time.Time)
}

// ReadingLog serves stored sensor readings.
type ReadingLog interface {
	ReadingHistory(ctx context.Context, tankID int64, since time.Time, limit int) ([]logic.Reading, error)
	LatestReading(ctx context.Context, tankID int64) (logic.Reading, bool, error)
}

// Deps are the components the server reads from and commands. Readings
// may be nil, which disables the reading endpoints.
type Deps struct {
	Tracker  *status.Tracker
	Store    *store.Store
	Engine   Commander
	Alerts   AlertService
	Readings ReadingLog
	Events   *events.Bus
	Hub      *Hub
	Location *time.Location
	Log      *zap.Logger
}

// Server serves the API and status page over HTTP.
type Server struct {
	httpServer *http.Server
	deps       Deps
	log        *zap.Logger
	nowFunc    func() time.Time
}

// New creates a Server listening on addr.
func New(addr string, d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Hub == nil {
		d.Hub = NewHub(d.Log)
	}
	s := &Server{deps: d, log: d.Log.Named("web"), nowFunc: time.Now}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /index.html", s.handleIndex)
	mux.HandleFunc("GET /index.json", s.handleStatus)
	mux.HandleFunc("GET /api/system/status", s.handleStatus)

	mux.HandleFunc("GET /api/tanks", s.listTanks)
	mux.HandleFunc("POST /api/tanks", s.createTank)
	mux.HandleFunc("GET /api/tanks/{id}", s.getTank)
	mux.HandleFunc("PUT /api/tanks/{id}", s.updateTank)
	mux.HandleFunc("DELETE /api/tanks/{id}", s.deleteTank)
	mux.HandleFunc("GET /api/tanks/{id}/readings", s.tankReadings)
	mux.HandleFunc("GET /api/tanks/{id}/readings/latest", s.latestReading)

	mux.HandleFunc("GET /api/relays", s.listRelays)
	mux.HandleFunc("POST /api/relays", s.createRelay)
	mux.HandleFunc("POST /api/relays/all-on", s.allRelays(true))
	mux.HandleFunc("POST /api/relays/all-off", s.allRelays(false))
	mux.HandleFunc("GET /api/relays/{id}", s.getRelay)
	mux.HandleFunc("PUT /api/relays/{id}", s.updateRelay)
	mux.HandleFunc("DELETE /api/relays/{id}", s.deleteRelay)
	mux.HandleFunc("GET /api/relays/{id}/decision", s.relayDecision)
	mux.HandleFunc("POST /api/relays/{id}/control", s.controlRelay)
	mux.HandleFunc("POST /api/relays/{id}/toggle", s.toggleRelay)
	mux.HandleFunc("POST /api/relays/{id}/clear-override", s.clearOverride)
	mux.HandleFunc("POST /api/relays/{id}/flash", s.flashRelay)
	mux.HandleFunc("POST /api/relays/{id}/enable", s.enableRelay(true))
	mux.HandleFunc("POST /api/relays/{id}/disable", s.enableRelay(false))

	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.getSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/enable", s.activateSchedule(true))
	mux.HandleFunc("POST /api/schedules/{id}/disable", s.activateSchedule(false))

	mux.HandleFunc("GET /api/sensors", s.listSensors)
	mux.HandleFunc("PUT /api/sensors/{sensor}", s.mapSensor)

	mux.HandleFunc("GET /api/alerts", s.listAlerts)
	mux.HandleFunc("POST /api/alerts/{alert}/resolve", s.resolveAlert)

	mux.HandleFunc("GET /api/events", s.listEvents)
	mux.Handle("GET /api/events/ws", s.deps.Hub.Handler(s.deps.Events))

	standard := alice.New(s.recoverPanic, s.logRequest)
	return standard.Then(mux)
}

// Handler returns the routed handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server and drops WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Hub.CloseAll()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				w.Header().Set("Connection", "close")
				s.log.Error("panic in handler", zap.Any("panic", err), zap.String("path", r.URL.Path))
				writeJSON(w, http.StatusInternalServerError, errorJSON{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes through so WebSocket upgrades work behind the logger.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.code),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, s.pageData()); err != nil {
		s.log.Warn("render status page", zap.Error(err))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(status.FormatJSON(s.deps.Tracker.Snapshot()))
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, errorJSON{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorJSON{Error: err.Error()})
}
