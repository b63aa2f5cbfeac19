// Package notify delivers alert notifications to external channels.
//
// Fanout decouples the alert engine from delivery: Notify only enqueues.
// Every notifier has its own queue and worker goroutine with rate limiting
// and bounded retry, so a slow or failing notifier never delays the others.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/logic"
)

// Kind is the lifecycle step being notified.
type Kind string

const (
	KindOpened    Kind = "opened"
	KindEscalated Kind = "escalated"
	KindResolved  Kind = "resolved"
)

// Notification is one alert lifecycle message.
type Notification struct {
	AlertID   string
	TankID    int64
	TankName  string
	Metric    logic.Metric
	Severity  logic.Severity
	Kind      Kind
	Message   string
	Timestamp time.Time
}

// Payload is the JSON wire form shared by MQTT and webhook notifiers.
type Payload struct {
	TankID    int64  `json:"tank_id"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	AlertID   string `json:"alert_id"`
	Metric    string `json:"metric,omitempty"`
}

// FormatPayload renders n as JSON.
func FormatPayload(n Notification) ([]byte, error) {
	return json.Marshal(Payload{
		TankID:    n.TankID,
		Severity:  string(n.Severity),
		Message:   n.Message,
		Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
		Kind:      string(n.Kind),
		AlertID:   n.AlertID,
		Metric:    string(n.Metric),
	})
}

// Text renders n as a one-line human message.
func Text(n Notification) string {
	prefix := map[Kind]string{
		KindOpened:    "ALERT",
		KindEscalated: "ESCALATED",
		KindResolved:  "RESOLVED",
	}[n.Kind]
	if prefix == "" {
		prefix = "ALERT"
	}
	return fmt.Sprintf("[%s] %s: %s", prefix, n.Severity, n.Message)
}

// Notifier sends one notification to one external channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Target pairs a notifier with the tanks it cares about.
// An empty Tanks list receives every notification.
type Target struct {
	Notifier Notifier
	Tanks    []int64
}

func (t Target) wants(tankID int64) bool {
	if len(t.Tanks) == 0 {
		return true
	}
	for _, id := range t.Tanks {
		if id == tankID {
			return true
		}
	}
	return false
}

// DeliveryError is logged when a notifier gives up on a notification.
type DeliveryError struct {
	Notifier string
	AlertID  string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notifier %s: alert %s not delivered after %d attempts: %v", e.Notifier, e.AlertID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Config tunes the fanout.
type Config struct {
	QueueSize   int
	MinInterval time.Duration // per notifier, tank, severity and kind
	Attempts    int
	Backoff     time.Duration
	SendTimeout time.Duration
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:   64,
		MinInterval: 5 * time.Minute,
		Attempts:    3,
		Backoff:     2 * time.Second,
		SendTimeout: 10 * time.Second,
	}
}

type rateKey struct {
	notifier string
	tankID   int64
	severity logic.Severity
	kind     Kind
}

// Fanout queues notifications per notifier and delivers them from one
// worker per notifier.
type Fanout struct {
	cfg     Config
	log     *zap.Logger
	workers []*worker
	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	last map[rateKey]time.Time

	errMu   sync.Mutex
	lastErr error
}

type worker struct {
	target Target
	queue  chan Notification
}

// NewFanout creates a fanout. Call Run to start delivery.
func NewFanout(cfg Config, log *zap.Logger, targets ...Target) *Fanout {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	f := &Fanout{
		cfg:     cfg,
		log:     log.Named("notify"),
		nowFunc: time.Now,
		sleep:   sleepCtx,
		last:    make(map[rateKey]time.Time),
	}
	for _, t := range targets {
		f.workers = append(f.workers, &worker{target: t, queue: make(chan Notification, cfg.QueueSize)})
	}
	return f
}

// Notify enqueues n for every matching notifier without blocking. It
// returns false if any of those queues was full and dropped n.
func (f *Fanout) Notify(n Notification) bool {
	ok := true
	for _, w := range f.workers {
		if !w.target.wants(n.TankID) {
			continue
		}
		select {
		case w.queue <- n:
		default:
			ok = false
			f.log.Warn("notification queue full, dropping",
				zap.String("notifier", w.target.Notifier.Name()),
				zap.String("alert_id", n.AlertID),
				zap.String("kind", string(n.Kind)))
		}
	}
	return ok
}

// Run starts one worker per notifier and blocks until ctx is cancelled and
// every worker has returned.
func (f *Fanout) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range f.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case n := <-w.queue:
					f.deliverTo(ctx, w.target, n)
				}
			}
		}()
	}
	wg.Wait()
}

// Deliver sends n synchronously to every matching notifier in turn,
// bypassing the queues.
func (f *Fanout) Deliver(ctx context.Context, n Notification) {
	for _, w := range f.workers {
		if w.target.wants(n.TankID) {
			f.deliverTo(ctx, w.target, n)
		}
	}
}

func (f *Fanout) deliverTo(ctx context.Context, t Target, n Notification) {
	name := t.Notifier.Name()
	if !f.allow(name, n) {
		f.log.Debug("notification rate limited",
			zap.String("notifier", name),
			zap.Int64("tank_id", n.TankID),
			zap.String("kind", string(n.Kind)))
		return
	}
	if err := f.send(ctx, t.Notifier, n); err != nil {
		f.errMu.Lock()
		f.lastErr = err
		f.errMu.Unlock()
		f.log.Error("notification delivery failed", zap.Error(err))
	}
}

// LastError returns the most recent delivery failure, if any.
func (f *Fanout) LastError() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.lastErr
}

func (f *Fanout) allow(name string, n Notification) bool {
	if f.cfg.MinInterval <= 0 {
		return true
	}
	key := rateKey{notifier: name, tankID: n.TankID, severity: n.Severity, kind: n.Kind}
	now := f.nowFunc()

	f.mu.Lock()
	defer f.mu.Unlock()
	if last, ok := f.last[key]; ok && now.Sub(last) < f.cfg.MinInterval {
		return false
	}
	f.last[key] = now
	return true
}

func (f *Fanout) send(ctx context.Context, nt Notifier, n Notification) error {
	var err error
	for attempt := 1; attempt <= f.cfg.Attempts; attempt++ {
		sctx, cancel := ctx, context.CancelFunc(func() {})
		if f.cfg.SendTimeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, f.cfg.SendTimeout)
		}
		err = nt.Send(sctx, n)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == f.cfg.Attempts {
			break
		}
		if serr := f.sleep(ctx, f.cfg.Backoff*time.Duration(attempt)); serr != nil {
			return &DeliveryError{Notifier: nt.Name(), AlertID: n.AlertID, Attempts: attempt, Err: err}
		}
	}
	return &DeliveryError{Notifier: nt.Name(), AlertID: n.AlertID, Attempts: f.cfg.Attempts, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
