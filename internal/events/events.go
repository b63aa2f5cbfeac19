// Package events carries the daemon's event log: relay control, schedule
// runs, alerts and system errors. Records are logged, kept in a short
// in-memory history and fanned out to subscribers (WebSocket, MQTT).
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level is the record severity.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Type classifies a record.
type Type string

const (
	TypeRelayControl Type = "relay_control"
	TypeScheduleRun  Type = "schedule_run"
	TypeAlert        Type = "alert"
	TypeSystemError  Type = "system_error"
	TypeSystem       Type = "system"
)

// Record is one event log entry.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Type      Type      `json:"type"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	ChannelID int64     `json:"channel_id,omitempty"`
	TankID    int64     `json:"tank_id,omitempty"`
}

// Emitter is what components depend on to record events.
type Emitter interface {
	Emit(r Record)
}

// Bus logs records, keeps recent history and fans them out.
// Slow subscribers lose records rather than block the emitter.
type Bus struct {
	log     *zap.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	subs    map[chan Record]struct{}
	history *ring
}

// NewBus creates a bus retaining the last historySize records.
func NewBus(log *zap.Logger, historySize int) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	if historySize <= 0 {
		historySize = 200
	}
	return &Bus{
		log:     log.Named("events"),
		nowFunc: time.Now,
		subs:    make(map[chan Record]struct{}),
		history: newRing(historySize),
	}
}

// Emit publishes a record. A zero timestamp is filled in.
func (b *Bus) Emit(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = b.nowFunc()
	}
	if r.Level == "" {
		r.Level = LevelInfo
	}

	fields := []zap.Field{
		zap.String("type", string(r.Type)),
		zap.String("source", r.Source),
	}
	if r.ChannelID != 0 {
		fields = append(fields, zap.Int64("channel_id", r.ChannelID))
	}
	if r.TankID != 0 {
		fields = append(fields, zap.Int64("tank_id", r.TankID))
	}
	switch r.Level {
	case LevelError:
		b.log.Error(r.Message, fields...)
	case LevelWarning:
		b.log.Warn(r.Message, fields...)
	default:
		b.log.Info(r.Message, fields...)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history.push(r)
	for ch := range b.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

// Subscribe returns a channel receiving future records and a cancel func.
func (b *Bus) Subscribe(buffer int) (<-chan Record, func()) {
	ch := make(chan Record, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to n of the newest records, oldest first.
func (b *Bus) Recent(n int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.history.items()
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Discard drops every record.
type Discard struct{}

func (Discard) Emit(Record) {}
