// Package repository persists configuration, runtime overrides, alert
// history and sensor readings in SQLite. The in-memory store stays authoritative at runtime;
// this package implements its write-through Persister and loads the table
// at startup.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/logic"
)

const opTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS tanks (
	id           INTEGER PRIMARY KEY,
	name         TEXT    NOT NULL,
	temp_min     REAL    NOT NULL,
	temp_max     REAL    NOT NULL,
	humidity_min REAL,
	humidity_max REAL,
	active       INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS channels (
	id              INTEGER PRIMARY KEY,
	idx             INTEGER NOT NULL UNIQUE,
	name            TEXT    NOT NULL,
	device_type     TEXT    NOT NULL DEFAULT 'relay',
	tank_id         INTEGER,
	enabled         INTEGER NOT NULL DEFAULT 1,
	current_state   INTEGER NOT NULL DEFAULT 0,
	manual_override INTEGER NOT NULL DEFAULT 0,
	manual_state    INTEGER NOT NULL DEFAULT 0,
	override_until  TEXT
);
CREATE TABLE IF NOT EXISTS schedules (
	id         INTEGER PRIMARY KEY,
	channel_id INTEGER NOT NULL,
	name       TEXT    NOT NULL DEFAULT '',
	start_time TEXT    NOT NULL,
	end_time   TEXT    NOT NULL,
	days       TEXT    NOT NULL DEFAULT '',
	active     INTEGER NOT NULL DEFAULT 1,
	priority   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS sensors (
	sensor_id TEXT PRIMARY KEY,
	tank_id   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS alerts (
	id          TEXT PRIMARY KEY,
	tank_id     INTEGER NOT NULL DEFAULT 0,
	channel_id  INTEGER NOT NULL DEFAULT 0,
	metric      TEXT    NOT NULL,
	severity    TEXT    NOT NULL,
	message     TEXT    NOT NULL,
	value       REAL    NOT NULL DEFAULT 0,
	created_at  TEXT    NOT NULL,
	resolved    INTEGER NOT NULL DEFAULT 0,
	resolved_at TEXT,
	resolved_by TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts (created_at);
CREATE TABLE IF NOT EXISTS readings (
	id          INTEGER PRIMARY KEY,
	tank_id     INTEGER NOT NULL,
	sensor_id   TEXT    NOT NULL DEFAULT '',
	temperature REAL    NOT NULL,
	humidity    REAL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_tank ON readings (tank_id, recorded_at);
`

// Repository wraps a SQLite handle.
type Repository struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, log *zap.Logger) (*Repository, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	r := New(db, log)
	if err := r.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an existing handle without migrating.
func New(db *sql.DB, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{db: db, log: log.Named("repository")}
}

// Migrate applies the schema.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// --- store.Persister ---

func (r *Repository) SaveTank(t logic.Tank) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tanks (id, name, temp_min, temp_max, humidity_min, humidity_max, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			temp_min = excluded.temp_min,
			temp_max = excluded.temp_max,
			humidity_min = excluded.humidity_min,
			humidity_max = excluded.humidity_max,
			active = excluded.active`,
		t.ID, t.Name, t.TempMin, t.TempMax, nullFloat(t.HumidityMin), nullFloat(t.HumidityMax), t.Active)
	if err != nil {
		return fmt.Errorf("save tank %d: %w", t.ID, err)
	}
	return nil
}

func (r *Repository) DeleteTank(id int64) error {
	if err := r.exec("delete tank readings", `DELETE FROM readings WHERE tank_id = ?`, id); err != nil {
		return err
	}
	return r.exec("delete tank", `DELETE FROM tanks WHERE id = ?`, id)
}

func (r *Repository) SaveChannel(c logic.Channel) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channels (id, idx, name, device_type, tank_id, enabled,
			current_state, manual_override, manual_state, override_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			device_type = excluded.device_type,
			tank_id = excluded.tank_id,
			enabled = excluded.enabled,
			current_state = excluded.current_state,
			manual_override = excluded.manual_override,
			manual_state = excluded.manual_state,
			override_until = excluded.override_until`,
		c.ID, c.Index, c.Name, string(c.Type), nullID(c.TankID), c.Enabled,
		c.CurrentState, c.ManualOverride, c.ManualState, nullTime(c.OverrideUntil))
	if err != nil {
		return fmt.Errorf("save channel %d: %w", c.ID, err)
	}
	return nil
}

func (r *Repository) DeleteChannel(id int64) error {
	return r.exec("delete channel", `DELETE FROM channels WHERE id = ?`, id)
}

func (r *Repository) SaveSchedule(s logic.Schedule) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (id, channel_id, name, start_time, end_time, days, active, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id = excluded.channel_id,
			name = excluded.name,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			days = excluded.days,
			active = excluded.active,
			priority = excluded.priority`,
		s.ID, s.ChannelID, s.Name, s.Start.String(), s.End.String(), s.Days.String(), s.Active, s.Priority)
	if err != nil {
		return fmt.Errorf("save schedule %d: %w", s.ID, err)
	}
	return nil
}

func (r *Repository) DeleteSchedule(id int64) error {
	return r.exec("delete schedule", `DELETE FROM schedules WHERE id = ?`, id)
}

func (r *Repository) SaveSensor(sensorID string, tankID int64) error {
	return r.exec("save sensor", `
		INSERT INTO sensors (sensor_id, tank_id) VALUES (?, ?)
		ON CONFLICT(sensor_id) DO UPDATE SET tank_id = excluded.tank_id`, sensorID, tankID)
}

func (r *Repository) DeleteSensor(sensorID string) error {
	return r.exec("delete sensor", `DELETE FROM sensors WHERE sensor_id = ?`, sensorID)
}

func (r *Repository) exec(op, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// --- loading ---

// LoadTanks returns every tank.
func (r *Repository) LoadTanks(ctx context.Context) ([]logic.Tank, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, temp_min, temp_max, humidity_min, humidity_max, active
		FROM tanks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tanks: %w", err)
	}
	defer rows.Close()

	var out []logic.Tank
	for rows.Next() {
		var t logic.Tank
		var hMin, hMax sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.Name, &t.TempMin, &t.TempMax, &hMin, &hMax, &t.Active); err != nil {
			return nil, fmt.Errorf("scan tank: %w", err)
		}
		t.HumidityMin = floatPtr(hMin)
		t.HumidityMax = floatPtr(hMax)
		out = append(out, t)
	}
	return out, rows.Err()
}

// LoadChannels returns every channel.
func (r *Repository) LoadChannels(ctx context.Context) ([]logic.Channel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, idx, name, device_type, tank_id, enabled,
			current_state, manual_override, manual_state, override_until
		FROM channels ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []logic.Channel
	for rows.Next() {
		var c logic.Channel
		var typ string
		var tankID sql.NullInt64
		var until sql.NullString
		if err := rows.Scan(&c.ID, &c.Index, &c.Name, &typ, &tankID, &c.Enabled,
			&c.CurrentState, &c.ManualOverride, &c.ManualState, &until); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		dt, err := logic.ParseDeviceType(typ)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", c.ID, err)
		}
		c.Type = dt
		c.TankID = tankID.Int64
		if c.OverrideUntil, err = parseTime(until); err != nil {
			return nil, fmt.Errorf("channel %d override_until: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadSchedules returns every schedule.
func (r *Repository) LoadSchedules(ctx context.Context) ([]logic.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, channel_id, name, start_time, end_time, days, active, priority
		FROM schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []logic.Schedule
	for rows.Next() {
		var s logic.Schedule
		var start, end, days string
		if err := rows.Scan(&s.ID, &s.ChannelID, &s.Name, &start, &end, &days, &s.Active, &s.Priority); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if s.Start, err = logic.ParseTimeOfDay(start); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", s.ID, err)
		}
		if s.End, err = logic.ParseTimeOfDay(end); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", s.ID, err)
		}
		if s.Days, err = logic.ParseDaySet(days); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LoadSensors returns the sensor-to-tank map.
func (r *Repository) LoadSensors(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT sensor_id, tank_id FROM sensors`)
	if err != nil {
		return nil, fmt.Errorf("query sensors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var tank int64
		if err := rows.Scan(&id, &tank); err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		out[id] = tank
	}
	return out, rows.Err()
}

// --- alerts ---

// SaveAlert inserts or updates an alert.
func (r *Repository) SaveAlert(ctx context.Context, a logic.Alert) error {
	if a.ID == "" {
		return errors.New("save alert: empty id")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (id, tank_id, channel_id, metric, severity, message, value,
			created_at, resolved, resolved_at, resolved_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			message = excluded.message,
			value = excluded.value,
			resolved = excluded.resolved,
			resolved_at = excluded.resolved_at,
			resolved_by = excluded.resolved_by`,
		a.ID, a.TankID, a.ChannelID, string(a.Metric), string(a.Severity), a.Message, a.Value,
		formatTime(a.CreatedAt), a.Resolved, nullTime(a.ResolvedAt), a.ResolvedBy)
	if err != nil {
		return fmt.Errorf("save alert %s: %w", a.ID, err)
	}
	return nil
}

// LoadAlerts returns open alerts plus up to limit of the newest resolved ones.
func (r *Repository) LoadAlerts(ctx context.Context, limit int) ([]logic.Alert, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tank_id, channel_id, metric, severity, message, value,
			created_at, resolved, resolved_at, resolved_by
		FROM alerts
		WHERE resolved = 0
		   OR id IN (SELECT id FROM alerts WHERE resolved = 1 ORDER BY created_at DESC LIMIT ?)
		ORDER BY created_at`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []logic.Alert
	for rows.Next() {
		var a logic.Alert
		var metric, severity, created string
		var resolvedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.TankID, &a.ChannelID, &metric, &severity, &a.Message, &a.Value,
			&created, &a.Resolved, &resolvedAt, &a.ResolvedBy); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Metric = logic.Metric(metric)
		a.Severity = logic.Severity(severity)
		if a.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("alert %s created_at: %w", a.ID, err)
		}
		if a.ResolvedAt, err = parseTime(resolvedAt); err != nil {
			return nil, fmt.Errorf("alert %s resolved_at: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
