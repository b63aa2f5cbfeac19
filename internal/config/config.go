// Package config parses daemon flags. Every flag takes its default from an
// environment variable so the same binary runs from systemd units, Docker
// and the command line.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/vivarium-controller/internal/bus"
)

// Sensor sources polled by the daemon. MQTT readings are accepted
// whenever a broker is configured, regardless of this setting.
const (
	SensorsSim     = "sim"
	SensorsDS18B20 = "ds18b20"
	SensorsNone    = "none"
)

// Config is the complete daemon configuration.
type Config struct {
	Tick        time.Duration
	Heartbeat   time.Duration
	Timezone    string
	Location    *time.Location
	MaxChannels int
	Database    string
	Seed        bool
	HTTPAddr    string
	PrintState  bool

	Bus          bus.Kind
	ModbusPort   string
	ModbusBaud   int
	ModbusSlave  int
	ModbusParity string
	GPIOChip     string
	GPIOPins     []int
	GPIOActiveLo bool

	Attempts       int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
	ApplyTimeout   time.Duration

	Sensors      string
	SensorPoll   time.Duration
	W1Dir        string
	SimSeed      int64
	Hysteresis   time.Duration
	ErrorBand    float64
	CriticalBand float64
	StaleAfter   time.Duration
	// ReadingRetention is how long stored readings are kept; 0 keeps them forever.
	ReadingRetention time.Duration

	Broker       string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	RedisAddr string
	LockKey   string
	LockTTL   time.Duration

	NotifyInterval time.Duration
	TelegramToken  string
	TelegramChat   string
	LineToken      string
	LineTo         string
	SMTPAddr       string
	SMTPUsername   string
	SMTPPassword   string
	EmailFrom      string
	EmailTo        []string

	LogLevel  string
	LogFormat string
}

// Env looks up an environment variable. os.Getenv satisfies it.
type Env func(key string) string

func (e Env) str(key, def string) string {
	if v := e(key); v != "" {
		return v
	}
	return def
}

func (e Env) integer(key string, def int) int {
	if v, err := strconv.Atoi(e(key)); err == nil {
		return v
	}
	return def
}

func (e Env) float(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(e(key), 64); err == nil {
		return v
	}
	return def
}

func (e Env) duration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(e(key)); err == nil {
		return v
	}
	return def
}

func (e Env) boolean(key string, def bool) bool {
	if v, err := strconv.ParseBool(e(key)); err == nil {
		return v
	}
	return def
}

// Load parses args (without the program name) on top of env defaults.
func Load(args []string, env Env, output io.Writer) (Config, error) {
	var c Config
	fs := flag.NewFlagSet("vivarium", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}

	fs.DurationVar(&c.Tick, "tick", env.duration("VIVARIUM_TICK", time.Second), "Schedule evaluation interval")
	fs.DurationVar(&c.Heartbeat, "heartbeat", env.duration("VIVARIUM_HEARTBEAT", 15*time.Minute), "Heartbeat interval (0 to disable)")
	fs.StringVar(&c.Timezone, "timezone", env.str("VIVARIUM_TIMEZONE", "Local"), "IANA timezone schedules are evaluated in")
	fs.IntVar(&c.MaxChannels, "max-channels", env.integer("VIVARIUM_MAX_CHANNELS", 16), "Number of relay channels on the board")
	fs.StringVar(&c.Database, "db", env.str("VIVARIUM_DB", "vivarium.db"), "SQLite database path")
	fs.BoolVar(&c.Seed, "seed", env.boolean("VIVARIUM_SEED", true), "Create the default tank and channels on an empty database")
	fs.StringVar(&c.HTTPAddr, "http", env.str("VIVARIUM_HTTP", ":8080"), "HTTP API address (empty to disable)")
	fs.BoolVar(&c.PrintState, "print-state", false, "Print relay states read from the bus and exit")

	busKind := fs.String("bus", env.str("VIVARIUM_BUS", string(bus.KindModbus)), "Relay driver: modbus, gpio or sim")
	fs.StringVar(&c.ModbusPort, "modbus-port", env.str("VIVARIUM_MODBUS_PORT", "/dev/ttyUSB0"), "Modbus RTU serial port")
	fs.IntVar(&c.ModbusBaud, "modbus-baud", env.integer("VIVARIUM_MODBUS_BAUD", 9600), "Modbus baud rate")
	fs.IntVar(&c.ModbusSlave, "modbus-slave", env.integer("VIVARIUM_MODBUS_SLAVE", 1), "Modbus slave address")
	fs.StringVar(&c.ModbusParity, "modbus-parity", env.str("VIVARIUM_MODBUS_PARITY", "N"), "Modbus parity: N, E or O")
	fs.StringVar(&c.GPIOChip, "gpio-chip", env.str("VIVARIUM_GPIO_CHIP", "gpiochip0"), "GPIO character device")
	pins := fs.String("gpio-pins", env.str("VIVARIUM_GPIO_PINS", joinInts(bus.DefaultGPIOPins)), "Comma-separated BCM pins, one per channel")
	fs.BoolVar(&c.GPIOActiveLo, "gpio-active-low", env.boolean("VIVARIUM_GPIO_ACTIVE_LOW", true), "Invert GPIO outputs")

	fs.IntVar(&c.Attempts, "attempts", env.integer("VIVARIUM_ATTEMPTS", 3), "Write attempts per actuation")
	fs.DurationVar(&c.BackoffInitial, "backoff", env.duration("VIVARIUM_BACKOFF", 200*time.Millisecond), "Initial retry backoff")
	fs.DurationVar(&c.BackoffMax, "backoff-max", env.duration("VIVARIUM_BACKOFF_MAX", 2*time.Second), "Maximum retry backoff")
	fs.DurationVar(&c.AttemptTimeout, "attempt-timeout", env.duration("VIVARIUM_ATTEMPT_TIMEOUT", 4*time.Second), "Timeout of one bus write")
	fs.DurationVar(&c.ApplyTimeout, "apply-timeout", env.duration("VIVARIUM_APPLY_TIMEOUT", 10*time.Second), "Timeout of one channel actuation including retries")

	fs.StringVar(&c.Sensors, "sensors", env.str("VIVARIUM_SENSORS", SensorsSim), "Polled sensor source: sim, ds18b20 or none")
	fs.DurationVar(&c.SensorPoll, "sensor-poll", env.duration("VIVARIUM_SENSOR_POLL", 30*time.Second), "Sensor polling interval")
	fs.StringVar(&c.W1Dir, "w1-dir", env.str("VIVARIUM_W1_DIR", "/sys/bus/w1/devices"), "1-Wire sysfs directory")
	fs.Int64Var(&c.SimSeed, "sim-seed", int64(env.integer("VIVARIUM_SIM_SEED", 1)), "Simulator random seed")
	fs.DurationVar(&c.Hysteresis, "hysteresis", env.duration("VIVARIUM_HYSTERESIS", time.Minute), "How long a reading must stay out of range before alerting")
	fs.Float64Var(&c.ErrorBand, "error-band", env.float("VIVARIUM_ERROR_BAND", 2), "Excursion (°C or %) at which an alert becomes an error")
	fs.Float64Var(&c.CriticalBand, "critical-band", env.float("VIVARIUM_CRITICAL_BAND", 5), "Excursion at which an alert becomes critical")
	fs.DurationVar(&c.StaleAfter, "sensor-timeout", env.duration("VIVARIUM_SENSOR_TIMEOUT", 5*time.Minute), "Raise a link alert after this long without readings (0 to disable)")
	fs.DurationVar(&c.ReadingRetention, "reading-retention", env.duration("VIVARIUM_READING_RETENTION", 30*24*time.Hour), "How long to keep stored sensor readings (0 to keep forever)")

	fs.StringVar(&c.Broker, "broker", env.str("VIVARIUM_BROKER", ""), "MQTT broker address (empty to disable)")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", env.str("VIVARIUM_MQTT_CLIENT_ID", "vivarium-controller"), "MQTT client ID")
	fs.StringVar(&c.MQTTUsername, "mqtt-user", env.str("VIVARIUM_MQTT_USER", ""), "MQTT username")
	fs.StringVar(&c.MQTTPassword, "mqtt-password", env.str("VIVARIUM_MQTT_PASSWORD", ""), "MQTT password")

	fs.StringVar(&c.RedisAddr, "redis", env.str("VIVARIUM_REDIS", ""), "Redis address for the leader lock (empty for single instance)")
	fs.StringVar(&c.LockKey, "lock-key", env.str("VIVARIUM_LOCK_KEY", "vivarium:bus-lock"), "Redis key of the leader lock")
	fs.DurationVar(&c.LockTTL, "lock-ttl", env.duration("VIVARIUM_LOCK_TTL", 10*time.Second), "Leader lock lease")

	fs.DurationVar(&c.NotifyInterval, "notify-interval", env.duration("VIVARIUM_NOTIFY_INTERVAL", 5*time.Minute), "Minimum interval between notifications of one kind")
	fs.StringVar(&c.TelegramToken, "telegram-token", env.str("TELEGRAM_BOT_TOKEN", ""), "Telegram bot token")
	fs.StringVar(&c.TelegramChat, "telegram-chat", env.str("TELEGRAM_CHAT_ID", ""), "Telegram chat ID")
	fs.StringVar(&c.LineToken, "line-token", env.str("LINE_CHANNEL_ACCESS_TOKEN", ""), "LINE Messaging API access token")
	fs.StringVar(&c.LineTo, "line-to", env.str("LINE_TO", ""), "LINE user or group ID")
	fs.StringVar(&c.SMTPAddr, "smtp", env.str("SMTP_ADDR", ""), "SMTP relay host:port")
	fs.StringVar(&c.SMTPUsername, "smtp-user", env.str("SMTP_USER", ""), "SMTP username")
	fs.StringVar(&c.SMTPPassword, "smtp-password", env.str("SMTP_PASSWORD", ""), "SMTP password")
	fs.StringVar(&c.EmailFrom, "email-from", env.str("EMAIL_FROM", ""), "Alert mail sender")
	emailTo := fs.String("email-to", env.str("EMAIL_TO", ""), "Comma-separated alert mail recipients")

	fs.StringVar(&c.LogLevel, "log-level", env.str("LOG_LEVEL", "info"), "Log level: debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", env.str("LOG_FORMAT", "json"), "Log format: json or console")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var err error
	if c.Bus, err = bus.ParseKind(*busKind); err != nil {
		return Config{}, err
	}
	if c.GPIOPins, err = parseInts(*pins); err != nil {
		return Config{}, fmt.Errorf("gpio-pins: %w", err)
	}
	c.EmailTo = splitList(*emailTo)
	if c.Location, err = time.LoadLocation(c.Timezone); err != nil {
		return Config{}, fmt.Errorf("timezone: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Tick <= 0 {
		errs = append(errs, errors.New("tick must be positive"))
	}
	if c.MaxChannels <= 0 {
		errs = append(errs, errors.New("max-channels must be positive"))
	}
	if c.Attempts < 1 {
		errs = append(errs, errors.New("attempts must be at least 1"))
	}
	if c.SensorPoll <= 0 {
		errs = append(errs, errors.New("sensor-poll must be positive"))
	}
	if c.ModbusSlave < 1 || c.ModbusSlave > 247 {
		errs = append(errs, fmt.Errorf("modbus-slave %d out of range 1-247", c.ModbusSlave))
	}
	if serial := bus.DefaultModbusConfig().Timeout; c.Bus == bus.KindModbus && c.AttemptTimeout < serial {
		errs = append(errs, fmt.Errorf("attempt-timeout %s is shorter than the %s serial timeout", c.AttemptTimeout, serial))
	}
	if c.Hysteresis < 0 {
		errs = append(errs, errors.New("hysteresis must not be negative"))
	}
	if c.ReadingRetention < 0 {
		errs = append(errs, errors.New("reading-retention must not be negative"))
	}
	if c.ErrorBand < 0 || c.CriticalBand < 0 {
		errs = append(errs, errors.New("bands must not be negative"))
	}
	switch c.Sensors {
	case SensorsSim, SensorsDS18B20, SensorsNone:
	default:
		errs = append(errs, fmt.Errorf("unknown sensor source %q (want sim, ds18b20 or none)", c.Sensors))
	}
	if c.Bus == bus.KindGPIO && len(c.GPIOPins) < c.MaxChannels {
		errs = append(errs, fmt.Errorf("gpio-pins lists %d pins for %d channels", len(c.GPIOPins), c.MaxChannels))
	}
	if c.RedisAddr != "" && c.LockTTL <= 0 {
		errs = append(errs, errors.New("lock-ttl must be positive"))
	}
	return errors.Join(errs...)
}

// SensorSource describes the configured sensor inputs for display.
func (c Config) SensorSource() string {
	if c.Broker == "" {
		return c.Sensors
	}
	return c.Sensors + "+mqtt"
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, f := range splitList(s) {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", f)
		}
		out = append(out, n)
	}
	return out, nil
}

func joinInts(ns []int) string {
	s := make([]string, len(ns))
	for i, n := range ns {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ",")
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
