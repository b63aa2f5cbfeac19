package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/bus"
	"github.com/sweeney/vivarium-controller/internal/config"
	"github.com/sweeney/vivarium-controller/internal/engine"
	"github.com/sweeney/vivarium-controller/internal/logic"
	"github.com/sweeney/vivarium-controller/internal/mqtt"
	"github.com/sweeney/vivarium-controller/internal/notify"
	"github.com/sweeney/vivarium-controller/internal/repository"
	"github.com/sweeney/vivarium-controller/internal/sensor"
	"github.com/sweeney/vivarium-controller/internal/status"
	"github.com/sweeney/vivarium-controller/internal/store"
)

func openBus(cfg config.Config, log *zap.Logger) (bus.Driver, error) {
	switch cfg.Bus {
	case bus.KindModbus:
		mcfg := bus.DefaultModbusConfig()
		mcfg.Port = cfg.ModbusPort
		mcfg.BaudRate = cfg.ModbusBaud
		mcfg.SlaveID = byte(cfg.ModbusSlave)
		mcfg.Parity = cfg.ModbusParity
		mcfg.Channels = cfg.MaxChannels
		m, err := bus.NewModbus(mcfg)
		if err != nil {
			return nil, err
		}
		return m, nil
	case bus.KindGPIO:
		g, err := bus.NewGPIO(bus.GPIOConfig{
			Chip:      cfg.GPIOChip,
			Pins:      cfg.GPIOPins[:cfg.MaxChannels],
			ActiveLow: cfg.GPIOActiveLo,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	case bus.KindSim:
		log.Info("simulation mode: relay writes stay in memory")
		return bus.NewMemory(cfg.MaxChannels), nil
	}
	return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus)
}

func printState(w io.Writer, d bus.Driver, channels int) error {
	states, err := d.ReadAll(context.Background())
	if err != nil {
		return fmt.Errorf("read relays: %w", err)
	}
	for i, on := range states {
		if i >= channels {
			break
		}
		fmt.Fprintf(w, "CH%02d: %s\n", i, stateString(on))
	}
	return nil
}

func stateString(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func loadStore(ctx context.Context, st *store.Store, repo *repository.Repository) error {
	tanks, err := repo.LoadTanks(ctx)
	if err != nil {
		return fmt.Errorf("load tanks: %w", err)
	}
	channels, err := repo.LoadChannels(ctx)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	schedules, err := repo.LoadSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	sensors, err := repo.LoadSensors(ctx)
	if err != nil {
		return fmt.Errorf("load sensors: %w", err)
	}
	st.Load(tanks, channels, schedules, sensors)
	return nil
}

// notifyTargets builds one target per configured channel. pub is nil when
// MQTT is disabled.
func notifyTargets(cfg config.Config, pub *mqtt.Client) []notify.Target {
	var targets []notify.Target
	if pub != nil {
		targets = append(targets, notify.Target{Notifier: notify.NewMQTTNotifier(pub)})
	}
	if cfg.TelegramToken != "" && cfg.TelegramChat != "" {
		targets = append(targets, notify.Target{Notifier: notify.NewTelegramNotifier("", cfg.TelegramToken, cfg.TelegramChat)})
	}
	if cfg.LineToken != "" && cfg.LineTo != "" {
		targets = append(targets, notify.Target{Notifier: notify.NewLineNotifier("", cfg.LineToken, cfg.LineTo)})
	}
	if cfg.SMTPAddr != "" && len(cfg.EmailTo) > 0 {
		targets = append(targets, notify.Target{Notifier: notify.NewEmailNotifier(notify.EmailConfig{
			Addr:     cfg.SMTPAddr,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
			To:       cfg.EmailTo,
		})})
	}
	return targets
}

// newPoller returns the configured polled sensor source, or nil. The
// simulator reads the tank table from st on every poll.
func newPoller(cfg config.Config, st *store.Store) sensor.Poller {
	switch cfg.Sensors {
	case config.SensorsSim:
		return sensor.NewSimulator(cfg.SimSeed, func() []logic.Tank { return st.Snapshot().Tanks })
	case config.SensorsDS18B20:
		return sensor.NewDS18B20(cfg.W1Dir, nil)
	}
	return nil
}

// readingStore keeps sensor history.
type readingStore interface {
	SaveReading(ctx context.Context, tankID int64, r logic.Reading) error
	PruneReadings(ctx context.Context, cutoff time.Time) (int64, error)
}

// recordReading stores r against its tank. Readings from unmapped sensors
// are dropped.
func recordReading(ctx context.Context, st *store.Store, rs readingStore, r logic.Reading) error {
	tankID := r.TankID
	if tankID == 0 {
		id, ok := st.TankForSensor(r.SensorID)
		if !ok {
			return nil
		}
		tankID = id
	}
	return rs.SaveReading(ctx, tankID, r)
}

// pruneReadings deletes readings older than retention every interval until
// ctx is cancelled.
func pruneReadings(ctx context.Context, rs readingStore, retention, interval time.Duration, now func() time.Time, log *zap.Logger) {
	prune := func() {
		n, err := rs.PruneReadings(ctx, now().Add(-retention))
		if err != nil {
			log.Warn("reading prune failed", zap.Error(err))
			return
		}
		if n > 0 {
			log.Info("pruned old readings", zap.Int64("rows", n))
		}
	}
	prune()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}

func summarize(snap store.Snapshot, r engine.TickResult) status.Tick {
	t := status.Tick{
		At:       r.At,
		Channels: len(snap.Channels),
		Failed:   len(r.Failed),
		Skipped:  r.Skipped,
	}
	for _, ch := range snap.Channels {
		if ch.CurrentState {
			t.ChannelsOn++
		}
		if ch.Degraded {
			t.Degraded++
		}
		if ch.ManualOverride {
			t.Overrides++
		}
	}
	return t
}

// lastSeener reports when a tank last produced a reading.
type lastSeener interface {
	LastSeen(tankID int64) (time.Time, bool)
}

func sensorInfo(snap store.Snapshot, seen lastSeener) []status.SensorInfo {
	out := make([]status.SensorInfo, 0, len(snap.Tanks))
	for _, t := range snap.Tanks {
		info := status.SensorInfo{TankID: t.ID, TankName: t.Name}
		if at, ok := seen.LastSeen(t.ID); ok {
			info.LastSeen = at
		}
		out = append(out, info)
	}
	return out
}
