// Command vivarium drives reptile-tank relays from schedules and manual
// overrides, raises climate alerts and serves the control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/vivarium-controller/internal/alert"
	"github.com/sweeney/vivarium-controller/internal/config"
	"github.com/sweeney/vivarium-controller/internal/dispatch"
	"github.com/sweeney/vivarium-controller/internal/engine"
	"github.com/sweeney/vivarium-controller/internal/events"
	"github.com/sweeney/vivarium-controller/internal/lock"
	"github.com/sweeney/vivarium-controller/internal/logger"
	"github.com/sweeney/vivarium-controller/internal/logic"
	"github.com/sweeney/vivarium-controller/internal/mqtt"
	"github.com/sweeney/vivarium-controller/internal/notify"
	"github.com/sweeney/vivarium-controller/internal/repository"
	"github.com/sweeney/vivarium-controller/internal/sensor"
	"github.com/sweeney/vivarium-controller/internal/status"
	"github.com/sweeney/vivarium-controller/internal/store"
	"github.com/sweeney/vivarium-controller/internal/web"
)

const serviceName = "vivarium-controller"

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	startTime := time.Now()

	driver, err := openBus(cfg, log)
	if err != nil {
		return fmt.Errorf("init bus: %w", err)
	}
	defer driver.Close()

	// Print state mode
	if cfg.PrintState {
		return printState(os.Stdout, driver, cfg.MaxChannels)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := repository.Open(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer repo.Close()

	if cfg.Seed {
		seeded, err := repo.SeedDefaults(ctx, cfg.MaxChannels)
		if err != nil {
			return fmt.Errorf("seed defaults: %w", err)
		}
		if seeded {
			log.Info("seeded default tank and channels", zap.Int("channels", cfg.MaxChannels))
		}
	}

	st := store.New(cfg.MaxChannels, repo)
	if err := loadStore(ctx, st, repo); err != nil {
		return err
	}

	evBus := events.NewBus(log, 500)

	// Initialize MQTT
	var client *mqtt.Client
	if cfg.Broker != "" {
		mcfg := mqtt.DefaultConfig(cfg.Broker)
		mcfg.ClientID = cfg.MQTTClientID
		mcfg.Username = cfg.MQTTUsername
		mcfg.Password = cfg.MQTTPassword
		if client, err = mqtt.NewClient(mcfg, log); err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer client.Close()
	}

	ncfg := notify.DefaultConfig()
	ncfg.MinInterval = cfg.NotifyInterval
	fanout := notify.NewFanout(ncfg, log, notifyTargets(cfg, client)...)

	acfg := alert.DefaultConfig()
	acfg.Hysteresis = cfg.Hysteresis
	acfg.Bands = logic.Bands{ErrorBand: cfg.ErrorBand, CriticalBand: cfg.CriticalBand}
	acfg.SensorTimeout = cfg.StaleAfter
	alerts := alert.New(acfg, st, log, evBus, fanout, repo, startTime)
	stored, err := repo.LoadAlerts(ctx, acfg.HistorySize)
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}
	alerts.Restore(stored)

	disp := dispatch.New(driver, st, evBus, log, dispatch.Config{
		Attempts:       cfg.Attempts,
		Initial:        cfg.BackoffInitial,
		Max:            cfg.BackoffMax,
		Factor:         2,
		AttemptTimeout: cfg.AttemptTimeout,
	}, alerts)

	g, gctx := errgroup.WithContext(ctx)

	var leader lock.Leader = lock.Always{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		rl := lock.NewRedisLock(rdb, cfg.LockKey, cfg.LockTTL, log)
		if _, err := rl.Refresh(ctx); err != nil {
			log.Warn("initial lock refresh failed", zap.Error(err))
		}
		leader = rl
		g.Go(func() error { rl.Run(gctx); return nil })
	}

	if leader.IsLeader() {
		if err := disp.Reconcile(ctx); err != nil {
			log.Warn("relay reconcile failed", zap.Error(err))
		}
	}

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(startTime, status.Config{
		TickMs:      cfg.Tick.Milliseconds(),
		Bus:         string(cfg.Bus),
		Sensors:     cfg.SensorSource(),
		Broker:      cfg.Broker,
		HTTPAddr:    cfg.HTTPAddr,
		Timezone:    cfg.Location.String(),
		Database:    cfg.Database,
		MaxChannels: cfg.MaxChannels,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}
	tracker.SetLeader(leader.IsLeader())

	eng := engine.New(engine.Config{
		Location:     cfg.Location,
		ApplyTimeout: cfg.ApplyTimeout,
		FlashDefault: engine.DefaultConfig().FlashDefault,
		FlashMax:     engine.DefaultConfig().FlashMax,
	}, st, disp, evBus, log,
		engine.WithLeader(leader),
		engine.WithStaleChecker(alerts),
		engine.WithOnTick(func(r engine.TickResult) {
			snap := st.Snapshot()
			tracker.Update(summarize(snap, r))
			tracker.SetSensors(sensorInfo(snap, alerts))
			tracker.SetOpenAlerts(alerts.OpenCount())
			tracker.SetLeader(leader.IsLeader())
			if client != nil {
				tracker.SetMQTTConnected(client.IsConnected())
			}
		}),
	)

	observe := func(ctx context.Context, r logic.Reading) {
		if err := alerts.Observe(ctx, r); err != nil {
			log.Debug("reading ignored", zap.String("sensor_id", r.SensorID), zap.Error(err))
			return
		}
		if err := recordReading(ctx, st, repo, r); err != nil {
			log.Warn("failed to store reading", zap.String("sensor_id", r.SensorID), zap.Error(err))
		}
	}

	g.Go(func() error { fanout.Run(gctx); return nil })
	if cfg.ReadingRetention > 0 {
		g.Go(func() error {
			pruneReadings(gctx, repo, cfg.ReadingRetention, time.Hour, time.Now, log)
			return nil
		})
	}

	if client != nil {
		records, unsubscribe := evBus.Subscribe(256)
		defer unsubscribe()
		g.Go(func() error { mqtt.Forward(gctx, records, client, log); return nil })

		if err := client.Subscribe(sensor.TopicReadings, func(topic string, payload []byte) {
			r, err := sensor.ParseMessage(topic, payload, time.Now())
			if err != nil {
				log.Warn("bad sensor message", zap.String("topic", topic), zap.Error(err))
				return
			}
			observe(gctx, r)
		}); err != nil {
			log.Warn("sensor subscription failed", zap.Error(err))
		}
	}

	if p := newPoller(cfg, st); p != nil {
		g.Go(func() error {
			sensor.RunPoller(gctx, p, cfg.SensorPoll, observe, log.Named("sensor"))
			return nil
		})
	}

	ticker := time.NewTicker(cfg.Tick)
	defer ticker.Stop()
	g.Go(func() error { return eng.Run(gctx, ticker.C) })

	// Publish startup event with full status snapshot
	var pub mqtt.Publisher
	var mqttStatus mqtt.ConnectionStatus
	if client != nil {
		pub, mqttStatus = client, client
		snap := tracker.Snapshot()
		startupEvent := mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		}
		if err := client.PublishSystem(startupEvent); err != nil {
			log.Warn("failed to publish startup event", zap.Error(err))
		} else {
			log.Info("published startup event")
		}
	}

	fatal := make(chan error, 1)

	// Start HTTP server
	var srv *web.Server
	if cfg.HTTPAddr != "" {
		hub := web.NewHub(log)
		records, unsubscribe := evBus.Subscribe(256)
		defer unsubscribe()
		g.Go(func() error { hub.Run(gctx, records); return nil })

		srv = web.New(cfg.HTTPAddr, web.Deps{
			Tracker:  tracker,
			Store:    st,
			Engine:   eng,
			Alerts:   alerts,
			Readings: repo,
			Events:   evBus,
			Hub:      hub,
			Location: cfg.Location,
			Log:      log,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fatal <- fmt.Errorf("http server: %w", err)
			}
		}()
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
	}

	log.Info("started",
		zap.Duration("tick", cfg.Tick),
		zap.String("bus", string(cfg.Bus)),
		zap.String("sensors", cfg.SensorSource()),
		zap.String("broker", cfg.Broker),
		zap.Duration("heartbeat", cfg.Heartbeat),
		zap.String("timezone", cfg.Location.String()),
	)

	var heartbeat <-chan time.Time
	if cfg.Heartbeat > 0 {
		hb := time.NewTicker(cfg.Heartbeat)
		defer hb.Stop()
		heartbeat = hb.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Component failures end the run loop like a signal would
	go func() {
		<-gctx.Done()
		if err := context.Cause(gctx); err != nil && ctx.Err() == nil {
			select {
			case fatal <- err:
			default:
			}
		}
	}()

	loopErr := runLoop(pub, mqttStatus, tracker, log, time.Now, heartbeat, sigCh, fatal)

	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		scancel()
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("component stopped with error", zap.Error(err))
	}
	log.Info("stopped")
	return loopErr
}

// runLoop waits for a signal or a component failure and publishes a
// HEARTBEAT system event on every heartbeat tick. pub may be nil when MQTT
// is disabled.
func runLoop(pub mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, log *zap.Logger, now func() time.Time, heartbeat <-chan time.Time, sig <-chan os.Signal, fatal <-chan error) error {
	shutdown := func(reason string) {
		if pub == nil {
			return
		}
		event := mqtt.SystemEvent{
			Timestamp: now(),
			Event:     "SHUTDOWN",
			Reason:    reason,
			Retained:  true,
		}
		if tracker != nil {
			if mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}
			snap := tracker.Snapshot()
			event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", reason)
		}
		if err := pub.PublishSystem(event); err != nil {
			log.Warn("failed to publish shutdown event", zap.Error(err))
		} else {
			log.Info("published shutdown event")
		}
	}

	for {
		select {
		case s := <-sig:
			log.Info("shutting down", zap.String("signal", s.String()))
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			shutdown(signalName)
			return nil

		case err := <-fatal:
			log.Error("component failed, shutting down", zap.Error(err))
			shutdown("ERROR")
			return err

		case <-heartbeat:
			if pub == nil {
				continue
			}
			hbEvent := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "HEARTBEAT",
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					tracker.SetNetwork(net)
				}
				snap := tracker.Snapshot()
				log.Info("heartbeat",
					zap.Duration("uptime", snap.Uptime().Truncate(time.Second)),
					zap.Int64("ticks", snap.Ticks),
					zap.Int("channels_on", snap.Last.ChannelsOn),
					zap.Int("open_alerts", snap.OpenAlerts),
				)
				hbEvent.RawPayload = status.FormatStatusEvent(snap, "HEARTBEAT", "")
			}
			if err := pub.PublishSystem(hbEvent); err != nil {
				log.Warn("heartbeat publish error", zap.Error(err))
			}
		}
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
