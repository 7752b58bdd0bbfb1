// Command telemetry-core keeps bus subscriptions in line with the configuration
// store, publishes derived metrics and runs the periodic logging schedules.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/sweeney/telemetry-core/internal/cache"
	"github.com/sweeney/telemetry-core/internal/config"
	"github.com/sweeney/telemetry-core/internal/cron"
	"github.com/sweeney/telemetry-core/internal/engine"
	"github.com/sweeney/telemetry-core/internal/listener"
	"github.com/sweeney/telemetry-core/internal/metrics"
	"github.com/sweeney/telemetry-core/internal/mqtt"
	"github.com/sweeney/telemetry-core/internal/reconcile"
	"github.com/sweeney/telemetry-core/internal/reload"
	"github.com/sweeney/telemetry-core/internal/scheduler"
	"github.com/sweeney/telemetry-core/internal/status"
	"github.com/sweeney/telemetry-core/internal/store"
	"github.com/sweeney/telemetry-core/internal/web"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
	statusInterval  = 10 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "YAML config file (optional)")
	printConfig := flag.Bool("print-config", false, "Print the resolved configuration and exit")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := cfg.Redacted().YAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "print config: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	logger := newLogger(cfg.Log, os.Stderr)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("fatal")
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "telemetry-core").Logger()
}

func run(cfg *config.Config, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	// Construct
	db, err := store.Open(startCtx, cfg.Database.URL, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	bus := mqtt.NewRealBus(mqtt.Options{
		Broker:       cfg.MQTT.URL,
		ClientID:     cfg.MQTT.ClientID,
		Username:     cfg.MQTT.Username,
		Password:     cfg.MQTT.Password,
		SubscribeQoS: 1,
	}, log)
	defer bus.Close()

	tracker := status.NewTracker(time.Now(), status.Config{
		Broker:        cfg.MQTT.URL,
		ControlPlane:  cfg.ControlPlaneURL(),
		HTTPAddr:      cfg.WebhookAddr(),
		AutoDiscovery: cfg.AutoDiscovery,
		ReloadPoll:    cfg.ReloadPollInterval,
	})

	devices := cache.New(cfg.AutoDiscovery)
	reconciler := reconcile.New(bus, db, m, log)
	if cfg.AutoDiscovery {
		reconciler.SetDiscoveryTopic(cfg.MQTT.DiscoveryTopic)
	}
	bus.SetOnConnect(func() {
		m.SetBusConnected(true)
		tracker.SetBusConnected(true)
		tracker.SetSubscriptions(reconciler.Resubscribe())
	})
	eng := engine.New(devices.Payload, bus, db, m, log)
	lst := listener.New(bus, db, devices, reconciler, eng, tracker, m, log)
	schedOpts := scheduler.DefaultOptions()
	schedOpts.BillInterval = cfg.BillInterval()
	sched := scheduler.New(cron.NewClient(cfg.ControlPlaneURL(), nil), db, schedOpts, m, log)

	// Initialize
	if err := bus.Connect(startCtx); err != nil {
		if !errors.Is(err, mqtt.ErrConnectTimeout) {
			return fmt.Errorf("connect bus: %w", err)
		}
		log.Warn().Str("broker", cfg.MQTT.URL).Msg("broker not reachable yet, retrying in background")
	}

	var listenerFlag, schedulerFlag reload.Flag
	if err := lst.Reload(startCtx); err != nil {
		log.Error().Err(err).Msg("initial listener load failed, retrying on next poll")
		listenerFlag.Set()
	}
	if err := sched.Reload(startCtx); err != nil {
		log.Error().Err(err).Msg("initial schedule load failed, retrying on next poll")
		schedulerFlag.Set()
	}
	tracker.SetSchedules(sched.Len(), sched.LastReload())

	srv := web.New(cfg.WebhookAddr(), tracker, reload.NewGroup(&listenerFlag, &schedulerFlag), reg, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(ctx)
	}()
	log.Info().Str("addr", cfg.WebhookAddr()).Msg("http server listening")

	publishStatus(bus, cfg.MQTT.StatusTopic, tracker, "STARTUP", "", log)

	// Run
	listenerTicker := time.NewTicker(cfg.ReloadPollInterval)
	defer listenerTicker.Stop()
	schedulerTicker := time.NewTicker(cfg.ReloadPollInterval)
	defer schedulerTicker.Stop()
	checkTicker := time.NewTicker(cfg.ConnectivityCheckInterval)
	defer checkTicker.Stop()
	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info().
		Str("broker", cfg.MQTT.URL).
		Str("control_plane", cfg.ControlPlaneURL()).
		Dur("reload_poll", cfg.ReloadPollInterval).
		Bool("auto_discovery", cfg.AutoDiscovery).
		Msg("started")

	return runLoop(loopDeps{
		listener:      lst,
		scheduler:     sched,
		publisher:     bus,
		tracker:       tracker,
		statusTopic:   cfg.MQTT.StatusTopic,
		listenerFlag:  &listenerFlag,
		schedulerFlag: &schedulerFlag,
		listenerTick:  listenerTicker.C,
		schedulerTick: schedulerTicker.C,
		checkTick:     checkTicker.C,
		statusTick:    statusTicker.C,
		sig:           sigCh,
		log:           log,
	})
}

type listenerRunner interface {
	Run(ctx context.Context, reloadTick, checkTick <-chan time.Time, flag *reload.Flag)
}

type schedulerRunner interface {
	Run(ctx context.Context, tick <-chan time.Time, flag *reload.Flag)
	Len() int
	LastReload() time.Time
}

type loopDeps struct {
	listener      listenerRunner
	scheduler     schedulerRunner
	publisher     mqtt.Publisher
	tracker       *status.Tracker
	statusTopic   string
	listenerFlag  *reload.Flag
	schedulerFlag *reload.Flag
	listenerTick  <-chan time.Time
	schedulerTick <-chan time.Time
	checkTick     <-chan time.Time
	statusTick    <-chan time.Time
	sig           <-chan os.Signal
	log           zerolog.Logger
}

// runLoop runs the listener and scheduler until a signal arrives, then stops
// both and publishes the shutdown event.
func runLoop(d loopDeps) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.listener.Run(ctx, d.listenerTick, d.checkTick, d.listenerFlag)
	}()
	go func() {
		defer wg.Done()
		d.scheduler.Run(ctx, d.schedulerTick, d.schedulerFlag)
	}()

	for {
		select {
		case s := <-d.sig:
			d.log.Info().Str("signal", s.String()).Msg("shutting down")
			cancel()
			wg.Wait()

			d.tracker.SetSchedules(d.scheduler.Len(), d.scheduler.LastReload())
			publishStatus(d.publisher, d.statusTopic, d.tracker, "SHUTDOWN", signalName(s), d.log)
			return nil

		case <-d.statusTick:
			d.tracker.SetSchedules(d.scheduler.Len(), d.scheduler.LastReload())
		}
	}
}

// publishStatus sends a retained status event. An empty topic disables it.
func publishStatus(pub mqtt.Publisher, topic string, tracker *status.Tracker, event, reason string, log zerolog.Logger) {
	if topic == "" {
		return
	}
	payload := status.FormatStatusEvent(tracker.Snapshot(), event, reason)
	if err := pub.Publish(topic, payload, mqtt.PublishOptions{QoS: 1, Retained: true}); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("failed to publish status event")
		return
	}
	log.Info().Str("event", event).Str("topic", topic).Msg("published status event")
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}
