package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/config"
	"github.com/PetoAdam/homenavi/office-monitor/internal/health"
	"github.com/PetoAdam/homenavi/office-monitor/internal/httpapi"
	"github.com/PetoAdam/homenavi/office-monitor/internal/logging"
	"github.com/PetoAdam/homenavi/office-monitor/internal/mqtt"
	"github.com/PetoAdam/homenavi/office-monitor/internal/notify"
	"github.com/PetoAdam/homenavi/office-monitor/internal/observability"
	"github.com/PetoAdam/homenavi/office-monitor/internal/probe"
	"github.com/PetoAdam/homenavi/office-monitor/internal/realtime"
	"github.com/PetoAdam/homenavi/office-monitor/internal/roster"
	"github.com/PetoAdam/homenavi/office-monitor/internal/scheduler"
	"github.com/PetoAdam/homenavi/office-monitor/internal/snmp"
	"github.com/PetoAdam/homenavi/office-monitor/internal/statuscache"
	"github.com/PetoAdam/homenavi/office-monitor/internal/store"
	"github.com/PetoAdam/homenavi/office-monitor/internal/threshold"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const serviceName = "office-monitor"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	shutdownObs, promHandler, tracer, err := observability.SetupObservability(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("observability setup failed", zap.Error(err))
	}
	defer shutdownObs()

	db, err := store.Open(cfg.DB, log)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	repo, err := store.New(db)
	if err != nil {
		log.Fatal("db migrate failed", zap.Error(err))
	}
	seedDevices(ctx, repo, cfg, log)
	if err := repo.SeedSettings(ctx, defaultSettings(cfg)); err != nil {
		log.Warn("seed settings failed", zap.Error(err))
	}

	var monitor *health.Monitor
	hub := realtime.NewHub(func() any { return monitor.Statuses() }, log)

	chat := notify.NewChat(repo, cfg.Notify.Timeout)
	notifyOpts := []notify.Option{
		notify.WithChat(chat),
		notify.WithProvider(notify.NewWebhooks(repo, cfg.Notify.Timeout, log)),
		notify.WithSink(notify.BroadcastSink{B: hub}),
		notify.WithRecorder(repo),
	}

	var mqttClient *mqtt.Client
	if cfg.MQTTBrokerURL != "" {
		mqttClient, err = mqtt.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID, log)
		if err != nil {
			log.Warn("mqtt unavailable, event publishing disabled", zap.Error(err))
		} else {
			notifyOpts = append(notifyOpts, notify.WithSink(notify.MQTTSink{Pub: mqttClient, Prefix: cfg.MQTTTopicPrefix}))
		}
	}
	dispatcher := notify.NewDispatcher(cfg.Notify.Timeout, log, notifyOpts...)

	retries := health.NewTimerScheduler()
	monitor = health.New(repo, probe.New(cfg.Monitor.PingTimeout, cfg.Monitor.PingPrivileged), dispatcher, hub, retries, log, health.Options{
		DefaultInterval: cfg.Monitor.DefaultInterval,
		RetryDelay:      cfg.Monitor.RetryDelay,
		Parallelism:     cfg.Monitor.Parallelism,
	})

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, status mirror disabled", zap.Error(err))
			_ = rdb.Close()
			rdb = nil
		} else {
			cache := statuscache.New(rdb)
			monitor.SetMirror(cache)
			pruneMirror(ctx, repo, cache, log)
		}
	}

	if err := monitor.Restore(ctx); err != nil {
		log.Warn("restore status failed", zap.Error(err))
	}

	collector := snmp.NewCollector(snmp.UDPDialer{
		Community: cfg.SNMP.Community,
		Port:      cfg.SNMP.Port,
		Timeout:   cfg.SNMP.Timeout,
		Retries:   cfg.SNMP.Retries,
	}, log)
	poller := snmp.NewPoller(collector, repo, cfg.Monitor.Parallelism, log)

	syncer := roster.NewSyncer(roster.Config{
		AuthURL:      cfg.Roster.AuthURL,
		APIURL:       cfg.Roster.APIURL,
		PageSize:     cfg.Roster.PageSize,
		CacheTTL:     cfg.Roster.CacheTTL,
		DefaultFloor: cfg.Roster.DefaultFloor,
	}, roster.SettingsCredentials{
		Settings:     repo,
		ClientID:     cfg.Roster.ClientID,
		ClientSecret: cfg.Roster.ClientSecret,
	}, repo, log)

	engine := threshold.New(repo, dispatcher, hub, cfg.Threshold.AlertPercent, cfg.Threshold.ClearPercent, log)

	sched := scheduler.New(tracer, log)
	jobs := []scheduler.Job{
		{Name: "health", Every: cfg.Monitor.SweepInterval, InitialDelay: 2 * time.Second, Run: monitor.RunCycle},
		{Name: "printers", Every: cfg.SNMP.Interval, InitialDelay: 10 * time.Second, Run: poller.CollectAll},
		{Name: "thresholds", Every: cfg.Threshold.Interval, InitialDelay: 30 * time.Second, Run: engine.Evaluate},
		{Name: "roster", Every: cfg.Roster.Interval, InitialDelay: 5 * time.Second, Run: func(ctx context.Context) error {
			syncer.Sync(ctx, true)
			return nil
		}},
	}
	for _, j := range jobs {
		if err := sched.Add(j); err != nil {
			log.Fatal("schedule job failed", zap.Error(err))
		}
	}
	sched.Start()

	srv := httpapi.NewServer(repo, monitor, poller, syncer, dispatcher, log)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(observability.MetricsAndTracingMiddleware(tracer, serviceName))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promHandler)
	r.Get("/ws", hub.ServeHTTP)
	srv.RegisterRoutes(r)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("office-monitor started", zap.String("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Info("shutting down")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	sched.Stop()
	retries.Stop()
	dispatcher.Wait()
	mqttClient.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
}

// seedDevices upserts the configured roster by name. Maintenance flags set
// through the API survive a restart.
func seedDevices(ctx context.Context, repo *store.Repo, cfg *config.Config, log *zap.Logger) {
	for _, seed := range cfg.Devices {
		d := seed.Device()
		if d.Name == "" {
			log.Warn("skipping device without a name")
			continue
		}
		if err := repo.UpsertDeviceByName(ctx, &d); err != nil {
			log.Warn("seed device failed", zap.String("device", d.Name), zap.Error(err))
		}
	}
	if len(cfg.Devices) > 0 {
		log.Info("device roster loaded", zap.Int("devices", len(cfg.Devices)))
	}
}

func defaultSettings(cfg *config.Config) map[string]string {
	return map[string]string{
		notify.SettingChatWebhookURL: cfg.Notify.SlackWebhookURL,
		notify.SettingChatChannel:    cfg.Notify.SlackChannel,
		notify.SettingChatEnabled:    "1",
		"check_interval":             strconv.Itoa(int(cfg.Monitor.DefaultInterval.Seconds())),
		"ping_timeout":               strconv.Itoa(int(cfg.Monitor.PingTimeout.Seconds())),
	}
}

// pruneMirror drops cached statuses of devices that left the active roster.
func pruneMirror(ctx context.Context, repo *store.Repo, cache *statuscache.Cache, log *zap.Logger) {
	devices, err := repo.ListActiveDevices(ctx)
	if err != nil {
		log.Warn("list devices for status mirror failed", zap.Error(err))
		return
	}
	keep := make([]uint, 0, len(devices))
	for _, d := range devices {
		keep = append(keep, d.ID)
	}
	removed, err := cache.RemoveAllExcept(ctx, keep)
	if err != nil {
		log.Warn("prune status mirror failed", zap.Error(err))
		return
	}
	if len(removed) > 0 {
		log.Info("pruned status mirror", zap.Int("removed", len(removed)))
	}
}
