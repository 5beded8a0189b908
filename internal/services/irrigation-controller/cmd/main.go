package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/config"
	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	controller "github.com/LeonardoBeccarini/awd_irrigation/internal/services/irrigation-controller"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/services/gate"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/services/persistence"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/services/sensors"
	"github.com/LeonardoBeccarini/awd_irrigation/pkg/rabbitmq"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("AWD_CONFIG"), "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		awdlog.Named("irrigation-controller").Fatalw("config", "error", err)
	}
	logger, err := awdlog.Init(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer awdlog.Sync()
	logger = logger.Named("irrigation-controller")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Influx (optional) ----
	var (
		influxClient influxdb2.Client
		mirror       *persistence.InfluxMirror
	)
	if cfg.Influx.Enabled() {
		opts := influxdb2.DefaultOptions().
			SetBatchSize(uint(cfg.Influx.BatchSize)).
			SetFlushInterval(uint(cfg.Influx.FlushIntervalMs))
		influxClient = influxdb2.NewClientWithOptions(cfg.Influx.URL, cfg.Influx.Token, opts)
		mirror = persistence.NewInfluxMirror(influxClient.WriteAPI(cfg.Influx.Org, cfg.Influx.Bucket), cfg.Influx.Measurement, logger)
		logger.Infow("influx mirror enabled", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}

	// ---- Store ----
	db, err := persistence.Open(cfg.Database.Driver, cfg.Database.DSN, awdlog.GetZapLogger())
	if err != nil {
		logger.Fatalw("database connection failed", "driver", cfg.Database.Driver, "error", err)
	}
	var sampleMirror persistence.SampleMirror
	if mirror != nil {
		sampleMirror = mirror
	}
	store, err := persistence.NewGormStore(db, sampleMirror, logger)
	if err != nil {
		logger.Fatalw("schema migration failed", "error", err)
	}

	// ---- MQTT ----
	// outlives ctx so queued alerts are flushed before disconnecting
	mqCtx, mqCancel := context.WithCancel(context.Background())
	defer mqCancel()
	mq, err := rabbitmq.NewRabbitMQConn(&rabbitmq.RabbitMQConfig{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		User:     cfg.MQTT.User,
		Password: cfg.MQTT.Password,
		ClientID: cfg.MQTT.ClientID,
		Kind:     "topic",
		Logger:   logger,
	}, mqCtx)
	if err != nil {
		logger.Fatalw("MQTT connect failed", "error", err)
	}
	publisher := rabbitmq.NewPublisher(mq, 5*time.Second)

	// ---- Metrics + alerts ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := controller.NewMetrics(reg)

	alerts := controller.NewMQTTAlertPublisher(publisher, cfg.Alerts.QueueSize, metrics, logger)
	go alerts.Run(mqCtx)

	// ---- Sensors ----
	levelCache := sensors.NewMQTTLevelCache(cfg.Sensors.MQTTMaxAge, logger)
	go rabbitmq.NewConsumer(mq, cfg.Sensors.MQTTTopic, levelCache.Handle, logger).ConsumeMessage(ctx)

	var (
		primary   sensors.Provider = levelCache
		fallbacks []sensors.Provider
		httpProv  *sensors.HTTPProvider
	)
	if cfg.Sensors.HTTPBaseURL != "" {
		httpProv = sensors.NewHTTPProvider(cfg.Sensors.HTTPBaseURL, cfg.Sensors.HTTPTimeout, sensors.BreakerSettings{
			Fails:      cfg.Sensors.Breaker.Fails,
			OpenMs:     cfg.Sensors.Breaker.OpenMs,
			IntervalMs: cfg.Sensors.Breaker.IntervalMs,
		})
		primary = httpProv
		fallbacks = append(fallbacks, levelCache)
	}
	readings := sensors.NewChain(primary, cfg.Sensors.CacheTTL, fallbacks...)

	var backup controller.SensorReadingProvider
	if cfg.Sensors.InfluxFallback && influxClient != nil {
		backup = sensors.NewInfluxProvider(influxClient.QueryAPI(cfg.Influx.Org), cfg.Influx.Bucket, cfg.Influx.Measurement, cfg.Sensors.InfluxWindow)
	}

	// ---- Gates ----
	gates, err := gate.NewRouter(cfg.Gates.GRPCAddrMap)
	if err != nil {
		logger.Fatalw("gate routing", "error", err)
	}
	wctx, wcancel := context.WithTimeout(ctx, cfg.Gates.DialTimeout)
	if down := gates.Warmup(wctx); len(down) > 0 {
		logger.Warnw("gates not reachable at startup", "fields", down)
	}
	wcancel()

	// ---- Controller ----
	ctrl, err := controller.NewController(controller.Dependencies{
		Sensors: readings,
		Backup:  backup,
		Gates:   gates,
		Store:   store,
		Alerts:  alerts,
		Fields:  controller.NewFieldRegistry(cfg.Fields),
		Metrics: metrics,
		Logger:  logger,
	}, controller.Options{
		InstanceID:       cfg.InstanceID,
		ClaimTTL:         cfg.Controller.ClaimTTL,
		SensorTimeout:    cfg.Controller.SensorTimeout,
		GateTimeout:      cfg.Controller.GateTimeout,
		CloseRetryWindow: cfg.Controller.CloseRetryWindow,
		BackupOnFailure:  cfg.Sensors.BackupOnFailure,
		AnomalyTopic:     cfg.Alerts.AnomalyTopic,
		SessionTopic:     cfg.Alerts.SessionTopic,
	})
	if err != nil {
		logger.Fatalw("controller", "error", err)
	}

	// adopt sessions left behind by a previous run before serving
	if rep, err := ctrl.Reconcile(ctx); err != nil {
		logger.Warnw("startup reconcile failed", "error", err)
	} else {
		logger.Infow("startup reconcile", "resumed", rep.Resumed, "orphaned", rep.Orphaned, "skipped", rep.Skipped)
	}
	if _, err := ctrl.StartReconciler(ctx, cfg.Controller.ReconcileSchedule); err != nil {
		logger.Fatalw("reconciler", "schedule", cfg.Controller.ReconcileSchedule, "error", err)
	}

	// ---- HTTP ----
	health := func(ctx context.Context) map[string]string {
		deps := map[string]string{"store": "ok", "mqtt": "ok"}
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := store.Ping(pctx); err != nil {
			deps["store"] = err.Error()
		}
		if !mq.IsConnectionOpen() {
			deps["mqtt"] = "disconnected"
		}
		if httpProv != nil {
			deps["sensor_http"] = "ok"
			if st := httpProv.State(); st != "closed" {
				deps["sensor_http"] = "breaker " + st
			}
		}
		if mirror != nil {
			deps["influx"] = "ok"
			if age := mirror.LastErrorAge(); age >= 0 && age < time.Minute {
				deps["influx"] = "write errors"
			}
		}
		for field, st := range gates.States() {
			if st == "TRANSIENT_FAILURE" {
				deps["gate_"+field] = st
			}
		}
		return deps
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           controller.NewRouter(ctrl, health, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infow("irrigation controller listening", "addr", cfg.HTTPAddr, "instance", cfg.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("http server", "error", err)
		}
	}()

	// ---- graceful shutdown ----
	<-ctx.Done()
	logger.Info("shutting down...")
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	_ = srv.Shutdown(sctx)
	ctrl.Shutdown()
	alerts.Close(true)
	gates.Shutdown()
	if influxClient != nil {
		mirror.Flush()
		influxClient.Close()
	}
	mqCancel()
	rabbitmq.CloseRabbitMQConn(mq)
	logger.Info("irrigation controller: shutdown complete")
}
