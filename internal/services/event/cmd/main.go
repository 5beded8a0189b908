package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/services/event"
	"github.com/LeonardoBeccarini/awd_irrigation/pkg/rabbitmq"
)

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Event recorder: sessions, anomalies and gate changes from MQTT into InfluxDB.
func main() {
	logger, err := awdlog.Init(envStr("DEBUG", "") != "")
	if err != nil {
		panic(err)
	}
	defer awdlog.Sync()
	logger = logger.Named("event-recorder")

	// === Config ===
	cfg := struct {
		Rabbit rabbitmq.RabbitMQConfig

		InfluxURL    string
		InfluxToken  string
		InfluxOrg    string
		InfluxBucket string

		Topics        []string
		BatchSize     int
		FlushInterval time.Duration

		HTTPPort       int
		ReadinessGrace time.Duration
	}{
		Rabbit: rabbitmq.RabbitMQConfig{
			Host:     envStr("RABBITMQ_HOST", "localhost"),
			Port:     envInt("RABBITMQ_PORT", 1883),
			User:     envStr("RABBITMQ_USER", "guest"),
			Password: envStr("RABBITMQ_PASSWORD", "guest"),
			ClientID: envStr("HOSTNAME", "event-recorder"),
			Kind:     envStr("RABBITMQ_EXCHANGE_KIND", "topic"),
			Logger:   logger,
		},

		InfluxURL:    envStr("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:  os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:    envStr("INFLUX_ORG", "awd"),
		InfluxBucket: envStr("INFLUX_BUCKET", "events"),

		Topics: func() []string {
			raw := envStr("EVENT_SUB_TOPICS", "irrigation/session/#,irrigation/anomaly/#,event/gate/#")
			parts := strings.Split(raw, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if s := strings.TrimSpace(p); s != "" {
					out = append(out, s)
				}
			}
			return out
		}(),
		BatchSize:     envInt("WRITE_BATCH_SIZE", 10),
		FlushInterval: time.Duration(envInt("WRITE_FLUSH_INTERVAL_MS", 200)) * time.Millisecond,

		HTTPPort:       envInt("HTTP_PORT", 8080),
		ReadinessGrace: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === InfluxDB ===
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(cfg.BatchSize)).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	influx := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	defer influx.Close()
	writer := event.NewWriter(influx.WriteAPI(cfg.InfluxOrg, cfg.InfluxBucket), logger)

	// === MQTT ===
	mqCtx, mqCancel := context.WithCancel(context.Background())
	defer mqCancel()
	mqttClient, err := rabbitmq.NewRabbitMQConn(&cfg.Rabbit, mqCtx)
	if err != nil {
		logger.Fatalw("mqtt connection error", "error", err)
	}

	// === HTTP ===
	router := mux.NewRouter()
	router.Handle("/healthz", event.NewHealthHandler(mqttClient, influx, writer)).Methods(http.MethodGet)
	router.Handle("/readyz", event.NewReadyHandler(mqttClient, influx, writer, 2*time.Second)).Methods(http.MethodGet)
	event.NewAPI(influx.QueryAPI(cfg.InfluxOrg), cfg.InfluxBucket).Register(router)

	hs := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infow("HTTP listening", "port", cfg.HTTPPort)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("http server error", "error", err)
		}
	}()

	// === Consumers ===
	h := event.NewMQTTHandler(writer.Record)
	for _, topic := range cfg.Topics {
		c := rabbitmq.NewConsumer(mqttClient, topic, h.Handle, logger)
		go c.ConsumeMessage(ctx)
	}

	<-ctx.Done()
	logger.Info("shutting down...")

	shCtx, shCancel := context.WithTimeout(context.Background(), cfg.ReadinessGrace)
	defer shCancel()
	_ = hs.Shutdown(shCtx)

	writer.Flush()
	mqCancel()
	rabbitmq.CloseRabbitMQConn(mqttClient)
}
