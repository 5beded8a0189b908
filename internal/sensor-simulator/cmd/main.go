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

	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
	sensorSimulator "github.com/LeonardoBeccarini/awd_irrigation/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/awd_irrigation/pkg/rabbitmq"
)

func main() {
	// define flags
	sensorID := flag.String("sensor-id", "level-1", "unique sensor identifier")
	fieldID := flag.String("field-id", "field1", "unique field identifier")
	clientID := flag.String("client-id", "levelSensor1", "MQTT client ID")
	brokerHost := flag.String("broker-host", "localhost", "MQTT broker host")
	brokerPort := flag.Int("broker-port", 1883, "MQTT broker port")
	user := flag.String("user", "guest", "MQTT user")
	pass := flag.String("password", "guest", "MQTT password")
	interval := flag.Duration("interval", 10*time.Second, "publish interval")
	area := flag.Float64("area-ha", 10, "field area [ha]")
	soil := flag.String("soil", "loam", "soil type (clay, loam, sandy_loam, sand)")
	initial := flag.Float64("initial-cm", 5, "initial standing water [cm]")
	noise := flag.Float64("noise-cm", 0.05, "sensor noise (std dev) [cm]")
	leak := flag.Float64("leak-cm-per-hour", 0, "simulated bund leak [cm/h]")
	httpAddr := flag.String("http-addr", ":8090", "HTTP address for GET /fields/{id}/water-level (empty disables)")
	gateTopic := flag.String("gate-topic", "event/gate/+", "gate state events topic")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logger, err := awdlog.Init(*debug)
	if err != nil {
		panic(err)
	}
	defer awdlog.Sync()
	logger = logger.Named("level-simulator")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := rabbitmq.NewRabbitMQConn(&rabbitmq.RabbitMQConfig{
		Host:     *brokerHost,
		Port:     *brokerPort,
		User:     *user,
		Password: *pass,
		ClientID: *clientID,
		Kind:     "topic",
		Logger:   logger,
	}, ctx)
	if err != nil {
		logger.Fatalw("MQTT connect failed", "error", err)
	}

	field := entities.Field{ID: *fieldID, AreaHectares: *area, SoilType: entities.SoilType(*soil)}
	gen := sensorSimulator.NewLevelGenerator(field, *initial, *noise, time.Now().UnixNano())
	if *leak > 0 {
		gen.SetLeak(*leak, time.Now())
	}
	publisher := rabbitmq.NewPublisher(client, 5*time.Second)
	consumer := rabbitmq.NewConsumer(client, *gateTopic, nil, logger)
	sim := sensorSimulator.NewLevelSimulator(*fieldID, *sensorID, consumer, publisher, gen, logger)

	if *httpAddr != "" {
		srv := &http.Server{Addr: *httpAddr, Handler: sim.Router(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Infow("level simulator HTTP listening", "addr", *httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("http server", "error", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	logger.Infow("level simulator running", "field_id", *fieldID, "interval", interval.String(), "initial_cm", *initial)
	sim.Start(ctx, *interval)
	publisher.Close()
}
