package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	"github.com/LeonardoBeccarini/awd_irrigation/internal/services/gate"
	"github.com/LeonardoBeccarini/awd_irrigation/pkg/rabbitmq"
)

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Gate simulator: serves scada.v1.GateService and publishes gate state changes on MQTT.
func main() {
	logger, err := awdlog.Init(env("DEBUG", "") != "")
	if err != nil {
		panic(err)
	}
	defer awdlog.Sync()
	logger = logger.Named("gate")

	// ---- ENV ----
	grpcPort := env("GRPC_PORT", "50051")
	topicTmpl := env("GATE_EVENT_TEMPLATE", "event/gate/{field}")
	maxFlow := envFloat("GATE_MAX_FLOW_M3S", 10)
	var fields []string
	if v := env("GATE_FIELDS", ""); v != "" {
		fields = strings.Split(v, ",")
	}
	port, err := strconv.Atoi(env("RABBITMQ_PORT", "1883"))
	if err != nil {
		logger.Fatalw("invalid RABBITMQ_PORT", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- MQTT ----
	var publisher rabbitmq.IPublisher
	if host := env("RABBITMQ_HOST", ""); host != "" {
		client, err := rabbitmq.NewRabbitMQConn(&rabbitmq.RabbitMQConfig{
			Host:     host,
			Port:     port,
			User:     env("RABBITMQ_USER", ""),
			Password: env("RABBITMQ_PASSWORD", ""),
			ClientID: env("RABBITMQ_CLIENTID", "gate-simulator"),
			Kind:     "topic",
			Logger:   logger,
		}, ctx)
		if err != nil {
			logger.Fatalw("MQTT connect error", "error", err)
		}
		publisher = rabbitmq.NewPublisher(client, 5*time.Second)
		defer publisher.Close()
	} else {
		logger.Warn("RABBITMQ_HOST not set, gate events are not published")
	}

	// ---- gRPC server ----
	addr := ":" + grpcPort
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatalw("listen failed", "addr", addr, "error", err)
	}
	srv := grpc.NewServer()
	gate.RegisterGateServer(srv, gate.NewSimulator(publisher, topicTmpl, fields, maxFlow, logger))

	go func() {
		logger.Infow("gate simulator listening", "addr", addr, "topic_template", topicTmpl, "fields", fields)
		if err := srv.Serve(lis); err != nil {
			logger.Fatalw("gRPC serve error", "error", err)
		}
	}()

	// ---- graceful shutdown ----
	<-ctx.Done()
	logger.Info("shutting down...")
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		srv.Stop()
	}
}
