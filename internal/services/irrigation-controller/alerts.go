package irrigation_controller

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	awdlog "github.com/LeonardoBeccarini/awd_irrigation/internal/log"
	"github.com/LeonardoBeccarini/awd_irrigation/pkg/rabbitmq"
)

type outbound struct {
	topic   string
	payload []byte
}

// MQTTAlertPublisher queues events and publishes them from a single worker at QoS 1.
// A full queue drops the event: the control loop never waits on the broker.
type MQTTAlertPublisher struct {
	publisher rabbitmq.IPublisher
	queue     chan outbound
	metrics   *Metrics
	logger    *zap.SugaredLogger

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func NewMQTTAlertPublisher(p rabbitmq.IPublisher, size int, metrics *Metrics, logger *zap.SugaredLogger) *MQTTAlertPublisher {
	if size <= 0 {
		size = 256
	}
	logger = awdlog.OrNop(logger)
	return &MQTTAlertPublisher{
		publisher: p,
		queue:     make(chan outbound, size),
		metrics:   metrics,
		logger:    logger,
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Publish encodes evt as JSON and enqueues it without blocking.
func (a *MQTTAlertPublisher) Publish(topic string, evt any) {
	b, err := json.Marshal(evt)
	if err != nil {
		a.logger.Warnw("alert not encodable", "topic", topic, "error", err)
		return
	}
	select {
	case <-a.closed:
		return
	default:
	}
	select {
	case a.queue <- outbound{topic: topic, payload: b}:
	default:
		if a.metrics != nil {
			a.metrics.alertsDropped.Inc()
		}
		a.logger.Warnw("alert queue full, event dropped", "topic", topic)
	}
}

// Run drains the queue until ctx is cancelled or Close is called, then flushes what is left.
func (a *MQTTAlertPublisher) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case m := <-a.queue:
			a.send(m)
		case <-ctx.Done():
			a.flush()
			return
		case <-a.closed:
			a.flush()
			return
		}
	}
}

// Close stops accepting events and waits for the worker if it is running.
func (a *MQTTAlertPublisher) Close(wait bool) {
	a.closeOnce.Do(func() { close(a.closed) })
	if wait {
		<-a.done
	}
}

func (a *MQTTAlertPublisher) flush() {
	for {
		select {
		case m := <-a.queue:
			a.send(m)
		default:
			return
		}
	}
}

func (a *MQTTAlertPublisher) send(m outbound) {
	if err := a.publisher.PublishTo(m.topic, 1, false, m.payload); err != nil {
		a.logger.Warnw("alert publish failed", "topic", m.topic, "error", err)
	}
}
