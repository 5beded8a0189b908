package rabbitmq

import (
	"context"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Handler processes one MQTT message received on a subscription.
type Handler func(topic string, message mqtt.Message) error

// IConsumer subscribes and dispatches messages to a handler until the context is done.
type IConsumer interface {
	ConsumeMessage(ctx context.Context)
	SetHandler(handler Handler)
}

// Consumer holds the client and the topic filter it subscribes to.
type Consumer struct {
	client  mqtt.Client
	handler Handler
	topic   string
	logger  *zap.SugaredLogger
}

// NewConsumer creates a new Consumer on the shared MQTT client. The handler may be injected later.
func NewConsumer(client mqtt.Client, topic string, handler Handler, logger *zap.SugaredLogger) *Consumer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Consumer{
		client:  client,
		topic:   topic,
		handler: handler,
		logger:  logger,
	}
}

func (c *Consumer) SetHandler(handler Handler) {
	c.handler = handler
}

// readings and gate events must not be lost; everything else is best effort
func qosFor(topic string) byte {
	t := strings.TrimSpace(topic)
	if strings.HasPrefix(t, "sensor/water-level") ||
		strings.HasPrefix(t, "event/gate") ||
		strings.HasPrefix(t, "irrigation/") {
		return 1
	}
	return 0
}

// ConsumeMessage subscribes to the topic and processes messages using the handler.
// It blocks until the context is cancelled.
func (c *Consumer) ConsumeMessage(ctx context.Context) {
	token := c.client.Subscribe(c.topic, qosFor(c.topic), func(_ mqtt.Client, message mqtt.Message) {
		if c.handler == nil {
			c.logger.Warnw("no handler set", "topic", c.topic)
			return
		}
		if err := c.handler(c.topic, message); err != nil {
			c.logger.Warnw("error handling message", "topic", message.Topic(), "error", err)
		}
	})
	if token.Wait() && token.Error() != nil {
		c.logger.Errorw("error subscribing", "topic", c.topic, "error", token.Error())
		return
	}
	c.logger.Infow("subscribed", "topic", c.topic)

	<-ctx.Done()

	unsub := c.client.Unsubscribe(c.topic)
	unsub.Wait()
}
