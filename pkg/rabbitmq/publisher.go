package rabbitmq

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IPublisher publishes raw payloads on an explicit topic.
type IPublisher interface {
	PublishTo(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// Publisher wraps the shared MQTT client.
type Publisher struct {
	client  mqtt.Client
	timeout time.Duration
}

// NewPublisher creates a Publisher on the shared MQTT client. A zero timeout waits 5s per publish.
func NewPublisher(client mqtt.Client, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{client: client, timeout: timeout}
}

// PublishTo publishes payload and waits for the broker acknowledgement (QoS>0) up to the timeout.
func (p *Publisher) PublishTo(topic string, qos byte, retained bool, payload []byte) error {
	if p.client == nil {
		return fmt.Errorf("publish %s: nil MQTT client", topic)
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: timed out after %s", topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close gracefully closes the MQTT connection for the publisher
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
