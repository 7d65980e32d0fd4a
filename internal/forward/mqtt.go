package forward

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const connectTimeout = 10 * time.Second

// MQTTPublisher is a persistent MQTT connection publishing at QoS 1.
type MQTTPublisher struct {
	client mqtt.Client
}

// NewMQTT connects to the MQTT broker. The client auto-reconnects and
// re-delivers once connectivity returns.
func NewMQTT(brokerURL, clientID string) (*MQTTPublisher, error) {
	if clientID == "" {
		clientID = "liverelay-giftworker"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(true)

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", brokerURL)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", brokerURL, err)
	}
	return &MQTTPublisher{client: client}, nil
}

// Publish pushes a payload at QoS 1, bounded by ctx.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	tok := p.client.Publish(topic, 1, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt publish %s: %w", topic, err)
		}
		return nil
	}
}

// Close disconnects, giving in-flight messages a moment to drain.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
