package coordination

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttOpTimeout      = 5 * time.Second
	mqttQoS            = 1 // at least once
)

// MQTTBus implements Bus over an MQTT broker.
type MQTTBus struct {
	client mqtt.Client
	log    *logrus.Entry
}

// ConnectMQTT connects to the broker and returns the bus.
func ConnectMQTT(url, clientID string, log *logrus.Entry) (*MQTTBus, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(clientID).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(true)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost, reconnecting")
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("coordination: MQTT connect to %s timed out", url)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("coordination: MQTT connect to %s: %w", url, err)
	}
	log.WithField("url", url).Info("connected to MQTT")
	return &MQTTBus{client: client, log: log}, nil
}

// Publish sends payload on topic at QoS 1.
func (b *MQTTBus) Publish(topic string, payload []byte) error {
	return waitToken(b.client.Publish(topic, mqttQoS, false, payload))
}

// Subscribe registers handler for topic at QoS 1.
func (b *MQTTBus) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	tok := b.client.Subscribe(topic, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	return waitToken(tok)
}

// Unsubscribe removes the topic subscription.
func (b *MQTTBus) Unsubscribe(topic string) error {
	return waitToken(b.client.Unsubscribe(topic))
}

// Close disconnects from the broker.
func (b *MQTTBus) Close() {
	b.client.Disconnect(uint(mqttOpTimeout.Milliseconds()))
}

func waitToken(tok mqtt.Token) error {
	if !tok.WaitTimeout(mqttOpTimeout) {
		return fmt.Errorf("coordination: MQTT operation timed out")
	}
	return tok.Error()
}
