// Package publish fans the cooking-state record out over MQTT and accepts
// cooking commands from it.
package publish

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client is the broker connection used by the publisher.
type Client interface {
	Publish(topic string, retained bool, payload []byte) error
	Subscribe(topic string, handler func(payload []byte)) error
	Close()
}

// MQTTOptions configures DialMQTT.
type MQTTOptions struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Username string
	Password string
	// WillTopic receives a retained "offline" if the client drops without
	// Close. Empty disables the will.
	WillTopic string
}

// MQTTClient is a Client backed by paho.
type MQTTClient struct {
	client    mqtt.Client
	willTopic string
}

var _ Client = (*MQTTClient)(nil)

// DialMQTT connects to the broker. The client reconnects on its own after
// the first successful connect.
func DialMQTT(opts MQTTOptions) (*MQTTClient, error) {
	if opts.Broker == "" {
		return nil, errors.New("publish: broker must not be empty")
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	co.SetUsername(opts.Username)
	co.SetPassword(opts.Password)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectTimeout(10 * time.Second)
	if opts.WillTopic != "" {
		co.SetWill(opts.WillTopic, availabilityOffline, 1, true)
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("[MQTT] connection lost", "error", err)
	}
	co.OnConnect = func(_ mqtt.Client) {
		slog.Info("[MQTT] connected", "broker", opts.Broker)
	}

	client := mqtt.NewClient(co)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("publish: connect %s: %w", opts.Broker, token.Error())
	}
	return &MQTTClient{client: client, willTopic: opts.WillTopic}, nil
}

// Publish sends payload with QoS 1.
func (c *MQTTClient) Publish(topic string, retained bool, payload []byte) error {
	if token := c.client.Publish(topic, 1, retained, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish: %s: %w", topic, token.Error())
	}
	return nil
}

// Subscribe registers handler for messages on topic.
func (c *MQTTClient) Subscribe(topic string, handler func(payload []byte)) error {
	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish: subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// Close marks the client offline and disconnects.
func (c *MQTTClient) Close() {
	if c.willTopic != "" {
		_ = c.Publish(c.willTopic, true, []byte(availabilityOffline))
	}
	c.client.Disconnect(250)
}
