package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/wachiwi/printer-cam/pkg/history"
)

const DefaultTopic = "printer-cam/motion"

// Config holds the broker settings. An empty Broker disables notifications.
type Config struct {
	// Broker is a URL such as tcp://mqtt.local:1883.
	Broker   string
	Topic    string
	User     string
	Password string
	ClientID string
	// Camera identifies this camera in published messages.
	Camera  string
	Timeout time.Duration
}

// Message is the JSON payload published for every snapshot attempt.
type Message struct {
	Camera    string    `json:"camera"`
	Snapshot  string    `json:"snapshot"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// publisher is the part of mqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes snapshot events to a broker.
type MQTT struct {
	client  publisher
	topic   string
	camera  string
	timeout time.Duration
	close   func()
}

// NewMQTT connects to the broker. The client reconnects on its own after
// connection loss.
func NewMQTT(cfg Config) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.New("no MQTT broker configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.User != "" && cfg.Password != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("connecting to MQTT broker %s: timed out", cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", cfg.Broker, err)
	}
	slog.Info("Connected to MQTT broker", "broker", cfg.Broker, "topic", topicOrDefault(cfg.Topic))

	m := newMQTT(client, cfg)
	m.close = func() { client.Disconnect(250) }
	return m, nil
}

func newMQTT(client publisher, cfg Config) *MQTT {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &MQTT{
		client:  client,
		topic:   topicOrDefault(cfg.Topic),
		camera:  cfg.Camera,
		timeout: cfg.Timeout,
		close:   func() {},
	}
}

func topicOrDefault(topic string) string {
	if topic == "" {
		return DefaultTopic
	}
	return topic
}

// Notify publishes event with QoS 1.
func (m *MQTT) Notify(ctx context.Context, event history.Event) error {
	payload, err := json.Marshal(Message{
		Camera:    m.camera,
		Snapshot:  event.Name,
		Status:    event.Status,
		Error:     event.Error,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		return err
	}

	token := m.client.Publish(m.topic, 1, false, payload)
	timeout := m.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publishing to %s: timed out", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", m.topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.close()
}
