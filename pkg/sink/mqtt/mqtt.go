// Package mqtt provides a [sink.Sink] that publishes engine events to an
// MQTT broker. Notes and rhythm analyses are published as JSON under
// separate subtopics so consumers can subscribe to either stream alone.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/seminote/engine/pkg/sink"
)

const (
	defaultTopic          = "seminote/events"
	defaultConnectTimeout = 5 * time.Second
	defaultPublishTimeout = time.Second
)

// Config holds broker connection settings.
type Config struct {
	// BrokerURL is the broker address (e.g., "tcp://localhost:1883").
	BrokerURL string

	// ClientID identifies this engine instance to the broker.
	ClientID string

	// Topic is the topic prefix; notes go to Topic+"/notes" and rhythm
	// analyses to Topic+"/rhythm". Default: "seminote/events".
	Topic string

	// QoS is the MQTT delivery guarantee level (0-2).
	QoS byte

	// Username and Password authenticate to the broker if required.
	Username string
	Password string

	// ConnectTimeout bounds the initial broker connection. Default: 5s.
	ConnectTimeout time.Duration

	// PublishTimeout bounds each publish. Default: 1s.
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = defaultTopic
	}
	if c.ClientID == "" {
		c.ClientID = "seminote-engine"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	return c
}

// Sink publishes engine events to an MQTT broker. It reconnects
// automatically after broker outages; publishes during an outage fail fast
// rather than queueing.
type Sink struct {
	client paho.Client
	cfg    Config
}

var _ sink.Sink = (*Sink)(nil)

// New connects to the broker and returns a ready sink.
func New(cfg Config) (*Sink, error) {
	cfg = cfg.withDefaults()

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Warn("mqtt connection lost", "broker", cfg.BrokerURL, "error", err)
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		slog.Info("mqtt connected", "broker", cfg.BrokerURL, "client_id", cfg.ClientID)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect to %q: timeout after %v", cfg.BrokerURL, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %q: %w", cfg.BrokerURL, err)
	}

	return &Sink{client: client, cfg: cfg}, nil
}

// PublishNote publishes msg as JSON to the notes subtopic.
func (s *Sink) PublishNote(ctx context.Context, msg sink.NoteMessage) error {
	return s.publish(ctx, s.cfg.Topic+"/notes", msg)
}

// PublishRhythm publishes msg as JSON to the rhythm subtopic.
func (s *Sink) PublishRhythm(ctx context.Context, msg sink.RhythmMessage) error {
	return s.publish(ctx, s.cfg.Topic+"/rhythm", msg)
}

func (s *Sink) publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mqtt: marshal payload for %q: %w", topic, err)
	}

	timeout := s.cfg.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	token := s.client.Publish(topic, s.cfg.QoS, false, data)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt: publish to %q: timeout after %v", topic, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %q: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker, allowing a short drain for in-flight
// publishes.
func (s *Sink) Close() error {
	s.client.Disconnect(250)
	return nil
}
