// Package ingest wires the MQTT intake task to the decode/normalize/plan
// pipeline: it subscribes to the Sparkplug B topic tree, decodes each
// frame, resolves aliases, and hands the result to the repository.
package ingest

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/logger"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/metrics"
)

// MQTTSettings configures the broker connection and subscription. It is
// the ingest-task analogue of the teacher's MQTTClientConfig, trimmed to
// what a single always-subscribing consumer needs (no Last Will state
// topic, no primary/secondary host role).
type MQTTSettings struct {
	BrokerURLs     []string
	ClientID       string
	Username       string
	Password       string
	TopicFilter    string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool
	TLSCA          string

	QueueCapacity int
}

func (s *MQTTSettings) applyDefaults() {
	if s.KeepAlive <= 0 {
		s.KeepAlive = 30 * time.Second
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 10 * time.Second
	}
	if s.QueueCapacity <= 0 {
		s.QueueCapacity = 1000
	}
	if s.QoS == 0 {
		s.QoS = 1
	}
}

// rawMessage is one MQTT publish handed off to the pipeline goroutine.
type rawMessage struct {
	topic   string
	payload []byte
}

// MQTTClient owns the paho connection and the bounded channel that
// decouples the MQTT library's callback goroutine from frame
// processing. Messages arriving faster than the pipeline can drain are
// dropped, never blocked on, per the non-blocking delivery contract in
// §5's concurrency model.
type MQTTClient struct {
	settings MQTTSettings
	client   mqtt.Client
	messages chan rawMessage
	done     chan struct{}
}

// NewMQTTClient builds the client but does not connect; call Connect.
func NewMQTTClient(settings MQTTSettings) *MQTTClient {
	settings.applyDefaults()
	return &MQTTClient{
		settings: settings,
		messages: make(chan rawMessage, settings.QueueCapacity),
		done:     make(chan struct{}),
	}
}

// Messages returns the channel of raw MQTT publishes to be decoded. It
// is closed only by Close, after the underlying client disconnects.
func (c *MQTTClient) Messages() <-chan rawMessage {
	return c.messages
}

// Connect builds the paho client options, connects, and subscribes to
// the configured topic filter on every (re)connect. Grounded on the
// teacher's MQTTClientBuilder.CreateClient/ConnectWithRetry, with the
// Benthos metrics wrapping replaced by calls into this module's own
// Prometheus collectors.
func (c *MQTTClient) Connect(ctx context.Context) error {
	if len(c.settings.BrokerURLs) == 0 {
		return fmt.Errorf("mqtt: at least one broker URL is required")
	}

	opts := mqtt.NewClientOptions()
	for _, url := range c.settings.BrokerURLs {
		opts.AddBroker(url)
	}
	opts.SetClientID(c.settings.ClientID)
	opts.SetKeepAlive(c.settings.KeepAlive)
	opts.SetConnectTimeout(c.settings.ConnectTimeout)
	opts.SetCleanSession(c.settings.CleanSession)
	if c.settings.Username != "" {
		opts.SetUsername(c.settings.Username)
		opts.SetPassword(c.settings.Password)
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetDefaultPublishHandler(c.messageHandler)
	opts.SetAutoReconnect(true)

	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(c.settings.ConnectTimeout) {
		return fmt.Errorf("mqtt: connection timeout after %v", c.settings.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect failed: %w", err)
	}
	return nil
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	log := logger.For(logger.ComponentIngest)
	log.Infow("mqtt connected, subscribing", "topic_filter", c.settings.TopicFilter)

	token := client.Subscribe(c.settings.TopicFilter, c.settings.QoS, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		log.Errorw("mqtt subscribe failed", "error", err, "topic_filter", c.settings.TopicFilter)
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	logger.For(logger.ComponentIngest).Warnw("mqtt connection lost", "error", err)
}

// messageHandler is paho's default publish callback. It never blocks:
// a full queue drops the message and records the drop, trusting the
// broker's eventual next birth/data frame to re-establish state rather
// than stalling the MQTT client's read loop.
func (c *MQTTClient) messageHandler(client mqtt.Client, msg mqtt.Message) {
	select {
	case <-c.done:
		return
	default:
	}

	metrics.MQTTMessagesReceivedTotal.Inc()

	select {
	case c.messages <- rawMessage{topic: msg.Topic(), payload: msg.Payload()}:
	case <-c.done:
	default:
		metrics.MQTTMessagesDroppedTotal.Inc()
		logger.For(logger.ComponentIngest).Warnw("ingest queue full, dropping message", "topic", msg.Topic())
	}
}

// Publish sends a retained-false, QoS-1 message, used for outbound
// rebirth commands (NCMD/DCMD). It blocks up to ConnectTimeout for the
// broker to acknowledge delivery.
func (c *MQTTClient) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, c.settings.QoS, false, payload)
	if !token.WaitTimeout(c.settings.ConnectTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	return token.Error()
}

// Close disconnects the client and stops delivering to Messages.
func (c *MQTTClient) Close() {
	close(c.done)
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}
