package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/events"
)

// Config holds broker connection settings.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	BufferSize     int
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// DefaultConfig returns connection defaults for broker.
func DefaultConfig(broker string) Config {
	return Config{
		Broker:         broker,
		ClientID:       "vivarium-controller",
		BufferSize:     500,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// Client publishes to and subscribes on an actual MQTT broker. Messages
// published while disconnected are buffered and replayed on reconnect.
type Client struct {
	client paho.Client
	cfg    Config
	log    *zap.Logger

	mu   sync.Mutex
	buf  *ringBuffer
	subs map[string]Handler
}

// NewClient connects to the broker. If the broker is unreachable within
// the connect timeout the client is still returned; it keeps retrying in
// the background and buffers outgoing messages meanwhile.
func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		cfg:  cfg,
		log:  log.Named("mqtt"),
		buf:  newRingBuffer(cfg.BufferSize),
		subs: make(map[string]Handler),
	}

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "connection lost"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(TopicSystem, string(will), 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.Warn("broker connection lost", zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		c.log.Warn("broker not reachable yet, buffering until connected", zap.String("broker", cfg.Broker))
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

func (c *Client) onConnect(pc paho.Client) {
	c.log.Info("connected to broker", zap.String("broker", c.cfg.Broker))

	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	pending := c.buf.drainAll()
	c.mu.Unlock()

	go func() {
		for topic, h := range subs {
			if err := c.subscribe(topic, h); err != nil {
				c.log.Error("resubscribe failed", zap.String("topic", topic), zap.Error(err))
			}
		}
		if len(pending) > 0 {
			c.log.Info("replaying buffered messages", zap.Int("count", len(pending)))
		}
		for _, m := range pending {
			if err := c.publish(m.topic, m.qos, m.retained, m.payload); err != nil {
				c.log.Warn("replay failed", zap.String("topic", m.topic), zap.Error(err))
			}
		}
	}()
}

// PublishEvent sends an event record, QoS 0.
func (c *Client) PublishEvent(r events.Record) error {
	payload, err := FormatEventPayload(r)
	if err != nil {
		return fmt.Errorf("format event payload: %w", err)
	}
	return c.publish(TopicEvents, 0, false, payload)
}

// PublishAlert sends an alert notification, QoS 1.
func (c *Client) PublishAlert(payload []byte) error {
	return c.publish(TopicAlerts, 1, false, payload)
}

// PublishSystem sends a system lifecycle event, QoS 1.
func (c *Client) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return c.publish(TopicSystem, 1, event.Retained, payload)
}

func (c *Client) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		c.mu.Lock()
		dropped := c.buf.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		c.mu.Unlock()
		if dropped {
			c.log.Warn("publish buffer full, dropping oldest", zap.Int("capacity", c.cfg.BufferSize))
		}
		return nil
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic. The subscription is renewed after
// every reconnect.
func (c *Client) Subscribe(topic string, h Handler) error {
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(topic, h)
}

func (c *Client) subscribe(topic string, h Handler) error {
	token := c.client.Subscribe(topic, 1, func(_ paho.Client, m paho.Message) {
		h(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a connection.
func (c *Client) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.len()
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.client.Disconnect(1000)
	return nil
}
