package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tphakala/sentinel-console/internal/errors"
	"github.com/tphakala/sentinel-console/internal/logger"
	"github.com/tphakala/sentinel-console/internal/privacy"
)

const (
	defaultMQTTConnectTimeout = 30 * time.Second
	mqttDisconnectQuiesce     = 250 // milliseconds
	mqttBuffer                = 256
)

// ErrConnectionClosed is returned by ReadFrame after Close.
var ErrConnectionClosed = errors.NewStd("push connection closed")

// MQTTConfig configures an MQTTDialer.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker string
	// Topic is the prefix the backend relays push envelopes under.
	Topic    string
	Username string
	Password string
	ClientID string
	QoS      byte
	// ConnectTimeout bounds connect and subscribe.
	ConnectTimeout time.Duration
}

// MQTTDialer receives push envelopes relayed over an MQTT broker. The
// channel owns reconnects, so paho's own reconnect logic is disabled.
type MQTTDialer struct {
	log logger.Logger
	cfg MQTTConfig
}

// NewMQTTDialer validates cfg and returns a dialer.
func NewMQTTDialer(log logger.Logger, cfg MQTTConfig) (*MQTTDialer, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil || u.Host == "" {
		return nil, errors.Newf("invalid mqtt broker url %q", cfg.Broker).
			Component("transport").
			Category(errors.CategoryConfiguration).
			Build()
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return nil, errors.Newf("unsupported mqtt broker scheme %q", u.Scheme).
			Component("transport").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.Newf("mqtt topic is required").
			Component("transport").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.QoS > 2 {
		return nil, errors.Newf("mqtt qos must be 0, 1 or 2, got %d", cfg.QoS).
			Component("transport").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sentinel-console"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultMQTTConnectTimeout
	}
	return &MQTTDialer{log: log.Module("transport"), cfg: cfg}, nil
}

// Name implements Dialer.
func (d *MQTTDialer) Name() string { return "mqtt" }

// TopicFilter returns the subscription filter covering every push topic.
func (d *MQTTDialer) TopicFilter() string {
	return topicFilter(d.cfg.Topic)
}

func topicFilter(topic string) string {
	topic = strings.TrimSpace(topic)
	if strings.HasSuffix(topic, "#") {
		return topic
	}
	return strings.TrimSuffix(topic, "/") + "/#"
}

// Dial implements Dialer.
func (d *MQTTDialer) Dial(ctx context.Context) (Conn, error) {
	c := &mqttConn{
		msgs: make(chan []byte, mqttBuffer),
		lost: make(chan error, 1),
		done: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.cfg.Broker)
	// A unique suffix keeps a stale session from kicking the new one.
	opts.SetClientID(d.cfg.ClientID + "-" + uuid.NewString()[:8])
	opts.SetUsername(d.cfg.Username)
	opts.SetPassword(d.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(d.cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case c.lost <- err:
		default:
		}
	})

	c.client = mqtt.NewClient(opts)
	if err := wait(ctx, c.client.Connect(), d.cfg.ConnectTimeout); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", d.cfg.Broker, err)
	}

	filter := d.TopicFilter()
	tok := c.client.Subscribe(filter, d.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		payload := append([]byte(nil), m.Payload()...)
		select {
		case c.msgs <- payload:
		case <-c.done:
		}
	})
	if err := wait(ctx, tok, d.cfg.ConnectTimeout); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}

	d.log.Debug("mqtt subscribed", logger.String("broker", privacy.RedactURL(d.cfg.Broker)), logger.String("filter", filter))
	return c, nil
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-t.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mqttConn struct {
	client mqtt.Client
	msgs   chan []byte
	lost   chan error

	once sync.Once
	done chan struct{}
}

func (c *mqttConn) ReadFrame() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case err := <-c.lost:
		return nil, fmt.Errorf("mqtt connection lost: %w", err)
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}

func (c *mqttConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.client.Disconnect(mqttDisconnectQuiesce)
	})
	return nil
}
