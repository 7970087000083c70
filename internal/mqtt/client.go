package mqtt

import (
	"context"
	"errors"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type ClientOptions struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	Clean     bool
	KeepAlive int

	// StatusTopic receives a retained "online" on every connect and is the
	// last will ("offline") when the connection drops.
	StatusTopic string
}

type Client struct {
	c    mqtt.Client
	opts *mqtt.ClientOptions
	log  zerolog.Logger
}

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

func NewClient(o ClientOptions, logger zerolog.Logger) (*Client, error) {
	if o.Broker == "" {
		return nil, errors.New("broker required")
	}
	broker := o.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions().AddBroker(broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}
	opts.SetCleanSession(o.Clean)
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30
	}
	opts.SetKeepAlive(time.Duration(o.KeepAlive) * time.Second)
	if o.StatusTopic != "" {
		opts.SetWill(o.StatusTopic, statusOffline, 1, true)
	}

	cl := &Client{opts: opts, log: logger.With().Str("component", "mqtt").Logger()}

	// paho reconnects with its own backoff
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(mc mqtt.Client) {
		cl.log.Info().Str("broker", broker).Str("client_id", o.ClientID).Msg("mqtt connected")
		if o.StatusTopic != "" {
			mc.Publish(o.StatusTopic, 1, true, statusOnline)
		}
	})
	opts.SetConnectionLostHandler(func(mc mqtt.Client, err error) {
		cl.log.Warn().Err(err).Str("broker", broker).Str("client_id", o.ClientID).Msg("mqtt connection lost; will auto-reconnect")
	})

	cl.c = mqtt.NewClient(opts)
	return cl, nil
}

func (c *Client) Connect(ctx context.Context) error {
	return wait(ctx, c.c.Connect())
}

func (c *Client) IsConnected() bool {
	return c.c != nil && c.c.IsConnected()
}

// Disconnect publishes the offline status, when configured, and closes the
// connection.
func (c *Client) Disconnect() {
	if c.c == nil || !c.c.IsConnectionOpen() {
		return
	}
	if w := c.opts.WillTopic; w != "" {
		c.c.Publish(w, 1, true, statusOffline).WaitTimeout(250 * time.Millisecond)
	}
	c.c.Disconnect(250)
}

func (c *Client) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	return wait(ctx, c.c.Publish(topic, qos, retain, payload))
}

func wait(ctx context.Context, t mqtt.Token) error {
	for {
		if t.WaitTimeout(100 * time.Millisecond) {
			return t.Error()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
