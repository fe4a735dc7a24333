package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MessageHandler processes one message. Returned errors are logged; the
// subscription keeps running.
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// HandlerTimeout bounds each message's processing. Zero means 30s.
	HandlerTimeout time.Duration
}

type Client struct {
	client paho.Client
	cfg    Config
	logger zerolog.Logger
}

// Connect dials the broker with auto-reconnect enabled.
func Connect(cfg Config, logger zerolog.Logger) (*Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	logger = logger.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger()
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn().Err(err).Msg("connection lost")
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info().Msg("connected")
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	return &Client{client: client, cfg: cfg, logger: logger}, nil
}

// Subscribe routes messages on topic to handler. Each message gets its own
// context derived from ctx.
func (c *Client) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, c.cfg.QoS, Dispatch(ctx, handler, c.cfg.HandlerTimeout, c.logger))
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}
	c.logger.Info().Str("topic", topic).Msg("subscribed")
	return nil
}

// Dispatch adapts a MessageHandler to a paho callback.
func Dispatch(ctx context.Context, handler MessageHandler, timeout time.Duration, logger zerolog.Logger) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		if ctx.Err() != nil {
			return
		}
		msgCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := handler(msgCtx, msg.Topic(), msg.Payload()); err != nil {
			logger.Error().Err(err).Str("topic", msg.Topic()).Msg("message handling failed")
		}
	}
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect waits up to 250ms for in-flight work.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}
