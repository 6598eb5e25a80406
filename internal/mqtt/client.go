// Package mqtt wraps the paho client for both broker connections and routes
// inbound subscriptions into the pipeline.
package mqtt

import (
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"sensornet/auth-gateway/internal/config"
)

// Client is a thin connection wrapper around paho. Publishes are safe from
// any goroutine.
type Client struct {
	conn paho.Client
	log  *slog.Logger
}

// Dial connects to a broker and blocks until the session is up.
func Dial(broker config.Broker, clientID string, log *slog.Logger) (*Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker.URI()).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second)

	if broker.Username != "" {
		opts = opts.SetUsername(broker.Username).SetPassword(broker.Password)
	}

	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Warn("mqtt connection lost", "broker", broker.URI(), "error", err)
	}
	opts.OnConnect = func(_ paho.Client) {
		log.Info("mqtt connected", "broker", broker.URI(), "client_id", clientID)
	}

	conn := paho.NewClient(opts)
	if token := conn.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect %s: %w", broker.URI(), token.Error())
	}

	return &Client{conn: conn, log: log}, nil
}

// Publish sends a payload at QoS 0 and waits for the client to accept it.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.conn.Publish(topic, 0, false, payload)
	token.Wait()

	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	return nil
}

// Subscribe registers a handler for a topic at QoS 0. Handlers run on paho's
// transport goroutines.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := c.conn.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()

	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	return nil
}

// Disconnect closes the session, allowing a short drain.
func (c *Client) Disconnect() {
	c.conn.Disconnect(250)
}
