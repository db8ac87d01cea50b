// Package bus wraps the NATS connection used to broadcast playback
// events. Events are transient broadcast, not durable work queues, so
// the client stays on core NATS publish/subscribe.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/voxread-labs/voxread-core/internal/config"
)

// Client wraps a NATS connection with JSON publish helpers.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("voxread-runtime"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{conn: conn, log: log}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// PublishJSON marshals v and publishes it on the subject.
func (c *Client) PublishJSON(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeJSON delivers decoded messages on subject to handler until
// the subscription is unsubscribed. Decode failures are logged and the
// message dropped.
func SubscribeJSON[T any](c *Client, subject string, handler func(T)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			c.log.Warn("dropping undecodable bus message",
				slog.String("subject", subject),
				slog.String("error", err.Error()))
			return
		}
		handler(v)
	})
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
