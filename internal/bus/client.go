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

	"github.com/openstt/openstt/internal/config"
	"github.com/openstt/openstt/internal/protocol"
)

// Client wraps the NATS connection with JSON publish helpers for the
// daemon's event subjects.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("opensttd"),
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

	return &Client{
		conn: conn,
		log:  log,
	}, nil
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

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}

// PublishJSON marshals payload and publishes it on subject. Event publishing
// is best-effort; callers treat a bus failure as non-fatal.
func (c *Client) PublishJSON(subject string, payload any) error {
	if c == nil || c.conn == nil {
		return errors.New("bus client not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *Client) PublishRevision(rev protocol.TranscriptRevision) error {
	subject := protocol.SubjectRevisionPartial
	if rev.Kind == protocol.RevisionCommitted {
		subject = protocol.SubjectRevisionCommitted
	}
	return c.PublishJSON(subject, rev)
}

func (c *Client) PublishDictationState(ev protocol.DictationStateEvent) error {
	return c.PublishJSON(protocol.SubjectDictationState, ev)
}

func (c *Client) PublishDownloadProgress(p protocol.DownloadProgress) error {
	return c.PublishJSON(protocol.SubjectDownloadProgress, p)
}

// SubscribeJSON delivers decoded messages on subject until the subscription
// is unsubscribed. Decode failures are logged and dropped.
func SubscribeJSON[T any](c *Client, subject string, handler func(T)) (*nats.Subscription, error) {
	if c == nil || c.conn == nil {
		return nil, errors.New("bus client not connected")
	}
	return c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var payload T
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.log.Warn("dropping undecodable bus message",
				slog.String("subject", subject),
				slog.String("error", err.Error()))
			return
		}
		handler(payload)
	})
}
