package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/knowledgepitt/server/internal/core"
)

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("knowledgepitt"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

type jsonPublisher interface {
	PublishJSON(subject string, v any) error
}

// NATSObserver publishes every status event to one subject.
type NATSObserver struct {
	pub     jsonPublisher
	subject string
	logger  *slog.Logger
	now     func() time.Time
}

func NewNATSObserver(pub jsonPublisher, subject string, logger *slog.Logger) *NATSObserver {
	if subject == "" {
		subject = "knowledgepitt.jobs.status"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSObserver{pub: pub, subject: subject, logger: logger.With("component", "nats"), now: time.Now}
}

func (o *NATSObserver) ID() string { return "nats" }

func (o *NATSObserver) Deliver(event core.StatusEvent) error {
	if err := o.pub.PublishJSON(o.subject, NewMessage(event, o.now())); err != nil {
		return fmt.Errorf("publish to %s: %w", o.subject, err)
	}
	o.logger.Debug("event published", "subject", o.subject, "job_id", event.JobID, "status", event.Status)
	return nil
}
