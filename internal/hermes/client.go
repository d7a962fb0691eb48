package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/MikeSquared-Agency/kiln/internal/events"
)

const (
	// SubjectMessageAppended carries user messages posted to a workspace from other services.
	SubjectMessageAppended = "kiln.workspace.message"
	// SubjectPublished carries cycles that replaced a workspace's file set.
	SubjectPublished = "kiln.generation.published"
	// SubjectFailed carries cycles that left the file set unchanged.
	SubjectFailed = "kiln.generation.failed"
	// SubjectRegistered announces the agent on start-up.
	SubjectRegistered = "kiln.agent.registered"
)

// MessageAppended is the inbound payload on SubjectMessageAppended.
type MessageAppended struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Text        string    `json:"text"`
}

// Registration is published on SubjectRegistered.
type Registration struct {
	Agent    string    `json:"agent"`
	Version  string    `json:"version"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	At       time.Time `json:"at"`
}

// SubjectFor picks the outbound subject for a cycle outcome.
func SubjectFor(o events.Outcome) string {
	if o.Published() {
		return SubjectPublished
	}
	return SubjectFailed
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("kiln"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// Notify publishes a finished cycle on the subject matching its outcome.
func (c *Client) Notify(_ context.Context, cycle events.Cycle) {
	subject := SubjectFor(cycle.Outcome)
	if err := c.Publish(subject, cycle); err != nil {
		c.logger.Error("failed to publish cycle",
			"subject", subject,
			"workspace_id", cycle.WorkspaceID,
			"error", err,
		)
	}
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
