// Package notify announces job outcomes to other services. The job server
// publishes one message per terminal event; nothing in the server depends on
// delivery.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// JobEvent is the message published when a job reaches a terminal state.
type JobEvent struct {
	JobID        string    `json:"jobId"`
	Type         string    `json:"type"`
	Algorithm    string    `json:"algorithm"`
	ArtifactName string    `json:"artifactName,omitempty"`
	Message      string    `json:"message,omitempty"`
	At           time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev JobEvent) error
	Close()
}

// Noop discards every event. Used when no broker is configured.
type Noop struct{}

func (Noop) Notify(context.Context, JobEvent) error { return nil }
func (Noop) Close()                                 {}

// Publisher is the subset of *nats.Conn the NATS notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATS publishes job events as JSON on a core NATS subject.
type NATS struct {
	conn    Publisher
	subject string
	logger  *slog.Logger
}

// NewNATS connects to url and keeps reconnecting in the background for the
// lifetime of the server.
func NewNATS(url, subject string, logger *slog.Logger) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("squeeze-server"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSWithConn(conn, subject, logger), nil
}

func NewNATSWithConn(conn Publisher, subject string, logger *slog.Logger) *NATS {
	return &NATS{conn: conn, subject: subject, logger: logger}
}

// Notify publishes ev on <subject>.<type>.
func (n *NATS) Notify(ctx context.Context, ev JobEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	subject := n.subject + "." + ev.Type
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	n.logger.Debug("job event published", "subject", subject, "job_id", ev.JobID)
	return nil
}

func (n *NATS) Close() {
	if err := n.conn.Drain(); err != nil {
		n.logger.Warn("NATS drain failed", "error", err)
	}
}
