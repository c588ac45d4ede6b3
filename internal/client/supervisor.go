package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultReconnectAttempts = 3
	DefaultReconnectBackoff  = time.Second
)

// Supervisor keeps a Progress Channel alive: it probes liveness on a fixed
// interval and re-dials a lost channel a bounded number of times.
type Supervisor struct {
	Interval    time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Logger      *slog.Logger
}

func (s *Supervisor) interval() time.Duration {
	if s.Interval <= 0 {
		return DefaultHeartbeatInterval
	}
	return s.Interval
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Reconnect dials a fresh channel for jobID, waiting Backoff before each
// attempt. Missed events are not replayed. When every attempt fails the
// returned error wraps ErrConnectivity.
func (s *Supervisor) Reconnect(ctx context.Context, jobID string, dialer Dialer) (Channel, error) {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultReconnectAttempts
	}
	backoff := s.Backoff
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		ch, err := dialer.Dial(ctx, jobID)
		if err == nil {
			s.logger().Info("progress channel re-established", "job_id", jobID, "attempt", attempt)
			return ch, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		s.logger().Warn("reconnect attempt failed", "job_id", jobID, "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectivity, attempts, lastErr)
}

// heartbeat tracks outstanding liveness probes on the current channel. A
// missing reply is only reported, never acted on.
type heartbeat struct {
	jobID    string
	log      *slog.Logger
	awaiting bool
	missed   int
}

func (h *heartbeat) tick(ch Channel) {
	if h.awaiting {
		h.missed++
		h.log.Info("no liveness reply since last probe", "job_id", h.jobID, "missed", h.missed)
	}
	if err := ch.Ping(); err != nil {
		h.log.Debug("liveness probe not sent", "job_id", h.jobID, "error", err)
		return
	}
	h.awaiting = true
}

func (h *heartbeat) pong() {
	h.awaiting = false
	h.missed = 0
}

// reset forgets probes sent on a previous channel.
func (h *heartbeat) reset() {
	h.awaiting = false
	h.missed = 0
}
