package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"squeeze/internal/protocol"

	"github.com/gorilla/websocket"
)

// Frame is one message received on a Progress Channel.
type Frame struct {
	Event protocol.Event
	// Pong marks a liveness reply.
	Pong bool
	// Invalid holds the decode error of a frame that could not be parsed.
	Invalid error
}

// Channel is an open Progress Channel for one job.
type Channel interface {
	// Receive blocks until the next frame arrives or the channel fails.
	Receive() (Frame, error)
	Ping() error
	Close() error
}

// Dialer opens a Progress Channel scoped to a job id.
type Dialer interface {
	Dial(ctx context.Context, jobID string) (Channel, error)
}

// WSDialer dials the server's websocket endpoint /ws/jobs/{id}.
type WSDialer struct {
	baseURL string
	dialer  *websocket.Dialer
}

// NewWSDialer derives the websocket URL from the server's HTTP base URL.
func NewWSDialer(serverURL string, handshakeTimeout time.Duration) (*WSDialer, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	return &WSDialer{
		baseURL: u.String(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}, nil
}

func (d *WSDialer) Dial(ctx context.Context, jobID string) (Channel, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.baseURL+"/ws/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsChannel) Receive() (Frame, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}

		switch string(data) {
		case protocol.Pong:
			return Frame{Pong: true}, nil
		case protocol.Ping:
			c.write(protocol.Pong)
			continue
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			return Frame{Invalid: err}, nil
		}
		return Frame{Event: ev}, nil
	}
}

func (c *wsChannel) Ping() error {
	return c.write(protocol.Ping)
}

func (c *wsChannel) write(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *wsChannel) Close() error {
	// Best effort: the peer may already be gone.
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
