// Package hub routes job events to the Progress Channel subscribed for each
// job. Progress frames are delivered best effort; the terminal frame of a
// job is retained for a while and replayed to late subscribers.
package hub

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"squeeze/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer    = 64
	writeWait     = 10 * time.Second
	readIdleLimit = 90 * time.Second
	terminalWait  = time.Second

	DefaultRetention = 10 * time.Minute
)

var ErrTerminated = errors.New("job already reported a terminal event")

type retained struct {
	frame []byte
	at    time.Time
}

type subscriber struct {
	jobID string
	send  chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub tracks one subscriber per job id. A new subscription for the same id
// replaces the previous one.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]*subscriber
	terminals map[string]retained
	retention time.Duration
	now       func() time.Time
	log       *slog.Logger
	upgrader  websocket.Upgrader
}

// New creates a hub that retains terminal frames for retention, or
// DefaultRetention when retention is not positive.
func New(retention time.Duration, logger *slog.Logger) *Hub {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:      make(map[string]*subscriber),
		terminals: make(map[string]retained),
		retention: retention,
		now:       time.Now,
		log:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish encodes ev and hands it to the job's subscriber, if any. Only the
// first terminal event per job is accepted.
func (h *Hub) Publish(jobID string, ev protocol.Event) error {
	frame, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.pruneLocked()
	if _, done := h.terminals[jobID]; done {
		h.mu.Unlock()
		h.log.Warn("dropping event after terminal", "job_id", jobID, "type", ev.Type())
		return ErrTerminated
	}
	if ev.Terminal() {
		h.terminals[jobID] = retained{frame: frame, at: h.now()}
	}
	sub := h.subs[jobID]
	h.mu.Unlock()

	if sub == nil {
		return nil
	}

	if !ev.Terminal() {
		select {
		case sub.send <- frame:
		case <-sub.done:
		default:
			h.log.Debug("subscriber slow, progress dropped", "job_id", jobID)
		}
		return nil
	}

	timer := time.NewTimer(terminalWait)
	defer timer.Stop()
	select {
	case sub.send <- frame:
	case <-sub.done:
	case <-timer.C:
		// still retained for the next subscription
		h.log.Warn("subscriber not draining, terminal frame left for replay", "job_id", jobID)
	}
	return nil
}

// Subscribed reports whether a Progress Channel is open for the job.
func (h *Hub) Subscribed(jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[jobID]
	return ok
}

// Terminated reports whether the job's terminal event is still retained.
func (h *Hub) Terminated(jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	_, ok := h.terminals[jobID]
	return ok
}

func (h *Hub) subscribe(jobID string) *subscriber {
	sub := &subscriber{
		jobID: jobID,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.pruneLocked()
	old := h.subs[jobID]
	h.subs[jobID] = sub
	if t, ok := h.terminals[jobID]; ok {
		sub.send <- t.frame
	}
	h.mu.Unlock()

	if old != nil {
		h.log.Info("progress channel replaced", "job_id", jobID)
		old.close()
	}
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if h.subs[sub.jobID] == sub {
		delete(h.subs, sub.jobID)
	}
	h.mu.Unlock()
	sub.close()
}

func (h *Hub) pruneLocked() {
	cutoff := h.now().Add(-h.retention)
	for id, t := range h.terminals {
		if t.at.Before(cutoff) {
			delete(h.terminals, id)
		}
	}
}

// Serve upgrades the request to a websocket and runs the Progress Channel
// for jobID until either side closes it.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, jobID string) error {
	// Subscribed before the handshake completes, so the client never sees an
	// open channel that events cannot reach yet.
	sub := h.subscribe(jobID)
	defer h.unsubscribe(sub)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	h.log.Info("progress channel opened", "job_id", jobID, "remote", r.RemoteAddr)

	pongs := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	go func() {
		readErr <- h.readLoop(conn, pongs)
	}()

	for {
		select {
		case frame := <-sub.send:
			if err := write(conn, frame); err != nil {
				return err
			}
		case <-pongs:
			if err := write(conn, []byte(protocol.Pong)); err != nil {
				return err
			}
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("progress channel read error", "job_id", jobID, "error", err)
			}
			h.log.Info("progress channel closed", "job_id", jobID)
			return nil
		case <-sub.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"),
				time.Now().Add(writeWait))
			return nil
		}
	}
}

// readLoop answers liveness probes. Any other client frame is ignored.
func (h *Hub) readLoop(conn *websocket.Conn, pongs chan<- struct{}) error {
	conn.SetReadDeadline(time.Now().Add(readIdleLimit))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readIdleLimit))
		if mt == websocket.TextMessage && string(data) == protocol.Ping {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

func write(conn *websocket.Conn, frame []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}
