package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs    []published
	fail    error
	drained bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.fail != nil {
		return f.fail
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNATS_Notify(t *testing.T) {
	conn := &fakeConn{}
	n := NewNATSWithConn(conn, "squeeze.jobs", slog.New(slog.NewTextHandler(io.Discard, nil)))

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := n.Notify(context.Background(), JobEvent{JobID: "j1", Type: "completed", Algorithm: "lz77", ArtifactName: "a.lz77", At: at})
	require.NoError(t, err)

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "squeeze.jobs.completed", conn.msgs[0].subject)

	var got JobEvent
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &got))
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, "a.lz77", got.ArtifactName)
	assert.True(t, at.Equal(got.At))

	n.Close()
	assert.True(t, conn.drained)
}

func TestNATS_NotifyErrors(t *testing.T) {
	conn := &fakeConn{fail: errors.New("nats: connection closed")}
	n := NewNATSWithConn(conn, "squeeze.jobs", slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := n.Notify(context.Background(), JobEvent{JobID: "j1", Type: "error"})
	assert.ErrorContains(t, err, "squeeze.jobs.error")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Notify(ctx, JobEvent{JobID: "j2", Type: "stopped"}), context.Canceled)
}

func TestNoop(t *testing.T) {
	var n Notifier = Noop{}
	assert.NoError(t, n.Notify(context.Background(), JobEvent{}))
	n.Close()
}
