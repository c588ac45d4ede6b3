package core

import (
	"context"
	"io"
	"sync/atomic"
)

// MeteredReader counts bytes read and stops with the context's error once
// the context is done. Count is safe to call from another goroutine.
type MeteredReader struct {
	ctx context.Context
	r   io.Reader
	n   atomic.Int64
}

func NewMeteredReader(ctx context.Context, r io.Reader) *MeteredReader {
	return &MeteredReader{ctx: ctx, r: r}
}

func (m *MeteredReader) Read(p []byte) (int, error) {
	if err := m.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := m.r.Read(p)
	m.n.Add(int64(n))
	return n, err
}

func (m *MeteredReader) Count() int64 { return m.n.Load() }

// MeteredWriter counts bytes written.
type MeteredWriter struct {
	w io.Writer
	n atomic.Int64
}

func NewMeteredWriter(w io.Writer) *MeteredWriter {
	return &MeteredWriter{w: w}
}

func (m *MeteredWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	m.n.Add(int64(n))
	return n, err
}

func (m *MeteredWriter) Count() int64 { return m.n.Load() }
