// Package keystore remembers the encryption key of each encrypted artifact so
// it can be supplied again at decompression time.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrEmptyArtifact = errors.New("artifact id is required")

// Record associates an artifact with its encryption key.
type Record struct {
	ArtifactID string
	Key        string
	CreatedAt  time.Time
}

// Backend persists records. Implementations must be safe for concurrent use.
type Backend interface {
	Put(ctx context.Context, rec Record) error
	// Get returns found=false when no record exists.
	Get(ctx context.Context, artifactID string) (rec Record, found bool, err error)
	Delete(ctx context.Context, artifactID string) error
	List(ctx context.Context) ([]Record, error)
}

// Registry is the Encryption Key Registry. A missing record means the
// artifact is not encrypted.
type Registry struct {
	backend Backend
	now     func() time.Time
}

func New(backend Backend) *Registry {
	return &Registry{backend: backend, now: time.Now}
}

// Register stores key for artifactID, replacing any previous key.
func (r *Registry) Register(ctx context.Context, artifactID, key string) error {
	if artifactID == "" {
		return ErrEmptyArtifact
	}
	if key == "" {
		return fmt.Errorf("empty key for artifact %s", artifactID)
	}
	return r.backend.Put(ctx, Record{ArtifactID: artifactID, Key: key, CreatedAt: r.now().UTC()})
}

// Lookup returns the key for artifactID, or found=false if none is registered.
func (r *Registry) Lookup(ctx context.Context, artifactID string) (key string, found bool, err error) {
	rec, found, err := r.backend.Get(ctx, artifactID)
	if err != nil || !found {
		return "", false, err
	}
	return rec.Key, true, nil
}

func (r *Registry) Forget(ctx context.Context, artifactID string) error {
	return r.backend.Delete(ctx, artifactID)
}

func (r *Registry) List(ctx context.Context) ([]Record, error) {
	return r.backend.List(ctx)
}

// Memory is an in-process Backend.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ArtifactID] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, artifactID string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[artifactID]
	return rec, ok, nil
}

func (m *Memory) Delete(_ context.Context, artifactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, artifactID)
	return nil
}

func (m *Memory) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
