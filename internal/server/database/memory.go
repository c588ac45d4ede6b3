package database

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Store used when no DATABASE_URL is
// configured, and in tests.
type MemoryRepository struct {
	mu        sync.Mutex
	artifacts map[string]*Artifact
	shares    map[string]*Share
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		artifacts: make(map[string]*Artifact),
		shares:    make(map[string]*Share),
	}
}

func (m *MemoryRepository) CreateArtifact(_ context.Context, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[a.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.artifacts {
		if existing.Filename == a.Filename {
			return ErrDuplicate
		}
	}
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetArtifact(_ context.Context, id string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) GetArtifactByFilename(_ context.Context, filename string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.artifacts {
		if a.Filename == filename {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrArtifactNotFound
}

func (m *MemoryRepository) ListArtifacts(_ context.Context) ([]*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Artifact, 0, len(m.artifacts))
	for _, a := range m.artifacts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) DeleteArtifact(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[id]; !ok {
		return ErrArtifactNotFound
	}
	delete(m.artifacts, id)
	for sid, s := range m.shares {
		if s.ArtifactID == id {
			delete(m.shares, sid)
		}
	}
	return nil
}

func (m *MemoryRepository) CreateShare(_ context.Context, s *Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[s.ArtifactID]; !ok {
		return ErrArtifactNotFound
	}
	if _, ok := m.shares[s.ID]; ok {
		return ErrDuplicate
	}
	cp := *s
	m.shares[s.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetShare(_ context.Context, id string) (*Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[id]
	if !ok {
		return nil, ErrShareNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) ConsumeShare(_ context.Context, id string, now time.Time) (*Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shares[id]
	if !ok {
		return nil, ErrShareUnavailable
	}
	if now.After(s.ExpiresAt) || s.Exhausted() {
		return nil, ErrShareUnavailable
	}
	s.CurrentDownloads++
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) ListShares(_ context.Context) ([]*Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Share, 0, len(m.shares))
	for _, s := range m.shares {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) DeleteShare(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shares[id]; !ok {
		return ErrShareNotFound
	}
	delete(m.shares, id)
	return nil
}

func (m *MemoryRepository) DeleteExpiredShares(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.shares {
		if now.After(s.ExpiresAt) {
			delete(m.shares, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) GetStats(_ context.Context, now time.Time) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{TotalArtifacts: int64(len(m.artifacts))}
	for _, a := range m.artifacts {
		stats.StorageUsed += a.CompressedSize
	}
	for _, s := range m.shares {
		if !now.After(s.ExpiresAt) {
			stats.ActiveShares++
		}
		stats.TotalDownloads += int64(s.CurrentDownloads)
	}
	return stats, nil
}

var (
	_ Store = (*MemoryRepository)(nil)
	_ Store = (*Repository)(nil)
)
