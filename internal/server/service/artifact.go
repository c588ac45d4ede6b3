package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"squeeze/internal/core"
	"squeeze/internal/protocol"
	"squeeze/internal/server/database"
	"squeeze/internal/server/storage"
)

const restoredSuffix = ".restored"

// ArtifactService serves, deletes and restores compressed artifacts.
type ArtifactService struct {
	repo        database.ArtifactRepository
	store       storage.Store
	log         *slog.Logger
	memoryLimit int64
}

func NewArtifactService(repo database.ArtifactRepository, store storage.Store, logger *slog.Logger) *ArtifactService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactService{repo: repo, store: store, log: logger, memoryLimit: DefaultMemoryLimit}
}

// SetMemoryLimit caps the artifacts Decompress will load. Non-positive
// values keep the default.
func (s *ArtifactService) SetMemoryLimit(n int64) {
	if n > 0 {
		s.memoryLimit = n
	}
}

func toArtifactInfo(a *database.Artifact) protocol.ArtifactInfo {
	return protocol.ArtifactInfo{
		ID:               a.ID,
		Filename:         a.Filename,
		OriginalName:     a.OriginalName,
		Algorithm:        protocol.Algorithm(a.Algorithm),
		OriginalSize:     a.OriginalSize,
		CompressedSize:   a.CompressedSize,
		CompressionRatio: a.CompressionRatio,
		CreatedAt:        a.CreatedAt,
		IsEncrypted:      a.IsEncrypted,
	}
}

func (s *ArtifactService) List(ctx context.Context) ([]protocol.ArtifactInfo, error) {
	artifacts, err := s.repo.ListArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ArtifactInfo, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, toArtifactInfo(a))
	}
	return out, nil
}

// Open streams an artifact, or a decompression result, by file name. The
// caller closes the reader.
func (s *ArtifactService) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	if _, err := s.repo.GetArtifactByFilename(ctx, name); err != nil {
		if !errors.Is(err, database.ErrArtifactNotFound) {
			return nil, 0, err
		}
		if !strings.HasSuffix(name, restoredSuffix) {
			return nil, 0, ErrArtifactNotFound
		}
	}
	return s.openObject(ctx, name)
}

func (s *ArtifactService) openObject(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	rc, size, err := s.store.Open(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidName) {
			return nil, 0, ErrArtifactNotFound
		}
		return nil, 0, err
	}
	return rc, size, nil
}

// Delete removes the artifact record, its shares and its stored object.
func (s *ArtifactService) Delete(ctx context.Context, id string) error {
	a, err := s.repo.GetArtifact(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrArtifactNotFound) {
			return ErrArtifactNotFound
		}
		return err
	}

	if err := s.repo.DeleteArtifact(ctx, id); err != nil {
		return fmt.Errorf("failed to delete artifact record: %w", err)
	}
	// The record is gone, so a leftover object is only wasted space.
	if err := s.store.Delete(ctx, a.Filename); err != nil {
		s.log.Error("failed to delete artifact from storage", "id", id, "error", err)
	}

	s.log.Info("artifact deleted", "id", id, "filename", a.Filename)
	return nil
}

// Decompress restores an artifact with the algorithm that produced it and
// stores the result as <original>.restored.
func (s *ArtifactService) Decompress(ctx context.Context, name string, req protocol.DecompressRequest) (*protocol.DecompressResult, error) {
	a, err := s.repo.GetArtifactByFilename(ctx, name)
	if err != nil {
		if errors.Is(err, database.ErrArtifactNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}

	alg := protocol.Algorithm(a.Algorithm)
	if req.Algorithm != "" && req.Algorithm != alg {
		return nil, fmt.Errorf("%w: %s was compressed with %s", ErrAlgorithmMismatch, name, alg.DisplayName())
	}
	codec, err := core.New(alg)
	if err != nil {
		return nil, err
	}
	if a.IsEncrypted && req.EncryptionKey == "" {
		return nil, ErrKeyRequired
	}

	rc, _, err := s.openObject(ctx, a.Filename)
	if err != nil {
		return nil, err
	}
	data, err := readAllLimited(rc, s.memoryLimit)
	rc.Close()
	if err != nil {
		if errors.Is(err, ErrTooLargeInMemory) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	if a.IsEncrypted {
		data, err = core.Decrypt(data, req.EncryptionKey)
		if err != nil {
			if errors.Is(err, core.ErrWrongKey) {
				return nil, ErrWrongKey
			}
			return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
		}
	}
	if alg == protocol.AlgorithmZip {
		if _, err := measureZip(data); err != nil {
			return nil, err
		}
	}

	resultName := a.OriginalName + restoredSuffix
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(codec.Decompress(pw, bytes.NewReader(data)))
	}()
	size, err := s.store.Save(ctx, resultName, pr)
	pr.Close()
	if err != nil {
		if errors.Is(err, core.ErrCorruptInput) {
			return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
		}
		return nil, fmt.Errorf("failed to store %s: %w", resultName, err)
	}

	s.log.Info("artifact decompressed", "artifact", a.Filename, "result", resultName, "size", size)
	return &protocol.DecompressResult{ResultName: resultName, Size: size}, nil
}
