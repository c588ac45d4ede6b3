package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrObjectNotFound = errors.New("stored object not found")
	ErrInvalidName    = errors.New("invalid object name")
)

// Store defines the interface for artifact storage backends.
type Store interface {
	// Save writes data under name and returns the number of bytes written.
	// A failed Save leaves nothing behind.
	Save(ctx context.Context, name string, data io.Reader) (int64, error)
	// Open returns the object and its size.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, name string) error
	// Init prepares the backend (creates directories, checks the bucket).
	Init(ctx context.Context) error
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// FileSystemStore stores artifacts on the local filesystem.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// Init creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) Init(_ context.Context) error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save writes to a temporary file and renames it into place once complete.
func (fs *FileSystemStore) Save(ctx context.Context, name string, data io.Reader) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(fs.basePath, ".partial-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create file for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := os.Rename(tmp.Name(), fs.filePath(name)); err != nil {
		return 0, fmt.Errorf("failed to store %s: %w", name, err)
	}
	return n, nil
}

func (fs *FileSystemStore) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	if err := validateName(name); err != nil {
		return nil, 0, err
	}

	f, err := os.Open(fs.filePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
		}
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat file: %w", err)
	}
	return f, info.Size(), nil
}

// Delete removes a stored artifact. Deleting a missing one is not an error.
func (fs *FileSystemStore) Delete(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	filePath := fs.filePath(name)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	return nil
}

func (fs *FileSystemStore) filePath(name string) string {
	return filepath.Join(fs.basePath, name)
}
