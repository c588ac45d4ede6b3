package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"squeeze/internal/server/database"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestFileSystemStore_Save(t *testing.T) {
	ctx := context.Background()

	t.Run("saves file to disk", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		n, err := store.Save(ctx, "report.txt.zip", bytes.NewReader([]byte("test content")))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != 12 {
			t.Errorf("expected 12 bytes written, got %d", n)
		}

		content, err := os.ReadFile(filepath.Join(dir, "report.txt.zip"))
		if err != nil {
			t.Fatalf("failed to read saved file: %v", err)
		}
		if string(content) != "test content" {
			t.Errorf("expected 'test content', got %q", content)
		}
	})

	t.Run("saves large content", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		largeContent := strings.Repeat("x", 1024*1024) // 1MB
		n, err := store.Save(ctx, "large", strings.NewReader(largeContent))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != int64(len(largeContent)) {
			t.Errorf("expected %d bytes, got %d", len(largeContent), n)
		}
	})

	t.Run("failed write leaves nothing behind", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		if _, err := store.Save(ctx, "broken.zip", failingReader{}); err == nil {
			t.Fatal("expected error")
		}
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Errorf("expected empty directory, found %d entries", len(entries))
		}
	})

	t.Run("rejects path traversal", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())
		for _, name := range []string{"../escape", "a/b", `a\b`, "..", ""} {
			if _, err := store.Save(ctx, name, strings.NewReader("x")); !errors.Is(err, ErrInvalidName) {
				t.Errorf("Save(%q): expected ErrInvalidName, got %v", name, err)
			}
		}
	})
}

func TestFileSystemStore_Open(t *testing.T) {
	ctx := context.Background()

	t.Run("opens existing file", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)
		os.WriteFile(filepath.Join(dir, "test123.zip"), []byte("data"), 0644)

		rc, size, err := store.Open(ctx, "test123.zip")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer rc.Close()

		if size != 4 {
			t.Errorf("expected size 4, got %d", size)
		}
		body, _ := io.ReadAll(rc)
		if string(body) != "data" {
			t.Errorf("expected 'data', got %q", body)
		}
	})

	t.Run("returns ErrObjectNotFound for missing file", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())

		_, _, err := store.Open(ctx, "nonexistent")
		if !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("expected ErrObjectNotFound, got %v", err)
		}
	})
}

func TestFileSystemStore_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes existing file", func(t *testing.T) {
		dir := t.TempDir()
		store := NewFileSystemStore(dir)

		filePath := filepath.Join(dir, "del123.zip")
		os.WriteFile(filePath, []byte("data"), 0644)

		if err := store.Delete(ctx, "del123.zip"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(filePath); !os.IsNotExist(err) {
			t.Error("expected file to be deleted")
		}
	})

	t.Run("no error for missing file", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())

		if err := store.Delete(ctx, "nonexistent"); err != nil {
			t.Errorf("expected no error for missing file, got: %v", err)
		}
	})
}

func TestFileSystemStore_Init(t *testing.T) {
	t.Run("creates directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "storage", "path")
		store := NewFileSystemStore(dir)

		if err := store.Init(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("directory not created: %v", err)
		}
		if !info.IsDir() {
			t.Error("expected a directory")
		}
	})

	t.Run("succeeds if directory exists", func(t *testing.T) {
		store := NewFileSystemStore(t.TempDir())

		if err := store.Init(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestCleanupService_RemovesExpiredShares(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	repo.CreateArtifact(ctx, &database.Artifact{ID: "a1", Filename: "a1.zip"})

	now := time.Now()
	repo.CreateShare(ctx, &database.Share{ID: "old", ArtifactID: "a1", ExpiresAt: now.Add(-time.Hour)})
	repo.CreateShare(ctx, &database.Share{ID: "new", ArtifactID: "a1", ExpiresAt: now.Add(time.Hour)})

	cs := NewCleanupService(repo, time.Hour)
	cs.now = func() time.Time { return now }
	cs.runCleanup(ctx)

	if _, err := repo.GetShare(ctx, "old"); !errors.Is(err, database.ErrShareNotFound) {
		t.Errorf("expired share not removed: %v", err)
	}
	if _, err := repo.GetShare(ctx, "new"); err != nil {
		t.Errorf("live share removed: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cs.Start(runCtx)
	cancel()
	cs.Wait()
}
