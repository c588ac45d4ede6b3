package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"squeeze/internal/protocol"
	"squeeze/internal/server/database"
	"squeeze/internal/server/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(n int) *int { return &n }

type shareFixture struct {
	svc   *ShareService
	repo  *database.MemoryRepository
	store *storage.FileSystemStore
	now   time.Time
}

func newShareFixture(t *testing.T) *shareFixture {
	t.Helper()
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	store := storage.NewFileSystemStore(t.TempDir())

	_, err := store.Save(ctx, "report.txt.lz77", strings.NewReader("compressed bytes"))
	require.NoError(t, err)
	require.NoError(t, repo.CreateArtifact(ctx, &database.Artifact{
		ID:           "a1",
		Filename:     "report.txt.lz77",
		OriginalName: "report.txt",
		Algorithm:    "lz77",
	}))

	f := &shareFixture{
		svc:   NewShareService(repo, store, "http://files.example/", 24, discardLogger()),
		repo:  repo,
		store: store,
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *shareFixture) consume(t *testing.T, id, password string) error {
	t.Helper()
	file, err := f.svc.Consume(context.Background(), id, password)
	if err != nil {
		return err
	}
	defer file.Body.Close()
	body, err := io.ReadAll(file.Body)
	require.NoError(t, err)
	assert.Equal(t, "compressed bytes", string(body))
	return nil
}

func TestShareService_PasswordProtectedSingleDownload(t *testing.T) {
	f := newShareFixture(t)
	ctx := context.Background()

	info, err := f.svc.Create(ctx, "a1", protocol.CreateShareRequest{
		PasswordProtected: true,
		ExpirationHours:   intPtr(1),
		MaxDownloads:      intPtr(1),
	})
	require.NoError(t, err)
	assert.Len(t, info.Password, sharePasswordLength)
	assert.Equal(t, "http://files.example/s/"+info.ID, info.URL)
	assert.Equal(t, f.now.Add(time.Hour), info.ExpiresAt)

	require.NoError(t, f.consume(t, info.ID, info.Password))

	got, err := f.svc.Get(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentDownloads)
	assert.Empty(t, got.Password, "password is never returned again")

	assert.ErrorIs(t, f.consume(t, info.ID, info.Password), ErrShareQuotaExceeded)
}

func TestShareService_Defaults(t *testing.T) {
	f := newShareFixture(t)

	info, err := f.svc.Create(context.Background(), "a1", protocol.CreateShareRequest{})
	require.NoError(t, err)
	assert.Equal(t, protocol.UnlimitedDownloads, info.MaxDownloads)
	assert.Equal(t, f.now.Add(24*time.Hour), info.ExpiresAt)
	assert.False(t, info.PasswordProtected)
	assert.Empty(t, info.Password)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.consume(t, info.ID, ""))
	}
}

func TestShareService_SuppliedPassword(t *testing.T) {
	f := newShareFixture(t)

	info, err := f.svc.Create(context.Background(), "a1", protocol.CreateShareRequest{
		PasswordProtected: true,
		Password:          "hunter22",
	})
	require.NoError(t, err)
	assert.Equal(t, "hunter22", info.Password)

	stored, err := f.repo.GetShare(context.Background(), info.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PasswordHash)
	assert.NotContains(t, *stored.PasswordHash, "hunter22")

	assert.ErrorIs(t, f.consume(t, info.ID, ""), ErrShareForbidden)
	assert.ErrorIs(t, f.consume(t, info.ID, "hunter2"), ErrShareForbidden)
	require.NoError(t, f.consume(t, info.ID, "hunter22"))
}

func TestShareService_CreateValidation(t *testing.T) {
	f := newShareFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  protocol.CreateShareRequest
	}{
		{"zero hours", protocol.CreateShareRequest{ExpirationHours: intPtr(0)}},
		{"negative hours", protocol.CreateShareRequest{ExpirationHours: intPtr(-3)}},
		{"zero downloads", protocol.CreateShareRequest{MaxDownloads: intPtr(0)}},
		{"below sentinel", protocol.CreateShareRequest{MaxDownloads: intPtr(-2)}},
		{"password without protection", protocol.CreateShareRequest{Password: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, "a1", tt.req)
			assert.ErrorIs(t, err, ErrInvalidShare)
		})
	}

	_, err := f.svc.Create(ctx, "missing", protocol.CreateShareRequest{})
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestShareService_FailurePrecedence(t *testing.T) {
	f := newShareFixture(t)
	ctx := context.Background()

	info, err := f.svc.Create(ctx, "a1", protocol.CreateShareRequest{
		PasswordProtected: true,
		Password:          "right",
		ExpirationHours:   intPtr(1),
		MaxDownloads:      intPtr(1),
	})
	require.NoError(t, err)

	assert.ErrorIs(t, f.consume(t, "unknown", "right"), ErrShareNotFound)

	// A wrong password does not count against the quota.
	assert.ErrorIs(t, f.consume(t, info.ID, "wrong"), ErrShareForbidden)
	require.NoError(t, f.consume(t, info.ID, "right"))

	// Exhausted beats a wrong password.
	assert.ErrorIs(t, f.consume(t, info.ID, "wrong"), ErrShareQuotaExceeded)

	// Expired beats exhausted.
	f.now = f.now.Add(2 * time.Hour)
	assert.ErrorIs(t, f.consume(t, info.ID, "wrong"), ErrShareExpired)
	assert.ErrorIs(t, f.consume(t, info.ID, "right"), ErrShareExpired)

	require.NoError(t, f.svc.Revoke(ctx, info.ID))
	assert.ErrorIs(t, f.consume(t, info.ID, "right"), ErrShareNotFound)
	assert.ErrorIs(t, f.svc.Revoke(ctx, info.ID), ErrShareNotFound)
}

func TestShareService_ExpiredRegardlessOfQuota(t *testing.T) {
	f := newShareFixture(t)

	info, err := f.svc.Create(context.Background(), "a1", protocol.CreateShareRequest{
		ExpirationHours: intPtr(1),
		MaxDownloads:    intPtr(10),
	})
	require.NoError(t, err)

	// still valid at the expiry instant, expired just after it
	f.now = info.ExpiresAt
	require.NoError(t, f.consume(t, info.ID, ""))

	f.now = info.ExpiresAt.Add(time.Nanosecond)
	assert.ErrorIs(t, f.consume(t, info.ID, ""), ErrShareExpired)
}

func TestShareService_ConcurrentConsumersNeverOverAdmit(t *testing.T) {
	f := newShareFixture(t)
	const quota, callers = 5, 40

	info, err := f.svc.Create(context.Background(), "a1", protocol.CreateShareRequest{MaxDownloads: intPtr(quota)})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		exceeded int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			file, err := f.svc.Consume(context.Background(), info.ID, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				file.Body.Close()
				ok++
			case assert.ErrorIs(t, err, ErrShareQuotaExceeded):
				exceeded++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, quota, ok)
	assert.Equal(t, callers-quota, exceeded)

	got, err := f.svc.Get(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, quota, got.CurrentDownloads)
}

func TestShareService_ListAndStats(t *testing.T) {
	f := newShareFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, "a1", protocol.CreateShareRequest{PasswordProtected: true})
	require.NoError(t, err)
	open, err := f.svc.Create(ctx, "a1", protocol.CreateShareRequest{})
	require.NoError(t, err)
	require.NoError(t, f.consume(t, open.ID, ""))

	shares, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, shares, 2)
	for _, sh := range shares {
		assert.Empty(t, sh.Password)
	}

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalArtifacts)
	assert.Equal(t, int64(2), stats.ActiveShares)
	assert.Equal(t, int64(1), stats.TotalDownloads)
}
