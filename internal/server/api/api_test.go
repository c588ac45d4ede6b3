package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"squeeze/internal/client"
	"squeeze/internal/client/keystore"
	"squeeze/internal/core"
	"squeeze/internal/protocol"
	"squeeze/internal/server/config"
	"squeeze/internal/server/database"
	"squeeze/internal/server/hub"
	"squeeze/internal/server/service"
	"squeeze/internal/server/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	repo   *database.MemoryRepository
	shares *service.ShareService
	api    *client.API
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg == nil {
		cfg = &config.Config{RateLimitRPS: 100, RateLimitBurst: 100}
	}

	repo := database.NewMemoryRepository()
	store := storage.NewFileSystemStore(t.TempDir())
	h := hub.New(time.Minute, logger)

	jobs := service.NewJobService(repo, store, h, nil, service.JobOptions{
		MaxConcurrent:    2,
		MaxFileSize:      1 << 20,
		ProgressInterval: time.Millisecond,
		Logger:           logger,
	})
	artifacts := service.NewArtifactService(repo, store, logger)
	srv := httptest.NewServer(nil)
	shares := service.NewShareService(repo, store, srv.URL, 24, logger)
	srv.Config.Handler = SetupRouter(NewHandler(jobs, artifacts, shares, h, nil), cfg)

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		jobs.Shutdown(ctx)
	})

	api, err := client.NewAPI(srv.URL, logger)
	require.NoError(t, err)
	return &testServer{Server: srv, repo: repo, shares: shares, api: api}
}

func (s *testServer) orchestrator(t *testing.T, keys *keystore.Registry) *client.Orchestrator {
	t.Helper()
	dialer, err := client.NewWSDialer(s.URL, 2*time.Second)
	require.NoError(t, err)
	return client.New(s.api, dialer, keys, client.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func (s *testServer) compress(t *testing.T, o *client.Orchestrator, name, content string, alg protocol.Algorithm, encrypt bool) client.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := o.Start(ctx, client.Source{Name: name, Size: int64(len(content)), Reader: strings.NewReader(content)}, alg, encrypt, "")
	require.NoError(t, err)
	job, err := o.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func download(t *testing.T, d *client.Download) []byte {
	t.Helper()
	defer d.Body.Close()
	data, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	return data
}

func TestEndToEnd_CompressDownloadDecompress(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	content := strings.Repeat("all work and no play makes jack a dull boy\n", 2000)

	job := s.compress(t, s.orchestrator(t, nil), "jack.txt", content, protocol.AlgorithmLZ77, false)
	assert.Equal(t, client.StatusCompleted, job.Status)
	assert.Equal(t, "jack.txt.lz77", job.ArtifactName)
	assert.Equal(t, int64(len(content)), job.OriginalSize)
	assert.Greater(t, job.CompressionRatio, 50.0)

	state, err := s.api.JobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", state.Status)

	list, err := s.api.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "jack.txt.lz77", list[0].Filename)
	assert.Equal(t, job.CurrentSize, list[0].CompressedSize)

	d, err := s.api.OpenDownload(ctx, job.ArtifactName)
	require.NoError(t, err)
	assert.Equal(t, "jack.txt.lz77", d.Filename)
	codec, err := core.New(protocol.AlgorithmLZ77)
	require.NoError(t, err)
	var restored bytes.Buffer
	require.NoError(t, codec.Decompress(&restored, bytes.NewReader(download(t, d))))
	assert.Equal(t, content, restored.String())

	res, err := s.api.Decompress(ctx, job.ArtifactName, protocol.AlgorithmLZ77, "")
	require.NoError(t, err)
	assert.Equal(t, "jack.txt.restored", res.ResultName)
	d, err = s.api.OpenDownload(ctx, res.ResultName)
	require.NoError(t, err)
	assert.Equal(t, content, string(download(t, d)))

	_, err = s.api.Decompress(ctx, job.ArtifactName, protocol.AlgorithmZip, "")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestEndToEnd_ServerGeneratedKeyIsRemembered(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	keys := keystore.New(keystore.NewMemory())

	job := s.compress(t, s.orchestrator(t, keys), "diary.md", "dear diary, dear diary", protocol.AlgorithmHuffman, true)
	require.Equal(t, client.StatusCompleted, job.Status)
	assert.Equal(t, "diary.md.huffman.enc", job.ArtifactName)

	key, found, err := keys.Lookup(ctx, job.ArtifactName)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, job.EncryptionKey, key)

	_, err = s.api.Decompress(ctx, job.ArtifactName, protocol.AlgorithmHuffman, "not the key")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	res, err := s.api.Decompress(ctx, job.ArtifactName, protocol.AlgorithmHuffman, key)
	require.NoError(t, err)
	d, err := s.api.OpenDownload(ctx, res.ResultName)
	require.NoError(t, err)
	assert.Equal(t, "dear diary, dear diary", string(download(t, d)))
}

func TestEndToEnd_Shares(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	job := s.compress(t, s.orchestrator(t, nil), "photo.raw", "pixels pixels pixels", protocol.AlgorithmZip, false)
	require.Equal(t, client.StatusCompleted, job.Status)
	list, err := s.api.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	artifactID := list[0].ID

	one, hours := 1, 1
	share, err := s.api.CreateShare(ctx, artifactID, protocol.CreateShareRequest{
		PasswordProtected: true,
		ExpirationHours:   &hours,
		MaxDownloads:      &one,
	})
	require.NoError(t, err)
	require.Len(t, share.Password, 8)
	assert.Equal(t, s.URL+"/s/"+share.ID, share.URL)

	_, err = s.api.OpenShare(ctx, share.ID, "wrong")
	assert.ErrorIs(t, err, client.ErrShareForbidden)

	d, err := s.api.OpenShare(ctx, share.ID, share.Password)
	require.NoError(t, err)
	assert.Equal(t, "photo.raw.zip", d.Filename)
	assert.NotEmpty(t, download(t, d))

	_, err = s.api.OpenShare(ctx, share.ID, share.Password)
	assert.ErrorIs(t, err, client.ErrShareQuotaExceeded)

	_, err = s.api.OpenShare(ctx, "doesnotexist", "")
	assert.ErrorIs(t, err, client.ErrShareNotFound)

	shares, err := s.api.ListShares(ctx)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, 1, shares[0].CurrentDownloads)
	assert.Empty(t, shares[0].Password)

	require.NoError(t, s.api.DeleteShare(ctx, share.ID))
	_, err = s.api.OpenShare(ctx, share.ID, share.Password)
	assert.ErrorIs(t, err, client.ErrShareNotFound)

	zero := 0
	_, err = s.api.CreateShare(ctx, artifactID, protocol.CreateShareRequest{MaxDownloads: &zero})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	require.NoError(t, s.api.DeleteArtifact(ctx, artifactID))
	list, err = s.api.ListArtifacts(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEndToEnd_ExpiredShare(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	require.NoError(t, s.repo.CreateArtifact(ctx, &database.Artifact{ID: "a1", Filename: "old.zip", Algorithm: "zip"}))
	require.NoError(t, s.repo.CreateShare(ctx, &database.Share{
		ID: "expired", ArtifactID: "a1", ExpiresAt: time.Now().Add(-time.Minute), MaxDownloads: -1,
	}))

	_, err := s.api.OpenShare(ctx, "expired", "")
	assert.ErrorIs(t, err, client.ErrShareExpired)
}

func TestJobEndpoints_Errors(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	err := s.api.Stop(ctx, protocol.NewJobID())
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	resp, err := http.Get(s.URL + "/ws/jobs/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	err = s.api.Upload(ctx, client.UploadRequest{
		JobID:     protocol.NewJobID(),
		Algorithm: "rar",
		Filename:  "x",
		Size:      1,
		Body:      strings.NewReader("x"),
	}, nil)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	id := protocol.NewJobID()
	upload := client.UploadRequest{JobID: id, Algorithm: protocol.AlgorithmZip, Filename: "x", Size: 1, Body: strings.NewReader("x")}
	require.NoError(t, s.api.Upload(ctx, upload, nil))
	upload.Body = strings.NewReader("x")
	err = s.api.Upload(ctx, upload, nil)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	// only slightly over the limit, so the server can drain the rest of the body
	oversize := (1 << 20) + 100
	big := client.UploadRequest{JobID: protocol.NewJobID(), Algorithm: protocol.AlgorithmZip, Filename: "big", Size: int64(oversize), Body: bytes.NewReader(make([]byte, oversize))}
	err = s.api.Upload(ctx, big, nil)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, apiErr.Status)
}

func TestRateLimitOnShares(t *testing.T) {
	s := newTestServer(t, &config.Config{RateLimitRPS: 0.001, RateLimitBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(s.URL + "/s/nothing")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)
}

func TestHealthAndStats(t *testing.T) {
	s := newTestServer(t, nil)

	resp, err := http.Get(s.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "in-memory", health["database"])

	resp2, err := http.Get(s.URL + "/api/stats")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&stats))
	assert.Equal(t, float64(0), stats["total_artifacts"])
	assert.Equal(t, "0 B", stats["storage_used_human"])
}

func TestHumanizeBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanizeBytes(512))
	assert.Equal(t, "1.5 KB", humanizeBytes(1536))
	assert.Equal(t, "2.0 MB", humanizeBytes(2*1024*1024))
}
