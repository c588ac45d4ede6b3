package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"squeeze/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestAPI_Upload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/jobs", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "lz77", r.FormValue("algorithm"))
		assert.Equal(t, "true", r.FormValue("encrypt"))
		assert.Equal(t, "k1", r.FormValue("encryption_key"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "report.csv", hdr.Filename)
		assert.Equal(t, "hello world", string(body))

		writeJSON(w, http.StatusAccepted, protocol.JobAccepted{JobID: r.FormValue("job_id"), Algorithm: "lz77", OriginalSize: 11})
	}))
	defer srv.Close()

	api, err := NewAPI(srv.URL, discardLogger())
	require.NoError(t, err)

	var last int
	id := protocol.NewJobID()
	err = api.Upload(context.Background(), UploadRequest{
		JobID:         id,
		Algorithm:     protocol.AlgorithmLZ77,
		Encrypt:       true,
		EncryptionKey: "k1",
		Filename:      "report.csv",
		Size:          11,
		Body:          strings.NewReader("hello world"),
	}, func(p int) { last = p })
	require.NoError(t, err)
	assert.Equal(t, 100, last)
}

func TestAPI_UploadRejected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.Copy(io.Discard, r.Body)
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorBody{Error: "too many concurrent jobs"})
	}))
	defer srv.Close()

	api, err := NewAPI(srv.URL, discardLogger())
	require.NoError(t, err)

	err = api.Upload(context.Background(), UploadRequest{
		JobID: protocol.NewJobID(), Algorithm: protocol.AlgorithmZip, Filename: "a", Size: 1, Body: strings.NewReader("a"),
	}, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "too many concurrent jobs", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load(), "uploads are not retried")
}

func TestAPI_ShareErrors(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   error
	}{
		{http.StatusNotFound, protocol.CodeShareNotFound, ErrShareNotFound},
		{http.StatusGone, protocol.CodeShareExpired, ErrShareExpired},
		{http.StatusGone, protocol.CodeShareQuotaExceeded, ErrShareQuotaExceeded},
		{http.StatusForbidden, protocol.CodeShareForbidden, ErrShareForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(w, tt.status, protocol.ErrorBody{Error: "nope", Code: tt.code})
			}))
			defer srv.Close()

			api, err := NewAPI(srv.URL, discardLogger())
			require.NoError(t, err)

			_, err = api.OpenShare(context.Background(), "s1", "pw")
			assert.ErrorIs(t, err, tt.want)
			for _, other := range tests {
				if other.want != tt.want {
					assert.NotErrorIs(t, err, other.want)
				}
			}
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestAPI_OpenShare(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/s/abc", r.URL.Path)
		assert.Equal(t, "p w", r.URL.Query().Get("password"))
		w.Header().Set("Content-Disposition", `attachment; filename="data.bin.zip"`)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	api, err := NewAPI(srv.URL, discardLogger())
	require.NoError(t, err)

	dl, err := api.OpenShare(context.Background(), "abc", "p w")
	require.NoError(t, err)
	defer dl.Body.Close()

	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, "data.bin.zip", dl.Filename)
}

func TestAPI_CreateShare(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/artifacts/a1/shares", r.URL.Path)

		var req protocol.CreateShareRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.PasswordProtected)
		require.NotNil(t, req.MaxDownloads)
		assert.Equal(t, 1, *req.MaxDownloads)

		writeJSON(w, http.StatusCreated, protocol.ShareInfo{ID: "s1", ArtifactID: "a1", Password: "generated", MaxDownloads: 1})
	}))
	defer srv.Close()

	api, err := NewAPI(srv.URL, discardLogger())
	require.NoError(t, err)

	one := 1
	info, err := api.CreateShare(context.Background(), "a1", protocol.CreateShareRequest{PasswordProtected: true, MaxDownloads: &one})
	require.NoError(t, err)
	assert.Equal(t, "s1", info.ID)
	assert.Equal(t, "generated", info.Password)
}

func TestNewAPI_RejectsBadURL(t *testing.T) {
	_, err := NewAPI("localhost:8080", nil)
	assert.Error(t, err)
}

func TestNewWSDialer_Scheme(t *testing.T) {
	d, err := NewWSDialer("https://example.com/", 0)
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com", d.baseURL)

	_, err = NewWSDialer("ftp://example.com", 0)
	assert.Error(t, err)
}
