package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"squeeze/internal/protocol"

	"github.com/hashicorp/go-retryablehttp"
)

// Share access failures, each reported distinctly.
var (
	ErrShareNotFound      = errors.New("share not found")
	ErrShareExpired       = errors.New("share expired")
	ErrShareQuotaExceeded = errors.New("share download limit reached")
	ErrShareForbidden     = errors.New("wrong share password")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case protocol.CodeShareNotFound:
		return ErrShareNotFound
	case protocol.CodeShareExpired:
		return ErrShareExpired
	case protocol.CodeShareQuotaExceeded:
		return ErrShareQuotaExceeded
	case protocol.CodeShareForbidden:
		return ErrShareForbidden
	}
	return nil
}

// slogRetryLogger adapts slog to retryablehttp.LeveledLogger.
type slogRetryLogger struct {
	log *slog.Logger
}

func (l slogRetryLogger) Error(msg string, kv ...interface{}) { l.log.Error(msg, kv...) }
func (l slogRetryLogger) Warn(msg string, kv ...interface{})  { l.log.Warn(msg, kv...) }
func (l slogRetryLogger) Info(msg string, kv ...interface{})  { l.log.Debug(msg, kv...) }
func (l slogRetryLogger) Debug(msg string, kv ...interface{}) { l.log.Debug(msg, kv...) }

// API is the HTTP client for the squeeze server. It implements Transport.
type API struct {
	baseURL string
	retry   *retryablehttp.Client
	// raw sends requests whose bodies cannot be replayed.
	raw *http.Client
}

func NewAPI(serverURL string, logger *slog.Logger) (*API, error) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", serverURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = slogRetryLogger{log: logger}
	// Hand non-2xx responses back so their error bodies can be decoded.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &API{
		baseURL: strings.TrimRight(serverURL, "/"),
		retry:   rc,
		raw:     rc.HTTPClient,
	}, nil
}

// BaseURL returns the server URL the client talks to.
func (a *API) BaseURL() string { return a.baseURL }

func (a *API) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody interface{}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.retry.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	var body protocol.ErrorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Message = body.Error
		apiErr.Code = body.Code
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// Upload streams the source as a multipart form. It is never retried: the
// body is consumed as it is sent.
func (a *API) Upload(ctx context.Context, req UploadRequest, progress func(percent int)) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUploadForm(mw, req, progress))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/jobs", pr)
	if err != nil {
		pr.Close()
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	resp, err := a.raw.Do(httpReq)
	if err != nil {
		pr.CloseWithError(err)
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	var accepted protocol.JobAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if accepted.JobID != req.JobID {
		return fmt.Errorf("server accepted job %q, expected %q", accepted.JobID, req.JobID)
	}
	return nil
}

func writeUploadForm(mw *multipart.Writer, req UploadRequest, progress func(int)) error {
	fields := [][2]string{
		{"job_id", req.JobID},
		{"algorithm", string(req.Algorithm)},
		{"encrypt", strconv.FormatBool(req.Encrypt)},
	}
	if req.EncryptionKey != "" {
		fields = append(fields, [2]string{"encryption_key", req.EncryptionKey})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("file", req.Filename)
	if err != nil {
		return err
	}
	body := req.Body
	if progress != nil {
		body = &progressReader{r: req.Body, total: req.Size, report: progress}
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	if progress != nil {
		progress(100)
	}
	return mw.Close()
}

type progressReader struct {
	r      io.Reader
	read   int64
	total  int64
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 && n > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		p.report(pct)
	}
	return n, err
}

func (a *API) Stop(ctx context.Context, jobID string) error {
	return a.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/stop", nil, nil)
}

func (a *API) JobStatus(ctx context.Context, jobID string) (*protocol.JobState, error) {
	var st protocol.JobState
	if err := a.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (a *API) ListArtifacts(ctx context.Context) ([]protocol.ArtifactInfo, error) {
	var out []protocol.ArtifactInfo
	if err := a.do(ctx, http.MethodGet, "/api/artifacts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) DeleteArtifact(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/api/artifacts/"+url.PathEscape(id), nil, nil)
}

func (a *API) Decompress(ctx context.Context, artifactName string, algorithm protocol.Algorithm, key string) (*protocol.DecompressResult, error) {
	var out protocol.DecompressResult
	req := protocol.DecompressRequest{Algorithm: algorithm, EncryptionKey: key}
	if err := a.do(ctx, http.MethodPost, "/api/artifacts/"+url.PathEscape(artifactName)+"/decompress", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) CreateShare(ctx context.Context, artifactID string, req protocol.CreateShareRequest) (*protocol.ShareInfo, error) {
	var out protocol.ShareInfo
	if err := a.do(ctx, http.MethodPost, "/api/artifacts/"+url.PathEscape(artifactID)+"/shares", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) ListShares(ctx context.Context) ([]protocol.ShareInfo, error) {
	var out []protocol.ShareInfo
	if err := a.do(ctx, http.MethodGet, "/api/shares", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) DeleteShare(ctx context.Context, shareID string) error {
	return a.do(ctx, http.MethodDelete, "/api/shares/"+url.PathEscape(shareID), nil, nil)
}

// Download is an open byte stream from the server. The caller closes Body.
type Download struct {
	Body     io.ReadCloser
	Filename string
	// Size is -1 when the server did not announce a length.
	Size int64
}

// OpenDownload streams an artifact by name.
func (a *API) OpenDownload(ctx context.Context, name string) (*Download, error) {
	return a.open(ctx, "/download/"+url.PathEscape(name), name, true)
}

// OpenShare consumes one download of a share link. It is not retried, since
// every request that reaches the server counts against the quota.
func (a *API) OpenShare(ctx context.Context, shareID, password string) (*Download, error) {
	path := "/s/" + url.PathEscape(shareID)
	if password != "" {
		path += "?" + url.Values{"password": {password}}.Encode()
	}
	return a.open(ctx, path, shareID, false)
}

func (a *API) open(ctx context.Context, path, fallbackName string, retry bool) (*Download, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var resp *http.Response
	if retry {
		resp, err = a.retry.Do(req)
	} else {
		resp, err = a.raw.Do(req.Request)
	}
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	name := fallbackName
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	return &Download{Body: resp.Body, Filename: name, Size: resp.ContentLength}, nil
}

