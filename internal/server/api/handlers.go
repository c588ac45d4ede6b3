package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"squeeze/internal/protocol"
	"squeeze/internal/server/hub"
	"squeeze/internal/server/service"

	"github.com/labstack/echo/v4"
)

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the squeeze API.
type Handler struct {
	jobs      *service.JobService
	artifacts *service.ArtifactService
	shares    *service.ShareService
	hub       *hub.Hub
	db        HealthChecker // nil when running on the in-memory repository
}

func NewHandler(jobs *service.JobService, artifacts *service.ArtifactService, shares *service.ShareService, h *hub.Hub, db HealthChecker) *Handler {
	return &Handler{jobs: jobs, artifacts: artifacts, shares: shares, hub: h, db: db}
}

func errorJSON(c echo.Context, status int, msg, code string) error {
	return c.JSON(status, protocol.ErrorBody{Error: msg, Code: code})
}

// HandleProgressChannel handles GET /ws/jobs/:id.
func (h *Handler) HandleProgressChannel(c echo.Context) error {
	id := c.Param("id")
	if err := protocol.ValidateJobID(id); err != nil {
		return mapServiceError(c, err)
	}
	if err := h.hub.Serve(c.Response(), c.Request(), id); err != nil {
		// The connection is either hijacked or already answered by the upgrader.
		slog.Warn("progress channel failed", "job_id", id, "error", err)
	}
	return nil
}

// HandleCreateJob handles POST /api/jobs.
// The multipart form must carry job_id, algorithm and the optional encrypt
// and encryption_key fields before the file part; the file is streamed
// straight into the job.
func (h *Handler) HandleCreateJob(c echo.Context) error {
	mr, err := c.Request().MultipartReader()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "multipart form required", "")
	}

	req := service.SubmitRequest{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return errorJSON(c, http.StatusBadRequest, "file is required (use form field 'file')", "")
		}
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "malformed multipart form", "")
		}

		if part.FormName() == "file" {
			req.Filename = part.FileName()
			req.Body = part
			break
		}

		value, err := io.ReadAll(io.LimitReader(part, 1024))
		part.Close()
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "malformed multipart form", "")
		}
		switch part.FormName() {
		case "job_id":
			req.JobID = string(value)
		case "algorithm":
			req.Algorithm = string(value)
		case "encrypt":
			req.Encrypt, _ = strconv.ParseBool(string(value))
		case "encryption_key":
			req.EncryptionKey = string(value)
		}
	}

	accepted, err := h.jobs.Submit(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusAccepted, accepted)
}

// HandleStopJob handles POST /api/jobs/:id/stop.
// Confirmation arrives on the Progress Channel as a stopped event.
func (h *Handler) HandleStopJob(c echo.Context) error {
	if err := h.jobs.Stop(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// HandleJobStatus handles GET /api/jobs/:id.
func (h *Handler) HandleJobStatus(c echo.Context) error {
	state, err := h.jobs.Status(c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// HandleListArtifacts handles GET /api/artifacts.
func (h *Handler) HandleListArtifacts(c echo.Context) error {
	list, err := h.artifacts.List(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// HandleDownload handles GET /download/:name.
func (h *Handler) HandleDownload(c echo.Context) error {
	name := c.Param("name")
	rc, size, err := h.artifacts.Open(c.Request().Context(), name)
	if err != nil {
		return mapServiceError(c, err)
	}
	defer rc.Close()
	return attachment(c, rc, size, name)
}

// HandleDeleteArtifact handles DELETE /api/artifacts/:artifact.
func (h *Handler) HandleDeleteArtifact(c echo.Context) error {
	if err := h.artifacts.Delete(c.Request().Context(), c.Param("artifact")); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "artifact deleted successfully",
	})
}

// HandleDecompress handles POST /api/artifacts/:artifact/decompress, where
// the path parameter is the artifact's file name.
func (h *Handler) HandleDecompress(c echo.Context) error {
	var req protocol.DecompressRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body", "")
	}
	res, err := h.artifacts.Decompress(c.Request().Context(), c.Param("artifact"), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// HandleCreateShare handles POST /api/artifacts/:artifact/shares.
func (h *Handler) HandleCreateShare(c echo.Context) error {
	var req protocol.CreateShareRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body", "")
	}
	info, err := h.shares.Create(c.Request().Context(), c.Param("artifact"), req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, info)
}

// HandleListShares handles GET /api/shares.
func (h *Handler) HandleListShares(c echo.Context) error {
	list, err := h.shares.List(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// HandleDeleteShare handles DELETE /api/shares/:id.
func (h *Handler) HandleDeleteShare(c echo.Context) error {
	if err := h.shares.Revoke(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleConsumeShare handles GET /s/:id.
// Accepts an optional "password" query param. Every successful call counts
// as one download.
func (h *Handler) HandleConsumeShare(c echo.Context) error {
	file, err := h.shares.Consume(c.Request().Context(), c.Param("id"), c.QueryParam("password"))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer file.Body.Close()
	return attachment(c, file.Body, file.Size, file.Filename)
}

func attachment(c echo.Context, body io.Reader, size int64, filename string) error {
	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	if size >= 0 {
		header.Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))
	}
	return c.Stream(http.StatusOK, echo.MIMEOctetStream, body)
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "in-memory"

	if h.db != nil {
		dbStatus = "connected"
		if err := h.db.HealthCheck(c.Request().Context()); err != nil {
			status = "degraded"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.shares.Stats(c.Request().Context())
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to retrieve stats", "")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_artifacts":    stats.TotalArtifacts,
		"active_shares":      stats.ActiveShares,
		"total_downloads":    stats.TotalDownloads,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanizeBytes(stats.StorageUsed),
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrShareNotFound):
		return errorJSON(c, http.StatusNotFound, "share not found", protocol.CodeShareNotFound)
	case errors.Is(err, service.ErrShareExpired):
		return errorJSON(c, http.StatusGone, "share has expired", protocol.CodeShareExpired)
	case errors.Is(err, service.ErrShareQuotaExceeded):
		return errorJSON(c, http.StatusGone, "share download limit reached", protocol.CodeShareQuotaExceeded)
	case errors.Is(err, service.ErrShareForbidden):
		return errorJSON(c, http.StatusForbidden, "invalid share password", protocol.CodeShareForbidden)

	case errors.Is(err, service.ErrJobNotFound),
		errors.Is(err, service.ErrArtifactNotFound):
		return errorJSON(c, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, service.ErrJobExists),
		errors.Is(err, service.ErrJobStopped):
		return errorJSON(c, http.StatusConflict, err.Error(), "")
	case errors.Is(err, service.ErrTooManyJobs):
		return errorJSON(c, http.StatusServiceUnavailable, err.Error(), "")
	case errors.Is(err, service.ErrFileTooLarge):
		return errorJSON(c, http.StatusRequestEntityTooLarge, "file exceeds maximum allowed size", "")
	case errors.Is(err, service.ErrTooLargeInMemory):
		return errorJSON(c, http.StatusRequestEntityTooLarge, err.Error(), "")
	case errors.Is(err, service.ErrWrongKey):
		return errorJSON(c, http.StatusForbidden, err.Error(), "")
	case errors.Is(err, service.ErrCorruptArtifact):
		return errorJSON(c, http.StatusUnprocessableEntity, err.Error(), "")
	case errors.Is(err, protocol.ErrInvalidJobID),
		errors.Is(err, protocol.ErrUnknownAlgorithm),
		errors.Is(err, service.ErrInvalidShare),
		errors.Is(err, service.ErrAlgorithmMismatch),
		errors.Is(err, service.ErrKeyRequired):
		return errorJSON(c, http.StatusBadRequest, err.Error(), "")
	default:
		slog.Error("request failed", "method", c.Request().Method, "path", c.Request().URL.Path, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "internal server error", "")
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
