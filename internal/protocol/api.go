package protocol

import "time"

// UnlimitedDownloads is the maxDownloads sentinel for shares without a quota.
const UnlimitedDownloads = -1

// Machine-readable error codes returned alongside HTTP errors.
const (
	CodeShareNotFound      = "share_not_found"
	CodeShareExpired       = "share_expired"
	CodeShareQuotaExceeded = "share_quota_exceeded"
	CodeShareForbidden     = "share_forbidden"
)

// ErrorBody is the JSON body of every non-2xx API response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JobAccepted is returned when the server accepts an upload for compression.
type JobAccepted struct {
	JobID        string    `json:"jobId"`
	Algorithm    Algorithm `json:"algorithm"`
	OriginalSize int64     `json:"originalSize"`
}

// JobState is the server's view of a job.
type JobState struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Algorithm Algorithm `json:"algorithm"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
}

type ArtifactInfo struct {
	ID               string    `json:"id"`
	Filename         string    `json:"filename"`
	OriginalName     string    `json:"originalName"`
	Algorithm        Algorithm `json:"algorithm"`
	OriginalSize     int64     `json:"originalSize"`
	CompressedSize   int64     `json:"compressedSize"`
	CompressionRatio float64   `json:"compressionRatio"`
	CreatedAt        time.Time `json:"createdAt"`
	IsEncrypted      bool      `json:"isEncrypted"`
}

type DecompressRequest struct {
	Algorithm     Algorithm `json:"algorithm"`
	EncryptionKey string    `json:"encryptionKey,omitempty"`
}

type DecompressResult struct {
	ResultName string `json:"resultName"`
	Size       int64  `json:"size"`
}

type CreateShareRequest struct {
	PasswordProtected bool   `json:"passwordProtected"`
	Password          string `json:"password,omitempty"`
	// ExpirationHours and MaxDownloads fall back to server defaults when nil.
	ExpirationHours *int `json:"expirationHours,omitempty"`
	MaxDownloads    *int `json:"maxDownloads,omitempty"`
}

// ShareInfo describes a share record. Password is only ever populated in the
// response to the request that created the share.
type ShareInfo struct {
	ID                string    `json:"shareId"`
	ArtifactID        string    `json:"artifactId"`
	URL               string    `json:"shareUrl"`
	PasswordProtected bool      `json:"passwordProtected"`
	Password          string    `json:"password,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
	MaxDownloads      int       `json:"maxDownloads"`
	CurrentDownloads  int       `json:"currentDownloads"`
}
