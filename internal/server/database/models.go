package database

import "time"

// Artifact is a stored compression result.
type Artifact struct {
	ID               string
	JobID            string
	Filename         string // unique stored name, also the download name
	OriginalName     string
	Algorithm        string
	OriginalSize     int64
	CompressedSize   int64
	CompressionRatio float64
	IsEncrypted      bool
	CreatedAt        time.Time
}

// Share is an access-controlled link to an artifact.
type Share struct {
	ID               string
	ArtifactID       string
	PasswordHash     *string // nil when the share is not password protected
	CreatedAt        time.Time
	ExpiresAt        time.Time
	MaxDownloads     int // negative means unlimited
	CurrentDownloads int
}

// Unlimited reports whether the share has no download quota.
func (s *Share) Unlimited() bool {
	return s.MaxDownloads < 0
}

// Exhausted reports whether the download quota is used up.
func (s *Share) Exhausted() bool {
	return !s.Unlimited() && s.CurrentDownloads >= s.MaxDownloads
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalArtifacts int64
	ActiveShares   int64
	TotalDownloads int64
	StorageUsed    int64
}
