// Package service holds the server's business logic: running compression
// jobs, serving and restoring artifacts, and controlling share access.
package service

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Sentinel errors for the service layer.
var (
	ErrJobExists         = errors.New("job id already used")
	ErrJobStopped        = errors.New("job stopped before it started")
	ErrJobNotFound       = errors.New("job not found")
	ErrTooManyJobs       = errors.New("too many concurrent jobs")
	ErrFileTooLarge      = errors.New("file exceeds maximum allowed size")
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrAlgorithmMismatch = errors.New("algorithm does not match artifact")
	ErrKeyRequired       = errors.New("encryption key required")
	ErrWrongKey          = errors.New("wrong encryption key")
	ErrCorruptArtifact   = errors.New("artifact is corrupt")
	ErrTooLargeInMemory  = errors.New("artifact too large to process in memory")

	ErrInvalidShare       = errors.New("invalid share parameters")
	ErrShareNotFound      = errors.New("share not found")
	ErrShareExpired       = errors.New("share has expired")
	ErrShareQuotaExceeded = errors.New("share download limit reached")
	ErrShareForbidden     = errors.New("invalid share password")
)

// DefaultMemoryLimit bounds the artifacts that are encrypted, decrypted or
// restored from zip. Those paths hold the whole artifact in memory.
const DefaultMemoryLimit = 256 * 1024 * 1024

// readAllLimited reads r fully, failing with ErrTooLargeInMemory once more
// than limit bytes arrive.
func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLargeInMemory, limit)
	}
	return data, nil
}

// generateSecureToken produces a cryptographically secure, URL-safe random string.
func generateSecureToken(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

// validateZipMagicBytes checks that data starts with the ZIP magic number (PK\x03\x04).
func validateZipMagicBytes(data []byte) error {
	if len(data) < 4 {
		return ErrCorruptArtifact
	}
	// Standard ZIP local file header: PK\x03\x04
	// Empty ZIP (end of central directory): PK\x05\x06
	if data[0] == 0x50 && data[1] == 0x4B {
		if (data[2] == 0x03 && data[3] == 0x04) || // local file header
			(data[2] == 0x05 && data[3] == 0x06) { // empty archive
			return nil
		}
	}
	return ErrCorruptArtifact
}

// measureZip opens a zip artifact and returns the uncompressed size of its
// single entry. Archives the zip codec could not have produced are rejected.
func measureZip(data []byte) (int64, error) {
	if err := validateZipMagicBytes(data); err != nil {
		return 0, err
	}
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	if len(reader.File) != 1 {
		return 0, fmt.Errorf("%w: expected one entry, found %d", ErrCorruptArtifact, len(reader.File))
	}
	return int64(reader.File[0].UncompressedSize64), nil
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	// Take only the base name
	name = filepath.Base(name)

	// Leave room for the algorithm and encryption suffixes
	if len(name) > 200 {
		ext := filepath.Ext(name)
		if len(ext) > 20 {
			ext = ""
		}
		name = name[:200-len(ext)] + ext
	}

	if name == "" || name == "." || name == ".." || name == "/" {
		name = "upload"
	}

	return name
}
