package client

import (
	"errors"
	"fmt"
	"time"

	"squeeze/internal/protocol"
)

// Client-side error taxonomy.
var (
	ErrConnectionTimeout = errors.New("progress channel did not open in time")
	ErrUpload            = errors.New("upload failed")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrCancelTimeout     = errors.New("stop not confirmed within grace period")
	ErrConnectivity      = errors.New("progress channel lost")
	ErrJobActive         = errors.New("another job is still active")
	ErrUnknownJob        = errors.New("unknown job")
)

// JobError is a failure reported by the server through an error event.
type JobError struct {
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job failed: %s", e.Message)
}

// Status is a state of the job lifecycle.
type Status string

const (
	StatusCreated    Status = "created"
	StatusConnecting Status = "connecting"
	StatusUploading  Status = "uploading"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// ProgressSample is one point of the progress series.
type ProgressSample struct {
	Time     float64 // seconds since the job started
	Progress int
}

// SpeedSample is one point of the throughput series.
type SpeedSample struct {
	Time  float64
	Speed float64 // bytes/sec
}

// Job is a read-only snapshot of a compression job.
type Job struct {
	ID                  string
	Filename            string
	Algorithm           protocol.Algorithm
	EncryptionRequested bool
	// EncryptionKey is the caller-supplied key, replaced by the
	// server-generated one on completion when the server made one.
	EncryptionKey string

	Status           Status
	Progress         int
	UploadProgress   int
	OriginalSize     int64
	CurrentSize      int64
	CompressionRatio float64
	Speed            float64
	StartedAt        time.Time
	ElapsedSeconds   float64
	ArtifactName     string

	// Err is the terminal failure, nil for COMPLETED and for a
	// server-confirmed STOPPED.
	Err error
	// StopConfirmed is false when STOPPED was forced locally.
	StopConfirmed bool

	ProgressSamples []ProgressSample
	SpeedSamples    []SpeedSample
}
