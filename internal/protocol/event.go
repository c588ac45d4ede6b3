// Package protocol defines the Progress Channel wire contract shared by the
// job server and its clients.
//
// Every data frame is a UTF-8 text frame carrying one JSON object with a
// mandatory "type" field. The liveness frames "ping" and "pong" are plain text
// and are not JSON.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownAlgorithm = errors.New("unknown algorithm")
	ErrInvalidJobID     = errors.New("invalid job id")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownEvent     = errors.New("unknown event type")
)

// Liveness frames.
const (
	Ping = "ping"
	Pong = "pong"
)

// EventType is the discriminator carried in every data frame.
type EventType string

const (
	TypeProgress  EventType = "progress"
	TypeCompleted EventType = "completed"
	TypeError     EventType = "error"
	TypeStopped   EventType = "stopped"
)

// Event is one decoded data frame.
type Event interface {
	Type() EventType
	// Terminal reports whether the event ends the job.
	Terminal() bool
}

// ProgressDetails is the telemetry attached to a progress event.
type ProgressDetails struct {
	OriginalSize int64 `json:"originalSize"`
	CurrentSize  int64 `json:"currentSize"`
	// Speed is the instantaneous throughput in bytes/sec, nil when unknown.
	Speed       *float64 `json:"speed,omitempty"`
	TimeElapsed float64  `json:"timeElapsed"`
}

type Progress struct {
	Progress int              `json:"progress"`
	Details  *ProgressDetails `json:"details,omitempty"`
}

type Completed struct {
	OriginalSize     int64   `json:"originalSize"`
	CompressedSize   int64   `json:"compressedSize"`
	CompressionRatio float64 `json:"compressionRatio"`
	TimeElapsed      float64 `json:"timeElapsed"`
	ArtifactName     string  `json:"artifactName"`
	// EncryptionKey is only set when the server generated the key.
	EncryptionKey string `json:"encryptionKey,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}

type Stopped struct{}

func (Progress) Type() EventType  { return TypeProgress }
func (Completed) Type() EventType { return TypeCompleted }
func (Error) Type() EventType     { return TypeError }
func (Stopped) Type() EventType   { return TypeStopped }

func (Progress) Terminal() bool  { return false }
func (Completed) Terminal() bool { return true }
func (Error) Terminal() bool     { return true }
func (Stopped) Terminal() bool   { return true }

// Encode renders ev as a JSON object with the type field first.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Type(), err)
	}
	typ, err := json.Marshal(ev.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to encode event type: %w", err)
	}

	out := make([]byte, 0, len(body)+len(typ)+9)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses one data frame. Liveness frames must be filtered out by the
// caller before decoding.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch head.Type {
	case TypeProgress:
		var ev Progress
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if ev.Progress < 0 || ev.Progress > 100 {
			return nil, fmt.Errorf("%w: progress %d out of range", ErrMalformedFrame, ev.Progress)
		}
		return &ev, nil
	case TypeCompleted:
		var ev Completed
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &ev, nil
	case TypeError:
		var ev Error
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &ev, nil
	case TypeStopped:
		return &Stopped{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, head.Type)
	}
}

// Ratio returns the space saving of compressed relative to original as a
// percentage. An empty original yields 0.
func Ratio(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return (1 - float64(compressed)/float64(original)) * 100
}
