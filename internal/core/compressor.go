// Package core holds the byte-level codecs a compression job can select and
// the artifact encryption layered on top of them.
package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"squeeze/internal/protocol"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

var ErrCorruptInput = errors.New("corrupt compressed input")

// Codec compresses and decompresses a single stream.
type Codec interface {
	Algorithm() protocol.Algorithm
	// Compress reads src to EOF and writes the encoded form to dst. name is
	// recorded by formats that keep an entry name.
	Compress(dst io.Writer, src io.Reader, name string) error
	Decompress(dst io.Writer, src io.Reader) error
}

// New returns the codec for the given algorithm.
func New(algorithm protocol.Algorithm) (Codec, error) {
	switch algorithm {
	case protocol.AlgorithmZip:
		return zipCodec{}, nil
	case protocol.AlgorithmHuffman:
		return huffmanCodec{}, nil
	case protocol.AlgorithmLZ77:
		return lz77Codec{}, nil
	case protocol.AlgorithmCombined:
		return combinedCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownAlgorithm, algorithm)
}

// zipCodec stores the input as a single deflated entry of a ZIP archive.
type zipCodec struct{}

func (zipCodec) Algorithm() protocol.Algorithm { return protocol.AlgorithmZip }

func (zipCodec) Compress(dst io.Writer, src io.Reader, name string) error {
	if name == "" {
		name = "data"
	}
	zw := zip.NewWriter(dst)

	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	}
	writer, err := zw.CreateHeader(header)
	if err != nil {
		zw.Close()
		return fmt.Errorf("failed to create zip entry: %w", err)
	}

	if _, err := io.Copy(writer, src); err != nil {
		zw.Close()
		return fmt.Errorf("failed to write zip entry: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return nil
}

// Decompress concatenates every file entry of the archive into dst.
func (zipCodec) Decompress(dst io.Writer, src io.Reader) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("failed to read zip data: %w", err)
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}

	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open zip entry %s: %w", f.Name, err)
		}
		_, err = io.Copy(dst, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%w: entry %s: %v", ErrCorruptInput, f.Name, err)
		}
	}
	return nil
}

// lz77Codec uses S2, an LZ77-family format extending Snappy.
type lz77Codec struct{}

func (lz77Codec) Algorithm() protocol.Algorithm { return protocol.AlgorithmLZ77 }

func (lz77Codec) Compress(dst io.Writer, src io.Reader, _ string) error {
	w := s2.NewWriter(dst)
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return fmt.Errorf("failed to write lz77 stream: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to flush lz77 stream: %w", err)
	}
	return nil
}

func (lz77Codec) Decompress(dst io.Writer, src io.Reader) error {
	if _, err := io.Copy(dst, s2.NewReader(src)); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}
	return nil
}

// combinedCodec is zstd: LZ77 matching followed by entropy coding.
type combinedCodec struct{}

func (combinedCodec) Algorithm() protocol.Algorithm { return protocol.AlgorithmCombined }

func (combinedCodec) Compress(dst io.Writer, src io.Reader, _ string) error {
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return fmt.Errorf("failed to write zstd stream: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to flush zstd stream: %w", err)
	}
	return nil
}

func (combinedCodec) Decompress(dst io.Writer, src io.Reader) error {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	if _, err := io.Copy(dst, dec); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}
	return nil
}
