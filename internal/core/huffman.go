package core

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"squeeze/internal/protocol"

	"github.com/klauspost/compress/huff0"
)

// huffBlockSize bounds each independently coded block.
const huffBlockSize = 64 << 10

// Block modes.
const (
	huffModeRaw byte = iota
	huffModeHuff
	huffModeRLE
)

// huffmanCodec splits the input into blocks and Huffman-codes each one with
// its own table. A block is framed as: mode byte, uvarint raw length,
// uvarint payload length, payload.
type huffmanCodec struct{}

func (huffmanCodec) Algorithm() protocol.Algorithm { return protocol.AlgorithmHuffman }

func (huffmanCodec) Compress(dst io.Writer, src io.Reader, _ string) error {
	bw := bufio.NewWriter(dst)
	block := make([]byte, huffBlockSize)
	s := &huff0.Scratch{Reuse: huff0.ReusePolicyNone}

	for {
		n, err := io.ReadFull(src, block)
		if n > 0 {
			if werr := writeHuffBlock(bw, block[:n], s); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush huffman stream: %w", err)
	}
	return nil
}

func writeHuffBlock(w *bufio.Writer, raw []byte, s *huff0.Scratch) error {
	mode := huffModeHuff
	payload, _, err := huff0.Compress1X(raw, s)
	switch {
	case errors.Is(err, huff0.ErrIncompressible):
		mode, payload = huffModeRaw, raw
	case errors.Is(err, huff0.ErrUseRLE):
		mode, payload = huffModeRLE, raw[:1]
	case err != nil:
		return fmt.Errorf("failed to encode block: %w", err)
	}

	var hdr [1 + 2*binary.MaxVarintLen64]byte
	hdr[0] = mode
	n := 1
	n += binary.PutUvarint(hdr[n:], uint64(len(raw)))
	n += binary.PutUvarint(hdr[n:], uint64(len(payload)))

	if _, err := w.Write(hdr[:n]); err != nil {
		return fmt.Errorf("failed to write block header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	return nil
}

func (huffmanCodec) Decompress(dst io.Writer, src io.Reader) error {
	br := bufio.NewReader(src)
	payload := make([]byte, 0, huffBlockSize)

	for {
		mode, err := br.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read block header: %w", err)
		}

		rawLen, err := binary.ReadUvarint(br)
		if err != nil {
			return fmt.Errorf("%w: block length: %v", ErrCorruptInput, err)
		}
		payloadLen, err := binary.ReadUvarint(br)
		if err != nil {
			return fmt.Errorf("%w: payload length: %v", ErrCorruptInput, err)
		}
		if rawLen > huffBlockSize || payloadLen > huffBlockSize {
			return fmt.Errorf("%w: block too large", ErrCorruptInput)
		}

		payload = payload[:payloadLen]
		if _, err := io.ReadFull(br, payload); err != nil {
			return fmt.Errorf("%w: truncated block: %v", ErrCorruptInput, err)
		}

		out, err := decodeHuffBlock(mode, payload, int(rawLen))
		if err != nil {
			return err
		}
		if _, err := dst.Write(out); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
}

func decodeHuffBlock(mode byte, payload []byte, rawLen int) ([]byte, error) {
	switch mode {
	case huffModeRaw:
		if len(payload) != rawLen {
			return nil, fmt.Errorf("%w: raw block length mismatch", ErrCorruptInput)
		}
		return payload, nil
	case huffModeRLE:
		if len(payload) != 1 {
			return nil, fmt.Errorf("%w: rle block", ErrCorruptInput)
		}
		out := make([]byte, rawLen)
		for i := range out {
			out[i] = payload[0]
		}
		return out, nil
	case huffModeHuff:
		s := &huff0.Scratch{MaxDecodedSize: rawLen}
		s, remain, err := huff0.ReadTable(payload, s)
		if err != nil {
			return nil, fmt.Errorf("%w: table: %v", ErrCorruptInput, err)
		}
		out, err := s.Decompress1X(remain)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
		}
		if len(out) != rawLen {
			return nil, fmt.Errorf("%w: decoded %d bytes, want %d", ErrCorruptInput, len(out), rawLen)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown block mode %d", ErrCorruptInput, mode)
}
