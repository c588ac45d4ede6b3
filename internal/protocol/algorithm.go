package protocol

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Algorithm selects the codec a job is compressed with.
type Algorithm string

const (
	AlgorithmZip      Algorithm = "zip"
	AlgorithmHuffman  Algorithm = "huffman"
	AlgorithmLZ77     Algorithm = "lz77"
	AlgorithmCombined Algorithm = "combined"
)

// Algorithms lists every supported algorithm in display order.
var Algorithms = []Algorithm{AlgorithmZip, AlgorithmHuffman, AlgorithmLZ77, AlgorithmCombined}

// ParseAlgorithm normalizes and validates an algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
	return a, nil
}

// Valid reports whether a is one of the supported algorithms.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmZip, AlgorithmHuffman, AlgorithmLZ77, AlgorithmCombined:
		return true
	}
	return false
}

// DisplayName returns the human-readable name of the algorithm.
func (a Algorithm) DisplayName() string {
	switch a {
	case AlgorithmZip:
		return "ZIP"
	case AlgorithmHuffman:
		return "Huffman"
	case AlgorithmLZ77:
		return "LZ77"
	case AlgorithmCombined:
		return "LZ77+Huffman"
	}
	return string(a)
}

// NewJobID returns a fresh client-generated job id.
func NewJobID() string {
	return uuid.NewString()
}

// ValidateJobID checks that id is a canonical UUID. Job ids are generated by
// clients and validated here by the server.
func ValidateJobID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJobID, err)
	}
	if parsed.String() != strings.ToLower(id) {
		return fmt.Errorf("%w: not in canonical form", ErrInvalidJobID)
	}
	return nil
}
