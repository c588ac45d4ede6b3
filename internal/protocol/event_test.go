package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	t.Run("type comes first", func(t *testing.T) {
		data, err := Encode(Error{Message: "boom"})
		require.NoError(t, err)
		assert.Equal(t, `{"type":"error","message":"boom"}`, string(data))
	})

	t.Run("empty body", func(t *testing.T) {
		data, err := Encode(Stopped{})
		require.NoError(t, err)
		assert.Equal(t, `{"type":"stopped"}`, string(data))
	})

	t.Run("omits empty encryption key", func(t *testing.T) {
		data, err := Encode(Completed{OriginalSize: 10, CompressedSize: 4, ArtifactName: "a.lz77"})
		require.NoError(t, err)
		assert.NotContains(t, string(data), "encryptionKey")
	})
}

func TestDecode(t *testing.T) {
	t.Run("progress with details", func(t *testing.T) {
		ev, err := Decode([]byte(`{"type":"progress","progress":42,"details":{"originalSize":100,"currentSize":40,"speed":12.5,"timeElapsed":1.5}}`))
		require.NoError(t, err)

		p, ok := ev.(*Progress)
		require.True(t, ok)
		assert.Equal(t, 42, p.Progress)
		require.NotNil(t, p.Details)
		require.NotNil(t, p.Details.Speed)
		assert.Equal(t, 12.5, *p.Details.Speed)
		assert.False(t, p.Terminal())
	})

	t.Run("progress without speed", func(t *testing.T) {
		ev, err := Decode([]byte(`{"type":"progress","progress":1,"details":{"originalSize":1,"currentSize":1,"timeElapsed":0}}`))
		require.NoError(t, err)
		assert.Nil(t, ev.(*Progress).Details.Speed)
	})

	t.Run("completed", func(t *testing.T) {
		ev, err := Decode([]byte(`{"type":"completed","originalSize":1000,"compressedSize":400,"compressionRatio":60,"timeElapsed":2.3,"artifactName":"x.lz77","encryptionKey":"k"}`))
		require.NoError(t, err)
		c := ev.(*Completed)
		assert.Equal(t, int64(400), c.CompressedSize)
		assert.Equal(t, "k", c.EncryptionKey)
		assert.True(t, c.Terminal())
	})

	t.Run("stopped", func(t *testing.T) {
		ev, err := Decode([]byte(`{"type":"stopped"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeStopped, ev.Type())
	})

	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", "ping", ErrMalformedFrame},
		{"missing type", `{"progress":1}`, ErrMalformedFrame},
		{"unknown type", `{"type":"paused"}`, ErrUnknownEvent},
		{"progress above range", `{"type":"progress","progress":101}`, ErrMalformedFrame},
		{"progress below range", `{"type":"progress","progress":-1}`, ErrMalformedFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEncodeDecodeProgress(t *testing.T) {
	speed := 2048.0
	in := Progress{Progress: 55, Details: &ProgressDetails{OriginalSize: 1000, CurrentSize: 500, Speed: &speed, TimeElapsed: 1.25}}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, &in, out)
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 60.0, Ratio(1000, 400))
	assert.Equal(t, 0.0, Ratio(0, 0))
	assert.Less(t, Ratio(10, 20), 0.0)
}

func TestParseAlgorithm(t *testing.T) {
	for _, a := range Algorithms {
		got, err := ParseAlgorithm(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}

	got, err := ParseAlgorithm(" LZ77 ")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmLZ77, got)

	_, err = ParseAlgorithm("rar")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestValidateJobID(t *testing.T) {
	assert.NoError(t, ValidateJobID(NewJobID()))
	assert.ErrorIs(t, ValidateJobID("not-a-uuid"), ErrInvalidJobID)
	assert.ErrorIs(t, ValidateJobID("{6ba7b810-9dad-11d1-80b4-00c04fd430c8}"), ErrInvalidJobID)
}
