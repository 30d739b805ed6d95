package core

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 511, 512, 513, 2000}
	for _, n := range sizes {
		payload := bytes.Repeat([]byte{0xAB}, n)
		var buf bytes.Buffer

		wireBytes, err := writeFrame(&buf, payload)
		require.NoError(t, err)
		assert.Equal(t, 4+n, wireBytes)

		got, gotWire, err := readFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		assert.Equal(t, wireBytes, gotWire)
	}
}

func TestReadFrameShortHeaderIsUnderflow(t *testing.T) {
	r := bytes.NewReader([]byte{0x01, 0x02})
	_, _, err := readFrame(r)
	assert.ErrorIs(t, err, ErrFrameUnderflow)
}

func TestReadFrameShortBodyIsFrameError(t *testing.T) {
	var buf bytes.Buffer
	_, err := writeFrame(&buf, []byte("hello world"))
	require.NoError(t, err)

	// Truncate the body out from under the declared length.
	full := buf.Bytes()
	truncated := bytes.NewReader(full[:len(full)-4])

	_, _, err = readFrame(truncated)
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, fe.Err, io.ErrUnexpectedEOF)
}

func TestReadFrameChunkedAcrossReadChunkSize(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, readChunkSize*3+17)
	var buf bytes.Buffer
	_, err := writeFrame(&buf, payload)
	require.NoError(t, err)

	got, _, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
