package core

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 3, 7, 512, 1024, 65536}
	for _, n := range sizes {
		data := make([]byte, n)
		_, err := rand.Read(data)
		require.NoError(t, err)

		p := Packet{TypeID: 1000, Data: data}
		got, err := Deserialize(p.Serialize())
		require.NoError(t, err)
		assert.True(t, p.Equal(*got), "round trip mismatch for size %d", n)
	}
}

func TestDeserializeTruncatedHeader(t *testing.T) {
	_, err := Deserialize([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrTruncatedPacket)
}

func TestDeserializeTruncatedData(t *testing.T) {
	p := Packet{TypeID: 1, Data: []byte{1, 2, 3, 4, 5}}
	raw := p.Serialize()
	_, err := Deserialize(raw[:len(raw)-2])
	assert.ErrorIs(t, err, ErrTruncatedPacket)
}

func TestDeserializeIgnoresTrailingBytes(t *testing.T) {
	p := Packet{TypeID: 42, Data: []byte("hello")}
	raw := append(p.Serialize(), 0xFF, 0xFF, 0xFF)
	got, err := Deserialize(raw)
	require.NoError(t, err)
	assert.True(t, p.Equal(*got))
}

func TestPacketEqual(t *testing.T) {
	a := Packet{TypeID: 1, Data: []byte("x")}
	b := Packet{TypeID: 1, Data: []byte("x")}
	c := Packet{TypeID: 2, Data: []byte("x")}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
