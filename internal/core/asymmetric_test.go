package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsymHelperRoundTrip(t *testing.T) {
	alice, err := NewAsymHelper()
	require.NoError(t, err)
	bob, err := NewAsymHelper()
	require.NoError(t, err)

	aliceBlob, err := alice.PublicKeyBlob()
	require.NoError(t, err)
	bobBlob, err := bob.PublicKeyBlob()
	require.NoError(t, err)

	require.NoError(t, alice.ImportPeer(bobBlob))
	require.NoError(t, bob.ImportPeer(aliceBlob))

	plaintext := []byte("session key material")
	line, err := alice.EncryptToPeer(plaintext)
	require.NoError(t, err)

	got, err := bob.DecryptFromBase64(line)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestAsymHelperEncryptWithoutPeerFails(t *testing.T) {
	a, err := NewAsymHelper()
	require.NoError(t, err)
	_, err = a.EncryptToPeer([]byte("x"))
	assert.Error(t, err)
}

func TestAsymHelperOversizePlaintextFails(t *testing.T) {
	a, err := NewAsymHelper()
	require.NoError(t, err)
	b, err := NewAsymHelper()
	require.NoError(t, err)
	blob, err := b.PublicKeyBlob()
	require.NoError(t, err)
	require.NoError(t, a.ImportPeer(blob))

	huge := bytes.Repeat([]byte{0x01}, asymKeyBits) // far beyond OAEP's usable payload for a 2048-bit key
	_, err = a.EncryptToPeer(huge)
	assert.ErrorIs(t, err, ErrOversizePlaintext)
}

func TestAsymHelperImportPeerRejectsMalformedBlob(t *testing.T) {
	a, err := NewAsymHelper()
	require.NoError(t, err)
	err = a.ImportPeer([]byte("not a key"))
	assert.ErrorIs(t, err, ErrMalformedKeyBlob)
}

func TestAsymHelperDecryptRejectsMalformedBase64(t *testing.T) {
	a, err := NewAsymHelper()
	require.NoError(t, err)
	_, err = a.DecryptFromBase64("not-valid-base64!!")
	assert.Error(t, err)
}
