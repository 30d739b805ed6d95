package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymProviderLengthPreserving(t *testing.T) {
	sp, err := NewSymProvider()
	require.NoError(t, err)

	for _, n := range []int{0, 1, 17, 4096} {
		plain := bytes.Repeat([]byte{0x5A}, n)
		cipher := sp.Encrypt(plain)
		assert.Len(t, cipher, n)
	}
}

func TestSymProviderRoundTripViaKeyMaterial(t *testing.T) {
	sender, err := NewSymProvider()
	require.NoError(t, err)
	material := sender.KeyMaterial()

	receiver, err := SymProviderFromKeyMaterial(material)
	require.NoError(t, err)

	plain := []byte("the quick brown fox jumps over the lazy dog")
	cipher := sender.Encrypt(plain)
	got := receiver.Decrypt(cipher)
	assert.Equal(t, plain, got)
}

func TestSymProviderResetReplaysKeystream(t *testing.T) {
	sp, err := NewSymProvider()
	require.NoError(t, err)

	plain := []byte("replay me")
	first := sp.Encrypt(plain)

	require.NoError(t, sp.Reset())
	second := sp.Encrypt(plain)

	assert.Equal(t, first, second)
}

func TestSymProviderFromKeyMaterialRejectsBadLength(t *testing.T) {
	_, err := SymProviderFromKeyMaterial([]byte("too short"))
	assert.Error(t, err)
}

func TestSymProviderEncryptIsNotIdentity(t *testing.T) {
	sp, err := NewSymProvider()
	require.NoError(t, err)

	plain := bytes.Repeat([]byte{0x00}, 32)
	cipher := sp.Encrypt(plain)
	assert.NotEqual(t, plain, cipher)
}
