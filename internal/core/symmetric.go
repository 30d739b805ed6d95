package core

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

const (
	symKeySize   = chacha20.KeySize
	symNonceSize = chacha20.NonceSize
)

// SymProvider is the stateful stream cipher backing a connection's
// symmetric traffic keys. It wraps golang.org/x/crypto/chacha20, a
// true keystream cipher: unlike an AEAD (AES-GCM, which appends an
// authentication tag), Encrypt/Decrypt here always return exactly
// len(in) bytes, which a length-preserving frame codec requires.
// Grounded on the mutex-adjacent, resettable cipher.Stream usage in
// other_examples' isgasho-xs/hkexnet.go.
type SymProvider struct {
	key   [symKeySize]byte
	nonce [symNonceSize]byte
	cs    *chacha20.Cipher
}

// NewSymProvider generates a fresh random key and nonce and installs
// them, ready for immediate use.
func NewSymProvider() (*SymProvider, error) {
	var key [symKeySize]byte
	var nonce [symNonceSize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("core: generate sym key: %w", err)
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("core: generate sym nonce: %w", err)
	}
	return NewSymProviderFromKeyMaterial(key, nonce)
}

// NewSymProviderFromKeyMaterial installs caller-supplied key+nonce,
// used when deserializing a SymProvider carried inside an
// asymmetric-wrapped handshake Packet.
func NewSymProviderFromKeyMaterial(key [symKeySize]byte, nonce [symNonceSize]byte) (*SymProvider, error) {
	cs, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, fmt.Errorf("core: init chacha20: %w", err)
	}
	return &SymProvider{key: key, nonce: nonce, cs: cs}, nil
}

// Encrypt advances the keystream and XORs it into a copy of in,
// returning ciphertext of identical length.
func (s *SymProvider) Encrypt(in []byte) []byte {
	out := make([]byte, len(in))
	s.cs.XORKeyStream(out, in)
	return out
}

// Decrypt is identical to Encrypt for a stream cipher: XOR is its own
// inverse over the same keystream position.
func (s *SymProvider) Decrypt(in []byte) []byte {
	out := make([]byte, len(in))
	s.cs.XORKeyStream(out, in)
	return out
}

// Reset restores the cipher to the state it had immediately after
// installation, discarding any keystream position advanced since.
func (s *SymProvider) Reset() error {
	cs, err := chacha20.NewUnauthenticatedCipher(s.key[:], s.nonce[:])
	if err != nil {
		return fmt.Errorf("core: reset chacha20: %w", err)
	}
	s.cs = cs
	return nil
}

// KeyMaterial returns the key and nonce this provider was installed
// with, serialized as key||nonce, for embedding inside the handshake's
// asymmetric-wrapped Packet.
func (s *SymProvider) KeyMaterial() []byte {
	buf := make([]byte, symKeySize+symNonceSize)
	copy(buf[:symKeySize], s.key[:])
	copy(buf[symKeySize:], s.nonce[:])
	return buf
}

// SymProviderFromKeyMaterial parses the key||nonce form written by
// KeyMaterial.
func SymProviderFromKeyMaterial(buf []byte) (*SymProvider, error) {
	if len(buf) != symKeySize+symNonceSize {
		return nil, fmt.Errorf("core: bad sym key material length %d", len(buf))
	}
	var key [symKeySize]byte
	var nonce [symNonceSize]byte
	copy(key[:], buf[:symKeySize])
	copy(nonce[:], buf[symKeySize:])
	return NewSymProviderFromKeyMaterial(key, nonce)
}
