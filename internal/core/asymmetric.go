package core

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

// asymKeyBits is the RSA modulus size. 2048 bits keeps handshake
// latency reasonable while leaving comfortable headroom over the
// largest blob this protocol ever wraps (a serialized SymProvider:
// 8-byte packet header + 32-byte key + 24-byte nonce).
const asymKeyBits = 2048

// AsymHelper is the connection's asymmetric key-exchange helper:
// generates a keypair once per connection, exports/imports public
// keys, and performs base64-text-transported encrypt/decrypt of short
// blobs.
//
// RSA-OAEP is a deliberate stdlib choice, not an ecosystem gap: none
// of the DH/KEM primitives elsewhere in the example pack (curve25519,
// NTRU Prime, Kyber) can exhibit the "oversize plaintext > key
// modulus" failure mode this helper is required to surface.
type AsymHelper struct {
	private *rsa.PrivateKey
	peer    *rsa.PublicKey
}

// NewAsymHelper generates a fresh RSA keypair. Construction is
// expensive by design; callers do this once per connection, not per
// handshake step.
func NewAsymHelper() (*AsymHelper, error) {
	priv, err := rsa.GenerateKey(rand.Reader, asymKeyBits)
	if err != nil {
		return nil, fmt.Errorf("core: generate asymmetric keypair: %w", err)
	}
	return &AsymHelper{private: priv}, nil
}

// PublicKeyBlob exports the local public key in a form the peer can
// import via ImportPeer.
func (a *AsymHelper) PublicKeyBlob() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&a.private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("core: marshal public key: %w", err)
	}
	return der, nil
}

// ImportPeer parses a peer's exported public key blob and records it
// as the target for subsequent EncryptToPeer calls.
func (a *AsymHelper) ImportPeer(blob []byte) error {
	pub, err := x509.ParsePKIXPublicKey(blob)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedKeyBlob, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: not an RSA key", ErrMalformedKeyBlob)
	}
	a.peer = rsaPub
	return nil
}

// EncryptToPeer encrypts plaintext to the imported peer public key
// using OAEP, returning the ciphertext as a base64 string suitable for
// writing as a single handshake line. Fails if no peer key has been
// imported, or if plaintext exceeds what this key's modulus can carry
// under OAEP padding.
func (a *AsymHelper) EncryptToPeer(plaintext []byte) (string, error) {
	if a.peer == nil {
		return "", errors.New("core: no peer public key imported")
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, a.peer, plaintext, nil)
	if err != nil {
		if errors.Is(err, rsa.ErrMessageTooLong) {
			return "", ErrOversizePlaintext
		}
		return "", fmt.Errorf("core: encrypt to peer: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptFromBase64 reverses EncryptToPeer using the local private
// key.
func (a *AsymHelper) DecryptFromBase64(s string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("core: decode base64 handshake line: %w", err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, a.private, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("core: decrypt from peer: %w", err)
	}
	return plaintext, nil
}
