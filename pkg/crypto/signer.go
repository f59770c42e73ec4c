package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// Signer produces and checks detached Ed25519 signatures over raw bytes.
// KeyStore implementations satisfy the subset of this used by higher-level
// components; this standalone type is used directly by tests and by the
// single-process local KeyStore implementation in pkg/kms.
type Signer interface {
	Sign(data []byte) []byte
	PublicKey() []byte
}

// Ed25519Signer wraps a single Ed25519 keypair.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func (s *Ed25519Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

func (s *Ed25519Signer) PublicKey() []byte {
	return []byte(s.pub)
}

// PrivateKeyBytes exposes the raw private key, used only by the KeyStore's
// sealing path (never logged, never returned across a capability boundary).
func (s *Ed25519Signer) PrivateKeyBytes() []byte {
	return []byte(s.priv)
}

// Verify checks an Ed25519 signature against a raw public key.
func Verify(publicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}
