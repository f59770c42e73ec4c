// Package kms implements guthwine's KeyStore capability: Ed25519 keypair
// generation and signing, and AES-256-GCM sealing with a PBKDF2-derived
// master key. A LocalKeyStore holds keys in memory, mirroring the
// teacher's single-process LocalKMS; production deployments front an
// HSM/KMS behind the same contracts.KeyStore interface.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/oxford22/guthwine/pkg/contracts"
	"github.com/oxford22/guthwine/pkg/crypto"
	guerr "github.com/oxford22/guthwine/pkg/errors"
)

const (
	pbkdf2Iterations = 100_000
	masterKeySize    = 32
	gcmNonceSize     = 12
)

type keyEntry struct {
	signer *crypto.Ed25519Signer
	state  contracts.KeyState
}

// LocalKeyStore is an in-memory Ed25519 key registry plus AES-256-GCM
// sealing under a master key derived via PBKDF2-HMAC-SHA256.
type LocalKeyStore struct {
	mu        sync.RWMutex
	keys      map[string]*keyEntry
	masterKey []byte
	nextID    int
}

// DeriveMasterKey derives a 32-byte AES key from a secret and salt via
// PBKDF2-HMAC-SHA256 with 100k iterations, per §4.1.
func DeriveMasterKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, pbkdf2Iterations, masterKeySize, sha256.New)
}

// NewLocalKeyStore builds a store sealing under the given master key
// (see DeriveMasterKey).
func NewLocalKeyStore(masterKey []byte) (*LocalKeyStore, error) {
	if len(masterKey) != masterKeySize {
		return nil, guerr.New(guerr.KindFatal, guerr.CodeKeyStoreNotInitialized, "master key must be 32 bytes")
	}
	return &LocalKeyStore{
		keys:      make(map[string]*keyEntry),
		masterKey: masterKey,
	}, nil
}

func (ks *LocalKeyStore) GenerateKeyPair(ctx context.Context) (string, []byte, error) {
	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		return "", nil, guerr.Wrap(guerr.KindFatal, guerr.CodeKeyStoreNotInitialized, "generate keypair", err)
	}

	ks.mu.Lock()
	ks.nextID++
	keyID := fmt.Sprintf("key-%d", ks.nextID)
	ks.keys[keyID] = &keyEntry{signer: signer, state: contracts.KeyEnabled}
	ks.mu.Unlock()

	return keyID, signer.PublicKey(), nil
}

func (ks *LocalKeyStore) lookup(keyID string) (*keyEntry, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	e, ok := ks.keys[keyID]
	if !ok {
		return nil, guerr.New(guerr.KindNotFound, guerr.CodeTokenNotFound, "key not found: "+keyID)
	}
	return e, nil
}

func (ks *LocalKeyStore) PublicKey(ctx context.Context, keyID string) ([]byte, error) {
	e, err := ks.lookup(keyID)
	if err != nil {
		return nil, err
	}
	return e.signer.PublicKey(), nil
}

func (ks *LocalKeyStore) Sign(ctx context.Context, keyID string, data []byte) ([]byte, error) {
	e, err := ks.lookup(keyID)
	if err != nil {
		return nil, err
	}
	if e.state != contracts.KeyEnabled {
		return nil, guerr.New(guerr.KindSecurity, guerr.CodeKeyDisabled, "key not enabled: "+keyID)
	}
	return e.signer.Sign(data), nil
}

func (ks *LocalKeyStore) Verify(ctx context.Context, keyID string, data, signature []byte) (bool, error) {
	e, err := ks.lookup(keyID)
	if err != nil {
		return false, err
	}
	if e.state == contracts.KeyDestroyed {
		return false, guerr.New(guerr.KindSecurity, guerr.CodeKeyDisabled, "key destroyed: "+keyID)
	}
	return crypto.Verify(e.signer.PublicKey(), data, signature), nil
}

func (ks *LocalKeyStore) KeyState(ctx context.Context, keyID string) (contracts.KeyState, error) {
	e, err := ks.lookup(keyID)
	if err != nil {
		return "", err
	}
	return e.state, nil
}

func (ks *LocalKeyStore) DisableKey(ctx context.Context, keyID string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	e, ok := ks.keys[keyID]
	if !ok {
		return guerr.New(guerr.KindNotFound, guerr.CodeTokenNotFound, "key not found: "+keyID)
	}
	e.state = contracts.KeyDisabled
	return nil
}

// Seal encrypts plaintext under the master key, producing
// nonce(12) || ciphertext || auth_tag(16).
func (ks *LocalKeyStore) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(ks.masterKey)
	if err != nil {
		return nil, guerr.Wrap(guerr.KindFatal, guerr.CodeKeyStoreNotInitialized, "seal: new cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, guerr.Wrap(guerr.KindFatal, guerr.CodeKeyStoreNotInitialized, "seal: new gcm", err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, guerr.Wrap(guerr.KindUpstream, guerr.CodeSystemError, "seal: read nonce", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// Unseal reverses Seal, rejecting blobs shorter than nonce+tag.
func (ks *LocalKeyStore) Unseal(ctx context.Context, sealed []byte) ([]byte, error) {
	if len(sealed) < gcmNonceSize+16 {
		return nil, guerr.New(guerr.KindSecurity, guerr.CodeInvalidSignature, "unseal: blob too short")
	}
	block, err := aes.NewCipher(ks.masterKey)
	if err != nil {
		return nil, guerr.Wrap(guerr.KindFatal, guerr.CodeKeyStoreNotInitialized, "unseal: new cipher", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, guerr.Wrap(guerr.KindFatal, guerr.CodeKeyStoreNotInitialized, "unseal: new gcm", err)
	}
	nonce, ciphertext := sealed[:gcmNonceSize], sealed[gcmNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, guerr.Wrap(guerr.KindSecurity, guerr.CodeInvalidSignature, "unseal: authentication failed", err)
	}
	return plaintext, nil
}

var _ contracts.KeyStore = (*LocalKeyStore)(nil)
