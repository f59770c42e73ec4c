package crypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519Signer_SignVerifyRoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer()
	require.NoError(t, err)

	msg := []byte("authorize transaction")
	sig := signer.Sign(msg)

	assert.True(t, Verify(signer.PublicKey(), msg, sig))
}

func TestVerify_RejectsTamperedMessage(t *testing.T) {
	signer, err := NewEd25519Signer()
	require.NoError(t, err)

	sig := signer.Sign([]byte("original"))
	assert.False(t, Verify(signer.PublicKey(), []byte("tampered"), sig))
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	signerA, err := NewEd25519Signer()
	require.NoError(t, err)
	signerB, err := NewEd25519Signer()
	require.NoError(t, err)

	msg := []byte("authorize transaction")
	sig := signerA.Sign(msg)
	assert.False(t, Verify(signerB.PublicKey(), msg, sig))
}

func TestVerify_RejectsMalformedPublicKey(t *testing.T) {
	assert.False(t, Verify([]byte("too-short"), []byte("msg"), []byte("sig")))
}

func TestNewEd25519SignerFromKey_MatchesOriginal(t *testing.T) {
	signer, err := NewEd25519Signer()
	require.NoError(t, err)

	rehydrated := NewEd25519SignerFromKey(ed25519.PrivateKey(signer.PrivateKeyBytes()))
	assert.Equal(t, signer.PublicKey(), rehydrated.PublicKey())

	msg := []byte("round trip")
	assert.True(t, Verify(rehydrated.PublicKey(), msg, rehydrated.Sign(msg)))
}
