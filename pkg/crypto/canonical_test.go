package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalMarshal_SortsKeys(t *testing.T) {
	raw, err := CanonicalMarshal(map[string]interface{}{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(raw))
}

func TestCanonicalMarshal_NestedObjectsSorted(t *testing.T) {
	raw, err := CanonicalMarshal(map[string]interface{}{
		"outer": map[string]interface{}{"z": 1, "y": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"y":2,"z":1}}`, string(raw))
}

func TestCanonicalMarshal_Deterministic(t *testing.T) {
	v := map[string]interface{}{"x": 1, "y": []interface{}{1, 2, 3}, "z": "hello"}
	a, err := CanonicalMarshal(v)
	require.NoError(t, err)
	b, err := CanonicalMarshal(v)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCanonicalHash_DifferentValuesDifferentHash(t *testing.T) {
	h1, err := CanonicalHash(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]interface{}{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashBytes_KnownLength(t *testing.T) {
	h := HashBytes([]byte("hello"))
	assert.Len(t, h, 64) // hex-encoded SHA-256
}
