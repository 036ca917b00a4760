package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	so, err := NewRandomKey()
	require.NoError(t, err)

	plaintext := []byte(`{"type":"prepare"}`)
	ct, err := so.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	got, err := so.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestIndependentKeysCannotDecryptEachOther(t *testing.T) {
	a, err := NewRandomKey()
	require.NoError(t, err)
	b, err := NewRandomKey()
	require.NoError(t, err)

	ct, err := a.Seal([]byte("hello"))
	require.NoError(t, err)

	_, err = b.Open(ct)
	assert.Error(t, err, "per-node-independent keys must not interoperate")
}

func TestSharedKeyInteroperates(t *testing.T) {
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	a := NewSharedKey(key)
	b := NewSharedKey(key)

	ct, err := a.Seal([]byte("hello"))
	require.NoError(t, err)
	got, err := b.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}
