package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsStable(t *testing.T) {
	h := New()
	a, err := h.Hash([]byte("hello"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestDigestPartsAvoidsConcatenationCollisions(t *testing.T) {
	assert.NotEqual(t, DigestParts("ab", "c"), DigestParts("a", "bc"))
	assert.Equal(t, DigestParts("a", "b"), DigestParts("a", "b"))
}
