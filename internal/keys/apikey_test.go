package keys

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAPIKey_Is256Bits(t *testing.T) {
	k, err := NewAPIKey()
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(k)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestNewAPIKey_Unique(t *testing.T) {
	a, err := NewAPIKey()
	require.NoError(t, err)
	b, err := NewAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHashAPIKey_DependsOnPepper(t *testing.T) {
	assert.Equal(t, HashAPIKey("p", "k"), HashAPIKey("p", "k"))
	assert.NotEqual(t, HashAPIKey("p1", "k"), HashAPIKey("p2", "k"))
	assert.NotEqual(t, HashAPIKey("p", "k1"), HashAPIKey("p", "k2"))
}

func TestHashAPIKey_SeparatorMatters(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide.
	assert.NotEqual(t, HashAPIKey("ab", "c"), HashAPIKey("a", "bc"))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("token", "token"))
	assert.False(t, Equal("token", "other"))
	assert.False(t, Equal("token", ""))
	assert.True(t, Equal("", ""))
}
