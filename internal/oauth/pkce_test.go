package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPKCEParamsGeneratesValidS256Challenge(t *testing.T) {
	pkce, err := NewPKCEParams()
	require.NoError(t, err)

	assert.Equal(t, "S256", pkce.Method)
	assert.NotEmpty(t, pkce.CodeVerifier)
	assert.NotEmpty(t, pkce.State)

	sum := sha256.Sum256([]byte(pkce.CodeVerifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	assert.Equal(t, want, pkce.CodeChallenge)
}

func TestNewPKCEParamsAreUnique(t *testing.T) {
	a, err := NewPKCEParams()
	require.NoError(t, err)
	b, err := NewPKCEParams()
	require.NoError(t, err)

	assert.NotEqual(t, a.CodeVerifier, b.CodeVerifier)
	assert.NotEqual(t, a.State, b.State)
}

func TestRandomBase64URLHasNoPadding(t *testing.T) {
	s, err := randomBase64URL(32)
	require.NoError(t, err)
	assert.NotContains(t, s, "=")
}
