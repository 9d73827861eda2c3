package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVerifierPinnedKey(t *testing.T) {
	v, err := NewVerifier("")
	require.NoError(t, err)
	require.NotNil(t, v)
}

func TestNewVerifierMissingFile(t *testing.T) {
	_, err := NewVerifier("/nonexistent/key.pem")
	assert.Error(t, err)
}

func TestNewVerifierFromBadPEM(t *testing.T) {
	_, err := NewVerifierFromPEM([]byte("not a pem"))
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v, err := NewVerifier("")
	require.NoError(t, err)

	for _, token := range []string{"", "garbage", "a.b.c", "eyJhbGciOiJub25lIn0.e30."} {
		_, err := v.Verify(token)
		assert.Error(t, err, "token %q must be rejected", token)
	}
}

// Tokens signed with HS256 using the public key bytes as the HMAC secret are
// a classic downgrade; the verifier only accepts RS256.
func TestVerifyRejectsAlgorithmConfusion(t *testing.T) {
	v, err := NewVerifier("")
	require.NoError(t, err)

	// Header {"alg":"HS256","typ":"JWT"}, payload {}.
	token := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.e30.invalidsig"
	_, err = v.Verify(token)
	assert.Error(t, err)
}
