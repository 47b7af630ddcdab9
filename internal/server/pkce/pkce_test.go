package pkce

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePair(t *testing.T) {
	p, err := GeneratePair()
	require.NoError(t, err)

	assert.Equal(t, MethodS256, p.Method)
	assert.Len(t, p.Verifier, 43)
	assert.True(t, ValidVerifier(p.Verifier))
	assert.True(t, Verify(p.Verifier, p.Challenge))

	q, err := GeneratePair()
	require.NoError(t, err)
	assert.NotEqual(t, p.Verifier, q.Verifier)
}

func TestChallenge_RFC7636Vector(t *testing.T) {
	// Appendix B of RFC 7636.
	assert.Equal(t,
		"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		Challenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestVerify_Rejects(t *testing.T) {
	p, err := GeneratePair()
	require.NoError(t, err)

	assert.False(t, Verify(p.Verifier, p.Challenge+"x"))
	assert.False(t, Verify(p.Verifier[:42], Challenge(p.Verifier[:42])), "too short")
	long := strings.Repeat("a", 129)
	assert.False(t, Verify(long, Challenge(long)), "too long")
	bad := strings.Repeat("a", 42) + "!"
	assert.False(t, Verify(bad, Challenge(bad)), "bad charset")
}
