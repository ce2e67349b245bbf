package commitment

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xrin1/flippening/internal/domain"
)

func TestCommitIsSHA256OfSecret(t *testing.T) {
	secret := "x7Kq2 false"
	want := sha256.Sum256([]byte(secret))
	got := Commit(secret)
	assert.Equal(t, want[:], got[:])
}

func TestVerify(t *testing.T) {
	c := Commit("salt true")
	assert.True(t, Verify("salt true", c))
	assert.False(t, Verify("salt false", c))
	assert.False(t, Verify("", c))
}

func TestExtractOutcome(t *testing.T) {
	cases := []struct {
		secret string
		want   bool
	}{
		{"abc false", false},
		{"abc true", true},
		{"abc something-else", true},
		{"abc False", true},
		{"abc false ", true},
		{" false", false},
		{"false", true},
		{"", true},
		{"a b false", false},
		{"my lucky salt false", false},
		{"my lucky salt true", true},
		{"salt false  ", true},
		{"salt\tfalse", true},
		{"salt  false", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtractOutcome(tc.secret), "secret %q", tc.secret)
	}
}

func TestRevealOpen(t *testing.T) {
	s := Secret("pepper", false)
	c := Commit(s)

	outcome, err := Reveal(s).Open(c)
	require.NoError(t, err)
	assert.False(t, outcome)

	_, err = Reveal("pepper true").Open(c)
	require.ErrorIs(t, err, domain.ErrSecretMismatch)

	// The outcome is the token after the last space, so a trailing space
	// turns a false secret into a true one.
	padded := Secret("pepper", false) + " "
	outcome, err = Reveal(padded).Open(Commit(padded))
	require.NoError(t, err)
	assert.True(t, outcome)

	spaced := Secret("salt with spaces", false)
	outcome, err = Reveal(spaced).Open(Commit(spaced))
	require.NoError(t, err)
	assert.False(t, outcome)
}

func TestParseRoundTrip(t *testing.T) {
	c := Commit("salt true")
	parsed, err := Parse(c.Hex())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)

	_, err = Parse("0x1234")
	require.Error(t, err)
	_, err = Parse("not-hex")
	require.Error(t, err)
}
