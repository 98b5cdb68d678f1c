package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap parameters keep the suite fast
func testHasher() *Hasher {
	return NewHasher(Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1})
}

func TestHash_PHCFormat(t *testing.T) {
	h := testHasher()

	encoded, err := h.Hash("1234")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$"))
	assert.Len(t, strings.Split(encoded, "$"), 6)
	assert.NotContains(t, encoded, "1234")
}

func TestVerify(t *testing.T) {
	h := testHasher()
	encoded, err := h.Hash("1234")
	require.NoError(t, err)

	tests := []struct {
		code string
		want bool
	}{
		{"1234", true},
		{"1235", false},
		{"0234", false},
		{"", false},
		{"12345", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			ok, err := h.Verify(encoded, tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestVerify_Idempotent(t *testing.T) {
	h := testHasher()
	encoded, err := h.Hash("4321")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := h.Verify(encoded, "4321")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestHash_SaltedPerCall(t *testing.T) {
	h := testHasher()
	a, err := h.Hash("1111")
	require.NoError(t, err)
	b, err := h.Hash("1111")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerify_MalformedHash(t *testing.T) {
	h := testHasher()
	for _, encoded := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=65536,t=3,p=2$c29tZXNhbHQ$c29tZWhhc2g",
		"$argon2id$v=19$broken$c29tZXNhbHQ$c29tZWhhc2g",
		"$argon2id$v=19$m=65536,t=3,p=2$!!!$c29tZWhhc2g",
	} {
		_, err := h.Verify(encoded, "1234")
		assert.ErrorIs(t, err, ErrMalformedHash, encoded)
	}

	_, err := h.Verify("$argon2id$v=16$m=65536,t=3,p=2$c29tZXNhbHQ$c29tZWhhc2g", "1234")
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestVerify_UsesEmbeddedParams(t *testing.T) {
	encoded, err := testHasher().Hash("9876")
	require.NoError(t, err)

	other := NewHasher(Params{Memory: 16 * 1024, Iterations: 2, Parallelism: 1})
	ok, err := other.Verify(encoded, "9876")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, other.NeedsRehash(encoded))
	assert.False(t, testHasher().NeedsRehash(encoded))
}
