package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap keeps tests fast while exercising the same encoding.
var cheap = Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16, SaltLen: 8}

func TestHash(t *testing.T) {
	t.Parallel()

	hash, err := Hash("test-password-123")
	require.NoError(t, err)

	assert.Contains(t, hash, "$argon2id$")
	assert.Contains(t, hash, "v=19")
	assert.Contains(t, hash, "m=65536,t=3,p=4")
	assert.NoError(t, Validate(hash))
}

func TestHash_UniquePerCall(t *testing.T) {
	t.Parallel()

	hash1, err := HashWithParams("same-password", cheap)
	require.NoError(t, err)
	hash2, err := HashWithParams("same-password", cheap)
	require.NoError(t, err)

	assert.NotEqual(t, hash1, hash2)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		password string
		attempt  string
		want     bool
	}{
		{"correct", "correct-horse-battery-staple", "correct-horse-battery-staple", true},
		{"incorrect", "correct-password", "wrong-password", false},
		{"empty matches empty", "", "", true},
		{"empty rejects other", "", "not-empty", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			hash, err := HashWithParams(tt.password, cheap)
			require.NoError(t, err)

			match, err := Verify(tt.attempt, hash)
			require.NoError(t, err)
			assert.Equal(t, tt.want, match)
		})
	}
}

func TestVerify_DefaultParams(t *testing.T) {
	t.Parallel()

	hash, err := Hash("test123")
	require.NoError(t, err)

	match, err := Verify("test123", hash)
	require.NoError(t, err)
	assert.True(t, match)
}

func TestVerify_InvalidHash(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		hash string
	}{
		{"empty", ""},
		{"not enough parts", "$argon2id$v=19"},
		{"missing leading separator", "argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA$x"},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"},
		{"invalid version format", "$argon2id$version=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"},
		{"unsupported version", "$argon2id$v=16$m=65536,t=3,p=4$c2FsdA$aGFzaA"},
		{"invalid params format", "$argon2id$v=19$memory=65536$c2FsdA$aGFzaA"},
		{"invalid salt encoding", "$argon2id$v=19$m=65536,t=3,p=4$!!!invalid!!!$aGFzaA"},
		{"invalid key encoding", "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$!!!invalid!!!"},
		{"empty key", "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Verify("password", tt.hash)
			assert.ErrorIs(t, err, ErrInvalidHash)
			assert.ErrorIs(t, Validate(tt.hash), ErrInvalidHash)
		})
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	hash, err := HashWithParams("test", cheap)
	require.NoError(t, err)

	p, salt, key, err := decode(hash)
	require.NoError(t, err)

	assert.Equal(t, cheap, p)
	assert.Len(t, salt, 8)
	assert.Len(t, key, 16)
}
