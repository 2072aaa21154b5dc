package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastHasher keeps argon2 cheap in tests
func fastHasher() *Argon2Hasher {
	return &Argon2Hasher{time: 1, memory: 1024, threads: 1, keyLen: 16}
}

func TestArgon2Hasher_HashAndVerify(t *testing.T) {
	hasher := fastHasher()

	encoded, err := hasher.Hash("correct horse battery")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$"))

	ok, err := hasher.Verify(encoded, "correct horse battery")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = hasher.Verify(encoded, "correct horse battery!")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArgon2Hasher_SaltIsRandom(t *testing.T) {
	hasher := fastHasher()

	first, err := hasher.Hash("password123")
	require.NoError(t, err)
	second, err := hasher.Hash("password123")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestArgon2Hasher_VerifyUsesStoredParameters(t *testing.T) {
	encoded, err := fastHasher().Hash("password123")
	require.NoError(t, err)

	ok, err := NewArgon2Hasher().Verify(encoded, "password123")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestArgon2Hasher_DefaultParameters(t *testing.T) {
	hasher := NewArgon2Hasher()
	assert.Equal(t, uint32(3), hasher.time)
	assert.Equal(t, uint32(64*1024), hasher.memory)
	assert.Equal(t, uint8(4), hasher.threads)
	assert.Equal(t, uint32(32), hasher.keyLen)
}

func TestArgon2Hasher_MalformedEncodings(t *testing.T) {
	hasher := fastHasher()

	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"bcrypt", "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"},
		{"wrong variant", "$argon2i$v=19$m=1024,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2g"},
		{"wrong version", "$argon2id$v=16$m=1024,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2g"},
		{"bad params", "$argon2id$v=19$m=x,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2g"},
		{"bad salt", "$argon2id$v=19$m=1024,t=1,p=1$!!!$aGFzaGhhc2g"},
		{"empty hash", "$argon2id$v=19$m=1024,t=1,p=1$c2FsdHNhbHQ$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := hasher.Verify(tt.encoded, "password123")
			assert.ErrorIs(t, err, errInvalidHash)
			assert.False(t, ok)
		})
	}
}

func TestArgon2Hasher_WithParams(t *testing.T) {
	hasher := NewArgon2HasherWithParams(2, 2048, 2)

	encoded, err := hasher.Hash("password123")
	require.NoError(t, err)
	assert.Contains(t, encoded, "$m=2048,t=2,p=2$")

	ok, err := hasher.Verify(encoded, "password123")
	require.NoError(t, err)
	assert.True(t, ok)
}
