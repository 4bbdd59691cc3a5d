// Copyright (C) 2019 Nicola Murino
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package kms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cheap parameters, production defaults would dominate the test run time
func testParams() Params {
	return Params{
		MemoryKiB:   1024,
		Iterations:  1,
		Parallelism: 1,
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := NewMasterKey(make([]byte, 32))
	plaintext := []byte("hello, world!")
	aad := []byte("aad")

	blob, err := key.Encrypt(plaintext, aad)
	require.NoError(t, err)
	assert.Len(t, blob.Nonce, 12)
	// ciphertext plus the 16 bytes GCM tag
	assert.Len(t, blob.Ciphertext, len(plaintext)+16)

	decrypted, err := key.Decrypt(blob, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptWrongKey(t *testing.T) {
	key1 := NewMasterKey([]byte("01234567890123456789012345678901"))
	key2 := NewMasterKey([]byte("11234567890123456789012345678901"))

	blob, err := key1.Encrypt([]byte("secret"), nil)
	require.NoError(t, err)

	_, err = key2.Decrypt(blob, nil)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptWrongAAD(t *testing.T) {
	key := NewMasterKey(make([]byte, 32))

	blob, err := key.Encrypt([]byte("secret"), []byte("aad1"))
	require.NoError(t, err)

	_, err = key.Decrypt(blob, []byte("aad2"))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptMalformedBlob(t *testing.T) {
	key := NewMasterKey(make([]byte, 32))
	_, err := key.Decrypt(EncryptedBlob{Nonce: []byte{1, 2, 3}, Ciphertext: []byte{4}}, nil)
	assert.Error(t, err)
}

func TestUniqueNonces(t *testing.T) {
	key := NewMasterKey(make([]byte, 32))

	blob1, err := key.Encrypt([]byte("data"), nil)
	require.NoError(t, err)
	blob2, err := key.Encrypt([]byte("data"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, blob1.Nonce, blob2.Nonce)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	require.Len(t, salt, 16)

	key1, err := DeriveKey("password", salt, testParams())
	require.NoError(t, err)
	key2, err := DeriveKey("password", salt, testParams())
	require.NoError(t, err)
	assert.True(t, key1.Equal(key2))

	key3, err := DeriveKey("Password", salt, testParams())
	require.NoError(t, err)
	assert.False(t, key1.Equal(key3))
}

func TestDeriveKeyInvalidInput(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	_, err = DeriveKey("password", salt, Params{})
	assert.Error(t, err)

	_, err = DeriveKey("password", []byte("short"), testParams())
	assert.Error(t, err)
}

func TestVerifierRoundtrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	key, err := DeriveKey("correct horse", salt, testParams())
	require.NoError(t, err)
	verifier, err := key.EncryptVerifier()
	require.NoError(t, err)
	assert.True(t, key.Verify(verifier))

	wrongKey, err := DeriveKey("wrong horse", salt, testParams())
	require.NoError(t, err)
	assert.False(t, wrongKey.Verify(verifier))
}

func TestKeyZeroing(t *testing.T) {
	key := NewMasterKey([]byte("01234567890123456789012345678901"))
	require.False(t, key.IsZeroed())
	key.Zero()
	assert.True(t, key.IsZeroed())
}

func TestDefaultParams(t *testing.T) {
	params := DefaultParams()
	assert.Equal(t, uint32(65536), params.MemoryKiB)
	assert.Equal(t, uint32(3), params.Iterations)
	assert.Equal(t, uint8(4), params.Parallelism)
}
