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

// Package kms provides the cryptographic primitives for the vault:
// Argon2id key derivation from the master password and AES-256-GCM
// authenticated encryption for secret payloads.
package kms

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/passman/passman/internal/util"
)

const (
	keySize   = 32
	saltSize  = 16
	nonceSize = 12
)

// verifier plaintext is a known value encrypted on vault creation and
// decrypted on unlock to detect a bad password before scanning records
const (
	verifierPlaintext = "passman-vault-verifier-v1"
	verifierAAD       = "passman-verifier"
)

var (
	// ErrDecrypt is returned on any authentication tag mismatch.
	// A wrong password and a corrupted payload are indistinguishable.
	ErrDecrypt = errors.New("incorrect password or corrupted vault")
	// ErrNonceReuse is returned if a freshly generated nonce matches the
	// previous one for the same key, the save must be aborted
	ErrNonceReuse        = errors.New("nonce reuse detected")
	errMalformedBlob     = errors.New("malformed encrypted payload")
	errInvalidKDFParams  = errors.New("invalid KDF parameters")
	errInvalidSaltLength = errors.New("invalid salt length")
)

// Params defines the Argon2id cost parameters stored in the vault file.
// They are read back before key derivation so they can be upgraded without
// breaking existing vaults.
type Params struct {
	MemoryKiB   uint32 `json:"memory_kib" mapstructure:"memory_kib"`
	Iterations  uint32 `json:"iterations" mapstructure:"iterations"`
	Parallelism uint8  `json:"parallelism" mapstructure:"parallelism"`
}

// DefaultParams returns the default KDF cost parameters: 64 MiB memory,
// 3 iterations, 4 lanes
func DefaultParams() Params {
	return Params{
		MemoryKiB:   65536,
		Iterations:  3,
		Parallelism: 4,
	}
}

func (p Params) validate() error {
	if p.MemoryKiB == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return errInvalidKDFParams
	}
	return nil
}

// EncryptedBlob is an encrypted payload with its unique nonce.
// The 128-bit GCM authentication tag is appended to the ciphertext
type EncryptedBlob struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// MasterKey holds the symmetric key derived from the master password.
// The backing buffer is overwritten on Zero
type MasterKey struct {
	key []byte
}

// DeriveKey derives a 256-bit key from the master password using Argon2id
// with the given salt and cost parameters
func DeriveKey(password string, salt []byte, params Params) (*MasterKey, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if len(salt) != saltSize {
		return nil, errInvalidSaltLength
	}
	key := argon2.IDKey([]byte(password), salt, params.Iterations, params.MemoryKiB, params.Parallelism, keySize)
	return &MasterKey{key: key}, nil
}

// NewMasterKey wraps an existing raw key. The key bytes are copied
func NewMasterKey(key []byte) *MasterKey {
	k := make([]byte, len(key))
	copy(k, key)
	return &MasterKey{key: k}
}

// Clone returns an independent copy of the key
func (k *MasterKey) Clone() *MasterKey {
	return NewMasterKey(k.key)
}

// Equal reports whether other holds the same key material
func (k *MasterKey) Equal(other *MasterKey) bool {
	return bytes.Equal(k.key, other.key)
}

// Zero overwrites the key buffer
func (k *MasterKey) Zero() {
	util.MemsetZero(k.key)
}

// IsZeroed reports whether the key buffer contains only zeroes
func (k *MasterKey) IsZeroed() bool {
	return util.IsByteArrayEmpty(k.key)
}

// Encrypt encrypts plaintext with AES-256-GCM using a fresh random nonce.
// The aad is authenticated but not encrypted
func (k *MasterKey) Encrypt(plaintext, aad []byte) (EncryptedBlob, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return EncryptedBlob{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedBlob{}, err
	}
	nonce, err := NewNonce()
	if err != nil {
		return EncryptedBlob{}, err
	}
	return EncryptedBlob{
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// Decrypt decrypts an encrypted blob. Any tag mismatch returns ErrDecrypt
func (k *MasterKey) Decrypt(blob EncryptedBlob, aad []byte) ([]byte, error) {
	if len(blob.Nonce) != nonceSize {
		return nil, errMalformedBlob
	}
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, blob.Nonce, blob.Ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptVerifier encrypts the known verifier plaintext
func (k *MasterKey) EncryptVerifier() (EncryptedBlob, error) {
	return k.Encrypt([]byte(verifierPlaintext), []byte(verifierAAD))
}

// Verify attempts to decrypt the verifier blob and reports whether the key
// is the one the vault was created with
func (k *MasterKey) Verify(blob EncryptedBlob) bool {
	plaintext, err := k.Decrypt(blob, []byte(verifierAAD))
	if err != nil {
		return false
	}
	defer util.MemsetZero(plaintext)
	return string(plaintext) == verifierPlaintext
}

// NewSalt returns a random 128-bit KDF salt
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// NewNonce returns a random 96-bit nonce. Fresh random values are
// collision resistant at expected vault sizes
func NewNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
