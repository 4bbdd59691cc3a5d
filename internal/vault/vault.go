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

// Package vault implements the encrypted credential store: the on-disk
// container, the unlock/lock lifecycle, the in-memory secret cache and
// the per-credential policy persistence.
package vault

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	passwordvalidator "github.com/wagslane/go-password-validator"

	"github.com/passman/passman/internal/kms"
	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/policy"
)

const logSender = "vault"

// Vault errors
var (
	ErrVaultLocked     = errors.New("vault is locked")
	ErrVaultMissing    = errors.New("vault file does not exist")
	ErrVaultExists     = errors.New("vault file already exists")
	ErrInvalidPassword = errors.New("invalid master password")
	ErrVaultCorrupt    = errors.New("vault file is corrupted")
	ErrNotFound        = errors.New("credential not found")
)

// Config defines the vault configuration
type Config struct {
	// Path is the location of the vault file
	Path string
	// KDFParams are the cost parameters used when creating a new vault.
	// Existing vaults always use the parameters stored in the file
	KDFParams kms.Params
	// MinPasswordEntropy is the minimum entropy, in bits, required for a
	// new master password. Zero disables the check
	MinPasswordEntropy float64
}

// Vault is the thread-safe credential store handle. All state is guarded
// by a single readers/writer lock, no operation holds it across network
// I/O: proxies copy the secret under the lock and release it before
// dialing out
type Vault struct {
	mu        sync.RWMutex
	path      string
	kdfParams kms.Params
	minPwdEnt float64
	// nil while locked
	file  *File
	cache *secretCache
}

// New returns a Vault handle for the given configuration. The vault
// starts locked regardless of the file state
func New(config Config) *Vault {
	params := config.KDFParams
	if params.MemoryKiB == 0 {
		params = kms.DefaultParams()
	}
	return &Vault{
		path:      config.Path,
		kdfParams: params,
		minPwdEnt: config.MinPasswordEntropy,
	}
}

// Path returns the vault file path
func (v *Vault) Path() string {
	return v.path
}

// Exists reports whether the vault file exists on disk
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Create initializes a new vault file encrypted with the given master
// password and leaves the vault unlocked
func (v *Vault) Create(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Stat(v.path); err == nil {
		return ErrVaultExists
	}
	if v.minPwdEnt > 0 {
		if err := passwordvalidator.Validate(password, v.minPwdEnt); err != nil {
			return err
		}
	}
	salt, err := kms.NewSalt()
	if err != nil {
		return err
	}
	key, err := kms.DeriveKey(password, salt, v.kdfParams)
	if err != nil {
		return err
	}
	verifier, err := key.EncryptVerifier()
	if err != nil {
		return err
	}
	file := &File{
		Version:   currentVersion,
		KDFSalt:   salt,
		KDFParams: v.kdfParams,
		Verifier:  verifier,
		Records:   []Record{},
	}
	if err := saveFile(v.path, file); err != nil {
		return err
	}
	v.file = file
	v.cache = newSecretCache(key)
	logger.Info(logSender, "", "vault created at %q", v.path)
	return nil
}

// Unlock derives the key from the master password and the stored KDF
// parameters, verifies it against the verifier record and installs an
// empty secret cache, secrets are decrypted on first read. It returns the
// credential count. A bad password and a
// corrupted verifier are indistinguishable
func (v *Vault) Unlock(password string) (int, error) {
	file, err := loadFile(v.path)
	if err != nil {
		return 0, err
	}
	// key derivation is CPU bound and can take seconds, keep it outside
	// the state lock
	key, err := kms.DeriveKey(password, file.KDFSalt, file.KDFParams)
	if err != nil {
		return 0, err
	}
	if !key.Verify(file.Verifier) {
		key.Zero()
		return 0, ErrInvalidPassword
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cache != nil {
		v.cache.wipe()
	}
	v.file = file
	v.cache = newSecretCache(key)
	logger.Info(logSender, "", "vault unlocked, %d credentials", len(file.Records))
	return len(file.Records), nil
}

// Lock erases the derived key and every cached secret from memory
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.lockLocked()
}

func (v *Vault) lockLocked() {
	if v.cache != nil {
		v.cache.wipe()
		v.cache = nil
	}
	v.file = nil
	logger.Debug(logSender, "", "vault locked")
}

// IsUnlocked reports the lock state
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.cache != nil
}

// Count returns the number of stored credentials
func (v *Vault) Count() (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.cache == nil {
		return 0, ErrVaultLocked
	}
	return len(v.file.Records), nil
}

// List returns credential metadata, optionally filtered by kind,
// environment and tag
func (v *Vault) List(kind Kind, environment, tag string) ([]Meta, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.cache == nil {
		return nil, ErrVaultLocked
	}
	result := make([]Meta, 0, len(v.file.Records))
	for idx := range v.file.Records {
		if v.file.Records[idx].matchesFilter(kind, environment, tag) {
			result = append(result, v.file.Records[idx].Meta)
		}
	}
	return result, nil
}

// Search returns credentials whose name, tags or notes contain the query,
// case-insensitively
func (v *Vault) Search(query string) ([]Meta, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.cache == nil {
		return nil, ErrVaultLocked
	}
	var result []Meta
	for idx := range v.file.Records {
		if v.file.Records[idx].matchesQuery(query) {
			result = append(result, v.file.Records[idx].Meta)
		}
	}
	return result, nil
}

// GetMeta returns the metadata for the given credential id
func (v *Vault) GetMeta(id uuid.UUID) (Meta, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.cache == nil {
		return Meta{}, ErrVaultLocked
	}
	idx := v.file.findRecord(id)
	if idx < 0 {
		return Meta{}, ErrNotFound
	}
	return v.file.Records[idx].Meta, nil
}

// ReadSecret decrypts and returns the secret for the given credential.
// The payload stays in the cache, the returned Secret is a parsed copy
// that the caller must not retain beyond a single operation.
// A record failing authentication locks the vault
func (v *Vault) ReadSecret(id uuid.UUID) (*Secret, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cache == nil {
		return nil, ErrVaultLocked
	}
	idx := v.file.findRecord(id)
	if idx < 0 {
		return nil, ErrNotFound
	}
	payload, ok := v.cache.get(id)
	if !ok {
		record := &v.file.Records[idx]
		decrypted, err := v.cache.key.Decrypt(kms.EncryptedBlob{
			Nonce:      record.Nonce,
			Ciphertext: record.Ciphertext,
		}, record.aad())
		if err != nil {
			logger.Error(logSender, "", "authentication failed for credential %q, locking vault", id)
			v.lockLocked()
			return nil, ErrVaultCorrupt
		}
		v.cache.put(id, decrypted)
		payload = decrypted
	}
	var secret Secret
	if err := json.Unmarshal(payload, &secret); err != nil {
		return nil, ErrVaultCorrupt
	}
	if err := secret.Validate(); err != nil {
		return nil, err
	}
	return &secret, nil
}

// SecretStrings returns the secret string values of every stored
// credential that is currently decryptable. It is used by the sanitizer
// when scrubbing of all unlocked secrets is enabled
func (v *Vault) SecretStrings() []string {
	v.mu.RLock()
	if v.cache == nil {
		v.mu.RUnlock()
		return nil
	}
	ids := make([]uuid.UUID, 0, len(v.file.Records))
	for idx := range v.file.Records {
		ids = append(ids, v.file.Records[idx].ID)
	}
	v.mu.RUnlock()

	var result []string
	for _, id := range ids {
		secret, err := v.ReadSecret(id)
		if err != nil {
			continue
		}
		result = append(result, secret.SecretStrings()...)
	}
	return result
}

// Store encrypts and persists a new credential and returns its id
func (v *Vault) Store(name string, kind Kind, environment Environment, tags []string,
	notes string, secret *Secret,
) (uuid.UUID, error) {
	if secret.Type != kind {
		return uuid.Nil, NewKindMismatchError("secret type does not match the declared kind")
	}
	if err := secret.Validate(); err != nil {
		return uuid.Nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cache == nil {
		return uuid.Nil, ErrVaultLocked
	}
	now := time.Now().UTC()
	record := Record{
		Meta: Meta{
			ID:          uuid.New(),
			Name:        name,
			Kind:        kind,
			Environment: environment,
			Tags:        tags,
			Notes:       notes,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	if err := record.validate(); err != nil {
		return uuid.Nil, err
	}
	payload, err := json.Marshal(secret)
	if err != nil {
		return uuid.Nil, err
	}
	if err := v.encryptInto(&record, payload); err != nil {
		return uuid.Nil, err
	}
	v.file.Records = append(v.file.Records, record)
	if err := saveFile(v.path, v.file); err != nil {
		v.file.Records = v.file.Records[:len(v.file.Records)-1]
		return uuid.Nil, err
	}
	v.cache.put(record.ID, payload)
	logger.Debug(logSender, "", "credential %q stored, kind %q", record.ID, kind)
	return record.ID, nil
}

// UpdateSecret re-encrypts the secret of an existing credential with a
// fresh nonce
func (v *Vault) UpdateSecret(id uuid.UUID, secret *Secret) error {
	if err := secret.Validate(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cache == nil {
		return ErrVaultLocked
	}
	idx := v.file.findRecord(id)
	if idx < 0 {
		return ErrNotFound
	}
	record := &v.file.Records[idx]
	if secret.Type != record.Kind {
		return NewKindMismatchError("secret type does not match the stored kind")
	}
	payload, err := json.Marshal(secret)
	if err != nil {
		return err
	}
	oldNonce, oldCiphertext, oldUpdated := record.Nonce, record.Ciphertext, record.UpdatedAt
	if err := v.encryptInto(record, payload); err != nil {
		return err
	}
	record.UpdatedAt = time.Now().UTC()
	if err := saveFile(v.path, v.file); err != nil {
		record.Nonce, record.Ciphertext, record.UpdatedAt = oldNonce, oldCiphertext, oldUpdated
		return err
	}
	v.cache.forget(id)
	v.cache.put(id, payload)
	return nil
}

// UpdateMeta updates the mutable metadata fields of a credential. Nil
// arguments leave the corresponding field unchanged
func (v *Vault) UpdateMeta(id uuid.UUID, name *string, environment *Environment,
	tags *[]string, notes *string,
) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cache == nil {
		return ErrVaultLocked
	}
	idx := v.file.findRecord(id)
	if idx < 0 {
		return ErrNotFound
	}
	record := &v.file.Records[idx]
	oldMeta := record.Meta
	if name != nil {
		record.Name = *name
	}
	if environment != nil {
		record.Environment = *environment
	}
	if tags != nil {
		record.Tags = *tags
	}
	if notes != nil {
		record.Notes = *notes
	}
	record.UpdatedAt = time.Now().UTC()
	if err := record.validate(); err != nil {
		record.Meta = oldMeta
		return err
	}
	if err := saveFile(v.path, v.file); err != nil {
		record.Meta = oldMeta
		return err
	}
	return nil
}

// Delete removes a credential and its policy
func (v *Vault) Delete(id uuid.UUID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cache == nil {
		return ErrVaultLocked
	}
	idx := v.file.findRecord(id)
	if idx < 0 {
		return ErrNotFound
	}
	oldRecords, oldPolicies := v.file.Records, v.file.Policies
	v.file.Records = append(v.file.Records[:idx:idx], v.file.Records[idx+1:]...)
	policies := make([]policy.Rule, 0, len(v.file.Policies))
	for _, rule := range v.file.Policies {
		if rule.CredentialID != id {
			policies = append(policies, rule)
		}
	}
	v.file.Policies = policies
	if err := saveFile(v.path, v.file); err != nil {
		v.file.Records, v.file.Policies = oldRecords, oldPolicies
		return err
	}
	v.cache.forget(id)
	logger.Debug(logSender, "", "credential %q deleted", id)
	return nil
}

// GetPolicy returns the policy rule for a credential, nil if the
// credential has permissive defaults
func (v *Vault) GetPolicy(id uuid.UUID) (*policy.Rule, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.cache == nil {
		return nil, ErrVaultLocked
	}
	for idx := range v.file.Policies {
		if v.file.Policies[idx].CredentialID == id {
			rule := v.file.Policies[idx]
			return &rule, nil
		}
	}
	return nil, nil
}

// SavePolicy creates or replaces the policy rule for a credential
func (v *Vault) SavePolicy(rule policy.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cache == nil {
		return ErrVaultLocked
	}
	if v.file.findRecord(rule.CredentialID) < 0 {
		return ErrNotFound
	}
	oldPolicies := v.file.Policies
	policies := make([]policy.Rule, 0, len(v.file.Policies)+1)
	for _, p := range v.file.Policies {
		if p.CredentialID != rule.CredentialID {
			policies = append(policies, p)
		}
	}
	v.file.Policies = append(policies, rule)
	if err := saveFile(v.path, v.file); err != nil {
		v.file.Policies = oldPolicies
		return err
	}
	return nil
}

// DeletePolicy removes the policy rule for a credential
func (v *Vault) DeletePolicy(id uuid.UUID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cache == nil {
		return ErrVaultLocked
	}
	policies := make([]policy.Rule, 0, len(v.file.Policies))
	for _, rule := range v.file.Policies {
		if rule.CredentialID != id {
			policies = append(policies, rule)
		}
	}
	if len(policies) == len(v.file.Policies) {
		return nil
	}
	oldPolicies := v.file.Policies
	v.file.Policies = policies
	if err := saveFile(v.path, v.file); err != nil {
		v.file.Policies = oldPolicies
		return err
	}
	return nil
}

// Environments returns the sorted, deduplicated environment names in use
func (v *Vault) Environments() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.cache == nil {
		return nil, ErrVaultLocked
	}
	seen := make(map[string]bool)
	var result []string
	for idx := range v.file.Records {
		env := v.file.Records[idx].Environment.String()
		if !seen[env] {
			seen[env] = true
			result = append(result, env)
		}
	}
	sort.Strings(result)
	return result, nil
}

// Reload re-reads the vault file after an external change. The lock state
// is independent of the file contents: a locked vault stays locked, an
// unlocked vault is refreshed if the current key still decrypts the
// verifier, otherwise it transitions to locked and an error is returned
func (v *Vault) Reload() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cache == nil {
		return nil
	}
	file, err := loadFile(v.path)
	if err != nil {
		logger.Error(logSender, "", "reload failed, locking vault: %v", err)
		v.lockLocked()
		return err
	}
	if !v.cache.key.Verify(file.Verifier) {
		logger.Error(logSender, "", "reload verifier check failed, locking vault")
		v.lockLocked()
		return ErrInvalidPassword
	}
	key := v.cache.key.Clone()
	v.cache.wipe()
	v.file = file
	v.cache = newSecretCache(key)
	logger.Debug(logSender, "", "vault reloaded, %d credentials", len(file.Records))
	return nil
}

// encryptInto encrypts the payload into the record, rejecting a nonce
// identical to the record's previous one
func (v *Vault) encryptInto(record *Record, payload []byte) error {
	blob, err := v.cache.key.Encrypt(payload, record.aad())
	if err != nil {
		return err
	}
	if len(record.Nonce) > 0 && bytes.Equal(blob.Nonce, record.Nonce) {
		return kms.ErrNonceReuse
	}
	record.Nonce = blob.Nonce
	record.Ciphertext = blob.Ciphertext
	return nil
}
