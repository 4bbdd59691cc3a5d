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

package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/passman/passman/internal/kms"
	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/policy"
)

// File names inside the vault directory
const (
	VaultFileName = "vault.json"
	AuditFileName = "audit.jsonl"
	lockFileName  = ".vault.lock"
)

// currentVersion is the on-disk format version
const currentVersion = 1

// File is the on-disk vault document. Metadata is stored as plaintext,
// only the per-record ciphertext and the verifier are encrypted. The Vault
// handle still serves List and Search only while unlocked
type File struct {
	Version   int               `json:"version"`
	KDFSalt   []byte            `json:"kdf_salt"`
	KDFParams kms.Params        `json:"kdf_params"`
	Verifier  kms.EncryptedBlob `json:"verifier"`
	Records   []Record          `json:"records"`
	Policies  []policy.Rule     `json:"policies,omitempty"`
}

func (f *File) findRecord(id uuid.UUID) int {
	for idx := range f.Records {
		if f.Records[idx].ID == id {
			return idx
		}
	}
	return -1
}

// DefaultDir returns the default vault directory, ~/.passman.
// It can be overridden with the PASSMAN_HOME environment variable
func DefaultDir() string {
	if dir := os.Getenv("PASSMAN_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".passman"
	}
	return filepath.Join(home, ".passman")
}

// loadFile reads and parses the vault document holding a shared advisory
// lock for the duration of the read
func loadFile(path string) (*File, error) {
	lock, err := acquireFileLock(lockPathFor(path), false)
	if err != nil {
		return nil, fmt.Errorf("unable to lock vault file: %w", err)
	}
	defer lock.release()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrVaultMissing
		}
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		logger.Error(logSender, "", "unable to parse vault file %q: %v", path, err)
		return nil, ErrVaultCorrupt
	}
	if f.Version != currentVersion {
		logger.Error(logSender, "", "unsupported vault version %d", f.Version)
		return nil, ErrVaultCorrupt
	}
	return &f, nil
}

// saveFile atomically replaces the vault document: the serialized form is
// written to a sibling temporary file, synced, then renamed over the
// original while an exclusive advisory lock is held
func saveFile(path string, f *File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("unable to create vault directory: %w", err)
	}
	lock, err := acquireFileLock(lockPathFor(path), true)
	if err != nil {
		return fmt.Errorf("unable to lock vault file: %w", err)
	}
	defer lock.release()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func lockPathFor(path string) string {
	return filepath.Join(filepath.Dir(path), lockFileName)
}

func dirOf(path string) string {
	return filepath.Dir(path)
}
