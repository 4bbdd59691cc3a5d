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

package proxy

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/passman/passman/internal/audit"
	"github.com/passman/passman/internal/kms"
	"github.com/passman/passman/internal/policy"
	"github.com/passman/passman/internal/vault"
)

const testPassword = "hunter2hunter2"

type testEnv struct {
	vault       *vault.Vault
	proxy       *Proxy
	auditLogger *audit.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	v := vault.New(vault.Config{
		Path: filepath.Join(dir, vault.VaultFileName),
		KDFParams: kms.Params{
			MemoryKiB:   1024,
			Iterations:  1,
			Parallelism: 1,
		},
	})
	require.NoError(t, v.Create(testPassword))
	auditLogger := audit.NewLogger(filepath.Join(dir, vault.AuditFileName))
	return &testEnv{
		vault:       v,
		proxy:       New(v, policy.NewEngine(), auditLogger, DefaultTimeouts(), false),
		auditLogger: auditLogger,
	}
}

func (e *testEnv) storeSecret(t *testing.T, name string, kind vault.Kind, secret *vault.Secret) uuid.UUID {
	t.Helper()
	id, err := e.vault.Store(name, kind, vault.NewEnvironment(vault.EnvironmentLocal), nil, "", secret)
	require.NoError(t, err)
	return id
}

func (e *testEnv) auditEntries(t *testing.T) []audit.Entry {
	t.Helper()
	entries, err := e.auditLogger.Read(audit.Filter{})
	require.NoError(t, err)
	return entries
}
