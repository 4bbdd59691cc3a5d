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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	configDir := t.TempDir()
	require.NoError(t, LoadConfig(configDir, ""))

	vaultConf := GetVaultConfig()
	assert.Equal(t, filepath.Base(vaultConf.Path), "vault.json")
	assert.Equal(t, uint32(65536), vaultConf.KDF.MemoryKiB)
	assert.Equal(t, uint32(3), vaultConf.KDF.Iterations)
	assert.Equal(t, uint8(4), vaultConf.KDF.Parallelism)
	assert.Zero(t, vaultConf.PasswordValidation)

	auditConf := GetAuditConfig()
	assert.Equal(t, filepath.Base(auditConf.Path), "audit.jsonl")

	watcherConf := GetWatcherConfig()
	assert.True(t, watcherConf.Enabled)
	assert.Equal(t, 500, watcherConf.QuiescenceMs)

	assert.False(t, GetSanitizerConfig().ScrubAllSecrets)

	proxyConf := GetProxyConfig()
	assert.Equal(t, 30, proxyConf.HTTPTimeout)
	assert.Equal(t, 60, proxyConf.SSHTimeout)
	assert.Equal(t, 30, proxyConf.SQLTimeout)
	assert.Equal(t, 60, proxyConf.SMTPTimeout)
}

func TestLoadConfigFromFile(t *testing.T) {
	configDir := t.TempDir()
	configPath := filepath.Join(configDir, "passman.json")
	configContent := `{
  "vault": {
    "path": "/custom/vault.json",
    "password_validation": 60
  },
  "watcher": {
    "enabled": false,
    "quiescence_ms": 250
  },
  "sanitizer": {
    "scrub_all_secrets": true
  },
  "proxy": {
    "http_timeout": 10
  }
}`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0600))
	require.NoError(t, LoadConfig(configDir, ""))

	assert.Equal(t, "/custom/vault.json", GetVaultConfig().Path)
	assert.Equal(t, float64(60), GetVaultConfig().PasswordValidation)
	assert.False(t, GetWatcherConfig().Enabled)
	assert.Equal(t, 250, GetWatcherConfig().QuiescenceMs)
	assert.True(t, GetSanitizerConfig().ScrubAllSecrets)
	assert.Equal(t, 10, GetProxyConfig().HTTPTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, 60, GetProxyConfig().SSHTimeout)
}

func TestLoadConfigInvalidTimeout(t *testing.T) {
	configDir := t.TempDir()
	configPath := filepath.Join(configDir, "passman-invalid.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"proxy":{"http_timeout":-1}}`), 0600))
	assert.Error(t, LoadConfig(configDir, "passman-invalid"))
}
