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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passman/passman/internal/kms"
	"github.com/passman/passman/internal/policy"
	"github.com/passman/passman/internal/util"
)

const testPassword = "hunter2hunter2"

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	return newTestVaultAt(t, filepath.Join(t.TempDir(), VaultFileName))
}

func newTestVaultAt(t *testing.T, path string) *Vault {
	t.Helper()
	return New(Config{
		Path: path,
		// cheap KDF parameters, key derivation must not dominate the tests
		KDFParams: kms.Params{
			MemoryKiB:   1024,
			Iterations:  1,
			Parallelism: 1,
		},
	})
}

func apiTokenSecret(token string) *Secret {
	return &Secret{
		Type:  KindAPIToken,
		Token: token,
	}
}

func TestCreateUnlockRoundtrip(t *testing.T) {
	v := newTestVault(t)
	require.False(t, v.Exists())
	require.NoError(t, v.Create(testPassword))
	require.True(t, v.Exists())
	require.True(t, v.IsUnlocked())

	id, err := v.Store("gh", KindAPIToken, NewEnvironment(EnvironmentProduction),
		[]string{"git"}, "", apiTokenSecret("ghp_AAAABBBBCCCCDDDD"))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	v.Lock()
	require.False(t, v.IsUnlocked())
	_, err = v.GetMeta(id)
	assert.ErrorIs(t, err, ErrVaultLocked)

	count, err := v.Unlock(testPassword)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	meta, err := v.GetMeta(id)
	require.NoError(t, err)
	assert.Equal(t, "gh", meta.Name)
	assert.Equal(t, KindAPIToken, meta.Kind)
	assert.Equal(t, EnvironmentProduction, meta.Environment.String())
	assert.Equal(t, []string{"git"}, meta.Tags)
	assert.False(t, meta.CreatedAt.IsZero())

	secret, err := v.ReadSecret(id)
	require.NoError(t, err)
	assert.Equal(t, "ghp_AAAABBBBCCCCDDDD", secret.Token)
	assert.Equal(t, DefaultHeaderName, secret.HeaderName)
	assert.Equal(t, DefaultHeaderPrefix, secret.Prefix)
}

func TestUnlockWrongPassword(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	v.Lock()

	_, err := v.Unlock("hunter3")
	assert.ErrorIs(t, err, ErrInvalidPassword)
	assert.False(t, v.IsUnlocked())

	_, err = v.Unlock(testPassword)
	assert.NoError(t, err)
}

func TestUnlockMissingVault(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Unlock(testPassword)
	assert.ErrorIs(t, err, ErrVaultMissing)
}

func TestCreateExistingVault(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	assert.ErrorIs(t, v.Create(testPassword), ErrVaultExists)
}

func TestCreatePasswordValidation(t *testing.T) {
	v := New(Config{
		Path: filepath.Join(t.TempDir(), VaultFileName),
		KDFParams: kms.Params{
			MemoryKiB:   1024,
			Iterations:  1,
			Parallelism: 1,
		},
		MinPasswordEntropy: 60,
	})
	assert.Error(t, v.Create("aaaa"))
	assert.NoError(t, v.Create("quite-a-long-Password-with-3ntropy!"))
}

func TestLockZeroesKeyAndSecrets(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	id, err := v.Store("cred", KindPassword, NewEnvironment(EnvironmentLocal), nil, "",
		&Secret{Type: KindPassword, Username: "user", Password: "secret123"})
	require.NoError(t, err)
	_, err = v.ReadSecret(id)
	require.NoError(t, err)

	key := v.cache.key
	payloads := make([][]byte, 0, len(v.cache.payloads))
	for _, payload := range v.cache.payloads {
		payloads = append(payloads, payload)
	}
	require.NotEmpty(t, payloads)
	require.False(t, key.IsZeroed())

	v.Lock()

	assert.True(t, key.IsZeroed())
	for _, payload := range payloads {
		assert.True(t, util.IsByteArrayEmpty(payload))
	}
	assert.Nil(t, v.cache)
}

func TestStoreKindMismatch(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))

	_, err := v.Store("bad", KindPassword, NewEnvironment(EnvironmentLocal), nil, "",
		apiTokenSecret("tok_value"))
	assert.ErrorIs(t, err, &KindMismatchError{})

	_, err = v.Store("bad", KindAPIToken, NewEnvironment(EnvironmentLocal), nil, "",
		&Secret{Type: KindAPIToken})
	assert.ErrorIs(t, err, &KindMismatchError{})
}

func TestDeleteCredential(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	id, err := v.Store("to-delete", KindAPIToken, NewEnvironment(EnvironmentLocal), nil, "",
		apiTokenSecret("tok_value"))
	require.NoError(t, err)

	require.NoError(t, v.Delete(id))
	_, err = v.GetMeta(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, v.Delete(id), ErrNotFound)
}

func TestNonceRotationOnReencryption(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	id, err := v.Store("rotating", KindAPIToken, NewEnvironment(EnvironmentLocal), nil, "",
		apiTokenSecret("tok_first"))
	require.NoError(t, err)

	seenNonces := make(map[string]bool)
	idx := v.file.findRecord(id)
	require.GreaterOrEqual(t, idx, 0)
	seenNonces[string(v.file.Records[idx].Nonce)] = true

	for i := 0; i < 10; i++ {
		require.NoError(t, v.UpdateSecret(id, apiTokenSecret("tok_second")))
		nonce := string(v.file.Records[v.file.findRecord(id)].Nonce)
		assert.False(t, seenNonces[nonce], "nonce reused on re-encryption")
		seenNonces[nonce] = true
	}
}

func TestListFilters(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))

	_, err := v.Store("web login", KindPassword, NewEnvironment(EnvironmentLocal),
		[]string{"web"}, "", &Secret{Type: KindPassword, Username: "u", Password: "p1234"})
	require.NoError(t, err)
	_, err = v.Store("api token", KindAPIToken, NewEnvironment(EnvironmentProduction),
		[]string{"api"}, "", apiTokenSecret("tok_value"))
	require.NoError(t, err)

	all, err := v.List("", "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byKind, err := v.List(KindPassword, "", "")
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "web login", byKind[0].Name)

	byEnv, err := v.List("", EnvironmentProduction, "")
	require.NoError(t, err)
	require.Len(t, byEnv, 1)
	assert.Equal(t, "api token", byEnv[0].Name)

	byTag, err := v.List("", "", "api")
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, "api token", byTag[0].Name)

	none, err := v.List(KindAPIToken, EnvironmentLocal, "")
	require.NoError(t, err)
	assert.Len(t, none, 0)
}

func TestSearch(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))

	_, err := v.Store("GitHub API Token", KindAPIToken, NewEnvironment(EnvironmentProduction),
		[]string{"ci"}, "deploy key for the build pipeline", apiTokenSecret("tok_value"))
	require.NoError(t, err)

	results, err := v.Search("github")
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = v.Search("GITHUB")
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = v.Search("pipeline")
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = v.Search("ci")
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = v.Search("nonexistent")
	require.NoError(t, err)
	assert.Len(t, results, 0)
}

func TestUpdateMeta(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	id, err := v.Store("old name", KindAPIToken, NewEnvironment(EnvironmentLocal), nil, "",
		apiTokenSecret("tok_value"))
	require.NoError(t, err)

	newName := "new name"
	newEnv := NewEnvironment("edge")
	newTags := []string{"updated"}
	require.NoError(t, v.UpdateMeta(id, &newName, &newEnv, &newTags, nil))

	meta, err := v.GetMeta(id)
	require.NoError(t, err)
	assert.Equal(t, "new name", meta.Name)
	assert.Equal(t, "edge", meta.Environment.String())
	assert.Equal(t, []string{"updated"}, meta.Tags)
	assert.True(t, meta.UpdatedAt.After(meta.CreatedAt) || meta.UpdatedAt.Equal(meta.CreatedAt))
}

func TestPolicies(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	id, err := v.Store("cred", KindAPIToken, NewEnvironment(EnvironmentLocal), nil, "",
		apiTokenSecret("tok_value"))
	require.NoError(t, err)

	rule, err := v.GetPolicy(id)
	require.NoError(t, err)
	assert.Nil(t, rule)

	require.ErrorIs(t, v.SavePolicy(policy.Rule{CredentialID: uuid.New()}), ErrNotFound)

	require.NoError(t, v.SavePolicy(policy.Rule{
		CredentialID:    id,
		AllowedTools:    []string{policy.ToolHTTPRequest},
		HTTPURLPatterns: []string{"https://api.github.com/*"},
	}))
	rule, err = v.GetPolicy(id)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, []string{policy.ToolHTTPRequest}, rule.AllowedTools)

	// upsert replaces the existing rule
	require.NoError(t, v.SavePolicy(policy.Rule{
		CredentialID: id,
		SQLAllowWrite: true,
	}))
	rule, err = v.GetPolicy(id)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Empty(t, rule.AllowedTools)
	assert.True(t, rule.SQLAllowWrite)

	require.NoError(t, v.DeletePolicy(id))
	rule, err = v.GetPolicy(id)
	require.NoError(t, err)
	assert.Nil(t, rule)
}

func TestPolicyRemovedWithCredential(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	id, err := v.Store("cred", KindAPIToken, NewEnvironment(EnvironmentLocal), nil, "",
		apiTokenSecret("tok_value"))
	require.NoError(t, err)
	require.NoError(t, v.SavePolicy(policy.Rule{CredentialID: id}))
	require.NoError(t, v.Delete(id))
	assert.Len(t, v.file.Policies, 0)
}

func TestEnvironments(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	for _, env := range []string{EnvironmentProduction, EnvironmentLocal, EnvironmentProduction} {
		_, err := v.Store("cred", KindAPIToken, NewEnvironment(env), nil, "",
			apiTokenSecret("tok_value"))
		require.NoError(t, err)
	}
	environments, err := v.Environments()
	require.NoError(t, err)
	assert.Equal(t, []string{EnvironmentLocal, EnvironmentProduction}, environments)
}

func TestCrossProcessReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFileName)
	processA := newTestVaultAt(t, path)
	require.NoError(t, processA.Create(testPassword))

	// a second process with its own derived key writes a new credential
	processB := newTestVaultAt(t, path)
	_, err := processB.Unlock(testPassword)
	require.NoError(t, err)
	id, err := processB.Store("from-b", KindAPIToken, NewEnvironment(EnvironmentLocal), nil, "",
		apiTokenSecret("tok_value"))
	require.NoError(t, err)

	require.NoError(t, processA.Reload())
	meta, err := processA.GetMeta(id)
	require.NoError(t, err)
	assert.Equal(t, "from-b", meta.Name)
	secret, err := processA.ReadSecret(id)
	require.NoError(t, err)
	assert.Equal(t, "tok_value", secret.Token)
}

func TestReloadLocksOnKDFChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), VaultFileName)
	v := newTestVaultAt(t, path)
	require.NoError(t, v.Create(testPassword))

	// simulate an external re-key: same password, different salt
	other := newTestVaultAt(t, filepath.Join(t.TempDir(), VaultFileName))
	require.NoError(t, other.Create(testPassword))
	data, err := os.ReadFile(other.Path())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	assert.ErrorIs(t, v.Reload(), ErrInvalidPassword)
	assert.False(t, v.IsUnlocked())
}

func TestReloadWhileLockedIsNoop(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	v.Lock()
	require.NoError(t, v.Reload())
	assert.False(t, v.IsUnlocked())
}

func TestCorruptVaultFile(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	v.Lock()
	require.NoError(t, os.WriteFile(v.Path(), []byte("not json at all"), 0600))
	_, err := v.Unlock(testPassword)
	assert.ErrorIs(t, err, ErrVaultCorrupt)
}

func TestTamperedRecordLocksVault(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	id, err := v.Store("cred", KindAPIToken, NewEnvironment(EnvironmentLocal), nil, "",
		apiTokenSecret("tok_value"))
	require.NoError(t, err)
	v.Lock()

	// flip a ciphertext byte on disk
	data, err := os.ReadFile(v.Path())
	require.NoError(t, err)
	var file File
	require.NoError(t, json.Unmarshal(data, &file))
	require.Len(t, file.Records, 1)
	file.Records[0].Ciphertext[0] ^= 0xff
	tampered, err := json.MarshalIndent(file, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(v.Path(), tampered, 0600))

	_, err = v.Unlock(testPassword)
	require.NoError(t, err)
	_, err = v.ReadSecret(id)
	assert.ErrorIs(t, err, ErrVaultCorrupt)
	// a record failing authentication is fatal, the vault locks itself
	assert.False(t, v.IsUnlocked())
}

func TestMetadataReadableWithoutUnlock(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	_, err := v.Store("plain meta", KindAPIToken, NewEnvironment(EnvironmentLocal), nil, "",
		apiTokenSecret("tok_value"))
	require.NoError(t, err)

	// the on-disk metadata is plaintext, only the secret payload and the
	// verifier are encrypted
	data, err := os.ReadFile(v.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "plain meta")
	assert.NotContains(t, string(data), "tok_value")
}

func TestEnvironmentJSON(t *testing.T) {
	data, err := json.Marshal(NewEnvironment(EnvironmentStaging))
	require.NoError(t, err)
	assert.Equal(t, `"staging"`, string(data))

	data, err = json.Marshal(NewEnvironment("edge-eu"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"custom":"edge-eu"}`, string(data))

	var env Environment
	require.NoError(t, json.Unmarshal([]byte(`"production"`), &env))
	assert.Equal(t, EnvironmentProduction, env.String())
	require.NoError(t, json.Unmarshal([]byte(`{"custom":"edge-eu"}`), &env))
	assert.Equal(t, "edge-eu", env.String())
	assert.Error(t, json.Unmarshal([]byte(`"unknown-env"`), &env))
	assert.Error(t, json.Unmarshal([]byte(`{"custom":""}`), &env))
}

func TestSecretValidation(t *testing.T) {
	testCases := []struct {
		name    string
		secret  Secret
		wantErr bool
	}{
		{"password ok", Secret{Type: KindPassword, Username: "u", Password: "p"}, false},
		{"password missing", Secret{Type: KindPassword, Username: "u"}, true},
		{"token ok", Secret{Type: KindAPIToken, Token: "t"}, false},
		{"token missing", Secret{Type: KindAPIToken}, true},
		{"ssh key ok", Secret{Type: KindSSHKey, Username: "u", Host: "h", PrivateKey: "k"}, false},
		{"ssh key missing host", Secret{Type: KindSSHKey, Username: "u", PrivateKey: "k"}, true},
		{"ssh password ok", Secret{Type: KindSSHPassword, Username: "u", Host: "h", Password: "p"}, false},
		{"db ok", Secret{Type: KindDatabaseConnection, Driver: DriverPostgreSQL, Host: "h",
			Database: "d", Username: "u", Password: "p"}, false},
		{"db bad driver", Secret{Type: KindDatabaseConnection, Driver: "oracle", Host: "h",
			Database: "d", Username: "u", Password: "p"}, true},
		{"sqlite without host", Secret{Type: KindDatabaseConnection, Driver: DriverSQLite,
			Database: "/tmp/db.sqlite"}, false},
		{"certificate ok", Secret{Type: KindCertificate, CertPEM: "c", KeyPEM: "k"}, false},
		{"certificate missing key", Secret{Type: KindCertificate, CertPEM: "c"}, true},
		{"smtp ok", Secret{Type: KindSMTPAccount, Host: "h", Username: "u", Password: "p"}, false},
		{"smtp bad encryption", Secret{Type: KindSMTPAccount, Host: "h", Username: "u",
			Password: "p", Encryption: "ssl3"}, true},
		{"custom ok", Secret{Type: KindCustom, Fields: map[string]string{"k": "v"}}, false},
		{"custom empty", Secret{Type: KindCustom}, true},
		{"unknown kind", Secret{Type: "certificate2"}, true},
	}
	for _, tc := range testCases {
		err := tc.secret.Validate()
		if tc.wantErr {
			assert.Error(t, err, tc.name)
		} else {
			assert.NoError(t, err, tc.name)
		}
	}
}

func TestSecretDefaults(t *testing.T) {
	sshSecret := Secret{Type: KindSSHKey, Username: "u", Host: "h", PrivateKey: "k"}
	require.NoError(t, sshSecret.Validate())
	assert.Equal(t, DefaultSSHPort, sshSecret.Port)

	dbSecret := Secret{Type: KindDatabaseConnection, Driver: DriverMySQL, Host: "h",
		Database: "d", Username: "u", Password: "p"}
	require.NoError(t, dbSecret.Validate())
	assert.Equal(t, DefaultMySQLPort, dbSecret.Port)

	smtpSecret := Secret{Type: KindSMTPAccount, Host: "h", Username: "u", Password: "p"}
	require.NoError(t, smtpSecret.Validate())
	assert.Equal(t, DefaultSMTPPort, smtpSecret.Port)
	assert.Equal(t, SMTPEncryptionStartTLS, smtpSecret.Encryption)
}

func TestSecretStrings(t *testing.T) {
	assert.Equal(t, []string{"p"},
		(&Secret{Type: KindPassword, Username: "u", Password: "p"}).SecretStrings())
	assert.Equal(t, []string{"tok"},
		(&Secret{Type: KindAPIToken, Token: "tok"}).SecretStrings())
	assert.ElementsMatch(t, []string{"key", "phrase"},
		(&Secret{Type: KindSSHKey, PrivateKey: "key", Passphrase: "phrase"}).SecretStrings())
	assert.ElementsMatch(t, []string{"cert", "key"},
		(&Secret{Type: KindCertificate, CertPEM: "cert", KeyPEM: "key"}).SecretStrings())
	assert.ElementsMatch(t, []string{"v1", "v2"},
		(&Secret{Type: KindCustom, Fields: map[string]string{"a": "v1", "b": "v2"}}).SecretStrings())
}

func TestVaultSecretStrings(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Create(testPassword))
	_, err := v.Store("one", KindAPIToken, NewEnvironment(EnvironmentLocal), nil, "",
		apiTokenSecret("tok_first"))
	require.NoError(t, err)
	_, err = v.Store("two", KindPassword, NewEnvironment(EnvironmentLocal), nil, "",
		&Secret{Type: KindPassword, Username: "u", Password: "second-pwd"})
	require.NoError(t, err)

	values := v.SecretStrings()
	assert.ElementsMatch(t, []string{"tok_first", "second-pwd"}, values)
}
