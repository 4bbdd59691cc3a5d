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
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/passman/passman/internal/audit"
	"github.com/passman/passman/internal/policy"
	"github.com/passman/passman/internal/sanitizer"
	"github.com/passman/passman/internal/vault"
)

func TestHTTPRequestTokenInjection(t *testing.T) {
	env := newTestEnv(t)
	token := "tok_super_secret_value"
	id := env.storeSecret(t, "api", vault.KindAPIToken, &vault.Secret{
		Type:  vault.KindAPIToken,
		Token: token,
	})

	var receivedAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		// the server echoes the token back, the proxy must scrub it
		fmt.Fprintf(w, "you sent %s", r.Header.Get("Authorization"))
	}))
	defer server.Close()

	response, err := env.proxy.HTTPRequest(context.Background(), &HTTPRequest{
		CredentialID: id,
		Method:       http.MethodGet,
		URL:          server.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.Status)
	// the secret reached the server
	assert.Equal(t, "Bearer "+token, receivedAuth)
	// but never the caller
	assert.Equal(t, "you sent Bearer "+sanitizer.RedactedMarker, response.Body)
	assert.NotContains(t, response.Body, token)
}

func TestHTTPRequestCustomHeader(t *testing.T) {
	env := newTestEnv(t)
	id := env.storeSecret(t, "api", vault.KindAPIToken, &vault.Secret{
		Type:       vault.KindAPIToken,
		Token:      "tok_custom_header",
		HeaderName: "X-API-Key",
		Prefix:     "Key ",
	})

	var receivedKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedKey = r.Header.Get("X-API-Key")
	}))
	defer server.Close()

	_, err := env.proxy.HTTPRequest(context.Background(), &HTTPRequest{
		CredentialID: id,
		Method:       http.MethodGet,
		URL:          server.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "Key tok_custom_header", receivedKey)
}

func TestHTTPRequestBasicAuth(t *testing.T) {
	env := newTestEnv(t)
	id := env.storeSecret(t, "login", vault.KindPassword, &vault.Secret{
		Type:     vault.KindPassword,
		Username: "user",
		Password: "basic-secret-pwd",
	})

	var receivedAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	_, err := env.proxy.HTTPRequest(context.Background(), &HTTPRequest{
		CredentialID: id,
		Method:       http.MethodGet,
		URL:          server.URL,
	})
	require.NoError(t, err)
	expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:basic-secret-pwd"))
	assert.Equal(t, expected, receivedAuth)
}

func TestHTTPRequestSanitizesHeaders(t *testing.T) {
	env := newTestEnv(t)
	token := "tok_leaky_header"
	id := env.storeSecret(t, "api", vault.KindAPIToken, &vault.Secret{
		Type:  vault.KindAPIToken,
		Token: token,
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.Header.Get("Authorization"))
	}))
	defer server.Close()

	response, err := env.proxy.HTTPRequest(context.Background(), &HTTPRequest{
		CredentialID: id,
		Method:       http.MethodGet,
		URL:          server.URL,
	})
	require.NoError(t, err)
	assert.NotContains(t, response.Headers["X-Echo"], token)
	assert.Contains(t, response.Headers["X-Echo"], sanitizer.RedactedMarker)
}

func TestHTTPRequestMethodValidation(t *testing.T) {
	env := newTestEnv(t)
	id := env.storeSecret(t, "api", vault.KindAPIToken, &vault.Secret{
		Type:  vault.KindAPIToken,
		Token: "tok_value",
	})
	_, err := env.proxy.HTTPRequest(context.Background(), &HTTPRequest{
		CredentialID: id,
		Method:       "TRACE",
		URL:          "https://example.com",
	})
	assert.Error(t, err)
}

func TestHTTPRequestUnknownCredential(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.proxy.HTTPRequest(context.Background(), &HTTPRequest{
		CredentialID: uuid.New(),
		Method:       http.MethodGet,
		URL:          "https://example.com",
	})
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestHTTPRequestPatternDenied(t *testing.T) {
	env := newTestEnv(t)
	id := env.storeSecret(t, "api", vault.KindAPIToken, &vault.Secret{
		Type:  vault.KindAPIToken,
		Token: "tok_value",
	})
	require.NoError(t, env.vault.SavePolicy(policy.Rule{
		CredentialID:    id,
		HTTPURLPatterns: []string{"https://api.github.com/*"},
	}))

	_, err := env.proxy.HTTPRequest(context.Background(), &HTTPRequest{
		CredentialID: id,
		Method:       http.MethodGet,
		URL:          "https://evil.example/api",
	})
	var denied *policy.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, policy.CodePatternDenied, denied.Code)

	// the denial is audited with success=false
	entries := env.auditEntries(t)
	require.NotEmpty(t, entries)
	assert.Equal(t, audit.ActionHTTPRequest, entries[0].Action)
	assert.False(t, entries[0].Success)
}

func TestHTTPRequestAuditSingleLine(t *testing.T) {
	env := newTestEnv(t)
	token := "tok_audited"
	id := env.storeSecret(t, "api", vault.KindAPIToken, &vault.Secret{
		Type:  vault.KindAPIToken,
		Token: token,
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	before := len(env.auditEntries(t))
	_, err := env.proxy.HTTPRequest(context.Background(), &HTTPRequest{
		CredentialID: id,
		Method:       http.MethodGet,
		URL:          server.URL,
	})
	require.NoError(t, err)

	entries := env.auditEntries(t)
	require.Len(t, entries, before+1)
	entry := entries[0]
	assert.Equal(t, audit.ActionHTTPRequest, entry.Action)
	assert.True(t, entry.Success)
	assert.Equal(t, "api", entry.CredentialName)
	// the audit line carries the URL host and status, never the secret
	assert.Contains(t, entry.Details, "status 204")
	assert.NotContains(t, entry.Details, token)
}

func TestHTTPRequestKindMismatch(t *testing.T) {
	env := newTestEnv(t)
	id := env.storeSecret(t, "smtp", vault.KindSMTPAccount, &vault.Secret{
		Type:     vault.KindSMTPAccount,
		Host:     "mail.example.com",
		Username: "u",
		Password: "p",
	})
	_, err := env.proxy.HTTPRequest(context.Background(), &HTTPRequest{
		CredentialID: id,
		Method:       http.MethodGet,
		URL:          "https://example.com",
	})
	assert.ErrorIs(t, err, &vault.KindMismatchError{})
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "api.github.com", hostOf("https://api.github.com/user?q=1"))
	assert.Equal(t, "invalid-url", hostOf("not a url"))
}
