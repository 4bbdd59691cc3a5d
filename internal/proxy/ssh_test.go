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
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/passman/passman/internal/policy"
	"github.com/passman/passman/internal/vault"
)

const (
	testSSHUser     = "testuser"
	testSSHPassword = "ssh-password-value"
)

// startSSHServer runs a minimal SSH server answering every exec request
// with a fixed stdout, stderr and exit status
func startSSHServer(t *testing.T, stdout, stderr string, exitStatus uint32) int {
	t.Helper()
	serverConfig := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == testSSHUser && string(password) == testSSHPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied for %q", conn.User())
		},
	}
	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)
	serverConfig.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		listener.Close()
	})

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleSSHConn(conn, serverConfig, stdout, stderr, exitStatus)
		}
	}()

	_, portString, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portString)
	require.NoError(t, err)
	return port
}

func handleSSHConn(conn net.Conn, config *ssh.ServerConfig, stdout, stderr string, exitStatus uint32) {
	serverConn, channels, requests, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer serverConn.Close()
	go ssh.DiscardRequests(requests)

	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported") //nolint:errcheck
			continue
		}
		channel, channelRequests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range channelRequests {
				if req.Type != "exec" {
					req.Reply(false, nil) //nolint:errcheck
					continue
				}
				req.Reply(true, nil) //nolint:errcheck
				channel.Write([]byte(stdout))          //nolint:errcheck
				channel.Stderr().Write([]byte(stderr)) //nolint:errcheck
				status := struct {
					Status uint32
				}{Status: exitStatus}
				channel.SendRequest("exit-status", false, ssh.Marshal(&status)) //nolint:errcheck
				channel.Close()
			}
		}()
	}
}

func sshPasswordSecret(port int) *vault.Secret {
	return &vault.Secret{
		Type:     vault.KindSSHPassword,
		Username: testSSHUser,
		Host:     "127.0.0.1",
		Port:     port,
		Password: testSSHPassword,
	}
}

func TestSSHExecPasswordAuth(t *testing.T) {
	env := newTestEnv(t)
	port := startSSHServer(t, "command output", "warning line", 0)
	id := env.storeSecret(t, "shell", vault.KindSSHPassword, sshPasswordSecret(port))

	result, err := env.proxy.SSHExec(context.Background(), &SSHExec{
		CredentialID: id,
		Command:      "uptime",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "command output", result.Stdout)
	assert.Equal(t, "warning line", result.Stderr)
}

func TestSSHExecNonZeroExit(t *testing.T) {
	env := newTestEnv(t)
	port := startSSHServer(t, "", "no such file", 2)
	id := env.storeSecret(t, "shell", vault.KindSSHPassword, sshPasswordSecret(port))

	result, err := env.proxy.SSHExec(context.Background(), &SSHExec{
		CredentialID: id,
		Command:      "ls /missing",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ExitCode)
	assert.Equal(t, "no such file", result.Stderr)
}

func TestSSHExecSanitizesOutput(t *testing.T) {
	env := newTestEnv(t)
	// the server echoes the password back in its output
	port := startSSHServer(t, "password is "+testSSHPassword, "", 0)
	id := env.storeSecret(t, "shell", vault.KindSSHPassword, sshPasswordSecret(port))

	result, err := env.proxy.SSHExec(context.Background(), &SSHExec{
		CredentialID: id,
		Command:      "env",
	})
	require.NoError(t, err)
	assert.NotContains(t, result.Stdout, testSSHPassword)
	assert.Equal(t, "password is [REDACTED]", result.Stdout)
}

func TestSSHExecAuthFailure(t *testing.T) {
	env := newTestEnv(t)
	port := startSSHServer(t, "", "", 0)
	secret := sshPasswordSecret(port)
	secret.Password = "wrong-password-value"
	id := env.storeSecret(t, "shell", vault.KindSSHPassword, secret)

	_, err := env.proxy.SSHExec(context.Background(), &SSHExec{
		CredentialID: id,
		Command:      "uptime",
	})
	assert.ErrorIs(t, err, &ProtocolError{})
}

func TestSSHExecCommandDenied(t *testing.T) {
	env := newTestEnv(t)
	id := env.storeSecret(t, "shell", vault.KindSSHPassword, sshPasswordSecret(22))
	require.NoError(t, env.vault.SavePolicy(policy.Rule{
		CredentialID:       id,
		SSHCommandPatterns: []string{"ls *"},
	}))

	_, err := env.proxy.SSHExec(context.Background(), &SSHExec{
		CredentialID: id,
		Command:      "rm -rf /",
	})
	var denied *policy.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, policy.CodePatternDenied, denied.Code)
}

func TestSSHExecKindMismatch(t *testing.T) {
	env := newTestEnv(t)
	id := env.storeSecret(t, "api", vault.KindAPIToken, &vault.Secret{
		Type:  vault.KindAPIToken,
		Token: "tok_value",
	})
	_, err := env.proxy.SSHExec(context.Background(), &SSHExec{
		CredentialID: id,
		Command:      "uptime",
	})
	assert.ErrorIs(t, err, &vault.KindMismatchError{})
}
