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
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/passman/passman/internal/audit"
	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/policy"
	"github.com/passman/passman/internal/sanitizer"
	"github.com/passman/passman/internal/vault"
	"github.com/passman/passman/internal/version"
)

// SSHExec describes a single non-interactive command execution
type SSHExec struct {
	CredentialID uuid.UUID
	Command      string
}

// SSHResult is the sanitized result of an SSH command
type SSHResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// SSHExec opens a session to the credential's host, executes one command
// and returns the sanitized captured output
func (p *Proxy) SSHExec(ctx context.Context, req *SSHExec) (*SSHResult, error) {
	connID := connectionID()
	secret, meta, err := p.authorize(req.CredentialID, audit.ActionSSHExec.String(),
		&policy.Request{Command: req.Command})
	if err != nil {
		p.logAudit(audit.ActionSSHExec, req.CredentialID, meta.Name, false,
			fmt.Sprintf("%s: %s", meta.Name, errorClass(err)))
		return nil, err
	}
	secrets := p.secretsToScrub(secret)
	host := secret.Host
	defer secret.Zero()

	ctx, cancel := context.WithTimeout(ctx, p.timeouts.SSH)
	defer cancel()

	result, err := p.executeSSH(ctx, secret, req.Command)
	err = mapError(ctx, err, secrets)
	p.logAudit(audit.ActionSSHExec, req.CredentialID, meta.Name, err == nil,
		fmt.Sprintf("host %s: %s", host, sshResultClass(result, err)))
	if err != nil {
		logger.Debug(logSender, connID, "ssh exec on %q failed: %v", host, err)
		return nil, err
	}
	result.Stdout = sanitizer.Sanitize(result.Stdout, secrets)
	result.Stderr = sanitizer.Sanitize(result.Stderr, secrets)
	return result, nil
}

func (p *Proxy) executeSSH(ctx context.Context, secret *vault.Secret, command string) (*SSHResult, error) {
	clientConfig := &ssh.ClientConfig{
		User: secret.Username,
		// the user explicitly configured the target host together with the
		// credential, host key verification is delegated to that choice
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         p.timeouts.SSH,
		ClientVersion:   fmt.Sprintf("SSH-2.0-Passman_%s", version.Get().Version),
	}
	switch secret.Type {
	case vault.KindSSHKey:
		var signer ssh.Signer
		var err error
		if secret.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(secret.PrivateKey), []byte(secret.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(secret.PrivateKey))
		}
		if err != nil {
			return nil, newProtocolError("unable to parse SSH private key: %v", err)
		}
		clientConfig.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case vault.KindSSHPassword:
		clientConfig.Auth = []ssh.AuthMethod{ssh.Password(secret.Password)}
	default:
		return nil, vault.NewKindMismatchError(
			fmt.Sprintf("credential kind %q is not usable for SSH", secret.Type))
	}

	addr := net.JoinHostPort(secret.Host, strconv.Itoa(secret.Port))
	dialer := &net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newProtocolError("SSH connection failed: %v", err)
	}
	sshConn, channels, requests, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, newProtocolError("SSH handshake failed: %v", err)
	}
	client := ssh.NewClient(sshConn, channels, requests)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, newProtocolError("unable to open SSH session: %v", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runErr := make(chan error, 1)
	go func() {
		runErr <- session.Run(command)
	}()
	select {
	case <-ctx.Done():
		// closing the client aborts the outstanding command
		client.Close()
		<-runErr
		return nil, ctx.Err()
	case err = <-runErr:
	}

	result := &SSHResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, newProtocolError("SSH command failed: %v", err)
	}
	return result, nil
}

func sshResultClass(result *SSHResult, err error) string {
	if err != nil {
		return errorClass(err)
	}
	return fmt.Sprintf("exit %d", result.ExitCode)
}
