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

// Package proxy implements the four protocol proxies. Each operation
// applies the credential policy, borrows the decrypted secret from the
// vault for the duration of one call, performs the protocol operation
// with the secret injected, sanitizes the result and appends exactly one
// audit line.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/passman/passman/internal/audit"
	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/policy"
	"github.com/passman/passman/internal/sanitizer"
	"github.com/passman/passman/internal/vault"
)

const logSender = "proxy"

// ErrTimeout is returned when an operation exceeds its timeout
var ErrTimeout = errors.New("operation timed out")

// ProtocolError wraps a failure reported by an external protocol
// collaborator. The inner message is sanitized before propagation
type ProtocolError struct {
	err string
}

func (e *ProtocolError) Error() string {
	return e.err
}

// Is reports if target matches
func (e *ProtocolError) Is(target error) bool {
	_, ok := target.(*ProtocolError)
	return ok
}

func newProtocolError(format string, v ...any) *ProtocolError {
	return &ProtocolError{
		err: fmt.Sprintf(format, v...),
	}
}

// Timeouts define the per-protocol operation timeouts
type Timeouts struct {
	HTTP time.Duration
	SSH  time.Duration
	SQL  time.Duration
	SMTP time.Duration
}

// DefaultTimeouts returns the documented defaults
func DefaultTimeouts() Timeouts {
	return Timeouts{
		HTTP: 30 * time.Second,
		SSH:  60 * time.Second,
		SQL:  30 * time.Second,
		SMTP: 60 * time.Second,
	}
}

// Proxy executes protocol operations on behalf of the agent without
// disclosing secret values. It borrows secrets from the vault and never
// retains references across calls
type Proxy struct {
	vault       *vault.Vault
	engine      *policy.Engine
	auditLogger *audit.Logger
	timeouts    Timeouts
	// scrub every unlocked secret instead of only the invoked one
	scrubAllSecrets bool
}

// New returns a new proxy
func New(v *vault.Vault, engine *policy.Engine, auditLogger *audit.Logger, timeouts Timeouts,
	scrubAllSecrets bool,
) *Proxy {
	return &Proxy{
		vault:           v,
		engine:          engine,
		auditLogger:     auditLogger,
		timeouts:        timeouts,
		scrubAllSecrets: scrubAllSecrets,
	}
}

// authorize runs the shared pipeline prefix for every proxy operation:
// credential lookup, policy evaluation, secret borrow. The returned
// secret is a copy valid for the current operation only
func (p *Proxy) authorize(id uuid.UUID, tool string, req *policy.Request) (*vault.Secret, vault.Meta, error) {
	meta, err := p.vault.GetMeta(id)
	if err != nil {
		return nil, vault.Meta{}, err
	}
	rule, err := p.vault.GetPolicy(id)
	if err != nil {
		return nil, meta, err
	}
	if err := p.engine.Authorize(rule, tool, req); err != nil {
		return nil, meta, err
	}
	secret, err := p.vault.ReadSecret(id)
	if err != nil {
		return nil, meta, err
	}
	return secret, meta, nil
}

// secretsToScrub returns the secret values the sanitizer must remove from
// the response: at least the invoked credential's, optionally every
// unlocked secret
func (p *Proxy) secretsToScrub(secret *vault.Secret) []string {
	if !p.scrubAllSecrets {
		return secret.SecretStrings()
	}
	return append(secret.SecretStrings(), p.vault.SecretStrings()...)
}

func (p *Proxy) logAudit(action audit.Action, id uuid.UUID, name string, success bool, details string) {
	entry := &audit.Entry{
		CredentialID:   &id,
		CredentialName: name,
		Action:         action,
		Tool:           string(action),
		Success:        success,
		Details:        details,
	}
	if err := p.auditLogger.Append(entry); err != nil {
		logger.Error(logSender, "", "unable to append audit entry: %v", err)
	}
}

// connectionID returns a unique id correlating the log lines of one
// proxy operation
func connectionID() string {
	return xid.New().String()
}

// mapError converts context timeouts and sanitizes protocol errors before
// they cross the tool boundary
func mapError(ctx context.Context, err error, secrets []string) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		return newProtocolError("%s", sanitizer.Sanitize(protocolErr.Error(), secrets))
	}
	return err
}

// errorClass returns the non-secret error description recorded in the
// audit log
func errorClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, &policy.DeniedError{}):
		return "policy_denied"
	case errors.Is(err, vault.ErrNotFound):
		return "not_found"
	case errors.Is(err, vault.ErrVaultLocked):
		return "vault_locked"
	case errors.Is(err, &ProtocolError{}):
		return "protocol_error"
	default:
		return "error"
	}
}
