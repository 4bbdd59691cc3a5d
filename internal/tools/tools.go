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

// Package tools maps agent-protocol tool names and JSON arguments to the
// core vault and proxy operations. The transport carrying the tool calls
// is an external collaborator, this package only defines the tool set,
// the argument schemas and the error categories.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/passman/passman/internal/audit"
	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/policy"
	"github.com/passman/passman/internal/proxy"
	"github.com/passman/passman/internal/util"
	"github.com/passman/passman/internal/vault"
)

const logSender = "tools"

// Tool names
const (
	ToolVaultUnlock      = "vault_unlock"
	ToolVaultLock        = "vault_lock"
	ToolVaultStatus      = "vault_status"
	ToolCredentialList   = "credential_list"
	ToolCredentialSearch = "credential_search"
	ToolCredentialInfo   = "credential_info"
	ToolCredentialStore  = "credential_store"
	ToolCredentialDelete = "credential_delete"
	ToolHTTPRequest      = "http_request"
	ToolSSHExec          = "ssh_exec"
	ToolSQLQuery         = "sql_query"
	ToolSendEmail        = "send_email"
	ToolAuditLog         = "audit_log"
)

// Error categories surfaced to the caller
const (
	CategoryVaultLocked     = "VaultLocked"
	CategoryVaultMissing    = "VaultMissing"
	CategoryInvalidPassword = "InvalidPassword"
	CategoryVaultCorrupt    = "VaultCorrupt"
	CategoryNotFound        = "NotFound"
	CategoryKindMismatch    = "KindMismatch"
	CategoryProtocolError   = "ProtocolError"
	CategoryTimeout         = "Timeout"
	CategoryValidation      = "Validation"
	CategoryInternal        = "Internal"
)

// Error is a typed error category plus a short message, it never
// contains secret material
type Error struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// vaultLifecycleTools can be invoked while the vault is locked
var vaultLifecycleTools = []string{ToolVaultUnlock, ToolVaultLock, ToolVaultStatus}

var actionForTool = map[string]audit.Action{
	ToolCredentialList:   audit.ActionCredentialList,
	ToolCredentialSearch: audit.ActionCredentialSearch,
	ToolCredentialInfo:   audit.ActionCredentialInfo,
	ToolCredentialStore:  audit.ActionCredentialStore,
	ToolCredentialDelete: audit.ActionCredentialDelete,
	ToolHTTPRequest:      audit.ActionHTTPRequest,
	ToolSSHExec:          audit.ActionSSHExec,
	ToolSQLQuery:         audit.ActionSQLQuery,
	ToolSendEmail:        audit.ActionSendEmail,
	ToolAuditLog:         audit.ActionAuditView,
}

// Dispatcher routes tool calls to the core entry points and enforces the
// vault-unlocked precondition
type Dispatcher struct {
	vault       *vault.Vault
	proxy       *proxy.Proxy
	auditLogger *audit.Logger
}

// NewDispatcher returns a dispatcher wired to the given collaborators
func NewDispatcher(v *vault.Vault, p *proxy.Proxy, auditLogger *audit.Logger) *Dispatcher {
	return &Dispatcher{
		vault:       v,
		proxy:       p,
		auditLogger: auditLogger,
	}
}

// Tools returns the supported tool names
func (d *Dispatcher) Tools() []string {
	return []string{
		ToolVaultUnlock, ToolVaultLock, ToolVaultStatus,
		ToolCredentialList, ToolCredentialSearch, ToolCredentialInfo,
		ToolCredentialStore, ToolCredentialDelete,
		ToolHTTPRequest, ToolSSHExec, ToolSQLQuery, ToolSendEmail,
		ToolAuditLog,
	}
}

// Dispatch validates the arguments for the named tool, runs it and
// returns the JSON-marshalable result
func (d *Dispatcher) Dispatch(ctx context.Context, tool string, args json.RawMessage) (any, *Error) {
	if !util.Contains(d.Tools(), tool) {
		return nil, &Error{Category: CategoryValidation, Message: fmt.Sprintf("unknown tool %q", tool)}
	}
	if !util.Contains(vaultLifecycleTools, tool) && !d.vault.IsUnlocked() {
		if action, ok := actionForTool[tool]; ok {
			d.logAudit(action, nil, "", false, CategoryVaultLocked)
		}
		return nil, categorize(vault.ErrVaultLocked)
	}
	result, err := d.dispatch(ctx, tool, args)
	if err != nil {
		logger.Debug(logSender, "", "tool %q failed: %v", tool, err)
		return nil, categorize(err)
	}
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, tool string, args json.RawMessage) (any, error) {
	switch tool {
	case ToolVaultUnlock:
		return d.vaultUnlock(args)
	case ToolVaultLock:
		return d.vaultLock()
	case ToolVaultStatus:
		return d.vaultStatus()
	case ToolCredentialList:
		return d.credentialList(args)
	case ToolCredentialSearch:
		return d.credentialSearch(args)
	case ToolCredentialInfo:
		return d.credentialInfo(args)
	case ToolCredentialStore:
		return d.credentialStore(args)
	case ToolCredentialDelete:
		return d.credentialDelete(args)
	case ToolHTTPRequest:
		return d.httpRequest(ctx, args)
	case ToolSSHExec:
		return d.sshExec(ctx, args)
	case ToolSQLQuery:
		return d.sqlQuery(ctx, args)
	case ToolSendEmail:
		return d.sendEmail(ctx, args)
	case ToolAuditLog:
		return d.auditLog(args)
	}
	return nil, util.NewValidationError(fmt.Sprintf("unknown tool %q", tool))
}

// decodeArgs strictly decodes the JSON arguments into target, unknown
// fields are rejected
func decodeArgs(args json.RawMessage, target any) error {
	if len(args) == 0 {
		args = []byte("{}")
	}
	decoder := json.NewDecoder(bytes.NewReader(args))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return util.NewValidationError(fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

func parseCredentialID(value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, util.NewValidationError("invalid credential id")
	}
	return id, nil
}

// categorize maps internal errors to the error taxonomy
func categorize(err error) *Error {
	var denied *policy.DeniedError
	var kindMismatch *vault.KindMismatchError
	var validation *util.ValidationError
	var protocolErr *proxy.ProtocolError
	switch {
	case errors.Is(err, vault.ErrVaultLocked):
		return &Error{Category: CategoryVaultLocked, Message: "vault is locked"}
	case errors.Is(err, vault.ErrVaultMissing):
		return &Error{Category: CategoryVaultMissing, Message: "vault file does not exist"}
	case errors.Is(err, vault.ErrInvalidPassword):
		return &Error{Category: CategoryInvalidPassword, Message: "incorrect password or corrupted vault"}
	case errors.Is(err, vault.ErrVaultCorrupt):
		return &Error{Category: CategoryVaultCorrupt, Message: "incorrect password or corrupted vault"}
	case errors.Is(err, vault.ErrNotFound):
		return &Error{Category: CategoryNotFound, Message: "credential not found"}
	case errors.As(err, &kindMismatch):
		return &Error{Category: CategoryKindMismatch, Message: kindMismatch.Error()}
	case errors.As(err, &denied):
		return &Error{Category: denied.Code, Message: denied.Error()}
	case errors.Is(err, proxy.ErrTimeout):
		return &Error{Category: CategoryTimeout, Message: "operation timed out"}
	case errors.As(err, &protocolErr):
		return &Error{Category: CategoryProtocolError, Message: protocolErr.Error()}
	case errors.As(err, &validation):
		return &Error{Category: CategoryValidation, Message: validation.Error()}
	default:
		logger.Error(logSender, "", "internal error: %v", err)
		return &Error{Category: CategoryInternal, Message: "internal error"}
	}
}

func (d *Dispatcher) logAudit(action audit.Action, id *uuid.UUID, name string, success bool, details string) {
	tool := action.String()
	if action == audit.ActionAuditView {
		tool = ToolAuditLog
	}
	entry := &audit.Entry{
		CredentialID:   id,
		CredentialName: name,
		Action:         action,
		Tool:           tool,
		Success:        success,
		Details:        details,
	}
	if err := d.auditLogger.Append(entry); err != nil {
		logger.Error(logSender, "", "unable to append audit entry: %v", err)
	}
}

// metaToJSON converts credential metadata to its wire form
func metaToJSON(meta vault.Meta) map[string]any {
	tags := meta.Tags
	if tags == nil {
		tags = []string{}
	}
	result := map[string]any{
		"id":          meta.ID.String(),
		"name":        meta.Name,
		"kind":        string(meta.Kind),
		"environment": meta.Environment.String(),
		"tags":        tags,
		"created_at":  meta.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":  meta.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if meta.Notes != "" {
		result["notes"] = meta.Notes
	}
	return result
}

func metasToJSON(metas []vault.Meta) []map[string]any {
	result := make([]map[string]any, 0, len(metas))
	for _, meta := range metas {
		result = append(result, metaToJSON(meta))
	}
	return result
}
