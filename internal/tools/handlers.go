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

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/passman/passman/internal/audit"
	"github.com/passman/passman/internal/proxy"
	"github.com/passman/passman/internal/util"
	"github.com/passman/passman/internal/vault"
)

type vaultUnlockArgs struct {
	Password string `json:"password"`
}

func (d *Dispatcher) vaultUnlock(args json.RawMessage) (any, error) {
	var input vaultUnlockArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if input.Password == "" {
		return nil, util.NewValidationError("password is required")
	}
	if !d.vault.Exists() {
		if err := d.vault.Create(input.Password); err != nil {
			d.logAudit(audit.ActionVaultUnlock, nil, "", false, "vault creation failed")
			return nil, err
		}
		d.logAudit(audit.ActionVaultUnlock, nil, "", true, "new vault created")
		return map[string]any{
			"success":          true,
			"credential_count": 0,
		}, nil
	}
	count, err := d.vault.Unlock(input.Password)
	if err != nil {
		d.logAudit(audit.ActionVaultUnlock, nil, "", false, categorize(err).Category)
		return nil, err
	}
	d.logAudit(audit.ActionVaultUnlock, nil, "", true, "")
	return map[string]any{
		"success":          true,
		"credential_count": count,
	}, nil
}

func (d *Dispatcher) vaultLock() (any, error) {
	d.vault.Lock()
	d.logAudit(audit.ActionVaultLock, nil, "", true, "")
	return map[string]any{
		"success": true,
	}, nil
}

func (d *Dispatcher) vaultStatus() (any, error) {
	exists := d.vault.Exists()
	if !d.vault.IsUnlocked() {
		return map[string]any{
			"exists": exists,
			"locked": true,
		}, nil
	}
	count, err := d.vault.Count()
	if err != nil {
		return nil, err
	}
	environments, err := d.vault.Environments()
	if err != nil {
		return nil, err
	}
	if environments == nil {
		environments = []string{}
	}
	return map[string]any{
		"exists":           exists,
		"locked":           false,
		"credential_count": count,
		"environments":     environments,
	}, nil
}

type credentialListArgs struct {
	Kind        string `json:"kind,omitempty"`
	Environment string `json:"environment,omitempty"`
	Tag         string `json:"tag,omitempty"`
}

func (d *Dispatcher) credentialList(args json.RawMessage) (any, error) {
	var input credentialListArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if input.Kind != "" && !vault.Kind(input.Kind).IsValid() {
		return nil, util.NewValidationError(fmt.Sprintf("invalid credential kind %q", input.Kind))
	}
	metas, err := d.vault.List(vault.Kind(input.Kind), input.Environment, input.Tag)
	if err != nil {
		d.logAudit(audit.ActionCredentialList, nil, "", false, categorize(err).Category)
		return nil, err
	}
	d.logAudit(audit.ActionCredentialList, nil, "", true, fmt.Sprintf("%d results", len(metas)))
	return metasToJSON(metas), nil
}

type credentialSearchArgs struct {
	Query string `json:"query"`
}

func (d *Dispatcher) credentialSearch(args json.RawMessage) (any, error) {
	var input credentialSearchArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if input.Query == "" {
		return nil, util.NewValidationError("query is required")
	}
	metas, err := d.vault.Search(input.Query)
	if err != nil {
		d.logAudit(audit.ActionCredentialSearch, nil, "", false, categorize(err).Category)
		return nil, err
	}
	d.logAudit(audit.ActionCredentialSearch, nil, "", true, fmt.Sprintf("%d results", len(metas)))
	return metasToJSON(metas), nil
}

type credentialInfoArgs struct {
	ID string `json:"id"`
}

func (d *Dispatcher) credentialInfo(args json.RawMessage) (any, error) {
	var input credentialInfoArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	id, err := parseCredentialID(input.ID)
	if err != nil {
		return nil, err
	}
	meta, err := d.vault.GetMeta(id)
	if err != nil {
		d.logAudit(audit.ActionCredentialInfo, &id, "", false, categorize(err).Category)
		return nil, err
	}
	d.logAudit(audit.ActionCredentialInfo, &id, meta.Name, true, "")
	return metaToJSON(meta), nil
}

type credentialStoreArgs struct {
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Environment string          `json:"environment"`
	Secret      json.RawMessage `json:"secret"`
	Tags        []string        `json:"tags,omitempty"`
	Notes       string          `json:"notes,omitempty"`
}

func (d *Dispatcher) credentialStore(args json.RawMessage) (any, error) {
	var input credentialStoreArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if input.Name == "" {
		return nil, util.NewValidationError("name is required")
	}
	kind := vault.Kind(input.Kind)
	if !kind.IsValid() {
		return nil, util.NewValidationError(fmt.Sprintf("invalid credential kind %q", input.Kind))
	}
	if input.Environment == "" {
		return nil, util.NewValidationError("environment is required")
	}
	secret, err := parseSecret(kind, input.Secret)
	if err != nil {
		return nil, err
	}
	id, err := d.vault.Store(input.Name, kind, vault.NewEnvironment(input.Environment),
		input.Tags, input.Notes, secret)
	if err != nil {
		d.logAudit(audit.ActionCredentialStore, nil, input.Name, false, categorize(err).Category)
		return nil, err
	}
	d.logAudit(audit.ActionCredentialStore, &id, input.Name, true, string(kind))
	return map[string]any{
		"id":   id.String(),
		"name": input.Name,
	}, nil
}

// parseSecret decodes the dynamic secret payload into the closed tagged
// form for the declared kind. Validation is strict: unknown fields and
// shape mismatches are rejected
func parseSecret(kind vault.Kind, raw json.RawMessage) (*vault.Secret, error) {
	if len(raw) == 0 {
		return nil, util.NewValidationError("secret is required")
	}
	var secret vault.Secret
	if err := json.Unmarshal(raw, &secret); err != nil {
		return nil, util.NewValidationError(fmt.Sprintf("invalid secret: %v", err))
	}
	if secret.Type == "" {
		secret.Type = kind
	}
	if err := secret.Validate(); err != nil {
		return nil, err
	}
	return &secret, nil
}

type credentialDeleteArgs struct {
	ID      string `json:"id"`
	Confirm bool   `json:"confirm"`
}

func (d *Dispatcher) credentialDelete(args json.RawMessage) (any, error) {
	var input credentialDeleteArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	if !input.Confirm {
		return nil, util.NewValidationError("deletion not confirmed: set confirm=true")
	}
	id, err := parseCredentialID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := d.vault.Delete(id); err != nil {
		d.logAudit(audit.ActionCredentialDelete, &id, "", false, categorize(err).Category)
		return nil, err
	}
	d.logAudit(audit.ActionCredentialDelete, &id, "", true, "")
	return map[string]any{
		"success": true,
	}, nil
}

type httpRequestArgs struct {
	CredentialID string            `json:"credential_id"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
}

func (d *Dispatcher) httpRequest(ctx context.Context, args json.RawMessage) (any, error) {
	var input httpRequestArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	id, err := parseCredentialID(input.CredentialID)
	if err != nil {
		return nil, err
	}
	if input.Method == "" || input.URL == "" {
		return nil, util.NewValidationError("method and url are required")
	}
	return d.proxy.HTTPRequest(ctx, &proxy.HTTPRequest{
		CredentialID: id,
		Method:       input.Method,
		URL:          input.URL,
		Headers:      input.Headers,
		Body:         input.Body,
	})
}

type sshExecArgs struct {
	CredentialID string `json:"credential_id"`
	Command      string `json:"command"`
}

func (d *Dispatcher) sshExec(ctx context.Context, args json.RawMessage) (any, error) {
	var input sshExecArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	id, err := parseCredentialID(input.CredentialID)
	if err != nil {
		return nil, err
	}
	if input.Command == "" {
		return nil, util.NewValidationError("command is required")
	}
	return d.proxy.SSHExec(ctx, &proxy.SSHExec{
		CredentialID: id,
		Command:      input.Command,
	})
}

type sqlQueryArgs struct {
	CredentialID string `json:"credential_id"`
	Query        string `json:"query"`
	Params       []any  `json:"params,omitempty"`
}

func (d *Dispatcher) sqlQuery(ctx context.Context, args json.RawMessage) (any, error) {
	var input sqlQueryArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	id, err := parseCredentialID(input.CredentialID)
	if err != nil {
		return nil, err
	}
	if input.Query == "" {
		return nil, util.NewValidationError("query is required")
	}
	return d.proxy.SQLQuery(ctx, &proxy.SQLQuery{
		CredentialID: id,
		Query:        input.Query,
		Params:       input.Params,
	})
}

type sendEmailArgs struct {
	CredentialID string   `json:"credential_id"`
	To           []string `json:"to"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	CC           []string `json:"cc,omitempty"`
	BCC          []string `json:"bcc,omitempty"`
	From         string   `json:"from,omitempty"`
}

func (d *Dispatcher) sendEmail(ctx context.Context, args json.RawMessage) (any, error) {
	var input sendEmailArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	id, err := parseCredentialID(input.CredentialID)
	if err != nil {
		return nil, err
	}
	if len(input.To) == 0 {
		return nil, util.NewValidationError("at least one recipient is required")
	}
	return d.proxy.SendEmail(ctx, &proxy.SendEmail{
		CredentialID: id,
		To:           input.To,
		CC:           input.CC,
		BCC:          input.BCC,
		Subject:      input.Subject,
		Body:         input.Body,
		From:         input.From,
	})
}

type auditLogArgs struct {
	CredentialID string `json:"credential_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Since        string `json:"since,omitempty"`
}

func (d *Dispatcher) auditLog(args json.RawMessage) (any, error) {
	var input auditLogArgs
	if err := decodeArgs(args, &input); err != nil {
		return nil, err
	}
	var filter audit.Filter
	if input.CredentialID != "" {
		id, err := parseCredentialID(input.CredentialID)
		if err != nil {
			return nil, err
		}
		filter.CredentialID = &id
	}
	if input.Since != "" {
		since, err := time.Parse(time.RFC3339, input.Since)
		if err != nil {
			return nil, util.NewValidationError("invalid since timestamp, RFC 3339 expected")
		}
		filter.Since = &since
	}
	if input.Limit < 0 {
		return nil, util.NewValidationError("invalid limit")
	}
	filter.Limit = input.Limit

	entries, err := d.auditLogger.Read(filter)
	if err != nil {
		d.logAudit(audit.ActionAuditView, filter.CredentialID, "", false, "read failed")
		return nil, err
	}
	d.logAudit(audit.ActionAuditView, filter.CredentialID, "", true, fmt.Sprintf("%d entries", len(entries)))
	if entries == nil {
		entries = []audit.Entry{}
	}
	return entries, nil
}
