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

// Package audit implements the append-only audit log: one JSON object per
// line, atomic per-line writes under an advisory file lock, filtered reads.
// Rotation is out of scope, the file may grow without bound.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/passman/passman/internal/logger"
)

const logSender = "audit"

// Action identifies the audited operation
type Action string

// Audited actions
const (
	ActionVaultUnlock      Action = "vault_unlock"
	ActionVaultLock        Action = "vault_lock"
	ActionCredentialList   Action = "credential_list"
	ActionCredentialSearch Action = "credential_search"
	ActionCredentialInfo   Action = "credential_info"
	ActionCredentialStore  Action = "credential_store"
	ActionCredentialDelete Action = "credential_delete"
	ActionHTTPRequest      Action = "http_request"
	ActionSSHExec          Action = "ssh_exec"
	ActionSQLQuery         Action = "sql_query"
	ActionSendEmail        Action = "send_email"
	ActionAuditView        Action = "audit_view"
)

func (a Action) String() string {
	return string(a)
}

// Entry is one audit line. Details contain selected non-secret fields
// such as URL host, SSH host or SMTP recipients, never secret data
type Entry struct {
	Timestamp      time.Time  `json:"timestamp"`
	CredentialID   *uuid.UUID `json:"credential_id"`
	CredentialName string     `json:"credential_name,omitempty"`
	Action         Action     `json:"action"`
	Tool           string     `json:"tool"`
	Success        bool       `json:"success"`
	Details        string     `json:"details,omitempty"`
}

// Logger appends and reads audit entries. Appends within one process are
// serialized by the mutex, cross-process ordering is provided by the
// advisory file lock taken after it
type Logger struct {
	mu   sync.Mutex
	path string
}

// NewLogger returns an audit logger writing to the given path
func NewLogger(path string) *Logger {
	return &Logger{
		path: path,
	}
}

// Path returns the audit file path
func (l *Logger) Path() string {
	return l.path
}

// Append writes one entry as a single newline-terminated JSON line.
// The write is flushed before the lock is released
func (l *Logger) Append(entry *Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return err
	}
	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return err
	}
	defer unlockFile(file)

	if _, err := file.Write(append(line, '\n')); err != nil {
		return err
	}
	return file.Sync()
}

// Filter restricts the entries returned by Read
type Filter struct {
	// CredentialID limits the result to entries for the given credential
	CredentialID *uuid.UUID
	// Since is a lower bound on the entry timestamp
	Since *time.Time
	// Limit keeps only the most recent entries. Zero means unlimited
	Limit int
}

// Read parses the audit log line by line, skipping malformed lines, and
// applies the filter. Entries are returned most recent first
func (l *Logger) Read(filter Filter) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	if err := lockFileShared(file); err != nil {
		return nil, err
	}
	defer unlockFile(file)

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Debug(logSender, "", "skipping malformed audit line: %v", err)
			continue
		}
		if filter.CredentialID != nil {
			if entry.CredentialID == nil || *entry.CredentialID != *filter.CredentialID {
				continue
			}
		}
		if filter.Since != nil && entry.Timestamp.Before(*filter.Since) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[len(entries)-filter.Limit:]
	}
	// most recent first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
