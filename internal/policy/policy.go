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

// Package policy implements per-credential authorization for proxy
// operations: tool allow-list, glob patterns on URL/command/recipient,
// SQL write-block and a sliding-window rate limiter.
package policy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/util"
)

const logSender = "policy"

// Denial codes surfaced to the caller as error categories
const (
	CodeToolNotPermitted = "ToolNotPermitted"
	CodePatternDenied    = "PatternDenied"
	CodeWriteBlocked     = "WriteBlocked"
	CodeRecipientDenied  = "RecipientDenied"
	CodeRateLimited      = "RateLimited"
)

// Tool names a policy can reference
const (
	ToolHTTPRequest = "http_request"
	ToolSSHExec     = "ssh_exec"
	ToolSQLQuery    = "sql_query"
	ToolSendEmail   = "send_email"
)

// DeniedError is returned when a policy check fails.
// The message never contains secret material
type DeniedError struct {
	Code   string
	reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.reason)
}

// Is reports if target matches
func (e *DeniedError) Is(target error) bool {
	t, ok := target.(*DeniedError)
	if !ok {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func newDeniedError(code, reason string) *DeniedError {
	return &DeniedError{
		Code:   code,
		reason: reason,
	}
}

// RateLimit defines a sliding-window limit for a credential
type RateLimit struct {
	MaxRequests int   `json:"max_requests" mapstructure:"max_requests"`
	WindowSecs  int64 `json:"window_secs" mapstructure:"window_secs"`
}

// Rule defines the authorization rules for a single credential.
// A credential without a rule gets permissive defaults
type Rule struct {
	CredentialID          uuid.UUID  `json:"credential_id"`
	AllowedTools          []string   `json:"allowed_tools,omitempty"`
	HTTPURLPatterns       []string   `json:"http_url_patterns,omitempty"`
	SSHCommandPatterns    []string   `json:"ssh_command_patterns,omitempty"`
	SQLAllowWrite         bool       `json:"sql_allow_write"`
	SMTPAllowedRecipients []string   `json:"smtp_allowed_recipients,omitempty"`
	RateLimit             *RateLimit `json:"rate_limit,omitempty"`
}

// Validate checks the rule for consistency
func (r *Rule) Validate() error {
	validTools := []string{ToolHTTPRequest, ToolSSHExec, ToolSQLQuery, ToolSendEmail}
	for _, tool := range r.AllowedTools {
		if !util.Contains(validTools, tool) {
			return util.NewValidationError(fmt.Sprintf("invalid tool %q", tool))
		}
	}
	if r.RateLimit != nil {
		if r.RateLimit.MaxRequests <= 0 || r.RateLimit.WindowSecs <= 0 {
			return util.NewValidationError("invalid rate limit")
		}
	}
	return nil
}

// Request describes the proxy operation to authorize.
// Only the field relevant to the tool is evaluated
type Request struct {
	URL        string
	Command    string
	Query      string
	Recipients []string
}

// Engine evaluates policy rules and keeps the in-process sliding-window
// rate counters. Counters are never persisted
type Engine struct {
	mu       sync.Mutex
	counters map[uuid.UUID][]time.Time
	// overridable for tests
	now func() time.Time
}

// NewEngine returns a new policy engine
func NewEngine() *Engine {
	return &Engine{
		counters: make(map[uuid.UUID][]time.Time),
		now:      time.Now,
	}
}

// Authorize evaluates the rule for the given tool and request.
// Checks are evaluated in a fixed order and short-circuit on the first
// denial. The rate-limit counter is only updated when every check passes,
// denied operations do not consume quota
func (e *Engine) Authorize(rule *Rule, tool string, req *Request) error {
	if rule == nil {
		return nil
	}
	if len(rule.AllowedTools) > 0 && !util.Contains(rule.AllowedTools, tool) {
		logger.Debug(logSender, "", "tool %q not permitted for credential %q", tool, rule.CredentialID)
		return newDeniedError(CodeToolNotPermitted, fmt.Sprintf("tool %q not allowed for this credential", tool))
	}
	if err := e.checkTool(rule, tool, req); err != nil {
		return err
	}
	return e.allowRate(rule)
}

func (e *Engine) checkTool(rule *Rule, tool string, req *Request) error {
	switch tool {
	case ToolHTTPRequest:
		if !matchAny(req.URL, rule.HTTPURLPatterns, false) {
			return newDeniedError(CodePatternDenied, "URL not allowed by policy")
		}
	case ToolSSHExec:
		if !matchAny(req.Command, rule.SSHCommandPatterns, false) {
			return newDeniedError(CodePatternDenied, "command not allowed by policy")
		}
	case ToolSQLQuery:
		if !rule.SQLAllowWrite && !IsReadOnlyQuery(req.Query) {
			return newDeniedError(CodeWriteBlocked, "write queries not allowed for this credential")
		}
	case ToolSendEmail:
		if len(rule.SMTPAllowedRecipients) == 0 {
			return nil
		}
		for _, recipient := range req.Recipients {
			if !matchAny(recipient, rule.SMTPAllowedRecipients, true) {
				return newDeniedError(CodeRecipientDenied, fmt.Sprintf("recipient %q not allowed by policy", recipient))
			}
		}
	}
	return nil
}

func (e *Engine) allowRate(rule *Rule) error {
	if rule.RateLimit == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	window := time.Duration(rule.RateLimit.WindowSecs) * time.Second
	accepted := e.counters[rule.CredentialID]
	valid := accepted[:0]
	for _, t := range accepted {
		if now.Sub(t) < window {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rule.RateLimit.MaxRequests {
		e.counters[rule.CredentialID] = valid
		return newDeniedError(CodeRateLimited, fmt.Sprintf("rate limit exceeded: %d requests in %d seconds",
			len(valid), rule.RateLimit.WindowSecs))
	}
	e.counters[rule.CredentialID] = append(valid, now)
	return nil
}

// IsReadOnlyQuery reports whether the normalized query begins with SELECT
// or WITH. Leading whitespace and SQL comments are stripped first.
// This is a statement-prefix check, not a SQL parse: a query hiding DML
// behind a SELECT-prefixed fragment is a documented limitation
func IsReadOnlyQuery(query string) bool {
	normalized := strings.ToUpper(normalizeQuery(query))
	for _, prefix := range []string{"SELECT", "WITH"} {
		if normalized == prefix || strings.HasPrefix(normalized, prefix+" ") ||
			strings.HasPrefix(normalized, prefix+"\t") || strings.HasPrefix(normalized, prefix+"\n") ||
			strings.HasPrefix(normalized, prefix+"\r") || strings.HasPrefix(normalized, prefix+"(") ||
			strings.HasPrefix(normalized, prefix+"*") {
			return true
		}
	}
	return false
}

// normalizeQuery strips leading whitespace, line comments and block
// comments from the query
func normalizeQuery(query string) string {
	for {
		query = strings.TrimLeft(query, " \t\r\n")
		if strings.HasPrefix(query, "--") {
			idx := strings.IndexByte(query, '\n')
			if idx < 0 {
				return ""
			}
			query = query[idx+1:]
			continue
		}
		if strings.HasPrefix(query, "/*") {
			idx := strings.Index(query, "*/")
			if idx < 0 {
				return ""
			}
			query = query[idx+2:]
			continue
		}
		return query
	}
}

func matchAny(value string, patterns []string, foldCase bool) bool {
	if len(patterns) == 0 {
		return true
	}
	if foldCase {
		value = strings.ToLower(value)
	}
	for _, pattern := range patterns {
		if foldCase {
			pattern = strings.ToLower(pattern)
		}
		if matchPattern(value, pattern) {
			return true
		}
	}
	return false
}

// matchPattern implements the glob semantics for policy patterns:
// `*` matches any sequence of bytes, `?` matches a single byte, any other
// byte matches literally, anchors are implicit at both ends.
// `path.Match` and similar library matchers are unsuitable here because
// they stop `*` at separator bytes
func matchPattern(value, pattern string) bool {
	var vIdx, pIdx int
	starIdx, matchIdx := -1, 0
	for vIdx < len(value) {
		switch {
		case pIdx < len(pattern) && (pattern[pIdx] == '?' || pattern[pIdx] == value[vIdx]):
			vIdx++
			pIdx++
		case pIdx < len(pattern) && pattern[pIdx] == '*':
			starIdx = pIdx
			matchIdx = vIdx
			pIdx++
		case starIdx >= 0:
			pIdx = starIdx + 1
			matchIdx++
			vIdx = matchIdx
		default:
			return false
		}
	}
	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}
	return pIdx == len(pattern)
}
