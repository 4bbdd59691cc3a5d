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
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/passman/passman/internal/util"
)

// Kind identifies the shape of a credential secret
type Kind string

// Supported credential kinds
const (
	KindPassword           Kind = "password"
	KindAPIToken           Kind = "api_token"
	KindSSHKey             Kind = "ssh_key"
	KindSSHPassword        Kind = "ssh_password"
	KindDatabaseConnection Kind = "database_connection"
	KindCertificate        Kind = "certificate"
	KindSMTPAccount        Kind = "smtp_account"
	KindCustom             Kind = "custom"
)

var supportedKinds = []Kind{KindPassword, KindAPIToken, KindSSHKey, KindSSHPassword,
	KindDatabaseConnection, KindCertificate, KindSMTPAccount, KindCustom}

// IsValid reports whether the kind is supported
func (k Kind) IsValid() bool {
	return util.Contains(supportedKinds, k)
}

// Well known environments. Any other value is stored under a custom
// discriminator
const (
	EnvironmentLocal       = "local"
	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

var wellKnownEnvironments = []string{EnvironmentLocal, EnvironmentDevelopment,
	EnvironmentStaging, EnvironmentProduction}

// Environment is either a well-known tag or an arbitrary custom string
type Environment struct {
	value string
}

// NewEnvironment returns the environment for the given string. Values
// outside the well-known set become custom environments
func NewEnvironment(value string) Environment {
	return Environment{value: value}
}

func (e Environment) String() string {
	return e.value
}

// IsSet reports whether the environment has a value
func (e Environment) IsSet() bool {
	return e.value != ""
}

// MarshalJSON implements the json.Marshaler interface. Well-known tags
// are encoded as plain strings, anything else under a custom discriminator
func (e Environment) MarshalJSON() ([]byte, error) {
	if util.Contains(wellKnownEnvironments, e.value) {
		return json.Marshal(e.value)
	}
	return json.Marshal(map[string]string{"custom": e.value})
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (e *Environment) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if !util.Contains(wellKnownEnvironments, s) {
			return util.NewValidationError(fmt.Sprintf("invalid environment %q", s))
		}
		e.value = s
		return nil
	}
	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return util.NewValidationError("invalid environment")
	}
	custom, ok := obj["custom"]
	if !ok || custom == "" {
		return util.NewValidationError("invalid environment")
	}
	e.value = custom
	return nil
}

// Meta is the plaintext, searchable part of a credential record.
// It never contains secret material
type Meta struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Kind        Kind        `json:"kind"`
	Environment Environment `json:"environment"`
	Tags        []string    `json:"tags,omitempty"`
	Notes       string      `json:"notes,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (m *Meta) matchesFilter(kind Kind, env, tag string) bool {
	if kind != "" && m.Kind != kind {
		return false
	}
	if env != "" && m.Environment.String() != env {
		return false
	}
	if tag != "" && !util.Contains(m.Tags, tag) {
		return false
	}
	return true
}

func (m *Meta) matchesQuery(query string) bool {
	query = strings.ToLower(query)
	if strings.Contains(strings.ToLower(m.Name), query) {
		return true
	}
	for _, tag := range m.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return m.Notes != "" && strings.Contains(strings.ToLower(m.Notes), query)
}

// Record is the on-disk form of a credential: plaintext metadata plus the
// encrypted secret payload. The nonce is freshly generated every time the
// secret is encrypted, saves that only touch metadata keep it
type Record struct {
	Meta
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// aad returns the associated data authenticated together with the secret
// payload: the raw id bytes concatenated with the kind tag
func (r *Record) aad() []byte {
	var aad []byte
	aad = append(aad, r.ID[:]...)
	aad = append(aad, []byte(r.Kind)...)
	return aad
}

func (r *Record) validate() error {
	if r.ID == uuid.Nil {
		return util.NewValidationError("credential id cannot be empty")
	}
	if r.Name == "" {
		return util.NewValidationError("credential name cannot be empty")
	}
	if !r.Kind.IsValid() {
		return util.NewValidationError(fmt.Sprintf("invalid credential kind %q", r.Kind))
	}
	if !r.Environment.IsSet() {
		return util.NewValidationError("environment cannot be empty")
	}
	r.Tags = util.RemoveDuplicates(r.Tags, true)
	return nil
}
