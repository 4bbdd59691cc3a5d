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
	"fmt"

	"github.com/passman/passman/internal/util"
)

// Supported database drivers
const (
	DriverPostgreSQL = "postgres"
	DriverMySQL      = "mysql"
	DriverSQLite     = "sqlite"
)

// Supported SMTP encryption modes
const (
	SMTPEncryptionNone     = "none"
	SMTPEncryptionStartTLS = "start_tls"
	SMTPEncryptionTLS      = "tls"
)

// Default values applied to optional secret fields
const (
	DefaultSSHPort        = 22
	DefaultPostgreSQLPort = 5432
	DefaultMySQLPort      = 3306
	DefaultSMTPPort       = 587
	DefaultHeaderName     = "Authorization"
	DefaultHeaderPrefix   = "Bearer "
)

// KindMismatchError is raised when a secret payload does not match the
// declared credential kind
type KindMismatchError struct {
	err string
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("kind mismatch: %s", e.err)
}

// Is reports if target matches
func (e *KindMismatchError) Is(target error) bool {
	_, ok := target.(*KindMismatchError)
	return ok
}

// NewKindMismatchError returns a kind mismatch error
func NewKindMismatchError(error string) *KindMismatchError {
	return &KindMismatchError{
		err: error,
	}
}

// Secret is the decrypted payload of a credential. The Type discriminator
// selects which fields are meaningful, Validate enforces the shape.
// Instances only live in the secret cache and, briefly, inside protocol
// proxies, they are never serialized across the tool boundary
type Secret struct {
	Type Kind `json:"type"`
	// password, ssh_password, database_connection, smtp_account
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// password: optional target URL
	URL string `json:"url,omitempty"`
	// api_token
	Token      string `json:"token,omitempty"`
	HeaderName string `json:"header_name,omitempty"`
	Prefix     string `json:"prefix,omitempty"`
	// ssh_key, ssh_password, database_connection, smtp_account
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	// ssh_key
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	// database_connection
	Driver   string            `json:"driver,omitempty"`
	Database string            `json:"database,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
	// certificate
	CertPEM string `json:"cert_pem,omitempty"`
	KeyPEM  string `json:"key_pem,omitempty"`
	CAPEM   string `json:"ca_pem,omitempty"`
	// smtp_account
	Encryption string `json:"encryption,omitempty"`
	// custom
	Fields map[string]string `json:"fields,omitempty"`
}

// Validate checks that the secret matches the declared kind and applies
// the documented defaults for optional fields
func (s *Secret) Validate() error {
	switch s.Type {
	case KindPassword:
		if s.Username == "" || s.Password == "" {
			return NewKindMismatchError("password requires username and password")
		}
	case KindAPIToken:
		if s.Token == "" {
			return NewKindMismatchError("api_token requires token")
		}
		if s.HeaderName == "" {
			s.HeaderName = DefaultHeaderName
		}
		if s.Prefix == "" {
			s.Prefix = DefaultHeaderPrefix
		}
	case KindSSHKey:
		if s.Username == "" || s.Host == "" || s.PrivateKey == "" {
			return NewKindMismatchError("ssh_key requires username, host and private_key")
		}
		if s.Port == 0 {
			s.Port = DefaultSSHPort
		}
	case KindSSHPassword:
		if s.Username == "" || s.Host == "" || s.Password == "" {
			return NewKindMismatchError("ssh_password requires username, host and password")
		}
		if s.Port == 0 {
			s.Port = DefaultSSHPort
		}
	case KindDatabaseConnection:
		if err := s.validateDatabase(); err != nil {
			return err
		}
	case KindCertificate:
		if s.CertPEM == "" || s.KeyPEM == "" {
			return NewKindMismatchError("certificate requires cert_pem and key_pem")
		}
	case KindSMTPAccount:
		if s.Host == "" || s.Username == "" || s.Password == "" {
			return NewKindMismatchError("smtp_account requires host, username and password")
		}
		if s.Port == 0 {
			s.Port = DefaultSMTPPort
		}
		if s.Encryption == "" {
			s.Encryption = SMTPEncryptionStartTLS
		}
		if !util.Contains([]string{SMTPEncryptionNone, SMTPEncryptionStartTLS, SMTPEncryptionTLS}, s.Encryption) {
			return NewKindMismatchError(fmt.Sprintf("invalid smtp encryption %q", s.Encryption))
		}
	case KindCustom:
		if len(s.Fields) == 0 {
			return NewKindMismatchError("custom requires at least one field")
		}
	default:
		return NewKindMismatchError(fmt.Sprintf("unsupported kind %q", s.Type))
	}
	return nil
}

func (s *Secret) validateDatabase() error {
	if !util.Contains([]string{DriverPostgreSQL, DriverMySQL, DriverSQLite}, s.Driver) {
		return NewKindMismatchError(fmt.Sprintf("invalid database driver %q", s.Driver))
	}
	if s.Database == "" {
		return NewKindMismatchError("database_connection requires database")
	}
	if s.Driver == DriverSQLite {
		return nil
	}
	if s.Host == "" || s.Username == "" || s.Password == "" {
		return NewKindMismatchError("database_connection requires host, username and password")
	}
	if s.Port == 0 {
		switch s.Driver {
		case DriverPostgreSQL:
			s.Port = DefaultPostgreSQLPort
		case DriverMySQL:
			s.Port = DefaultMySQLPort
		}
	}
	return nil
}

// SecretStrings returns every secret string value for output sanitization
func (s *Secret) SecretStrings() []string {
	switch s.Type {
	case KindPassword, KindSSHPassword, KindDatabaseConnection, KindSMTPAccount:
		return []string{s.Password}
	case KindAPIToken:
		return []string{s.Token}
	case KindSSHKey:
		result := []string{s.PrivateKey}
		if s.Passphrase != "" {
			result = append(result, s.Passphrase)
		}
		return result
	case KindCertificate:
		return []string{s.CertPEM, s.KeyPEM}
	case KindCustom:
		result := make([]string, 0, len(s.Fields))
		for _, v := range s.Fields {
			result = append(result, v)
		}
		return result
	}
	return nil
}

// Zero clears every field. String storage cannot be overwritten in place,
// the cache wipes the decrypted payload buffers instead, this only drops
// the references
func (s *Secret) Zero() {
	for k := range s.Params {
		delete(s.Params, k)
	}
	for k := range s.Fields {
		delete(s.Fields, k)
	}
	*s = Secret{}
}
