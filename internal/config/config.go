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

// Package config manages the configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/passman/passman/internal/httpclient"
	"github.com/passman/passman/internal/kms"
	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/util"
	"github.com/passman/passman/internal/vault"
)

const (
	logSender = "config"
	// configName defines the name for config file.
	// This name does not include the extension, viper will search for files
	// with supported extensions such as "passman.json", "passman.yaml" and so on
	configName = "passman"
	// configEnvPrefix defines a prefix that environment variables will use
	configEnvPrefix = "passman"
	envFileMaxSize  = 1048576
)

// VaultConfig defines the vault store configuration
type VaultConfig struct {
	// Path is the vault file location. If empty the default
	// <vault dir>/vault.json is used
	Path string `json:"path" mapstructure:"path"`
	// KDF cost parameters used when creating a new vault
	KDF kms.Params `json:"kdf" mapstructure:"kdf"`
	// Minimum entropy, in bits, required for a new master password.
	// Zero disables the check
	PasswordValidation float64 `json:"password_validation" mapstructure:"password_validation"`
}

// AuditConfig defines the audit log configuration
type AuditConfig struct {
	// Path is the audit log location. If empty the default
	// <vault dir>/audit.jsonl is used
	Path string `json:"path" mapstructure:"path"`
}

// WatcherConfig defines the vault file watcher configuration
type WatcherConfig struct {
	// Enabled starts the filesystem watcher for cross-process reloads
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// QuiescenceMs is the debounce interval for change events
	QuiescenceMs int `json:"quiescence_ms" mapstructure:"quiescence_ms"`
}

// SanitizerConfig defines the output sanitizer configuration
type SanitizerConfig struct {
	// ScrubAllSecrets scrubs the secret values of every unlocked
	// credential instead of only the invoked one
	ScrubAllSecrets bool `json:"scrub_all_secrets" mapstructure:"scrub_all_secrets"`
}

// ProxyConfig defines the per-protocol operation timeouts, in seconds
type ProxyConfig struct {
	HTTPTimeout int `json:"http_timeout" mapstructure:"http_timeout"`
	SSHTimeout  int `json:"ssh_timeout" mapstructure:"ssh_timeout"`
	SQLTimeout  int `json:"sql_timeout" mapstructure:"sql_timeout"`
	SMTPTimeout int `json:"smtp_timeout" mapstructure:"smtp_timeout"`
}

type globalConfig struct {
	Vault      VaultConfig       `json:"vault" mapstructure:"vault"`
	Audit      AuditConfig       `json:"audit" mapstructure:"audit"`
	Watcher    WatcherConfig     `json:"watcher" mapstructure:"watcher"`
	Sanitizer  SanitizerConfig   `json:"sanitizer" mapstructure:"sanitizer"`
	Proxy      ProxyConfig       `json:"proxy" mapstructure:"proxy"`
	HTTPClient httpclient.Config `json:"httpclient" mapstructure:"httpclient"`
}

var globalConf globalConfig

func init() {
	setViperDefaults()
}

// GetVaultConfig returns the vault configuration. Defaults for empty
// paths are resolved against the default vault directory
func GetVaultConfig() VaultConfig {
	conf := globalConf.Vault
	if conf.Path == "" {
		conf.Path = filepath.Join(vault.DefaultDir(), vault.VaultFileName)
	}
	return conf
}

// GetAuditConfig returns the audit log configuration
func GetAuditConfig() AuditConfig {
	conf := globalConf.Audit
	if conf.Path == "" {
		conf.Path = filepath.Join(vault.DefaultDir(), vault.AuditFileName)
	}
	return conf
}

// GetWatcherConfig returns the watcher configuration
func GetWatcherConfig() WatcherConfig {
	return globalConf.Watcher
}

// GetSanitizerConfig returns the sanitizer configuration
func GetSanitizerConfig() SanitizerConfig {
	return globalConf.Sanitizer
}

// GetProxyConfig returns the proxy configuration
func GetProxyConfig() ProxyConfig {
	return globalConf.Proxy
}

// GetHTTPClientConfig returns the HTTP client configuration
func GetHTTPClientConfig() httpclient.Config {
	return globalConf.HTTPClient
}

// LoadConfig loads the configuration. Missing config files are not an
// error, the defaults apply
func LoadConfig(configDir, configFile string) error {
	if configFile == "" {
		configFile = configName
	}
	readEnvFiles(configDir)
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")
	viper.SetConfigName(configFile)
	if err := viper.ReadInConfig(); err != nil {
		if errors.As(err, &viper.ConfigFileNotFoundError{}) {
			logger.Debug(logSender, "", "no configuration file found, using defaults")
		} else {
			logger.Warn(logSender, "", "error loading configuration file: %v", err)
			return err
		}
	}
	if err := viper.Unmarshal(&globalConf); err != nil {
		logger.Warn(logSender, "", "error parsing configuration file: %v", err)
		return err
	}
	if err := validate(); err != nil {
		return err
	}
	logger.Debug(logSender, "", "config file used: %q", viper.ConfigFileUsed())
	return nil
}

func validate() error {
	proxyConf := globalConf.Proxy
	for _, timeout := range []int{proxyConf.HTTPTimeout, proxyConf.SSHTimeout, proxyConf.SQLTimeout,
		proxyConf.SMTPTimeout} {
		if timeout <= 0 {
			return util.NewValidationError(fmt.Sprintf("invalid proxy timeout %d", timeout))
		}
	}
	if globalConf.Watcher.QuiescenceMs <= 0 {
		return util.NewValidationError("invalid watcher quiescence interval")
	}
	return nil
}

func setViperDefaults() {
	viper.SetEnvPrefix(configEnvPrefix)
	replacer := strings.NewReplacer(".", "__")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)

	kdfDefaults := kms.DefaultParams()
	viper.SetDefault("vault.path", "")
	viper.SetDefault("vault.kdf.memory_kib", kdfDefaults.MemoryKiB)
	viper.SetDefault("vault.kdf.iterations", kdfDefaults.Iterations)
	viper.SetDefault("vault.kdf.parallelism", kdfDefaults.Parallelism)
	viper.SetDefault("vault.password_validation", 0)
	viper.SetDefault("audit.path", "")
	viper.SetDefault("watcher.enabled", true)
	viper.SetDefault("watcher.quiescence_ms", 500)
	viper.SetDefault("sanitizer.scrub_all_secrets", false)
	viper.SetDefault("proxy.http_timeout", 30)
	viper.SetDefault("proxy.ssh_timeout", 60)
	viper.SetDefault("proxy.sql_timeout", 30)
	viper.SetDefault("proxy.smtp_timeout", 60)
	viper.SetDefault("httpclient.ca_certificates", nil)
	viper.SetDefault("httpclient.skip_tls_verify", false)
}

// readEnvFiles loads environment variables from the env.d directory
// inside the config dir. Existing variables are not overridden
func readEnvFiles(configDir string) {
	envDir := filepath.Join(configDir, "env.d")
	entries, err := os.ReadDir(envDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() > envFileMaxSize {
			continue
		}
		envFile := filepath.Join(envDir, entry.Name())
		if err := gotenv.Load(envFile); err != nil {
			logger.Warn(logSender, "", "unable to load env vars from file %q: %v", envFile, err)
		} else {
			logger.Debug(logSender, "", "env vars loaded from file %q", envFile)
		}
	}
}
