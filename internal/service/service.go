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

// Package service allows to start and stop the Passman service
package service

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/passman/passman/internal/audit"
	"github.com/passman/passman/internal/config"
	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/policy"
	"github.com/passman/passman/internal/proxy"
	"github.com/passman/passman/internal/tools"
	"github.com/passman/passman/internal/util"
	"github.com/passman/passman/internal/vault"
	"github.com/passman/passman/internal/version"
)

const logSender = "service"

// Service defines the Passman service
type Service struct {
	ConfigDir     string
	ConfigFile    string
	LogFilePath   string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
	LogCompress   bool
	LogLevel      string
	LogUTCTime    bool
	Shutdown      chan bool
	Error         error

	vault      *vault.Vault
	dispatcher *tools.Dispatcher
	watcher    *vault.Watcher
}

func (s *Service) initLogger() {
	var logLevel zerolog.Level
	switch s.LogLevel {
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.DebugLevel
	}
	if !filepath.IsAbs(s.LogFilePath) && util.IsFileInputValid(s.LogFilePath) {
		s.LogFilePath = filepath.Join(s.ConfigDir, s.LogFilePath)
	}
	logger.InitLogger(s.LogFilePath, s.LogMaxSize, s.LogMaxBackups, s.LogMaxAge, s.LogCompress,
		s.LogUTCTime, logLevel)
	logger.Info(logSender, "", "starting Passman %s, config dir: %s", version.GetAsString(), s.ConfigDir)
}

// Start initializes the service
func (s *Service) Start() error {
	s.initLogger()
	if err := config.LoadConfig(s.ConfigDir, s.ConfigFile); err != nil {
		logger.Error(logSender, "", "unable to load configuration: %v", err)
		return err
	}
	httpClientConf := config.GetHTTPClientConfig()
	if err := httpClientConf.Initialize(s.ConfigDir); err != nil {
		logger.Error(logSender, "", "unable to initialize http client: %v", err)
		return err
	}
	vaultConf := config.GetVaultConfig()
	vaultDir := filepath.Dir(vaultConf.Path)
	if err := os.MkdirAll(vaultDir, 0700); err != nil {
		logger.Error(logSender, "", "unable to create vault directory %q: %v", vaultDir, err)
		return fmt.Errorf("unable to create vault directory: %w", err)
	}
	s.vault = vault.New(vault.Config{
		Path:               vaultConf.Path,
		KDFParams:          vaultConf.KDF,
		MinPasswordEntropy: vaultConf.PasswordValidation,
	})

	auditConf := config.GetAuditConfig()
	auditLogger := audit.NewLogger(auditConf.Path)
	// fail early if the audit log is not writable, a service unable to
	// audit must not start
	if err := checkAuditWritable(auditConf.Path); err != nil {
		logger.Error(logSender, "", "audit log %q is not writable: %v", auditConf.Path, err)
		return err
	}

	proxyConf := config.GetProxyConfig()
	timeouts := proxy.Timeouts{
		HTTP: time.Duration(proxyConf.HTTPTimeout) * time.Second,
		SSH:  time.Duration(proxyConf.SSHTimeout) * time.Second,
		SQL:  time.Duration(proxyConf.SQLTimeout) * time.Second,
		SMTP: time.Duration(proxyConf.SMTPTimeout) * time.Second,
	}
	credentialProxy := proxy.New(s.vault, policy.NewEngine(), auditLogger, timeouts,
		config.GetSanitizerConfig().ScrubAllSecrets)
	s.dispatcher = tools.NewDispatcher(s.vault, credentialProxy, auditLogger)

	watcherConf := config.GetWatcherConfig()
	if watcherConf.Enabled {
		watcher, err := vault.NewWatcher(s.vault, time.Duration(watcherConf.QuiescenceMs)*time.Millisecond)
		if err != nil {
			logger.Warn(logSender, "", "unable to start the vault watcher: %v", err)
		} else {
			s.watcher = watcher
		}
	}

	startTransport(s)
	return nil
}

func checkAuditWritable(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	return file.Close()
}

// Wait blocks until the service exits
func (s *Service) Wait() {
	<-s.Shutdown
}

// Stop ends the service
func (s *Service) Stop() {
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.vault != nil {
		s.vault.Lock()
	}
	close(s.Shutdown)
	logger.Debug(logSender, "", "service stopped")
}
