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

// Package logger provides logging capabilities.
// It is a wrapper around zerolog for logging and lumberjack for log rotation.
// Logs are never written to the standard output: stdout carries the agent
// transport stream.
package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	dateFormat = "2006-01-02T15:04:05.000" // YYYY-MM-DDTHH:MM:SS.ZZZ
)

var (
	// writes are discarded until InitLogger or InitStdErrLogger runs
	logger = zerolog.Nop()
)

// InitLogger configures the logger using the given parameters
func InitLogger(logFilePath string, logMaxSize int, logMaxBackups int, logMaxAge int, logCompress, logUTCTime bool,
	level zerolog.Level,
) {
	zerolog.TimeFieldFormat = dateFormat
	if logUTCTime {
		zerolog.TimestampFunc = func() time.Time {
			return time.Now().UTC()
		}
	}
	if isLogFilePathValid(logFilePath) {
		logDir := filepath.Dir(logFilePath)
		if _, err := os.Stat(logDir); errors.Is(err, os.ErrNotExist) {
			err = os.MkdirAll(logDir, os.ModePerm)
			if err != nil {
				fmt.Fprintf(os.Stderr, "unable to create log dir %q: %v", logDir, err)
			}
		}
		logger = zerolog.New(&lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    logMaxSize,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAge,
			Compress:   logCompress,
		}).With().Timestamp().Logger().Level(level)
	} else {
		InitStdErrLogger(level)
	}
}

// InitStdErrLogger configures the logger to write to stderr
func InitStdErrLogger(level zerolog.Level) {
	logger = zerolog.New(&logSyncWrapper{
		output: os.Stderr,
	}).With().Timestamp().Logger().Level(level)
}

// Debug logs at debug level for the specified sender
func Debug(sender, connectionID, format string, v ...any) {
	logger.Debug().
		Str("sender", sender).
		Str("connection_id", connectionID).
		Msg(fmt.Sprintf(format, v...))
}

// Info logs at info level for the specified sender
func Info(sender, connectionID, format string, v ...any) {
	logger.Info().
		Str("sender", sender).
		Str("connection_id", connectionID).
		Msg(fmt.Sprintf(format, v...))
}

// Warn logs at warn level for the specified sender
func Warn(sender, connectionID, format string, v ...any) {
	logger.Warn().
		Str("sender", sender).
		Str("connection_id", connectionID).
		Msg(fmt.Sprintf(format, v...))
}

// Error logs at error level for the specified sender
func Error(sender, connectionID, format string, v ...any) {
	logger.Error().
		Str("sender", sender).
		Str("connection_id", connectionID).
		Msg(fmt.Sprintf(format, v...))
}

func isLogFilePathValid(logFilePath string) bool {
	cleanInput := filepath.Clean(logFilePath)
	if cleanInput == "." || cleanInput == ".." {
		return false
	}
	return logFilePath != ""
}
