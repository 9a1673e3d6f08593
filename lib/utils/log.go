/*
Copyright 2025 BYTEDz

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// LoggingPurpose distinguishes the daemon log setup from CLI output.
type LoggingPurpose int

const (
	// LoggingForDaemon configures full logging to stderr and the log file.
	LoggingForDaemon LoggingPurpose = iota
	// LoggingForCLI discards all log output unless debug is requested.
	LoggingForCLI
)

// InitLogger configures the global logger for a given purpose and level.
// For the daemon purpose logFile may name an append-only log file which is
// written in addition to stderr; fileOnly suppresses the stderr copy, used
// by --startup runs launched outside a terminal.
func InitLogger(purpose LoggingPurpose, level logrus.Level, logFile string, fileOnly bool) error {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000",
	})

	switch purpose {
	case LoggingForCLI:
		if level == logrus.DebugLevel {
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	case LoggingForDaemon:
		out := io.Writer(os.Stderr)
		if logFile != "" {
			if err := EnsureDir(filepath.Dir(logFile), 0o700); err != nil {
				return trace.Wrap(err)
			}
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return trace.ConvertSystemError(err)
			}
			if fileOnly {
				out = f
			} else {
				out = io.MultiWriter(os.Stderr, f)
			}
		}
		logrus.SetOutput(out)
	}
	return nil
}

// NewLoggerForTests creates a logger suitable for unit tests.
func NewLoggerForTests() *logrus.Logger {
	logger := logrus.New()
	logger.ReplaceHooks(make(logrus.LevelHooks))
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(os.Stderr)
	return logger
}

// FatalError prints a clean error message to stderr and exits with code 1.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(1)
}

// UserMessageFromError returns a user-friendly message for err; in debug
// mode the full trace report is returned instead.
func UserMessageFromError(err error) string {
	if err == nil {
		return ""
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		return trace.DebugReport(err)
	}
	return "ERROR: " + trace.UserMessage(err)
}
