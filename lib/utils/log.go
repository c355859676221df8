/*
Copyright 2024 OpenLink Contributors

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

// Package utils implements shared helpers used across the openlink codebase
package utils

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// LoggingPurpose specifies how the process intends to log, which drives
// formatter and output selection
type LoggingPurpose int

const (
	// LoggingForDaemon is a long running server writing timestamped entries
	LoggingForDaemon LoggingPurpose = iota
	// LoggingForCLI is an interactive tool writing terse entries to stderr
	LoggingForCLI
	// LoggingForTests silences everything below error
	LoggingForTests
)

// InitLogger configures the global logger for a given purpose and verbosity
func InitLogger(purpose LoggingPurpose, level log.Level) {
	log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
	log.SetLevel(level)
	switch purpose {
	case LoggingForCLI:
		log.SetFormatter(&log.TextFormatter{
			DisableTimestamp: true,
		})
		log.SetOutput(os.Stderr)
	case LoggingForDaemon:
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
		log.SetOutput(os.Stderr)
	case LoggingForTests:
		if os.Getenv("OPENLINK_DEBUG") != "" {
			log.SetLevel(log.DebugLevel)
			return
		}
		log.SetLevel(log.ErrorLevel)
		log.SetOutput(io.Discard)
	}
}

// InitLoggerForTests sets up test friendly global logging defaults
func InitLoggerForTests() {
	InitLogger(LoggingForTests, log.ErrorLevel)
}

// FatalError prints the error to stderr and exits, used by CLI entrypoints
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(1)
}

// UserMessageFromError formats an error for an end user, keeping the chain
// out of the terminal unless debug logging is on
func UserMessageFromError(err error) string {
	if err == nil {
		return ""
	}
	if log.GetLevel() == log.DebugLevel {
		return fmt.Sprintf("error: %v", err)
	}
	return fmt.Sprintf("ERROR: %v", err.Error())
}
