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

package config

import (
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/Raywonder/openlink-sub002/lib/defaults"
	"github.com/Raywonder/openlink-sub002/lib/service"
)

// CommandLineFlags stores command line flag values, a much simplified
// subset of the configuration expressed via the YAML file
type CommandLineFlags struct {
	// --config flag
	ConfigFile string
	// --listen flag
	ListenAddr string
	// --base-domain flags, repeatable
	BaseDomains []string
	// -d flag
	Debug bool
}

// ReadConfigFile reads /etc/openlink.yaml or whatever is passed via the
// --config flag. A missing default config file is not an error.
func ReadConfigFile(cliConfigPath string) (*FileConfig, error) {
	configFilePath := defaults.ConfigFilePath
	if cliConfigPath != "" {
		configFilePath = cliConfigPath
		if !fileExists(configFilePath) {
			return nil, trace.NotFound("file %v is not found", configFilePath)
		}
	}
	if !fileExists(configFilePath) {
		log.Info("Not using a config file.")
		return nil, nil
	}
	log.Debugf("Reading config file %v.", configFilePath)
	return ReadFromFile(configFilePath)
}

// ApplyFileConfig applies the YAML file settings on top of the runtime
// config defaults
func ApplyFileConfig(fc *FileConfig, cfg *service.Config) error {
	// no config file? no problem
	if fc == nil {
		return nil
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.AdvertiseName != "" {
		cfg.AdvertiseName = fc.AdvertiseName
	}
	if len(fc.CORSOrigins) > 0 {
		cfg.CORSOrigins = fc.CORSOrigins
	}
	if fc.MaxConnections > 0 {
		cfg.MaxConnections = fc.MaxConnections
	}
	if len(fc.BaseDomains) > 0 {
		cfg.BaseDomains = fc.BaseDomains
	}
	if fc.PortRange.Start != 0 || fc.PortRange.End != 0 {
		if fc.PortRange.Start < 1 || fc.PortRange.End < fc.PortRange.Start {
			return trace.BadParameter("invalid port_range %v-%v", fc.PortRange.Start, fc.PortRange.End)
		}
		cfg.PortRange = service.PortRange{Start: fc.PortRange.Start, End: fc.PortRange.End}
	}
	for _, d := range []struct {
		value string
		key   string
		out   *time.Duration
	}{
		{fc.SessionTTL, "session_ttl", &cfg.SessionTTL},
		{fc.MaxDomainLife, "max_domain_life", &cfg.MaxDomainLife},
		{fc.MaxPermitDuration, "max_permit_duration", &cfg.MaxPermitDuration},
		{fc.CleanupInterval, "cleanup_interval", &cfg.CleanupInterval},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return trace.BadParameter("invalid %v: %v", d.key, err)
		}
		*d.out = parsed
	}

	if err := applyLogConfig(fc.Logger); err != nil {
		return trace.Wrap(err)
	}

	cfg.Nginx.LocalConf = fc.Nginx.LocalConf
	cfg.Nginx.RemoteConf = fc.Nginx.RemoteConf
	cfg.Nginx.RemoteStageDir = fc.Nginx.RemoteStageDir

	cfg.Exec.SudoPassword = fc.Exec.SudoPassword
	cfg.Exec.Remote.Host = fc.Exec.Remote.Host
	cfg.Exec.Remote.Port = fc.Exec.Remote.Port
	cfg.Exec.Remote.User = fc.Exec.Remote.User
	cfg.Exec.Remote.KeyFile = fc.Exec.Remote.KeyFile
	cfg.Exec.Remote.KnownHostsFile = fc.Exec.Remote.KnownHostsFile

	cfg.IdentityFile = fc.IdentityFile
	return nil
}

// applyLogConfig configures the global logger instance from the file
// config logging section
func applyLogConfig(loggerConfig Log) error {
	switch loggerConfig.Output {
	case "":
		// not set
	case "stderr", "error", "2":
		log.SetOutput(os.Stderr)
	case "stdout", "out", "1":
		log.SetOutput(os.Stdout)
	default:
		// assume it's a file path
		logFile, err := os.OpenFile(loggerConfig.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			return trace.Wrap(err, "failed to open the log file")
		}
		log.SetOutput(logFile)
	}
	switch strings.ToLower(loggerConfig.Severity) {
	case "":
		// not set
	case "info":
		log.SetLevel(log.InfoLevel)
	case "err", "error":
		log.SetLevel(log.ErrorLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	default:
		return trace.BadParameter("unsupported logger severity: %q", loggerConfig.Severity)
	}
	return nil
}

// Configure merges the command line flags and the config file into the
// runtime config, flags win
func Configure(clf *CommandLineFlags, cfg *service.Config) error {
	fc, err := ReadConfigFile(clf.ConfigFile)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := ApplyFileConfig(fc, cfg); err != nil {
		return trace.Wrap(err)
	}

	if clf.ListenAddr != "" {
		cfg.ListenAddr = clf.ListenAddr
	}
	if len(clf.BaseDomains) > 0 {
		cfg.BaseDomains = clf.BaseDomains
	}
	if clf.Debug {
		cfg.Debug = true
		log.SetLevel(log.DebugLevel)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
