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

// Package config loads the YAML configuration file and merges it with
// command line flags into the runtime service config.
package config

import (
	"io"
	"os"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"
)

// FileConfig is the YAML configuration file, usually /etc/openlink.yaml
type FileConfig struct {
	// ListenAddr is the host:port the server binds
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// AdvertiseName is the name this instance reports about itself
	AdvertiseName string `yaml:"advertise_name,omitempty"`
	// CORSOrigins is the allowed origin list, empty allows any
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
	// MaxConnections caps concurrent accepted connections
	MaxConnections int `yaml:"max_connections,omitempty"`
	// SessionTTL is how long an idle session survives, e.g. "1h"
	SessionTTL string `yaml:"session_ttl,omitempty"`
	// BaseDomains is the allowlist for domain provisioning
	BaseDomains []string `yaml:"base_domains,omitempty"`
	// PortRange is the proxy port pool
	PortRange PortRange `yaml:"port_range,omitempty"`
	// MaxDomainLife caps the lifetime of any provisioned domain
	MaxDomainLife string `yaml:"max_domain_life,omitempty"`
	// MaxPermitDuration caps the lifetime of any access permit
	MaxPermitDuration string `yaml:"max_permit_duration,omitempty"`
	// CleanupInterval is the broker garbage collection cadence
	CleanupInterval string `yaml:"cleanup_interval,omitempty"`
	// Logger configures output and severity of the process log
	Logger Log `yaml:"log,omitempty"`
	// Nginx locates the reverse proxy aggregates
	Nginx Nginx `yaml:"nginx,omitempty"`
	// Exec configures the privileged exec channel
	Exec Exec `yaml:"exec,omitempty"`
	// IdentityFile persists machine/wallet sightings
	IdentityFile string `yaml:"identity_file,omitempty"`
}

// PortRange is the proxy port pool section
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Log is the logging section
type Log struct {
	// Output is "stderr", "stdout" or a file path
	Output string `yaml:"output,omitempty"`
	// Severity is "error", "warn", "info" or "debug"
	Severity string `yaml:"severity,omitempty"`
}

// Nginx is the reverse proxy section
type Nginx struct {
	LocalConf      string `yaml:"local_conf,omitempty"`
	RemoteConf     string `yaml:"remote_conf,omitempty"`
	RemoteStageDir string `yaml:"remote_stage_dir,omitempty"`
}

// Exec is the privileged exec channel section
type Exec struct {
	SudoPassword string     `yaml:"sudo_password,omitempty"`
	Remote       RemoteExec `yaml:"remote,omitempty"`
}

// RemoteExec is the SSH endpoint for the remote proxy host
type RemoteExec struct {
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port,omitempty"`
	User           string `yaml:"user,omitempty"`
	KeyFile        string `yaml:"key_file,omitempty"`
	KnownHostsFile string `yaml:"known_hosts_file,omitempty"`
}

// ReadFromFile reads the config file at path
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse config file %v", path)
	}
	return fc, nil
}

// ReadConfig parses a YAML config from reader. Unknown keys are rejected:
// a typo in a config file must not silently disable a setting.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var fc FileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	return &fc, nil
}
