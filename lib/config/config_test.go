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
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/Raywonder/openlink-sub002/lib/service"
	"github.com/Raywonder/openlink-sub002/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

const sampleConfig = `
listen_addr: 0.0.0.0:3100
advertise_name: rendezvous-1
cors_origins:
  - https://app.openlink.test
max_connections: 500
session_ttl: 30m
base_domains:
  - openlink.test
  - screenshare.local
port_range:
  start: 8100
  end: 8199
max_domain_life: 12h
max_permit_duration: 48h
cleanup_interval: 5m
log:
  output: stderr
  severity: info
nginx:
  local_conf: /etc/nginx/conf.d/openlink.conf
  remote_conf: /etc/nginx/conf.d/openlink.conf
  remote_stage_dir: /var/tmp
exec:
  sudo_password: hunter2
  remote:
    host: proxy.openlink.test
    port: 2222
    user: deploy
    key_file: /etc/openlink/id_ed25519
    known_hosts_file: /etc/openlink/known_hosts
identity_file: /var/lib/openlink/identities.json
`

func TestReadConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:3100", fc.ListenAddr)
	require.Equal(t, "rendezvous-1", fc.AdvertiseName)
	require.Equal(t, []string{"openlink.test", "screenshare.local"}, fc.BaseDomains)
	require.Equal(t, 8100, fc.PortRange.Start)
	require.Equal(t, "deploy", fc.Exec.Remote.User)
	require.Equal(t, "info", fc.Logger.Severity)
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ReadConfig(strings.NewReader("listen_adr: 0.0.0.0:3100\n"))
	require.True(t, trace.IsBadParameter(err))
}

func TestApplyFileConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	cfg := service.MakeDefaultConfig()
	require.NoError(t, ApplyFileConfig(fc, cfg))
	require.Equal(t, "0.0.0.0:3100", cfg.ListenAddr)
	require.Equal(t, "rendezvous-1", cfg.AdvertiseName)
	require.Equal(t, 500, cfg.MaxConnections)
	require.Equal(t, 30*time.Minute, cfg.SessionTTL)
	require.Equal(t, 12*time.Hour, cfg.MaxDomainLife)
	require.Equal(t, 48*time.Hour, cfg.MaxPermitDuration)
	require.Equal(t, 5*time.Minute, cfg.CleanupInterval)
	require.Equal(t, service.PortRange{Start: 8100, End: 8199}, cfg.PortRange)
	require.Equal(t, "/etc/nginx/conf.d/openlink.conf", cfg.Nginx.LocalConf)
	require.Equal(t, "hunter2", cfg.Exec.SudoPassword)
	require.Equal(t, "proxy.openlink.test", cfg.Exec.Remote.Host)
	require.Equal(t, 2222, cfg.Exec.Remote.Port)
	require.Equal(t, "/var/lib/openlink/identities.json", cfg.IdentityFile)
	require.True(t, cfg.DomainsEnabled())
}

func TestApplyFileConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{name: "bad duration", yaml: "session_ttl: soon\n"},
		{name: "inverted port range", yaml: "port_range:\n  start: 9000\n  end: 8000\n"},
		{name: "bad severity", yaml: "log:\n  severity: loud\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			fc, err := ReadConfig(strings.NewReader(tc.yaml))
			require.NoError(t, err)
			err = ApplyFileConfig(fc, service.MakeDefaultConfig())
			require.True(t, trace.IsBadParameter(err), "expected a validation error, got %v", err)
		})
	}
}

func TestApplyFileConfigNil(t *testing.T) {
	cfg := service.MakeDefaultConfig()
	require.NoError(t, ApplyFileConfig(nil, cfg))
	require.Equal(t, "0.0.0.0:3000", cfg.ListenAddr)
}

func TestConfigure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0600))

	cfg := service.MakeDefaultConfig()
	clf := CommandLineFlags{
		ConfigFile:  path,
		ListenAddr:  "127.0.0.1:4000",
		BaseDomains: []string{"cli.test"},
		Debug:       true,
	}
	require.NoError(t, Configure(&clf, cfg))

	// flags win over the file
	require.Equal(t, "127.0.0.1:4000", cfg.ListenAddr)
	require.Equal(t, []string{"cli.test"}, cfg.BaseDomains)
	require.True(t, cfg.Debug)
	// file settings without a flag survive
	require.Equal(t, "rendezvous-1", cfg.AdvertiseName)
}

func TestReadConfigFileMissing(t *testing.T) {
	_, err := ReadConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.True(t, trace.IsNotFound(err))
}
