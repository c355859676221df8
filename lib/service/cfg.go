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

package service

import (
	"fmt"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	openlink "github.com/Raywonder/openlink-sub002"
	"github.com/Raywonder/openlink-sub002/lib/defaults"
	"github.com/Raywonder/openlink-sub002/lib/privexec"
	"github.com/Raywonder/openlink-sub002/lib/utils"
)

// PortRange is the proxy port pool handed to the domain broker
type PortRange struct {
	// Start is the first port, inclusive
	Start int
	// End is the last port, inclusive
	End int
}

// NginxConfig locates the reverse proxy aggregates the broker writes
type NginxConfig struct {
	// LocalConf is the aggregate config file of the local proxy, empty
	// disables domain provisioning
	LocalConf string
	// RemoteConf is the aggregate config file on the remote proxy host
	RemoteConf string
	// RemoteStageDir is where remote uploads land before the privileged move
	RemoteStageDir string
}

// Config is the runtime configuration of the rendezvous process. It is
// assembled from defaults, the YAML file and command line flags, in that
// order.
type Config struct {
	// ListenAddr is the host:port the single listener binds
	ListenAddr string
	// AdvertiseName is the name this instance reports about itself
	AdvertiseName string
	// CORSOrigins is the allowed origin list, empty allows any
	CORSOrigins []string
	// MaxConnections caps concurrent accepted connections
	MaxConnections int
	// SessionTTL is how long an idle session survives
	SessionTTL time.Duration
	// BaseDomains is the allowlist for domain provisioning, empty disables
	// the broker
	BaseDomains []string
	// PortRange is the proxy port pool
	PortRange PortRange
	// MaxDomainLife caps the lifetime of any provisioned domain
	MaxDomainLife time.Duration
	// MaxPermitDuration caps the lifetime of any access permit
	MaxPermitDuration time.Duration
	// CleanupInterval is the broker garbage collection cadence
	CleanupInterval time.Duration
	// Nginx locates the proxy aggregates
	Nginx NginxConfig
	// Exec configures the privileged exec channel
	Exec privexec.Config
	// IdentityFile persists machine/wallet sightings, empty disables it
	IdentityFile string
	// InstanceID identifies this server to peers and clients
	InstanceID string
	// Debug enables verbose logging
	Debug bool
	// Clock is the time source
	Clock clockwork.Clock
	// Log is the process logger
	Log log.FieldLogger
}

// MakeDefaultConfig returns the config a bare `openlink start` runs with
func MakeDefaultConfig() *Config {
	return &Config{
		ListenAddr:        fmt.Sprintf("0.0.0.0:%d", defaults.HTTPListenPort),
		MaxConnections:    defaults.MaxConnections,
		SessionTTL:        defaults.SessionIdleTTL,
		PortRange:         PortRange{Start: defaults.PortRangeStart, End: defaults.PortRangeEnd},
		MaxDomainLife:     defaults.MaxDomainLife,
		MaxPermitDuration: defaults.MaxPermitDuration,
		CleanupInterval:   defaults.DomainReaperInterval,
	}
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf("0.0.0.0:%d", defaults.HTTPListenPort)
	}
	if c.AdvertiseName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "openlink"
		}
		c.AdvertiseName = hostname
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = defaults.MaxConnections
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaults.SessionIdleTTL
	}
	if c.PortRange.Start == 0 {
		c.PortRange.Start = defaults.PortRangeStart
	}
	if c.PortRange.End == 0 {
		c.PortRange.End = defaults.PortRangeEnd
	}
	if c.MaxDomainLife == 0 {
		c.MaxDomainLife = defaults.MaxDomainLife
	}
	if c.MaxPermitDuration == 0 {
		c.MaxPermitDuration = defaults.MaxPermitDuration
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = defaults.DomainReaperInterval
	}
	if c.InstanceID == "" {
		id, err := utils.CryptoRandomHex(defaults.SessionIDBytes)
		if err != nil {
			return trace.Wrap(err)
		}
		c.InstanceID = id
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(openlink.Component, openlink.ComponentProcess)
	}
	return nil
}

// DomainsEnabled reports whether the broker side of the process runs
func (c *Config) DomainsEnabled() bool {
	return len(c.BaseDomains) > 0 && c.Nginx.LocalConf != ""
}
