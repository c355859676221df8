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

// Package defaults contains default constants used across the openlink
// codebase
package defaults

import "time"

// ConfigFilePath is the default location of the YAML config file
const ConfigFilePath = "/etc/openlink.yaml"

// Default port numbers used by the server
const (
	// HTTPListenPort serves both the control API and the /ws duplex acceptor
	HTTPListenPort = 3000

	// PortRangeStart is the first port the domain broker may hand out
	PortRangeStart = 8000

	// PortRangeEnd is the last port the domain broker may hand out, inclusive
	PortRangeEnd = 8999
)

// Identifier formats
const (
	// LinkIDLength is the length of the human shareable session link ID
	LinkIDLength = 8

	// LinkIDCharset is the alphabet link IDs are sampled from
	LinkIDCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

	// ConnectionIDBytes is the entropy of a peer connection ID (hex encoded)
	ConnectionIDBytes = 16

	// SessionIDBytes is the entropy of a long form session ID (hex encoded)
	SessionIDBytes = 16

	// DomainIDBytes is the entropy of a domain record ID (hex encoded)
	DomainIDBytes = 8

	// PermitTokenBytes is the entropy of a permit token (hex encoded)
	PermitTokenBytes = 16

	// TempURLIDBytes is the entropy of a temporary URL ID (hex encoded)
	TempURLIDBytes = 8

	// TempURLTokenBytes is the entropy of a temporary URL secret (hex encoded)
	TempURLTokenBytes = 16

	// MaxSubdomainLength caps subdomain labels at the DNS label limit
	MaxSubdomainLength = 63
)

// TTLs and reaper cadences
const (
	// SessionIdleTTL is how long an idle session survives before the
	// registry reaps it
	SessionIdleTTL = time.Hour

	// SessionReaperInterval is how often the session reaper sweeps
	SessionReaperInterval = time.Minute

	// MaxDomainLife caps the lifetime of any provisioned domain
	MaxDomainLife = 24 * time.Hour

	// DomainReaperInterval is how often the broker garbage collects
	DomainReaperInterval = 15 * time.Minute

	// MaxPermitDuration caps the lifetime of an access permit
	MaxPermitDuration = 7 * 24 * time.Hour

	// TempURLTTL is the default lifetime of a temporary URL
	TempURLTTL = 15 * time.Minute

	// TempURLMaxUses is the default usage cap of a temporary URL
	TempURLMaxUses = 1

	// ExistenceCacheTTL is how long an existence probe result stays fresh
	ExistenceCacheTTL = 5 * time.Minute

	// ExistenceCacheHardTTL is when stale cache entries are evicted outright
	ExistenceCacheHardTTL = 30 * time.Minute

	// MonitorStaleAfter is when a peered instance beacon is considered dead
	MonitorStaleAfter = 5 * time.Minute

	// MonitorReaperInterval is how often stale beacons are pruned
	MonitorReaperInterval = 5 * time.Second

	// MonitorAlertLimit caps the retained alert history
	MonitorAlertLimit = 100

	// ClientMonitorInterval is the cadence of the live client SSE stream
	ClientMonitorInterval = 5 * time.Second
)

// Peer channel tunables
const (
	// WebsocketPingInterval is how often the server pings each peer channel
	WebsocketPingInterval = 30 * time.Second

	// PeerIdleTimeout is how long a peer may stay silent before eviction
	PeerIdleTimeout = 90 * time.Second

	// PeerSendQueueLen bounds the per peer outbound frame queue so a slow
	// peer backpressures only itself
	PeerSendQueueLen = 64

	// PeerSendTimeout is how long a frame waits on a full peer queue before
	// it is dropped
	PeerSendTimeout = 5 * time.Second

	// KickCloseDelay is the grace between the kicked frame and the forced
	// channel close
	KickCloseDelay = 500 * time.Millisecond

	// ReconnectDelayHint is sent with session_id_changed so clients pace
	// their reconnects
	ReconnectDelayHint = 2 * time.Second

	// MaxSessionClients is the default per session client cap
	MaxSessionClients = 10
)

// Privileged exec channel timeouts
const (
	// ExecConnectTimeout bounds the remote shell dial
	ExecConnectTimeout = 10 * time.Second

	// ExecLocalTimeout bounds a local privileged command
	ExecLocalTimeout = 30 * time.Second

	// ExecRemoteTimeout bounds a remote shell command
	ExecRemoteTimeout = 60 * time.Second
)

const (
	// MaxConnections caps concurrent accepted connections on the listener
	MaxConnections = 1000

	// LinkIDRetries bounds collision retries when sampling a fresh link ID
	LinkIDRetries = 10

	// NginxReloadCommand reloads the reverse proxy after a config test
	NginxReloadCommand = "nginx -s reload"

	// NginxTestCommand validates the aggregate config before reload
	NginxTestCommand = "nginx -t"

	// LocalDomainSuffix marks base domains served by the local proxy
	LocalDomainSuffix = ".local"
)
