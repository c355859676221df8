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

// Package signal implements the signaling side of the rendezvous server:
// peer connection records, the message dispatcher that maintains session
// state and relays offer/answer/ICE blobs, and the persisted peer
// identity store.
package signal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	openlink "github.com/Raywonder/openlink-sub002"
	"github.com/Raywonder/openlink-sub002/lib/defaults"
	"github.com/Raywonder/openlink-sub002/lib/utils"
)

// Role is a peer's part in its session
type Role string

const (
	// RoleHost shares the desktop
	RoleHost Role = "host"
	// RoleClient views and controls the desktop
	RoleClient Role = "client"
	// RoleUnknown is a connected peer that has not joined a session
	RoleUnknown Role = "unknown"
)

// Status is a peer channel lifecycle state
type Status string

const (
	// StatusConnected is a live channel
	StatusConnected Status = "connected"
	// StatusClosing is set once the close sequence started
	StatusClosing Status = "closing"
)

// Conn is the duplex message channel under a peer, satisfied by
// *websocket.Conn and by in-memory fakes in tests
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// PeerConfig configures a Peer
type PeerConfig struct {
	// Conn is the accepted duplex channel
	Conn Conn
	// RemoteAddr is the channel's remote address
	RemoteAddr string
	// UserAgent is the upgrade request user agent, parsed into the
	// detected client info
	UserAgent string
	// Locale is taken from the upgrade request Accept-Language header
	Locale string
	// SubdomainHint is the label extracted from the upgrade Host header
	SubdomainHint string
	// SendQueueLen bounds the outbound frame queue
	SendQueueLen int
	// SendTimeout is how long a frame waits on a full queue before it is
	// dropped
	SendTimeout time.Duration
	// Clock is the time source
	Clock clockwork.Clock
	// Log is the component logger
	Log log.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *PeerConfig) CheckAndSetDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("peer: connection is required")
	}
	if c.SendQueueLen == 0 {
		c.SendQueueLen = defaults.PeerSendQueueLen
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = defaults.PeerSendTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(openlink.Component, openlink.ComponentSignal)
	}
	return nil
}

// Peer is one connected duplex channel. Outbound frames go through a
// bounded queue drained by a single writer goroutine, so a slow peer
// backpressures only itself.
type Peer struct {
	// ID is the stable 32-hex connection ID
	ID string
	// RemoteAddr is the channel's remote address
	RemoteAddr string
	// SubdomainHint carries the Host header label, hosts may use it to
	// auto-select their link ID
	SubdomainHint string

	cfg   PeerConfig
	clock clockwork.Clock
	log   log.FieldLogger

	mu                sync.Mutex
	sessionID         string
	role              Role
	status            Status
	firstSeen         time.Time
	lastSeen          time.Time
	lastPing          time.Time
	info              ClientInfo
	machineID         string
	walletFingerprint string

	sendCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPeer allocates a peer record for an accepted channel and starts its
// writer goroutine
func NewPeer(cfg PeerConfig) (*Peer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := utils.CryptoRandomHex(defaults.ConnectionIDBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := cfg.Clock.Now()
	info := ParseUserAgent(cfg.UserAgent)
	info.Locale = cfg.Locale
	p := &Peer{
		ID:            id,
		RemoteAddr:    cfg.RemoteAddr,
		SubdomainHint: cfg.SubdomainHint,
		cfg:           cfg,
		clock:         cfg.Clock,
		log:           cfg.Log.WithField("peer", id[:8]),
		role:          RoleUnknown,
		status:        StatusConnected,
		firstSeen:     now,
		lastSeen:      now,
		info:          info,
		sendCh:        make(chan []byte, cfg.SendQueueLen),
		closed:        make(chan struct{}),
	}
	go p.writeLoop()
	return p, nil
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.closed:
			return
		case data := <-p.sendCh:
			if err := p.cfg.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.log.WithError(err).Debug("Peer write failed, closing channel.")
				p.Close()
				return
			}
		}
	}
}

// Send marshals frame and enqueues it. A frame that cannot be queued
// within the send timeout is dropped with a warning; the failure never
// propagates to other peers.
func (p *Peer) Send(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return trace.Wrap(err)
	}
	select {
	case p.sendCh <- data:
		return nil
	case <-p.closed:
		return trace.ConnectionProblem(nil, "peer channel is closed")
	default:
	}
	timer := time.NewTimer(p.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case p.sendCh <- data:
		return nil
	case <-p.closed:
		return trace.ConnectionProblem(nil, "peer channel is closed")
	case <-timer.C:
		p.log.Warn("Peer send queue is full, dropping frame.")
		return trace.LimitExceeded("peer send queue is full")
	}
}

// Close shuts the channel down exactly once
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.status = StatusClosing
		p.mu.Unlock()
		close(p.closed)
		p.cfg.Conn.Close()
	})
}

// CloseAfter closes the channel after a grace delay, used to let a final
// frame drain before a forced eviction
func (p *Peer) CloseAfter(delay time.Duration) {
	go func() {
		select {
		case <-p.closed:
		case <-p.clock.After(delay):
			p.Close()
		}
	}()
}

// Done is closed when the peer channel shuts down
func (p *Peer) Done() <-chan struct{} {
	return p.closed
}

// SessionID returns the session the peer is in, empty when none
func (p *Peer) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// SetSession points the peer at a session with the given role. Callers
// mutating membership hold the session lock around this.
func (p *Peer) SetSession(sessionID string, role Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = sessionID
	p.role = role
}

// ClearSession detaches the peer from its session
func (p *Peer) ClearSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = ""
	p.role = RoleUnknown
}

// Role returns the peer's part in its session
func (p *Peer) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// Status returns the channel lifecycle state
func (p *Peer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Touch bumps the last-seen timestamp, called for every inbound frame
func (p *Peer) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = p.clock.Now()
}

// Ping records a heartbeat
func (p *Peer) Ping() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	p.lastSeen = now
	p.lastPing = now
}

// IdleSince returns the last-seen timestamp
func (p *Peer) IdleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Info returns the parsed client info
func (p *Peer) Info() ClientInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// UpdateInfo refines the detected client info from a client-info frame,
// keeping detected values for fields the client left empty
func (p *Peer) UpdateInfo(update ClientInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info = p.info.Merge(update)
}

// SetIdentity records the machine identifier and wallet fingerprint used
// for same-identity peer discovery
func (p *Peer) SetIdentity(machineID, walletFingerprint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if machineID != "" {
		p.machineID = machineID
	}
	if walletFingerprint != "" {
		p.walletFingerprint = walletFingerprint
	}
}

// Identity returns the recorded machine ID and wallet fingerprint
func (p *Peer) Identity() (machineID, walletFingerprint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machineID, p.walletFingerprint
}

// PeerSnapshot is the introspection view of a peer
type PeerSnapshot struct {
	ID                string     `json:"connectionId"`
	SessionID         string     `json:"sessionId,omitempty"`
	Role              Role       `json:"role"`
	Status            Status     `json:"status"`
	RemoteAddr        string     `json:"remoteAddr"`
	SubdomainHint     string     `json:"subdomainHint,omitempty"`
	FirstSeen         time.Time  `json:"firstSeen"`
	LastSeen          time.Time  `json:"lastSeen"`
	LastPing          *time.Time `json:"lastPing,omitempty"`
	Client            ClientInfo `json:"client"`
	MachineID         string     `json:"machineId,omitempty"`
	WalletFingerprint string     `json:"walletFingerprint,omitempty"`
}

// Snapshot returns a copy of the peer state for introspection
func (p *Peer) Snapshot() PeerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := PeerSnapshot{
		ID:                p.ID,
		SessionID:         p.sessionID,
		Role:              p.role,
		Status:            p.status,
		RemoteAddr:        p.RemoteAddr,
		SubdomainHint:     p.SubdomainHint,
		FirstSeen:         p.firstSeen,
		LastSeen:          p.lastSeen,
		Client:            p.info,
		MachineID:         p.machineID,
		WalletFingerprint: p.walletFingerprint,
	}
	if !p.lastPing.IsZero() {
		ping := p.lastPing
		out.LastPing = &ping
	}
	return out
}
