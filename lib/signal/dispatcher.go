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

package signal

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/coreos/go-semver/semver"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	openlink "github.com/Raywonder/openlink-sub002"
	"github.com/Raywonder/openlink-sub002/lib/defaults"
	"github.com/Raywonder/openlink-sub002/lib/domain"
	"github.com/Raywonder/openlink-sub002/lib/session"
	"github.com/Raywonder/openlink-sub002/lib/utils"
)

var connectedPeers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "openlink_connected_peers",
		Help: "Number of connected peer channels",
	},
)

// sessionIDRe accepts the two valid session ID forms: the 8-char link ID
// and the 32-hex identifier
var sessionIDRe = regexp.MustCompile(`^[a-z0-9]{8}$|^[0-9a-f]{32}$`)

// DomainBroker is the slice of the domain broker the dispatcher drives
// for hosting requests
type DomainBroker interface {
	RequestDomain(ctx context.Context, req domain.Request) (*domain.Domain, error)
	ReleaseDomain(ctx context.Context, id string) error
	GetDomain(id string) (*domain.Domain, error)
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	// Registry is the authoritative session registry
	Registry *session.Registry
	// Broker serves embedded domain requests, nil disables them
	Broker DomainBroker
	// Identity persists machine/wallet sightings, nil disables it
	Identity *IdentityStore
	// InstanceID identifies this server in welcome frames
	InstanceID string
	// ServerVersion is advertised in welcome frames
	ServerVersion string
	// Clock is the time source
	Clock clockwork.Clock
	// Log is the component logger
	Log log.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *DispatcherConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("dispatcher: session registry is required")
	}
	if c.ServerVersion == "" {
		c.ServerVersion = openlink.Version
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(openlink.Component, openlink.ComponentSignal)
	}
	return nil
}

// Dispatcher interprets inbound frames: it mutates the session registry
// for lifecycle verbs and forwards opaque signaling payloads between
// peers. Per-peer inbound order is preserved by the caller pumping one
// frame at a time; state-changing verbs hold the session lock from
// mutation through broadcast completion.
type Dispatcher struct {
	cfg   DispatcherConfig
	clock clockwork.Clock
	log   log.FieldLogger

	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewDispatcher returns a Dispatcher for the given config
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(connectedPeers); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Log,
		peers: make(map[string]*Peer),
	}, nil
}

// Register adds an accepted peer and sends the welcome frame
func (d *Dispatcher) Register(p *Peer) {
	d.mu.Lock()
	d.peers[p.ID] = p
	connectedPeers.Set(float64(len(d.peers)))
	d.mu.Unlock()

	welcome := Frame{
		"type":              TypeWelcome,
		"connectionId":      p.ID,
		"serverVersion":     d.cfg.ServerVersion,
		"instanceId":        d.cfg.InstanceID,
		"detected":          p.Info(),
		"requestClientInfo": true,
	}
	if p.SubdomainHint != "" {
		welcome["subdomainHint"] = p.SubdomainHint
	}
	d.send(p, welcome)
	d.log.WithFields(log.Fields{
		"peer": p.ID[:8],
		"addr": p.RemoteAddr,
	}).Info("Peer connected.")
}

// Disconnect runs leave handling for a closing peer and drops it from the
// connection table
func (d *Dispatcher) Disconnect(ctx context.Context, p *Peer) {
	d.handleLeave(ctx, p, "disconnected")
	p.Close()

	d.mu.Lock()
	delete(d.peers, p.ID)
	connectedPeers.Set(float64(len(d.peers)))
	d.mu.Unlock()
	d.log.WithField("peer", p.ID[:8]).Info("Peer disconnected.")
}

// Peer returns the connected peer with the given ID, nil when absent
func (d *Dispatcher) Peer(id string) *Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.peers[id]
}

// Count returns the number of connected peers
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Snapshots returns the introspection view of every connected peer
func (d *Dispatcher) Snapshots() []PeerSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerSnapshot, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p.Snapshot())
	}
	return out
}

// HandleFrame interprets one inbound frame from a peer. Malformed frames
// elicit an error frame on the same channel and are not otherwise counted.
func (d *Dispatcher) HandleFrame(ctx context.Context, p *Peer, data []byte) {
	frame, err := ParseFrame(data)
	if err != nil {
		d.sendError(p, nil, TypeError, trace.UserMessage(err))
		return
	}
	p.Touch()

	switch frame.Type() {
	case TypeCreateSession, TypeHostSession:
		d.handleCreateSession(ctx, p, frame)
	case TypeJoin:
		d.handleJoin(ctx, p, frame, false)
	case TypeJoinAsHost:
		d.handleJoin(ctx, p, frame, true)
	case TypeLeave:
		d.handleLeave(ctx, p, "left")
	case TypeChangeSessionID:
		d.handleChangeSessionID(p, frame)
	case TypeUpdateSettings:
		d.handleUpdateSettings(p, frame)
	case TypeUpdatePassword, TypeChangePassword:
		d.handleChangePassword(p, frame)
	case TypeKickClient, TypeKick:
		d.handleKick(p, frame)
	case TypeRegenerateLink:
		d.handleRegenerateLink(p, frame)
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeICECandidateOld:
		d.handleRelay(p, frame, len(data))
	case TypeBroadcast:
		d.handleBroadcast(p, frame, len(data))
	case TypePing:
		p.Ping()
		d.reply(p, frame, Frame{"type": TypePong})
	case TypeClientInfo, TypeClientInfoLegacy:
		d.handleClientInfo(p, frame)
	case TypeRequestDomain:
		d.handleRequestDomain(ctx, p, frame)
	case TypeReleaseDomain:
		d.handleReleaseDomain(ctx, p, frame)
	default:
		d.sendError(p, frame, TypeError, "unknown message type "+frame.Type())
	}
}

// OnSessionDestroy is the registry destroy cascade: it closes every member
// channel and releases the session's attached domains. Wire it into the
// session registry config.
func (d *Dispatcher) OnSessionDestroy(ctx context.Context, s *session.Session) {
	s.Lock()
	members := s.Peers()
	domains := append([]string(nil), s.DomainIDs...)
	s.Unlock()

	for _, id := range members {
		if p := d.Peer(id); p != nil {
			p.ClearSession()
			p.Close()
		}
	}
	if d.cfg.Broker != nil {
		for _, id := range domains {
			if err := d.cfg.Broker.ReleaseDomain(ctx, id); err != nil && !trace.IsNotFound(err) {
				d.log.WithError(err).WithField("id", id).Warn("Failed to release session domain.")
			}
		}
	}
}

func (d *Dispatcher) handleCreateSession(ctx context.Context, p *Peer, f Frame) {
	if p.SessionID() != "" {
		d.sendError(p, f, TypeError, "already in a session")
		return
	}
	var req createSessionRequest
	if err := f.decode(&req); err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}

	id := strings.ToLower(strings.TrimSpace(firstNonEmpty(req.LinkID, req.SessionID)))
	if id == "" {
		// hosts behind a provisioned subdomain auto-select it as the link
		if hint := strings.ToLower(p.SubdomainHint); sessionIDRe.MatchString(hint) {
			if _, err := d.cfg.Registry.Get(hint); trace.IsNotFound(err) {
				id = hint
			}
		}
	}
	if id == "" {
		fresh, err := d.cfg.Registry.NewLinkID()
		if err != nil {
			d.sendError(p, f, TypeError, trace.UserMessage(err))
			return
		}
		id = fresh
	}
	if !sessionIDRe.MatchString(id) {
		d.sendError(p, f, TypeError, "invalid session ID format")
		return
	}

	settings := session.Settings{}
	if req.Settings != nil {
		settings = *req.Settings
	}
	if req.Password != "" {
		settings.Password = req.Password
	}
	s, err := d.cfg.Registry.Create(id, settings)
	if err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}

	s.Lock()
	s.HostID = p.ID
	p.SetSession(s.ID, RoleHost)
	s.Unlock()

	reply := Frame{
		"type":      TypeSessionCreated,
		"sessionId": s.ID,
		"linkId":    s.ID,
	}
	if req.DomainRequest != nil {
		record, dErr := d.requestDomainForHost(ctx, p, s, *req.DomainRequest)
		if dErr != nil {
			reply["domainError"] = trace.UserMessage(dErr)
		} else {
			reply["domain"] = record
		}
	}
	d.reply(p, f, reply)
	d.log.WithFields(log.Fields{"session": s.ID, "host": p.ID[:8]}).Info("Session created.")
}

// requestDomainForHost provisions a domain on behalf of a hosting peer and
// attaches it to the session so it is released with it
func (d *Dispatcher) requestDomainForHost(ctx context.Context, p *Peer, s *session.Session, req domain.Request) (*domain.Domain, error) {
	if d.cfg.Broker == nil {
		return nil, trace.BadParameter("domain provisioning is not enabled")
	}
	req.RequesterID = p.ID
	record, err := d.cfg.Broker.RequestDomain(ctx, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.Lock()
	s.DomainIDs = append(s.DomainIDs, record.ID)
	s.Unlock()
	return record, nil
}

func (d *Dispatcher) handleJoin(ctx context.Context, p *Peer, f Frame, hostAlias bool) {
	var req joinRequest
	if err := f.decode(&req); err != nil {
		d.sendError(p, f, TypeJoinError, trace.UserMessage(err))
		return
	}
	id := strings.ToLower(strings.TrimSpace(firstNonEmpty(req.LinkID, req.SessionID)))
	if id == "" {
		d.sendError(p, f, TypeJoinError, "link ID is required")
		return
	}
	if hostAlias || req.IsHost {
		d.handleJoinAsHost(ctx, p, f, id)
		return
	}

	s, err := d.cfg.Registry.Get(id)
	if err != nil {
		d.sendError(p, f, TypeJoinError, "Session not found")
		return
	}

	s.Lock()
	defer s.Unlock()
	if s.HostID == "" {
		d.sendError(p, f, TypeJoinError, "no_host")
		return
	}
	if s.Settings.Password != "" && req.Password != s.Settings.Password {
		d.sendError(p, f, TypeJoinError, "Invalid password")
		return
	}
	if len(s.ClientIDs) >= s.Settings.MaxClients {
		d.sendError(p, f, TypeJoinError, "session is full")
		return
	}

	s.AddClient(p.ID)
	s.LastActive = d.clock.Now()
	p.SetSession(s.ID, RoleClient)
	clientCount := len(s.ClientIDs)

	d.reply(p, f, Frame{
		"type":             TypeJoined,
		"sessionId":        s.ID,
		"hostConnectionId": s.HostID,
		"clientCount":      clientCount,
		"settings":         redactSettings(s.Settings),
	})
	notice := Frame{
		"type":               TypeClientJoined,
		"sessionId":          s.ID,
		"clientConnectionId": p.ID,
		"clientCount":        clientCount,
	}
	for _, id := range s.Peers() {
		if id == p.ID {
			continue
		}
		if member := d.Peer(id); member != nil {
			d.send(member, notice)
		}
	}
	d.log.WithFields(log.Fields{"session": s.ID, "client": p.ID[:8]}).Info("Client joined session.")
}

// handleJoinAsHost lets a hosting peer claim a session created out of band
// (the HTTP regenerate placeholder), creating it when absent
func (d *Dispatcher) handleJoinAsHost(ctx context.Context, p *Peer, f Frame, id string) {
	if !sessionIDRe.MatchString(id) {
		d.sendError(p, f, TypeJoinError, "invalid session ID format")
		return
	}
	s, err := d.cfg.Registry.Get(id)
	if trace.IsNotFound(err) {
		s, err = d.cfg.Registry.Create(id, session.Settings{})
	}
	if err != nil {
		d.sendError(p, f, TypeJoinError, trace.UserMessage(err))
		return
	}

	s.Lock()
	defer s.Unlock()
	if s.HostID != "" && s.HostID != p.ID {
		d.sendError(p, f, TypeJoinError, "session already has a host")
		return
	}
	s.HostID = p.ID
	s.Settings.Placeholder = false
	s.LastActive = d.clock.Now()
	p.SetSession(s.ID, RoleHost)

	d.reply(p, f, Frame{
		"type":        TypeJoined,
		"sessionId":   s.ID,
		"role":        RoleHost,
		"clientCount": len(s.ClientIDs),
	})
}

func (d *Dispatcher) handleLeave(ctx context.Context, p *Peer, reason string) {
	sessionID := p.SessionID()
	if sessionID == "" {
		return
	}
	s, err := d.cfg.Registry.Get(sessionID)
	if err != nil {
		p.ClearSession()
		return
	}

	s.Lock()
	wasHost := s.HostID == p.ID
	if wasHost {
		s.HostID = ""
	} else if !s.RemoveClient(p.ID) {
		s.Unlock()
		p.ClearSession()
		return
	}
	s.LastActive = d.clock.Now()
	p.ClearSession()

	notice := Frame{
		"type":      TypePeerLeft,
		"sessionId": s.ID,
		"peerId":    p.ID,
		"reason":    reason,
	}
	if wasHost {
		notice["role"] = RoleHost
	}
	for _, id := range s.Peers() {
		if member := d.Peer(id); member != nil {
			d.send(member, notice)
		}
	}
	empty := s.Empty()
	s.Unlock()

	if empty {
		if err := d.cfg.Registry.Destroy(ctx, s.ID); err != nil && !trace.IsNotFound(err) {
			d.log.WithError(err).WithField("session", s.ID).Warn("Failed to destroy empty session.")
		}
	}
}

// hostSession returns the session p hosts, or access-denied: kick,
// password, settings, regenerate-link and change-session-id are host-only
// verbs
func (d *Dispatcher) hostSession(p *Peer) (*session.Session, error) {
	sessionID := p.SessionID()
	if sessionID == "" {
		return nil, trace.AccessDenied("not in a session")
	}
	if p.Role() != RoleHost {
		return nil, trace.AccessDenied("only the session host may do this")
	}
	s, err := d.cfg.Registry.Get(sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

func (d *Dispatcher) handleKick(p *Peer, f Frame) {
	s, err := d.hostSession(p)
	if err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	var req kickRequest
	if err := f.decode(&req); err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	clientCount, err := d.kick(s, req.ClientConnectionID, req.Reason)
	if err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	d.reply(p, f, Frame{
		"type":               TypeClientKicked,
		"clientConnectionId": req.ClientConnectionID,
		"clientCount":        clientCount,
	})
}

// kick evicts a client from a session: the target receives a kicked frame
// and its channel is closed after a short grace, the remaining clients are
// informed with peer_left. Shared by the websocket and operator paths.
func (d *Dispatcher) kick(s *session.Session, targetID, reason string) (int, error) {
	if reason == "" {
		reason = "kicked by host"
	}
	s.Lock()
	defer s.Unlock()
	if !s.RemoveClient(targetID) {
		return 0, trace.NotFound("client %q is not in session %q", targetID, s.ID)
	}
	s.LastActive = d.clock.Now()
	clientCount := len(s.ClientIDs)

	if target := d.Peer(targetID); target != nil {
		d.send(target, Frame{
			"type":      TypeKicked,
			"sessionId": s.ID,
			"reason":    reason,
		})
		target.ClearSession()
		target.CloseAfter(defaults.KickCloseDelay)
	}
	notice := Frame{
		"type":        TypePeerLeft,
		"sessionId":   s.ID,
		"peerId":      targetID,
		"reason":      "kicked",
		"clientCount": clientCount,
	}
	for _, id := range s.ClientIDs {
		if member := d.Peer(id); member != nil {
			d.send(member, notice)
		}
	}
	d.log.WithFields(log.Fields{"session": s.ID, "client": targetID[:8]}).Info("Client kicked.")
	return clientCount, nil
}

func (d *Dispatcher) handleChangePassword(p *Peer, f Frame) {
	s, err := d.hostSession(p)
	if err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	var req changePasswordRequest
	if err := f.decode(&req); err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	required := d.setPassword(s, req.Password)
	d.reply(p, f, Frame{
		"type":             TypePasswordChanged,
		"sessionId":        s.ID,
		"passwordRequired": required,
	})
}

// setPassword applies a password change immediately: existing peers keep
// their connections and are told about the new requirement so they can
// re-display it for onward sharing
func (d *Dispatcher) setPassword(s *session.Session, password string) bool {
	s.Lock()
	defer s.Unlock()
	s.Settings.Password = password
	s.LastActive = d.clock.Now()
	required := password != ""

	notice := Frame{
		"type":             TypePasswordChanged,
		"sessionId":        s.ID,
		"passwordRequired": required,
	}
	for _, id := range s.ClientIDs {
		if member := d.Peer(id); member != nil {
			d.send(member, notice)
		}
	}
	return required
}

func (d *Dispatcher) handleUpdateSettings(p *Peer, f Frame) {
	s, err := d.hostSession(p)
	if err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	var req updateSettingsRequest
	if err := f.decode(&req); err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}

	s.Lock()
	defer s.Unlock()
	// the password has its own verb, an empty field here is not a reset
	password := s.Settings.Password
	if req.Settings.Password != "" {
		password = req.Settings.Password
	}
	maxClients := req.Settings.MaxClients
	if maxClients <= 0 {
		maxClients = s.Settings.MaxClients
	}
	s.Settings = req.Settings
	s.Settings.Password = password
	s.Settings.MaxClients = maxClients
	s.LastActive = d.clock.Now()

	notice := Frame{
		"type":      TypeSettingsUpdated,
		"sessionId": s.ID,
		"settings":  redactSettings(s.Settings),
	}
	for _, id := range s.ClientIDs {
		if member := d.Peer(id); member != nil {
			d.send(member, notice)
		}
	}
	d.reply(p, f, notice)
}

func (d *Dispatcher) handleChangeSessionID(p *Peer, f Frame) {
	s, err := d.hostSession(p)
	if err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	var req changeSessionIDRequest
	if err := f.decode(&req); err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	newID := strings.ToLower(strings.TrimSpace(req.NewSessionID))
	if !sessionIDRe.MatchString(newID) {
		d.sendError(p, f, TypeError, "invalid session ID format")
		return
	}
	oldID, newID, err := d.rename(s.ID, newID, TypeSessionIDChanged, f)
	if err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	d.log.WithFields(log.Fields{"old": oldID, "new": newID}).Info("Session ID changed.")
}

func (d *Dispatcher) handleRegenerateLink(p *Peer, f Frame) {
	s, err := d.hostSession(p)
	if err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	newID, err := d.cfg.Registry.NewLinkID()
	if err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	oldID, newID, err := d.rename(s.ID, newID, TypeSessionLinkChanged, f)
	if err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	d.log.WithFields(log.Fields{"old": oldID, "new": newID}).Info("Session link regenerated.")
}

// rename swaps the registry key and every member peer's session pointer
// atomically, then notifies all members while still holding the session
// lock. The request frame is echoed back to its sender with the notice.
func (d *Dispatcher) rename(oldID, newID, noticeType string, f Frame) (string, string, error) {
	_, err := d.cfg.Registry.Rename(oldID, newID, func(s *session.Session) {
		notice := Frame{
			"type":         noticeType,
			"oldSessionId": oldID,
			"newSessionId": newID,
		}
		if noticeType == TypeSessionIDChanged {
			notice["reconnectDelayMs"] = defaults.ReconnectDelayHint.Milliseconds()
		}
		for _, id := range s.Peers() {
			member := d.Peer(id)
			if member == nil {
				continue
			}
			member.SetSession(newID, member.Role())
			if id == s.HostID && f != nil {
				d.reply(member, f, cloneFrame(notice))
			} else {
				d.send(member, cloneFrame(notice))
			}
		}
	})
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	return oldID, newID, nil
}

// handleRelay forwards an opaque signaling frame to the named peer in the
// same session, annotated with the sender. Missing or cross-session
// targets drop the frame silently.
func (d *Dispatcher) handleRelay(p *Peer, f Frame, size int) {
	var req relayRequest
	if err := f.decode(&req); err != nil || req.TargetID == "" {
		return
	}
	sessionID := p.SessionID()
	if sessionID == "" {
		return
	}
	target := d.Peer(req.TargetID)
	if target == nil || target.SessionID() != sessionID {
		return
	}
	f["fromId"] = p.ID
	d.send(target, f)

	if s, err := d.cfg.Registry.Get(sessionID); err == nil {
		s.Lock()
		s.Stats.BytesRelayed += int64(size)
		s.LastActive = d.clock.Now()
		s.Unlock()
	}
}

// handleBroadcast forwards the payload to every other member of the
// sender's session
func (d *Dispatcher) handleBroadcast(p *Peer, f Frame, size int) {
	sessionID := p.SessionID()
	if sessionID == "" {
		return
	}
	s, err := d.cfg.Registry.Get(sessionID)
	if err != nil {
		return
	}
	f["fromId"] = p.ID

	s.Lock()
	defer s.Unlock()
	s.Stats.BytesRelayed += int64(size)
	s.LastActive = d.clock.Now()
	for _, id := range s.Peers() {
		if id == p.ID {
			continue
		}
		if member := d.Peer(id); member != nil {
			d.send(member, f)
		}
	}
}

func (d *Dispatcher) handleClientInfo(p *Peer, f Frame) {
	var req clientInfoRequest
	if err := f.decode(&req); err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	if req.AppVersion != "" {
		if _, err := semver.NewVersion(req.AppVersion); err != nil {
			d.log.WithFields(log.Fields{
				"peer":    p.ID[:8],
				"version": req.AppVersion,
			}).Warn("Client reported a non-semver app version.")
			req.AppVersion = ""
		}
	}
	p.UpdateInfo(ClientInfo{
		Platform:   req.Platform,
		OS:         req.OS,
		OSVersion:  req.OSVersion,
		Arch:       req.Arch,
		Locale:     req.Locale,
		AppVersion: req.AppVersion,
	})
	p.SetIdentity(req.MachineID, req.WalletFingerprint)
	if d.cfg.Identity != nil && req.MachineID != "" {
		if err := d.cfg.Identity.Record(req.MachineID, req.WalletFingerprint); err != nil {
			d.log.WithError(err).Warn("Failed to persist peer identity.")
		}
	}
}

func (d *Dispatcher) handleRequestDomain(ctx context.Context, p *Peer, f Frame) {
	if d.cfg.Broker == nil {
		d.sendError(p, f, TypeError, "domain provisioning is not enabled")
		return
	}
	var req requestDomainRequest
	if err := f.decode(&req); err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	req.Domain.RequesterID = p.ID
	record, err := d.cfg.Broker.RequestDomain(ctx, req.Domain)
	if err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	// domains requested from inside a session are released with it
	if sessionID := p.SessionID(); sessionID != "" && p.Role() == RoleHost {
		if s, sErr := d.cfg.Registry.Get(sessionID); sErr == nil {
			s.Lock()
			s.DomainIDs = append(s.DomainIDs, record.ID)
			s.Unlock()
		}
	}
	d.reply(p, f, Frame{"type": TypeDomainReady, "domain": record})
}

func (d *Dispatcher) handleReleaseDomain(ctx context.Context, p *Peer, f Frame) {
	if d.cfg.Broker == nil {
		d.sendError(p, f, TypeError, "domain provisioning is not enabled")
		return
	}
	var req releaseDomainRequest
	if err := f.decode(&req); err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	record, err := d.cfg.Broker.GetDomain(req.DomainID)
	if err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	if record.RequesterID != p.ID {
		d.sendError(p, f, TypeError, "domain belongs to another peer")
		return
	}
	if err := d.cfg.Broker.ReleaseDomain(ctx, req.DomainID); err != nil {
		d.sendError(p, f, TypeError, trace.UserMessage(err))
		return
	}
	d.reply(p, f, Frame{"type": TypeDomainReleased, "domainId": req.DomainID})
}

// Operator surface, used by the control HTTP API. The verbs share the
// session-lock discipline with their websocket counterparts but skip peer
// authority: these are trusted operator paths.

// OperatorKick evicts a client from a session by ID
func (d *Dispatcher) OperatorKick(sessionID, clientID, reason string) (int, error) {
	s, err := d.cfg.Registry.Get(sessionID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	count, err := d.kick(s, clientID, reason)
	return count, trace.Wrap(err)
}

// OperatorSetPassword rotates a session password by ID
func (d *Dispatcher) OperatorSetPassword(sessionID, password string) error {
	s, err := d.cfg.Registry.Get(sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	d.setPassword(s, password)
	return nil
}

// OperatorRegenerateLink allocates a fresh link ID for a session by ID
func (d *Dispatcher) OperatorRegenerateLink(sessionID string) (string, string, error) {
	s, err := d.cfg.Registry.Get(sessionID)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	newID, err := d.cfg.Registry.NewLinkID()
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	oldID, newID, err := d.rename(s.ID, newID, TypeSessionLinkChanged, nil)
	return oldID, newID, trace.Wrap(err)
}

// ForwardFrame relays an out-of-band signaling frame from a peer without a
// duplex channel to a connected target
func (d *Dispatcher) ForwardFrame(fromID string, f Frame) error {
	var req relayRequest
	if err := f.decode(&req); err != nil {
		return trace.Wrap(err)
	}
	if req.TargetID == "" {
		return trace.BadParameter("targetId is required")
	}
	target := d.Peer(req.TargetID)
	if target == nil {
		return trace.NotFound("peer %q is not connected", req.TargetID)
	}
	f["fromId"] = fromID
	d.send(target, f)
	return nil
}

// send stamps and delivers a frame to one peer, never failing the caller:
// a failed delivery to one peer must not affect others
func (d *Dispatcher) send(p *Peer, f Frame) {
	f["timestamp"] = d.clock.Now().UnixMilli()
	if err := p.Send(f); err != nil {
		d.log.WithError(err).WithField("peer", p.ID[:8]).Debug("Failed to deliver frame.")
	}
}

// reply is send echoing the originating request ID
func (d *Dispatcher) reply(p *Peer, request Frame, f Frame) {
	if request != nil {
		if id := request.RequestID(); id != "" {
			f["requestId"] = id
		}
	}
	d.send(p, f)
}

// sendError delivers an error envelope; typ is either the generic "error"
// or a verb-specific "<verb>_error"
func (d *Dispatcher) sendError(p *Peer, request Frame, typ, message string) {
	d.reply(p, request, Frame{"type": typ, "error": message})
}

// redactSettings hides the password value from broadcast settings, clients
// only learn whether one is required
func redactSettings(s session.Settings) Frame {
	return Frame{
		"passwordRequired":  s.Password != "",
		"maxClients":        s.MaxClients,
		"allowInput":        s.AllowInput,
		"allowAudio":        s.AllowAudio,
		"allowVideo":        s.AllowVideo,
		"allowFileTransfer": s.AllowFileTransfer,
	}
}

func cloneFrame(f Frame) Frame {
	out := make(Frame, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
