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

// Package session implements the in-memory registry of rendezvous
// sessions: one host peer sharing a desktop and the clients viewing it.
// The registry is the authoritative side of session membership; the
// reverse direction lives on each peer as a session ID pointer updated
// under the session lock.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	openlink "github.com/Raywonder/openlink-sub002"
	"github.com/Raywonder/openlink-sub002/lib/defaults"
	"github.com/Raywonder/openlink-sub002/lib/utils"
)

var activeSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "openlink_active_sessions",
		Help: "Number of sessions in the registry",
	},
)

// Settings is per session policy, mutable by the host mid-session
type Settings struct {
	// Password gates joins when non-empty, compared verbatim
	Password string `json:"password,omitempty"`
	// MaxClients caps concurrent clients
	MaxClients int `json:"maxClients"`
	// AllowInput permits remote input injection
	AllowInput bool `json:"allowInput"`
	// AllowAudio permits audio capture
	AllowAudio bool `json:"allowAudio"`
	// AllowVideo permits video capture
	AllowVideo bool `json:"allowVideo"`
	// AllowFileTransfer permits file transfer channels
	AllowFileTransfer bool `json:"allowFileTransfer"`
	// Placeholder tags sessions reserved through the HTTP regenerate
	// endpoint before any host arrived, so operators can audit them
	Placeholder bool `json:"placeholder,omitempty"`
}

// Stats carries per session counters
type Stats struct {
	// Joins counts successful client joins over the session lifetime
	Joins int64 `json:"joins"`
	// BytesRelayed estimates signaling payload bytes forwarded
	BytesRelayed int64 `json:"bytesRelayed"`
}

// Session is one shared context between a host and its clients. The
// embedded mutex is the per session lock: state-changing verbs hold it
// from mutation through broadcast completion.
type Session struct {
	sync.Mutex `json:"-"`

	// ID is the 8-char link ID or a 32-hex identifier, always lowercase
	ID string `json:"id"`
	// HostID is the host peer connection ID, empty when no host
	HostID string `json:"hostId,omitempty"`
	// ClientIDs are the client peer connection IDs in join order
	ClientIDs []string `json:"clientIds"`
	// Settings is the session policy
	Settings Settings `json:"settings"`
	// DomainIDs are broker domains attached to this session, released on
	// destroy
	DomainIDs []string `json:"domainIds,omitempty"`
	// Regenerated tags sessions touched by the HTTP regenerate endpoint
	Regenerated bool `json:"regenerated,omitempty"`
	// CreatedAt is the creation time
	CreatedAt time.Time `json:"createdAt"`
	// LastActive is bumped on every join, leave and relayed frame
	LastActive time.Time `json:"lastActive"`
	// Stats carries the session counters
	Stats Stats `json:"stats"`
}

// Peers returns every member connection ID, host first. Callers must hold
// the session lock.
func (s *Session) Peers() []string {
	out := make([]string, 0, len(s.ClientIDs)+1)
	if s.HostID != "" {
		out = append(out, s.HostID)
	}
	return append(out, s.ClientIDs...)
}

// AddClient appends a client connection ID. Callers must hold the session
// lock.
func (s *Session) AddClient(id string) {
	s.ClientIDs = append(s.ClientIDs, id)
	s.Stats.Joins++
}

// RemoveClient drops a client connection ID, reporting whether it was a
// member. Callers must hold the session lock.
func (s *Session) RemoveClient(id string) bool {
	for i, c := range s.ClientIDs {
		if c == id {
			s.ClientIDs = append(s.ClientIDs[:i], s.ClientIDs[i+1:]...)
			return true
		}
	}
	return false
}

// Empty reports whether the session has no members. Callers must hold the
// session lock.
func (s *Session) Empty() bool {
	return s.HostID == "" && len(s.ClientIDs) == 0
}

// Snapshot returns a copy safe to hand out without the lock
func (s *Session) Snapshot() *Session {
	s.Lock()
	defer s.Unlock()
	return s.copyLocked()
}

func (s *Session) copyLocked() *Session {
	out := &Session{
		ID:          s.ID,
		HostID:      s.HostID,
		ClientIDs:   append([]string(nil), s.ClientIDs...),
		Settings:    s.Settings,
		DomainIDs:   append([]string(nil), s.DomainIDs...),
		Regenerated: s.Regenerated,
		CreatedAt:   s.CreatedAt,
		LastActive:  s.LastActive,
		Stats:       s.Stats,
	}
	return out
}

// Config configures a Registry
type Config struct {
	// TTL is how long an idle session survives
	TTL time.Duration
	// ReaperInterval is the idle sweep cadence
	ReaperInterval time.Duration
	// OnDestroy is called for every session leaving the registry, with the
	// registry lock released; it closes member channels and releases
	// attached domains
	OnDestroy func(ctx context.Context, s *Session)
	// Clock is the time source
	Clock clockwork.Clock
	// Log is the component logger
	Log log.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.TTL == 0 {
		c.TTL = defaults.SessionIdleTTL
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = defaults.SessionReaperInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(openlink.Component, openlink.ComponentSession)
	}
	return nil
}

// Registry is the concurrent session map. Session IDs are lowercased on
// every write path.
type Registry struct {
	cfg Config
	log log.FieldLogger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns a Registry for the given config
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(activeSessions); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg:      cfg,
		log:      cfg.Log,
		sessions: make(map[string]*Session),
	}, nil
}

// NewLinkID samples a fresh 8-char link ID that is free in the registry
func (r *Registry) NewLinkID() (string, error) {
	for i := 0; i < defaults.LinkIDRetries; i++ {
		id, err := utils.CryptoRandomString(defaults.LinkIDLength, defaults.LinkIDCharset)
		if err != nil {
			return "", trace.Wrap(err)
		}
		r.mu.RLock()
		_, taken := r.sessions[id]
		r.mu.RUnlock()
		if !taken {
			return id, nil
		}
	}
	return "", trace.LimitExceeded("failed to sample a free link ID after %v tries", defaults.LinkIDRetries)
}

// Create registers a new session under id
func (r *Registry) Create(id string, settings Settings) (*Session, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return nil, trace.BadParameter("session ID is required")
	}
	if settings.MaxClients == 0 {
		settings.MaxClients = defaults.MaxSessionClients
	}
	now := r.cfg.Clock.Now()
	s := &Session{
		ID:         id,
		Settings:   settings,
		CreatedAt:  now,
		LastActive: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.sessions[id]; taken {
		return nil, trace.AlreadyExists("session %q already exists", id)
	}
	r.sessions[id] = s
	activeSessions.Set(float64(len(r.sessions)))
	r.log.WithField("session", id).Debug("Created session.")
	return s, nil
}

// Get returns the live session with the given ID
func (r *Registry) Get(id string) (*Session, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, trace.NotFound("session %q is not found", id)
	}
	return s, nil
}

// Touch bumps the session's last-activity timestamp
func (r *Registry) Touch(s *Session) {
	s.Lock()
	s.LastActive = r.cfg.Clock.Now()
	s.Unlock()
}

// Len returns the registry size
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of every session
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.RUnlock()

	out := make([]*Session, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	return out
}

// Rename moves a session from oldID to newID atomically: the registry key
// swap and the caller's member pointer updates run under both the registry
// write lock and the session lock via the update callback.
func (r *Registry) Rename(oldID, newID string, update func(s *Session)) (*Session, error) {
	oldID = strings.ToLower(strings.TrimSpace(oldID))
	newID = strings.ToLower(strings.TrimSpace(newID))
	if newID == "" {
		return nil, trace.BadParameter("new session ID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[oldID]
	if !ok {
		return nil, trace.NotFound("session %q is not found", oldID)
	}
	if _, taken := r.sessions[newID]; taken {
		return nil, trace.AlreadyExists("session %q already exists", newID)
	}

	s.Lock()
	s.ID = newID
	s.LastActive = r.cfg.Clock.Now()
	if update != nil {
		update(s)
	}
	s.Unlock()

	delete(r.sessions, oldID)
	r.sessions[newID] = s
	r.log.WithFields(log.Fields{"old": oldID, "new": newID}).Info("Renamed session.")
	return s, nil
}

// Destroy removes the session and runs the destroy cascade
func (r *Registry) Destroy(ctx context.Context, id string) error {
	id = strings.ToLower(strings.TrimSpace(id))
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		activeSessions.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()
	if !ok {
		return trace.NotFound("session %q is not found", id)
	}
	r.log.WithField("session", id).Info("Destroyed session.")
	if r.cfg.OnDestroy != nil {
		r.cfg.OnDestroy(ctx, s)
	}
	return nil
}

// Reap destroys sessions idle past the TTL
func (r *Registry) Reap(ctx context.Context) {
	deadline := r.cfg.Clock.Now().Add(-r.cfg.TTL)

	r.mu.RLock()
	var idle []string
	for id, s := range r.sessions {
		s.Lock()
		if s.LastActive.Before(deadline) {
			idle = append(idle, id)
		}
		s.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range idle {
		r.log.WithField("session", id).Info("Reaping idle session.")
		if err := r.Destroy(ctx, id); err != nil && !trace.IsNotFound(err) {
			r.log.WithError(err).WithField("session", id).Warn("Failed to reap session.")
		}
	}
}

// RunReaper sweeps for idle sessions on the configured cadence until ctx
// is done
func (r *Registry) RunReaper(ctx context.Context) {
	ticker := r.cfg.Clock.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Reap(ctx)
		}
	}
}
