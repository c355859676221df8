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

package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	openlink "github.com/Raywonder/openlink-sub002"
	"github.com/Raywonder/openlink-sub002/lib/defaults"
	"github.com/Raywonder/openlink-sub002/lib/nginx"
	"github.com/Raywonder/openlink-sub002/lib/utils"
)

var (
	activeDomains = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "openlink_active_domains",
			Help: "Number of provisioned domains",
		},
	)
	activePermits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "openlink_active_permits",
			Help: "Number of unexpired access permits",
		},
	)
)

// BlockWriter reconciles server blocks with the aggregate proxy configs
type BlockWriter interface {
	Add(ctx context.Context, params nginx.BlockParams) error
	Remove(ctx context.Context, params nginx.BlockParams) error
}

// ExistsChecker answers whether a name is already taken somewhere
type ExistsChecker interface {
	Exists(ctx context.Context, fullName string) (*Hit, error)
	Flush(fullName string)
}

// BrokerConfig configures a Broker
type BrokerConfig struct {
	// BaseDomains is the allowlist of DNS suffixes subdomains may be
	// created under
	BaseDomains []string
	// Ports hands out proxy ports
	Ports *PortAllocator
	// Writer reconciles server blocks with the proxy configs
	Writer BlockWriter
	// MaxDomainLife caps the lifetime of any domain
	MaxDomainLife time.Duration
	// MaxPermitDuration caps the lifetime of any permit
	MaxPermitDuration time.Duration
	// ReaperInterval is the garbage collection cadence
	ReaperInterval time.Duration
	// Clock is the time source
	Clock clockwork.Clock
	// Log is the component logger
	Log log.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *BrokerConfig) CheckAndSetDefaults() error {
	if len(c.BaseDomains) == 0 {
		return trace.BadParameter("broker: at least one base domain is required")
	}
	if c.Ports == nil {
		return trace.BadParameter("broker: port allocator is required")
	}
	if c.Writer == nil {
		return trace.BadParameter("broker: block writer is required")
	}
	if c.MaxDomainLife == 0 {
		c.MaxDomainLife = defaults.MaxDomainLife
	}
	if c.MaxPermitDuration == 0 {
		c.MaxPermitDuration = defaults.MaxPermitDuration
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = defaults.DomainReaperInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(openlink.Component, openlink.ComponentBroker)
	}
	return nil
}

// Broker is the top level API for requesting and releasing subdomains. It
// owns the active domain registry, the permit registry and the temporary
// URL registry, and garbage collects all three.
type Broker struct {
	cfg BrokerConfig
	log log.FieldLogger

	// checker is set after construction because it reads this registry
	checker ExistsChecker

	mu       sync.Mutex
	domains  map[string]*Domain
	byName   map[string]string
	permits  map[string]*Permit
	tempURLs map[string]*TempURL
}

// NewBroker returns a Broker for the given config. SetChecker must be
// called before RequestDomain is used.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(activeDomains, activePermits); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Broker{
		cfg:      cfg,
		log:      cfg.Log,
		domains:  make(map[string]*Domain),
		byName:   make(map[string]string),
		permits:  make(map[string]*Permit),
		tempURLs: make(map[string]*TempURL),
	}, nil
}

// SetChecker wires the existence checker. The checker consults the broker
// registry, so it is constructed after the broker.
func (b *Broker) SetChecker(checker ExistsChecker) {
	b.checker = checker
}

// BaseDomains returns the configured allowlist
func (b *Broker) BaseDomains() []string {
	return append([]string(nil), b.cfg.BaseDomains...)
}

// FindByName returns a copy of the active domain with the given full name,
// or nil. This is the registry surface the existence checker consults.
func (b *Broker) FindByName(fullName string) *Domain {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.byName[fullName]; ok {
		return b.domains[id].Clone()
	}
	return nil
}

// GetDomain returns a copy of the domain record with the given ID
func (b *Broker) GetDomain(id string) (*Domain, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.domains[id]
	if !ok {
		return nil, trace.NotFound("domain %q is not found", id)
	}
	return d.Clone(), nil
}

// Domains returns a snapshot of all domain records
func (b *Broker) Domains() []*Domain {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Domain, 0, len(b.domains))
	for _, d := range b.domains {
		out = append(out, d.Clone())
	}
	return out
}

// RequestDomain validates the request, checks the name is free or owned by
// the requester, allocates a port, writes the server block and returns the
// active record. The broker lock is never held across the block write.
func (b *Broker) RequestDomain(ctx context.Context, req Request) (*Domain, error) {
	if b.checker == nil {
		return nil, trace.BadParameter("broker: existence checker is not wired")
	}
	if err := req.CheckAndSetDefaults(b.cfg.BaseDomains); err != nil {
		return nil, trace.Wrap(err)
	}
	fullName := req.FullName()
	location := ResolveLocation(req.BaseDomain)

	hit, err := b.checker.Exists(ctx, fullName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if hit.External() {
		return nil, trace.CompareFailed("domain %q is managed externally (%v)", fullName, hit.Source)
	}
	if hit.Exists {
		// the name is already provisioned by this broker
		return b.reuseDomain(hit.Domain.ID, req)
	}

	id, err := utils.CryptoRandomHex(defaults.DomainIDBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	port, err := b.cfg.Ports.Allocate(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := b.cfg.Clock.Now()
	expiry := now.Add(b.cfg.MaxDomainLife)
	if req.Temporary {
		if requested := now.Add(time.Duration(req.DurationMS) * time.Millisecond); requested.Before(expiry) {
			expiry = requested
		}
	}
	record := &Domain{
		ID:          id,
		RequesterID: req.RequesterID,
		Subdomain:   req.Subdomain,
		BaseDomain:  req.BaseDomain,
		FullName:    fullName,
		TargetHost:  req.TargetHost,
		TargetPort:  req.TargetPort,
		TLS:         req.TLS,
		ProxyPort:   port,
		Location:    location,
		Status:      StatusCreating,
		AccessMode:  req.AccessMode,
		CreatedAt:   now,
		ExpiresAt:   expiry,
		Stats:       DomainStats{Requests: 1},
	}

	b.mu.Lock()
	if _, taken := b.byName[fullName]; taken {
		b.mu.Unlock()
		b.cfg.Ports.Release(port)
		return nil, trace.AlreadyExists("domain %q is already provisioned", fullName)
	}
	b.domains[id] = record
	b.byName[fullName] = id
	activeDomains.Set(float64(len(b.domains)))
	b.mu.Unlock()

	// remote proxies tunnel back to the requesting machine, so the block
	// upstream is the requester's LAN address rather than the target host
	upstream := req.TargetHost
	if location == LocationRemote && req.RequesterLANIP != "" {
		upstream = req.RequesterLANIP
	}
	err = b.cfg.Writer.Add(ctx, nginx.BlockParams{
		FullName:     fullName,
		DomainID:     id,
		Location:     nginx.Location(location),
		UpstreamHost: upstream,
		UpstreamPort: req.TargetPort,
		TLS:          req.TLS,
	})
	if err != nil {
		b.mu.Lock()
		delete(b.domains, id)
		delete(b.byName, fullName)
		activeDomains.Set(float64(len(b.domains)))
		b.mu.Unlock()
		b.cfg.Ports.Release(port)
		return nil, trace.Wrap(err)
	}

	b.mu.Lock()
	record.Status = StatusActive
	record.AccessURL = accessURL(record)
	if record.AccessMode != AccessPublic {
		if permit, pErr := b.mintPermitLocked(PermitRequest{
			Pattern:   fullName,
			CreatedBy: req.RequesterID,
		}); pErr == nil {
			record.PermitIDs = append(record.PermitIDs, permit.Token)
		} else {
			b.log.WithError(pErr).Warn("Failed to mint default permit.")
		}
	}
	out := record.Clone()
	b.mu.Unlock()

	b.checker.Flush(fullName)
	b.log.WithFields(log.Fields{
		"domain":   fullName,
		"id":       id,
		"location": location,
		"port":     port,
	}).Info("Provisioned domain.")
	return out, nil
}

// reuseDomain handles a request for a name this broker already serves: the
// owner extends it, anyone else needs a valid matching permit
func (b *Broker) reuseDomain(id string, req Request) (*Domain, error) {
	fullName := req.FullName()
	now := b.cfg.Clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.domains[id]
	if !ok {
		return nil, trace.NotFound("domain %q is not found", fullName)
	}
	if record.RequesterID != req.RequesterID {
		if !b.validatePermitLocked(req.PermitToken, fullName, req.RequesterID, now) {
			return nil, trace.AccessDenied("domain %q belongs to another peer", fullName)
		}
	}
	expiry := now.Add(b.cfg.MaxDomainLife)
	if req.Temporary {
		if requested := now.Add(time.Duration(req.DurationMS) * time.Millisecond); requested.Before(expiry) {
			expiry = requested
		}
	}
	record.ExpiresAt = expiry
	record.Stats.Requests++
	return record.Clone(), nil
}

// ReleaseDomain removes the server block, frees the port and drops the
// record. A second release of the same ID returns not-found.
func (b *Broker) ReleaseDomain(ctx context.Context, id string) error {
	b.mu.Lock()
	record, ok := b.domains[id]
	if !ok {
		b.mu.Unlock()
		return trace.NotFound("domain %q is not found", id)
	}
	delete(b.domains, id)
	delete(b.byName, record.FullName)
	activeDomains.Set(float64(len(b.domains)))
	released := record.Clone()
	b.mu.Unlock()

	err := b.cfg.Writer.Remove(ctx, nginx.BlockParams{
		FullName:     released.FullName,
		DomainID:     released.ID,
		Location:     nginx.Location(released.Location),
		UpstreamHost: released.TargetHost,
		UpstreamPort: released.TargetPort,
	})
	b.cfg.Ports.Release(released.ProxyPort)
	if b.checker != nil {
		b.checker.Flush(released.FullName)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	b.log.WithFields(log.Fields{
		"domain": released.FullName,
		"id":     released.ID,
	}).Info("Released domain.")
	return nil
}

// CreatePermit mints a capability token for domains matching a pattern
func (b *Broker) CreatePermit(req PermitRequest) (*Permit, error) {
	if req.Pattern == "" {
		return nil, trace.BadParameter("permit pattern is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	permit, err := b.mintPermitLocked(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return permit, nil
}

func (b *Broker) mintPermitLocked(req PermitRequest) (*Permit, error) {
	token, err := utils.CryptoRandomHex(defaults.PermitTokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	duration := b.cfg.MaxPermitDuration
	if req.DurationMS > 0 {
		if requested := time.Duration(req.DurationMS) * time.Millisecond; requested < duration {
			duration = requested
		}
	}
	permissions := req.Permissions
	if len(permissions) == 0 {
		permissions = append([]Permission(nil), DefaultPermissions...)
	}
	now := b.cfg.Clock.Now()
	permit := &Permit{
		Token:         token,
		Pattern:       req.Pattern,
		BoundClientID: req.BoundClientID,
		Permissions:   permissions,
		CreatedBy:     req.CreatedBy,
		CreatedAt:     now,
		ExpiresAt:     now.Add(duration),
	}
	b.permits[token] = permit
	activePermits.Set(float64(len(b.permits)))
	return clonePermit(permit), nil
}

// ValidatePermit reports whether token grants access to fullName. A match
// increments the usage counter and stamps the last use.
func (b *Broker) ValidatePermit(token, fullName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.validatePermitLocked(token, fullName, "", b.cfg.Clock.Now())
}

// ValidatePermitFor is ValidatePermit with the caller's client connection
// ID, enforcing client binding when the permit carries one
func (b *Broker) ValidatePermitFor(token, fullName, clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.validatePermitLocked(token, fullName, clientID, b.cfg.Clock.Now())
}

func (b *Broker) validatePermitLocked(token, fullName, clientID string, now time.Time) bool {
	permit, ok := b.permits[token]
	if !ok {
		return false
	}
	if permit.BoundClientID != "" && clientID != "" && permit.BoundClientID != clientID {
		return false
	}
	if !permit.Matches(fullName, now) {
		return false
	}
	permit.UsageCount++
	permit.LastUsed = now
	return true
}

// Permits returns a snapshot of all unexpired permits
func (b *Broker) Permits() []*Permit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Permit, 0, len(b.permits))
	for _, p := range b.permits {
		out = append(out, clonePermit(p))
	}
	return out
}

func clonePermit(p *Permit) *Permit {
	out := *p
	out.Permissions = append([]Permission(nil), p.Permissions...)
	return &out
}

// CreateTempURL mints a tokenized N-use access URL for a domain
func (b *Broker) CreateTempURL(domainID string, req TempURLRequest) (*TempURL, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.domains[domainID]
	if !ok {
		return nil, trace.NotFound("domain %q is not found", domainID)
	}
	id, err := utils.CryptoRandomHex(defaults.TempURLIDBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := utils.CryptoRandomHex(defaults.TempURLTokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	duration := defaults.TempURLTTL
	if req.DurationMS > 0 {
		duration = time.Duration(req.DurationMS) * time.Millisecond
	}
	maxUses := req.MaxUses
	if maxUses <= 0 {
		maxUses = defaults.TempURLMaxUses
	}
	permissions := req.Permissions
	if len(permissions) == 0 {
		permissions = append([]Permission(nil), DefaultPermissions...)
	}
	now := b.cfg.Clock.Now()
	url := &TempURL{
		ID:            id,
		Token:         token,
		DomainID:      domainID,
		BoundClientID: req.BoundClientID,
		Permissions:   permissions,
		MaxUses:       maxUses,
		CreatedAt:     now,
		ExpiresAt:     now.Add(duration),
		URL:           fmt.Sprintf("%s?olt=%s", accessURL(record), token),
	}
	b.tempURLs[id] = url
	record.TempURLIDs = append(record.TempURLIDs, id)
	return cloneTempURL(url), nil
}

// ValidateTempURL checks the token against the URL record. Success
// increments the use counter and appends to the access log; a URL at its
// usage cap or past its expiry instant is rejected.
func (b *Broker) ValidateTempURL(id, token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	url, ok := b.tempURLs[id]
	if !ok || url.Token != token {
		return false
	}
	now := b.cfg.Clock.Now()
	if !now.Before(url.ExpiresAt) {
		return false
	}
	if url.Uses >= url.MaxUses {
		return false
	}
	url.Uses++
	url.AccessLog = append(url.AccessLog, TempURLAccess{At: now, Use: url.Uses})
	return true
}

// TempURLs returns a snapshot of all temporary URLs
func (b *Broker) TempURLs() []*TempURL {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*TempURL, 0, len(b.tempURLs))
	for _, u := range b.tempURLs {
		out = append(out, cloneTempURL(u))
	}
	return out
}

func cloneTempURL(u *TempURL) *TempURL {
	out := *u
	out.Permissions = append([]Permission(nil), u.Permissions...)
	out.AccessLog = append([]TempURLAccess(nil), u.AccessLog...)
	return &out
}

// Reap releases expired domains through the normal release path and drops
// expired permits and temporary URLs
func (b *Broker) Reap(ctx context.Context) {
	now := b.cfg.Clock.Now()

	b.mu.Lock()
	var expired []string
	for id, d := range b.domains {
		if d.Expired(now) {
			d.Status = StatusExpired
			expired = append(expired, id)
		}
	}
	for token, p := range b.permits {
		if !now.Before(p.ExpiresAt) {
			delete(b.permits, token)
		}
	}
	for id, u := range b.tempURLs {
		if !now.Before(u.ExpiresAt) {
			delete(b.tempURLs, id)
		}
	}
	activePermits.Set(float64(len(b.permits)))
	b.mu.Unlock()

	for _, id := range expired {
		if err := b.ReleaseDomain(ctx, id); err != nil {
			b.log.WithError(err).WithField("id", id).Warn("Failed to release expired domain.")
		}
	}
}

// RunReaper garbage collects on the configured cadence until ctx is done
func (b *Broker) RunReaper(ctx context.Context) {
	ticker := b.cfg.Clock.NewTicker(b.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			b.Reap(ctx)
		}
	}
}

// accessURL renders the cached upstream access URL for a record
func accessURL(d *Domain) string {
	scheme := "http"
	if d.TLS {
		scheme = "https"
	}
	if d.ProxyPort == 80 {
		return fmt.Sprintf("%s://%s", scheme, d.FullName)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, d.FullName, d.ProxyPort)
}
