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

// Package domain provisions on-demand subdomains against a reverse proxy:
// it owns the port pool, the active domain registry, access permits and
// temporary URLs, and the existence checker that guards against clobbering
// names managed elsewhere.
package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/Raywonder/openlink-sub002/lib/defaults"
)

// Status is the lifecycle state of a domain record
type Status string

const (
	// StatusCreating is set while the proxy config is being written
	StatusCreating Status = "creating"
	// StatusActive means the server block is live
	StatusActive Status = "active"
	// StatusExpired marks a record the reaper is about to release
	StatusExpired Status = "expired"
)

// Location names the proxy instance serving a domain
const (
	// LocationLocal is the proxy on the operator's own machine
	LocationLocal = "local"
	// LocationRemote is the proxy on the configured public host
	LocationRemote = "remote"
)

// AccessMode gates who may reach a provisioned domain
type AccessMode string

const (
	// AccessPublic domains are reachable without a permit
	AccessPublic AccessMode = "public"
	// AccessPermitOnly domains require a matching permit
	AccessPermitOnly AccessMode = "permit-only"
)

// Permission is a single capability carried by a permit or temporary URL
type Permission string

const (
	// PermissionRead allows viewing the shared desktop
	PermissionRead Permission = "read"
	// PermissionConnect allows establishing a peer channel
	PermissionConnect Permission = "connect"
	// PermissionWrite allows input injection
	PermissionWrite Permission = "write"
)

// DefaultPermissions is granted when a request does not name any
var DefaultPermissions = []Permission{PermissionRead, PermissionConnect}

// Domain is one provisioned subdomain and its reverse proxy mapping
type Domain struct {
	// ID is the 16-hex record identifier
	ID string `json:"id"`
	// RequesterID is the connection ID of the peer that asked for the domain
	RequesterID string `json:"requesterId"`
	// Subdomain is the label before the base domain
	Subdomain string `json:"subdomain"`
	// BaseDomain is the allowlisted DNS suffix
	BaseDomain string `json:"baseDomain"`
	// FullName is subdomain.base
	FullName string `json:"fullName"`
	// TargetHost is the upstream host requests are proxied to
	TargetHost string `json:"targetHost"`
	// TargetPort is the upstream port requests are proxied to
	TargetPort int `json:"targetPort"`
	// TLS selects https for the upstream scheme
	TLS bool `json:"tls"`
	// ProxyPort is the port allocated to the domain on the proxy
	ProxyPort int `json:"proxyPort"`
	// Location is local or remote
	Location string `json:"location"`
	// Status is the record lifecycle state
	Status Status `json:"status"`
	// AccessMode gates access to the domain
	AccessMode AccessMode `json:"accessMode"`
	// AccessURL is the cached upstream access URL once active
	AccessURL string `json:"accessUrl,omitempty"`
	// CreatedAt is the provisioning time
	CreatedAt time.Time `json:"createdAt"`
	// ExpiresAt caps the domain lifetime
	ExpiresAt time.Time `json:"expiresAt"`
	// PermitIDs are the permits attached to this domain
	PermitIDs []string `json:"permitIds,omitempty"`
	// TempURLIDs are the temporary URLs attached to this domain
	TempURLIDs []string `json:"tempUrlIds,omitempty"`
	// Stats carries per domain counters
	Stats DomainStats `json:"stats"`
}

// DomainStats carries per domain counters
type DomainStats struct {
	// Requests counts provisioning requests that resolved to this record
	Requests int64 `json:"requests"`
}

// Clone returns a deep copy safe to hand out of the registry lock
func (d *Domain) Clone() *Domain {
	out := *d
	out.PermitIDs = append([]string(nil), d.PermitIDs...)
	out.TempURLIDs = append([]string(nil), d.TempURLIDs...)
	return &out
}

// Expired reports whether the record is past its expiry at now
func (d *Domain) Expired(now time.Time) bool {
	return !d.ExpiresAt.After(now)
}

// Request asks the broker for a subdomain
type Request struct {
	// Subdomain is the requested label, [a-z0-9-]+
	Subdomain string `json:"subdomain"`
	// BaseDomain must be in the configured allowlist
	BaseDomain string `json:"baseDomain"`
	// RequesterID is the connection ID of the requesting peer
	RequesterID string `json:"requesterId"`
	// TargetHost is the upstream host
	TargetHost string `json:"targetHost"`
	// TargetPort is the upstream port
	TargetPort int `json:"targetPort"`
	// RequesterLANIP overrides the upstream host for remote locations,
	// where the public proxy tunnels back to the requesting machine
	RequesterLANIP string `json:"requesterLanIp,omitempty"`
	// TLS selects https for the upstream scheme
	TLS bool `json:"tls,omitempty"`
	// PermitToken authorizes the request when the name is owned by another
	// peer or the access mode enforces permits
	PermitToken string `json:"permitToken,omitempty"`
	// AccessMode gates access to the provisioned domain, default public
	AccessMode AccessMode `json:"accessMode,omitempty"`
	// Temporary compresses the domain TTL
	Temporary bool `json:"temporary,omitempty"`
	// DurationMS is the requested lifetime for temporary domains
	DurationMS int64 `json:"durationMs,omitempty"`
}

var subdomainRe = regexp.MustCompile(`^[a-z0-9-]+$`)

// CheckAndSetDefaults validates the request against the base domain
// allowlist and normalizes it
func (r *Request) CheckAndSetDefaults(allowedBases []string) error {
	r.Subdomain = strings.ToLower(strings.TrimSpace(r.Subdomain))
	r.BaseDomain = strings.ToLower(strings.TrimSpace(r.BaseDomain))
	if r.Subdomain == "" || !subdomainRe.MatchString(r.Subdomain) {
		return trace.BadParameter("subdomain %q must match [a-z0-9-]+", r.Subdomain)
	}
	if len(r.Subdomain) > defaults.MaxSubdomainLength {
		return trace.BadParameter("subdomain %q is longer than %v characters", r.Subdomain, defaults.MaxSubdomainLength)
	}
	allowed := false
	for _, base := range allowedBases {
		if strings.EqualFold(base, r.BaseDomain) {
			allowed = true
			break
		}
	}
	if !allowed {
		return trace.BadParameter("base domain %q is not in the allowlist", r.BaseDomain)
	}
	if r.RequesterID == "" {
		return trace.BadParameter("requester connection ID is required")
	}
	if r.TargetHost == "" {
		return trace.BadParameter("target host is required")
	}
	if r.TargetPort < 1 || r.TargetPort > 65535 {
		return trace.BadParameter("target port %v is out of range", r.TargetPort)
	}
	switch r.AccessMode {
	case "":
		r.AccessMode = AccessPublic
	case AccessPublic, AccessPermitOnly:
	default:
		return trace.BadParameter("unknown access mode %q", r.AccessMode)
	}
	if r.Temporary && r.DurationMS <= 0 {
		r.DurationMS = defaults.TempURLTTL.Milliseconds()
	}
	return nil
}

// FullName composes the requested name
func (r *Request) FullName() string {
	return r.Subdomain + "." + r.BaseDomain
}

// ResolveLocation decides which proxy serves a base domain
func ResolveLocation(baseDomain string) string {
	base := strings.ToLower(baseDomain)
	if base == "localhost" || strings.HasSuffix(base, defaults.LocalDomainSuffix) {
		return LocationLocal
	}
	return LocationRemote
}

// Permit is an opaque capability token granting access to domains matching
// a pattern for a bounded window
type Permit struct {
	// Token is the 32-hex secret, it doubles as the permit ID
	Token string `json:"token"`
	// Pattern is an exact full name or a leading wildcard like *.base
	Pattern string `json:"pattern"`
	// BoundClientID restricts the permit to one client connection
	BoundClientID string `json:"boundClientId,omitempty"`
	// Permissions carried by the permit
	Permissions []Permission `json:"permissions"`
	// CreatedBy tags the creator for auditing
	CreatedBy string `json:"createdBy,omitempty"`
	// CreatedAt is the mint time
	CreatedAt time.Time `json:"createdAt"`
	// ExpiresAt caps the permit lifetime
	ExpiresAt time.Time `json:"expiresAt"`
	// UsageCount counts successful matches
	UsageCount int64 `json:"usageCount"`
	// LastUsed is the time of the last successful match
	LastUsed time.Time `json:"lastUsed,omitempty"`
}

// Matches reports whether the permit covers fullName at now. Expiry is
// exclusive: a permit at exactly its expiry instant no longer matches.
func (p *Permit) Matches(fullName string, now time.Time) bool {
	if !now.Before(p.ExpiresAt) {
		return false
	}
	return patternMatches(p.Pattern, fullName)
}

func patternMatches(pattern, fullName string) bool {
	pattern = strings.ToLower(pattern)
	fullName = strings.ToLower(fullName)
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(fullName, pattern[1:])
	default:
		return pattern == fullName
	}
}

// PermitRequest mints a permit
type PermitRequest struct {
	// Pattern is an exact full name or a *-wildcard
	Pattern string `json:"pattern"`
	// DurationMS is the requested lifetime, capped at the maximum
	DurationMS int64 `json:"durationMs,omitempty"`
	// Permissions to grant, defaults to read+connect
	Permissions []Permission `json:"permissions,omitempty"`
	// BoundClientID restricts the permit to one client connection
	BoundClientID string `json:"boundClientId,omitempty"`
	// CreatedBy tags the creator
	CreatedBy string `json:"createdBy,omitempty"`
}

// TempURL is a tokenized N-use access URL to one domain
type TempURL struct {
	// ID is the 16-hex URL identifier
	ID string `json:"id"`
	// Token is the 32-hex secret embedded in the URL
	Token string `json:"token"`
	// DomainID is the owning domain record
	DomainID string `json:"domainId"`
	// BoundClientID restricts the URL to one client connection
	BoundClientID string `json:"boundClientId,omitempty"`
	// Permissions carried by the URL
	Permissions []Permission `json:"permissions"`
	// MaxUses caps validations
	MaxUses int `json:"maxUses"`
	// Uses counts successful validations
	Uses int `json:"uses"`
	// CreatedAt is the mint time
	CreatedAt time.Time `json:"createdAt"`
	// ExpiresAt caps the URL lifetime
	ExpiresAt time.Time `json:"expiresAt"`
	// URL is the access URL with the token as a query parameter
	URL string `json:"url"`
	// AccessLog records successful validations
	AccessLog []TempURLAccess `json:"accessLog,omitempty"`
}

// TempURLAccess is one successful validation
type TempURLAccess struct {
	// At is the validation time
	At time.Time `json:"at"`
	// Use is the running use counter after this access
	Use int `json:"use"`
}

// TempURLRequest mints a temporary URL for a domain
type TempURLRequest struct {
	// DurationMS is the requested lifetime, default 15 minutes
	DurationMS int64 `json:"durationMs,omitempty"`
	// MaxUses caps validations, default 1
	MaxUses int `json:"maxUses,omitempty"`
	// Permissions to grant, defaults to read+connect
	Permissions []Permission `json:"permissions,omitempty"`
	// BoundClientID restricts the URL to one client connection
	BoundClientID string `json:"boundClientId,omitempty"`
}
