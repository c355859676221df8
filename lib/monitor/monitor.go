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

// Package monitor is the beacon inbox for peered rendezvous instances.
// Instances report themselves periodically; the hub stores the latest
// beacon per instance and prunes the stale ones. It performs no
// consistency work across instances.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	openlink "github.com/Raywonder/openlink-sub002"
	"github.com/Raywonder/openlink-sub002/lib/defaults"
)

// Beacon is one self-report from a peered instance
type Beacon struct {
	// InstanceID identifies the reporting instance
	InstanceID string `json:"instanceId"`
	// Hostname is the instance's host
	Hostname string `json:"hostname,omitempty"`
	// Version is the instance's server version
	Version string `json:"version,omitempty"`
	// Addr is the instance's advertised address
	Addr string `json:"addr,omitempty"`
	// PeerCount is the instance's connected peer count
	PeerCount int `json:"peerCount"`
	// SessionCount is the instance's session count
	SessionCount int `json:"sessionCount"`
}

// Instance is the stored view of a peered instance
type Instance struct {
	Beacon
	// FirstSeen is the first beacon time
	FirstSeen time.Time `json:"firstSeen"`
	// LastSeen is the latest beacon time
	LastSeen time.Time `json:"lastSeen"`
}

// Alert is one retained notability event
type Alert struct {
	// ID uniquely identifies the alert
	ID string `json:"id"`
	// At is the alert time
	At time.Time `json:"at"`
	// InstanceID is the instance the alert concerns
	InstanceID string `json:"instanceId"`
	// Message is the human readable alert text
	Message string `json:"message"`
}

// Config configures a Hub
type Config struct {
	// Version is this server's version, beacons with a different major
	// version raise an alert
	Version string
	// StaleAfter is when an instance without beacons is pruned
	StaleAfter time.Duration
	// ReaperInterval is the prune cadence
	ReaperInterval time.Duration
	// AlertLimit caps retained alerts
	AlertLimit int
	// Clock is the time source
	Clock clockwork.Clock
	// Log is the component logger
	Log log.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.Version == "" {
		c.Version = openlink.Version
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = defaults.MonitorStaleAfter
	}
	if c.ReaperInterval == 0 {
		c.ReaperInterval = defaults.MonitorReaperInterval
	}
	if c.AlertLimit == 0 {
		c.AlertLimit = defaults.MonitorAlertLimit
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(openlink.Component, openlink.ComponentMonitor)
	}
	return nil
}

// Hub stores the latest beacon per peered instance
type Hub struct {
	cfg Config
	log log.FieldLogger

	mu        sync.Mutex
	instances map[string]*Instance
	alerts    []Alert
}

// NewHub returns a Hub for the given config
func NewHub(cfg Config) (*Hub, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Hub{
		cfg:       cfg,
		log:       cfg.Log,
		instances: make(map[string]*Instance),
	}, nil
}

// Report upserts a beacon
func (h *Hub) Report(beacon Beacon) error {
	if beacon.InstanceID == "" {
		return trace.BadParameter("beacon is missing an instance ID")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.cfg.Clock.Now()
	instance, ok := h.instances[beacon.InstanceID]
	if !ok {
		instance = &Instance{FirstSeen: now}
		h.instances[beacon.InstanceID] = instance
		if skew := versionSkew(h.cfg.Version, beacon.Version); skew != "" {
			h.alertLocked(beacon.InstanceID, skew)
		}
	}
	instance.Beacon = beacon
	instance.LastSeen = now
	return nil
}

// Instances returns a snapshot of the known instances
func (h *Hub) Instances() []Instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Instance, 0, len(h.instances))
	for _, instance := range h.instances {
		out = append(out, *instance)
	}
	return out
}

// Alerts returns the retained alerts, newest last
func (h *Hub) Alerts() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Alert(nil), h.alerts...)
}

// Remove drops an instance
func (h *Hub) Remove(instanceID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.instances[instanceID]; !ok {
		return trace.NotFound("instance %q is not found", instanceID)
	}
	delete(h.instances, instanceID)
	return nil
}

// Reap prunes instances without beacons past the staleness window
func (h *Hub) Reap() {
	deadline := h.cfg.Clock.Now().Add(-h.cfg.StaleAfter)
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, instance := range h.instances {
		if instance.LastSeen.Before(deadline) {
			delete(h.instances, id)
			h.alertLocked(id, fmt.Sprintf("instance went silent, last beacon %v", instance.LastSeen.Format(time.RFC3339)))
			h.log.WithField("instance", id).Info("Pruned stale instance.")
		}
	}
}

// RunReaper prunes on the configured cadence until ctx is done
func (h *Hub) RunReaper(ctx context.Context) {
	ticker := h.cfg.Clock.NewTicker(h.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			h.Reap()
		}
	}
}

func (h *Hub) alertLocked(instanceID, message string) {
	h.alerts = append(h.alerts, Alert{
		ID:         uuid.NewString(),
		At:         h.cfg.Clock.Now(),
		InstanceID: instanceID,
		Message:    message,
	})
	if excess := len(h.alerts) - h.cfg.AlertLimit; excess > 0 {
		h.alerts = append([]Alert(nil), h.alerts[excess:]...)
	}
}

// versionSkew returns an alert message when the reported version differs
// from ours in the major component, empty otherwise
func versionSkew(own, reported string) string {
	if reported == "" {
		return ""
	}
	ownVersion, err := semver.NewVersion(own)
	if err != nil {
		return ""
	}
	reportedVersion, err := semver.NewVersion(reported)
	if err != nil {
		return fmt.Sprintf("instance reports unparseable version %q", reported)
	}
	if ownVersion.Major != reportedVersion.Major {
		return fmt.Sprintf("instance runs version %v, this server runs %v", reported, own)
	}
	return ""
}
