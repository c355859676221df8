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
	"strings"
	"time"

	"github.com/google/safetext/shsprintf"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	openlink "github.com/Raywonder/openlink-sub002"
	"github.com/Raywonder/openlink-sub002/lib/defaults"
	"github.com/Raywonder/openlink-sub002/lib/privexec"
)

// Hit sources, in resolution order
const (
	// SourceInternal means the broker owns the name
	SourceInternal = "internal"
	// SourceDNS means the name resolves but is not in any aggregate config
	SourceDNS = "external+dns"
	// SourceNginx means the name appears in an aggregate config the broker
	// did not write a record for
	SourceNginx = "external+nginx"
)

// Hit is the answer to an existence probe
type Hit struct {
	// Exists reports whether the name is taken anywhere
	Exists bool `json:"exists"`
	// Source tags where the positive came from, empty on negatives
	Source string `json:"source,omitempty"`
	// Domain is the internal record when Source is internal
	Domain *Domain `json:"domain,omitempty"`
	// CheckedAt is when the probe ran
	CheckedAt time.Time `json:"checkedAt"`
}

// External reports a positive that no internal record explains, which makes
// the name unmanageable by the broker
func (h *Hit) External() bool {
	return h.Exists && h.Domain == nil
}

// RegistryReader is the slice of the broker registry the checker consults
type RegistryReader interface {
	FindByName(fullName string) *Domain
}

// Execer is the slice of the privileged exec channel the checker drives
type Execer interface {
	ExecLocal(ctx context.Context, command string) (*privexec.Result, error)
	ExecRemote(ctx context.Context, command string) (*privexec.Result, error)
	RemoteConfigured() bool
}

// CheckerConfig configures a Checker
type CheckerConfig struct {
	// Registry is the active domain registry, consulted first
	Registry RegistryReader
	// Exec runs the DNS and config grep probes
	Exec Execer
	// LocalConfPath is the local aggregate config file
	LocalConfPath string
	// RemoteConfPath is the remote aggregate config file
	RemoteConfPath string
	// CacheTTL is how long probe results stay fresh
	CacheTTL time.Duration
	// CacheHardTTL is when stale entries are evicted outright
	CacheHardTTL time.Duration
	// Clock is the time source
	Clock clockwork.Clock
	// Log is the component logger
	Log log.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *CheckerConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("checker: registry is required")
	}
	if c.Exec == nil {
		return trace.BadParameter("checker: exec channel is required")
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaults.ExistenceCacheTTL
	}
	if c.CacheHardTTL == 0 {
		c.CacheHardTTL = defaults.ExistenceCacheHardTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(openlink.Component, openlink.ComponentChecker)
	}
	return nil
}

// Checker answers "does this name already exist" with a short TTL cache.
// The registry is consulted on every call so fresh internal records are
// never masked by stale cache entries; only probe results are cached.
type Checker struct {
	cfg   CheckerConfig
	cache *gocache.Cache
	group singleflight.Group
	log   log.FieldLogger
}

// NewChecker returns a Checker for the given config
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Checker{
		cfg:   cfg,
		cache: gocache.New(cfg.CacheTTL, cfg.CacheHardTTL),
		log:   cfg.Log,
	}, nil
}

// Exists resolves fullName in order: registry, cache, DNS probe, config
// grep, negative. Concurrent callers for the same name share one probe.
func (c *Checker) Exists(ctx context.Context, fullName string) (*Hit, error) {
	fullName = strings.ToLower(strings.TrimSpace(fullName))
	if fullName == "" {
		return nil, trace.BadParameter("full name is required")
	}

	if d := c.cfg.Registry.FindByName(fullName); d != nil {
		return &Hit{Exists: true, Source: SourceInternal, Domain: d, CheckedAt: c.cfg.Clock.Now()}, nil
	}
	if cached, ok := c.cache.Get(fullName); ok {
		return cached.(*Hit), nil
	}

	out, err, _ := c.group.Do(fullName, func() (interface{}, error) {
		hit, err := c.probe(ctx, fullName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		c.cache.SetDefault(fullName, hit)
		return hit, nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out.(*Hit), nil
}

// Seed preloads a probe result, overriding whatever the next probe would
// find until the entry expires
func (c *Checker) Seed(fullName string, hit *Hit) {
	if hit.CheckedAt.IsZero() {
		hit.CheckedAt = c.cfg.Clock.Now()
	}
	c.cache.SetDefault(strings.ToLower(fullName), hit)
}

// Flush drops the cached result for fullName
func (c *Checker) Flush(fullName string) {
	c.cache.Delete(strings.ToLower(fullName))
}

func (c *Checker) probe(ctx context.Context, fullName string) (*Hit, error) {
	now := c.cfg.Clock.Now()

	resolved, err := c.probeDNS(ctx, fullName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resolved {
		c.log.WithField("domain", fullName).Debug("Name resolves externally.")
		return &Hit{Exists: true, Source: SourceDNS, CheckedAt: now}, nil
	}

	inConfig, err := c.probeConfigs(ctx, fullName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if inConfig {
		c.log.WithField("domain", fullName).Debug("Name present in proxy config.")
		return &Hit{Exists: true, Source: SourceNginx, CheckedAt: now}, nil
	}

	return &Hit{Exists: false, CheckedAt: now}, nil
}

// probeDNS runs nslookup on the proxy host when one is configured so the
// answer reflects the public resolver view, falling back to the local
// resolver otherwise
func (c *Checker) probeDNS(ctx context.Context, fullName string) (bool, error) {
	cmd, err := shsprintf.Sprintf("nslookup %s", fullName)
	if err != nil {
		return false, trace.Wrap(err)
	}
	var res *privexec.Result
	if c.cfg.Exec.RemoteConfigured() {
		res, err = c.cfg.Exec.ExecRemote(ctx, cmd)
	} else {
		res, err = c.cfg.Exec.ExecLocal(ctx, cmd)
	}
	if err != nil {
		return false, trace.Wrap(err)
	}
	if res.Code != 0 {
		return false, nil
	}
	return nslookupResolved(res.Stdout), nil
}

// nslookupResolved reports whether nslookup output carries an answer
// address, skipping the leading resolver server lines
func nslookupResolved(output string) bool {
	sawName := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if strings.Contains(lower, "nxdomain") || strings.Contains(lower, "can't find") {
			return false
		}
		if strings.HasPrefix(lower, "name:") {
			sawName = true
			continue
		}
		if sawName && (strings.HasPrefix(lower, "address:") || strings.HasPrefix(lower, "addresses:")) {
			return true
		}
	}
	return false
}

// probeConfigs greps both aggregate config files for a server_name mention
func (c *Checker) probeConfigs(ctx context.Context, fullName string) (bool, error) {
	pattern := "server_name " + fullName + ";"
	if c.cfg.LocalConfPath != "" {
		found, err := c.grep(ctx, false, pattern, c.cfg.LocalConfPath)
		if err != nil {
			return false, trace.Wrap(err)
		}
		if found {
			return true, nil
		}
	}
	if c.cfg.RemoteConfPath != "" && c.cfg.Exec.RemoteConfigured() {
		found, err := c.grep(ctx, true, pattern, c.cfg.RemoteConfPath)
		if err != nil {
			return false, trace.Wrap(err)
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func (c *Checker) grep(ctx context.Context, remote bool, pattern, path string) (bool, error) {
	cmd, err := shsprintf.Sprintf(`grep -F -s -q "%s" %s`, pattern, path)
	if err != nil {
		return false, trace.Wrap(err)
	}
	var res *privexec.Result
	if remote {
		res, err = c.cfg.Exec.ExecRemote(ctx, cmd)
	} else {
		res, err = c.cfg.Exec.ExecLocal(ctx, cmd)
	}
	if err != nil {
		return false, trace.Wrap(err)
	}
	return res.Code == 0, nil
}
