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

// Package nginx composes reverse proxy server blocks for provisioned
// domains and reconciles them with the aggregate config file of each
// location. Every generated block starts with a sentinel comment that is
// the single discriminator used to splice it back out; all surrounding
// file content is preserved byte for byte.
package nginx

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"text/template"

	"github.com/google/renameio/v2"
	"github.com/google/safetext/shsprintf"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	openlink "github.com/Raywonder/openlink-sub002"
	"github.com/Raywonder/openlink-sub002/lib/defaults"
	"github.com/Raywonder/openlink-sub002/lib/privexec"
)

// Location names the proxy instance a server block belongs to
type Location string

const (
	// LocationLocal is the proxy on the operator's own machine
	LocationLocal Location = "local"
	// LocationRemote is the proxy on the configured public host
	LocationRemote Location = "remote"
)

// blockMarker starts the sentinel comment line of every generated block
const blockMarker = "# OpenLink Domain:"

var serverBlockTemplate = template.Must(template.New("server-block").Parse(
	`# OpenLink Domain: {{ .FullName }} (ID: {{ .DomainID }}, Location: {{ .Location }})
server {
    listen 80;
    server_name {{ .FullName }};

    add_header X-Frame-Options SAMEORIGIN always;
    add_header X-Content-Type-Options nosniff always;
    add_header X-XSS-Protection "1; mode=block" always;
    add_header Referrer-Policy strict-origin-when-cross-origin always;

    location / {
        proxy_pass {{ if .TLS }}https{{ else }}http{{ end }}://{{ .UpstreamHost }}:{{ .UpstreamPort }};
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_connect_timeout 10s;
        proxy_read_timeout 300s;
        proxy_send_timeout 300s;

        add_header Access-Control-Allow-Origin * always;
        add_header Access-Control-Allow-Methods "GET, POST, PUT, DELETE, OPTIONS" always;
        add_header Access-Control-Allow-Headers "Accept, Origin, Content-Type, Authorization" always;

        if ($request_method = OPTIONS) {
            return 204;
        }
    }

    location /health {
        add_header Content-Type text/plain;
        return 200 "healthy: {{ .FullName }}\n";
    }

    location /.openlink/status {
        add_header Content-Type application/json;
        return 200 '{"domain":"{{ .FullName }}","id":"{{ .DomainID }}","location":"{{ .Location }}","status":"active"}';
    }
}
`))

// BlockParams describes one server block
type BlockParams struct {
	// FullName is subdomain.base, the server_name of the block
	FullName string
	// DomainID is the owning domain record ID
	DomainID string
	// Location selects the aggregate file the block lives in
	Location Location
	// UpstreamHost is the host requests are proxied to
	UpstreamHost string
	// UpstreamPort is the port requests are proxied to
	UpstreamPort int
	// TLS selects https for the upstream scheme
	TLS bool
}

func (p *BlockParams) check() error {
	if p.FullName == "" || p.DomainID == "" {
		return trace.BadParameter("block: full name and domain ID are required")
	}
	if p.Location != LocationLocal && p.Location != LocationRemote {
		return trace.BadParameter("block: unknown location %q", p.Location)
	}
	if p.UpstreamHost == "" || p.UpstreamPort < 1 || p.UpstreamPort > 65535 {
		return trace.BadParameter("block: upstream %v:%v is invalid", p.UpstreamHost, p.UpstreamPort)
	}
	return nil
}

// Execer is the slice of the privileged exec channel the writer drives
type Execer interface {
	ExecLocal(ctx context.Context, command string) (*privexec.Result, error)
	ExecRemote(ctx context.Context, command string) (*privexec.Result, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	RemoteConfigured() bool
}

// Config configures a Writer
type Config struct {
	// LocalPath is the aggregate config file of the local proxy
	LocalPath string
	// RemotePath is the aggregate config file on the remote proxy host
	RemotePath string
	// RemoteStageDir is where uploads land before the privileged move,
	// defaults to /tmp
	RemoteStageDir string
	// Exec is the privileged exec channel
	Exec Execer
	// TestCommand validates the aggregate before reload
	TestCommand string
	// ReloadCommand applies a validated aggregate
	ReloadCommand string
	// Clock is the time source
	Clock clockwork.Clock
	// Log is the component logger
	Log log.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.Exec == nil {
		return trace.BadParameter("nginx writer: exec channel is required")
	}
	if c.LocalPath == "" {
		return trace.BadParameter("nginx writer: local aggregate path is required")
	}
	if c.RemoteStageDir == "" {
		c.RemoteStageDir = "/tmp"
	}
	if c.TestCommand == "" {
		c.TestCommand = defaults.NginxTestCommand
	}
	if c.ReloadCommand == "" {
		c.ReloadCommand = defaults.NginxReloadCommand
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(openlink.Component, openlink.ComponentNginx)
	}
	return nil
}

// Writer owns the aggregate config files. Mutations are serialized against
// each other; callers must not hold registry locks while calling in, every
// method blocks on the exec channel.
type Writer struct {
	mu  sync.Mutex
	cfg Config
	log log.FieldLogger
}

// NewWriter returns a Writer for the given config
func NewWriter(cfg Config) (*Writer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Writer{cfg: cfg, log: cfg.Log}, nil
}

// Add renders the server block for params and merges it into the aggregate
// of its location, replacing any stale block with the same name. The new
// aggregate must pass the config test before reload; a failing test rolls
// the file back to its previous contents and surfaces the error.
func (w *Writer) Add(ctx context.Context, params BlockParams) error {
	if err := params.check(); err != nil {
		return trace.Wrap(err)
	}
	block, err := renderBlock(params)
	if err != nil {
		return trace.Wrap(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	prev, err := w.readAggregate(ctx, params.Location)
	if err != nil {
		return trace.Wrap(err)
	}
	next, _ := spliceOut(prev, params.FullName)
	next = appendBlock(next, block)
	if err := w.applyAggregate(ctx, params.Location, prev, next); err != nil {
		return trace.Wrap(err)
	}
	w.log.WithFields(log.Fields{
		"domain":   params.FullName,
		"location": params.Location,
	}).Info("Added proxy server block.")
	return nil
}

// Remove splices the server block for params out of the aggregate of its
// location. A missing block is a no-op success.
func (w *Writer) Remove(ctx context.Context, params BlockParams) error {
	if params.FullName == "" {
		return trace.BadParameter("block: full name is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	prev, err := w.readAggregate(ctx, params.Location)
	if err != nil {
		return trace.Wrap(err)
	}
	next, found := spliceOut(prev, params.FullName)
	if !found {
		return nil
	}
	if err := w.applyAggregate(ctx, params.Location, prev, next); err != nil {
		return trace.Wrap(err)
	}
	w.log.WithFields(log.Fields{
		"domain":   params.FullName,
		"location": params.Location,
	}).Info("Removed proxy server block.")
	return nil
}

// applyAggregate writes next, runs the config test and reloads; on a failed
// test it restores prev before surfacing the error
func (w *Writer) applyAggregate(ctx context.Context, loc Location, prev, next string) error {
	if err := w.writeAggregate(ctx, loc, next); err != nil {
		return trace.Wrap(err)
	}
	if err := w.runConfigCommand(ctx, loc, w.cfg.TestCommand); err != nil {
		if rbErr := w.writeAggregate(ctx, loc, prev); rbErr != nil {
			w.log.WithError(rbErr).Error("Failed to restore previous proxy config after failed test.")
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(w.runConfigCommand(ctx, loc, w.cfg.ReloadCommand))
}

func (w *Writer) readAggregate(ctx context.Context, loc Location) (string, error) {
	if loc == LocationRemote {
		if !w.cfg.Exec.RemoteConfigured() {
			return "", trace.BadParameter("remote location requested but remote exec is not configured")
		}
		if w.cfg.RemotePath == "" {
			return "", trace.BadParameter("remote aggregate path is not configured")
		}
		cmd, err := shsprintf.Sprintf("cat %s", w.cfg.RemotePath)
		if err != nil {
			return "", trace.Wrap(err)
		}
		res, err := w.cfg.Exec.ExecRemote(ctx, cmd)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if res.Code != 0 {
			// aggregate does not exist yet
			return "", nil
		}
		return res.Stdout, nil
	}

	data, err := os.ReadFile(w.cfg.LocalPath)
	if err == nil {
		return string(data), nil
	}
	if os.IsNotExist(err) {
		return "", nil
	}
	if !os.IsPermission(err) {
		return "", trace.Wrap(err)
	}
	// root owned aggregate, go through the exec channel
	cmd, cmdErr := shsprintf.Sprintf("cat %s", w.cfg.LocalPath)
	if cmdErr != nil {
		return "", trace.Wrap(cmdErr)
	}
	res, err := w.cfg.Exec.ExecLocal(ctx, cmd)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if res.Code != 0 {
		return "", nil
	}
	return res.Stdout, nil
}

func (w *Writer) writeAggregate(ctx context.Context, loc Location, content string) error {
	if loc == LocationRemote {
		return trace.Wrap(w.writeRemote(ctx, content))
	}
	return trace.Wrap(w.writeLocal(ctx, content))
}

func (w *Writer) writeLocal(ctx context.Context, content string) error {
	err := renameio.WriteFile(w.cfg.LocalPath, []byte(content), 0644)
	if err == nil {
		return nil
	}
	if !os.IsPermission(err) {
		return trace.Wrap(err)
	}
	// stage to a temp file and move it into place with elevation
	staged, err := w.stage(content)
	if err != nil {
		return trace.Wrap(err)
	}
	defer os.Remove(staged)

	cmd, err := shsprintf.Sprintf("mv -f %s %s", staged, w.cfg.LocalPath)
	if err != nil {
		return trace.Wrap(err)
	}
	res, err := w.cfg.Exec.ExecLocal(ctx, cmd)
	if err != nil {
		return trace.Wrap(err)
	}
	if res.Code != 0 {
		return trace.Errorf("failed to replace %v: %v", w.cfg.LocalPath, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (w *Writer) writeRemote(ctx context.Context, content string) error {
	if w.cfg.RemotePath == "" {
		return trace.BadParameter("remote aggregate path is not configured")
	}
	staged, err := w.stage(content)
	if err != nil {
		return trace.Wrap(err)
	}
	defer os.Remove(staged)

	remoteStage := path.Join(w.cfg.RemoteStageDir,
		fmt.Sprintf("openlink-aggregate-%d.conf", w.cfg.Clock.Now().UnixNano()))
	if err := w.cfg.Exec.Upload(ctx, staged, remoteStage); err != nil {
		return trace.Wrap(err)
	}
	cmd, err := shsprintf.Sprintf("mv -f %s %s", remoteStage, w.cfg.RemotePath)
	if err != nil {
		return trace.Wrap(err)
	}
	res, err := w.cfg.Exec.ExecRemote(ctx, cmd)
	if err != nil {
		return trace.Wrap(err)
	}
	if res.Code != 0 {
		return trace.Errorf("failed to replace %v: %v", w.cfg.RemotePath, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// stage writes content to a private temp file and returns its path
func (w *Writer) stage(content string) (string, error) {
	f, err := os.CreateTemp("", "openlink-nginx-*.conf")
	if err != nil {
		return "", trace.Wrap(err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", trace.Wrap(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", trace.Wrap(err)
	}
	return f.Name(), nil
}

func (w *Writer) runConfigCommand(ctx context.Context, loc Location, command string) error {
	var res *privexec.Result
	var err error
	if loc == LocationRemote {
		res, err = w.cfg.Exec.ExecRemote(ctx, command)
	} else {
		res, err = w.cfg.Exec.ExecLocal(ctx, command)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	if res.Code != 0 {
		return trace.Errorf("%q failed: %v", command, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// renderBlock produces the server block text for params
func renderBlock(params BlockParams) (string, error) {
	var buf strings.Builder
	if err := serverBlockTemplate.Execute(&buf, params); err != nil {
		return "", trace.Wrap(err)
	}
	return buf.String(), nil
}

// appendBlock appends block after content, inserting a line break when the
// existing content does not end with one
func appendBlock(content, block string) string {
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + block
}

// spliceOut removes the sentinel delimited block for fullName, returning
// the remaining content and whether a block was found. The block runs from
// its sentinel line to the next sentinel or end of file; everything else is
// preserved byte for byte.
func spliceOut(content, fullName string) (string, bool) {
	needle := fmt.Sprintf("%s %s (", blockMarker, fullName)
	offset := 0
	for offset <= len(content) {
		idx := strings.Index(content[offset:], blockMarker)
		if idx < 0 {
			return content, false
		}
		start := offset + idx
		// the sentinel must start a line
		if start > 0 && content[start-1] != '\n' {
			offset = start + len(blockMarker)
			continue
		}
		if !strings.HasPrefix(content[start:], needle) {
			offset = start + len(blockMarker)
			continue
		}
		end := len(content)
		rest := content[start+len(blockMarker):]
		if next := strings.Index(rest, "\n"+blockMarker); next >= 0 {
			end = start + len(blockMarker) + next + 1
		}
		return content[:start] + content[end:], true
	}
	return content, false
}
