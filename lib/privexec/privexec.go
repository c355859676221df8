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

// Package privexec runs pre-composed command lines either locally with
// privilege elevation or on a configured remote host over SSH, and uploads
// staged files ahead of remote config rewrites.
//
// Commands are passed as single strings and are not escaped here; callers
// compose them with shsprintf so interpolated values are always quoted.
package privexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	openlink "github.com/Raywonder/openlink-sub002"
	"github.com/Raywonder/openlink-sub002/lib/defaults"
)

// Result captures the outcome of a finished command. A non-zero Code is a
// reported outcome, not an error: callers distinguish command failure
// (Code != 0) from transport failure (error return).
type Result struct {
	// Stdout is the captured standard output
	Stdout string
	// Stderr is the captured standard error
	Stderr string
	// Code is the command exit status
	Code int
}

// RemoteConfig holds the SSH endpoint used for remote execution and uploads
type RemoteConfig struct {
	// Host is the remote proxy host, empty disables the remote arm
	Host string
	// Port is the SSH port, defaults to 22
	Port int
	// User is the SSH login name
	User string
	// KeyFile is a path to a PEM encoded private key
	KeyFile string
	// KeyPEM is an inline PEM encoded private key, preferred over KeyFile
	KeyPEM []byte
	// Password enables password auth when no key material is set
	Password string
	// KnownHostsFile pins the remote host key; when empty the host key is
	// not verified
	KnownHostsFile string
}

// Addr returns the dialable host:port of the remote endpoint
func (r *RemoteConfig) Addr() string {
	return net.JoinHostPort(r.Host, fmt.Sprintf("%d", r.Port))
}

// Config configures a Channel
type Config struct {
	// SudoPassword is the elevation secret written to sudo's stdin for
	// local privileged commands; empty runs commands unelevated
	SudoPassword string
	// Remote is the SSH endpoint for remote execution
	Remote RemoteConfig
	// LocalTimeout bounds local commands
	LocalTimeout time.Duration
	// RemoteTimeout bounds remote commands and uploads
	RemoteTimeout time.Duration
	// ConnectTimeout bounds the SSH dial and handshake
	ConnectTimeout time.Duration
	// Clock is the time source
	Clock clockwork.Clock
	// Log is the component logger
	Log log.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.Remote.Host != "" {
		if c.Remote.User == "" {
			return trace.BadParameter("remote exec: user is required")
		}
		if c.Remote.Port == 0 {
			c.Remote.Port = 22
		}
	}
	if c.LocalTimeout == 0 {
		c.LocalTimeout = defaults.ExecLocalTimeout
	}
	if c.RemoteTimeout == 0 {
		c.RemoteTimeout = defaults.ExecRemoteTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ExecConnectTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(openlink.Component, openlink.ComponentExec)
	}
	return nil
}

// Channel executes privileged commands. It is safe for concurrent use and
// serializes nothing internally; callers must not rely on cross-command
// ordering.
type Channel struct {
	cfg Config
	log log.FieldLogger
}

// NewChannel returns a Channel for the given config
func NewChannel(cfg Config) (*Channel, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Channel{cfg: cfg, log: cfg.Log}, nil
}

// RemoteConfigured reports whether the remote arm is usable
func (c *Channel) RemoteConfigured() bool {
	return c.cfg.Remote.Host != ""
}

// ExecLocal runs a command on the local machine, elevated through sudo when
// an elevation secret is configured
func (c *Channel) ExecLocal(ctx context.Context, command string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LocalTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if c.cfg.SudoPassword != "" {
		// -S reads the secret from stdin, -p '' suppresses the prompt
		cmd = exec.CommandContext(ctx, "sudo", "-S", "-p", "", "sh", "-c", command)
		cmd.Stdin = strings.NewReader(c.cfg.SudoPassword + "\n")
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := c.cfg.Clock.Now()
	err := cmd.Run()
	c.log.WithField("duration", c.cfg.Clock.Since(start)).Debugf("Local exec: %q.", command)

	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, trace.LimitExceeded("local command timed out after %v: %q", c.cfg.LocalTimeout, command)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if denied := sudoDenied(result.Stderr); denied != "" {
			return nil, trace.AccessDenied("privilege elevation failed: %v", denied)
		}
		result.Code = exitErr.ExitCode()
		return result, nil
	}
	return nil, trace.ConnectionProblem(err, "failed to start local command %q", command)
}

// sudoDenied picks the sudo failure line out of stderr, distinguishing
// elevation failure from an ordinary non-zero exit of the wrapped command
func sudoDenied(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "incorrect password") ||
			strings.Contains(lower, "a password is required") ||
			strings.Contains(lower, "not in the sudoers file") {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

// ExecRemote runs a command on the configured remote host through an SSH
// session
func (c *Channel) ExecRemote(ctx context.Context, command string) (*Result, error) {
	if !c.RemoteConfigured() {
		return nil, trace.BadParameter("remote exec is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
	defer cancel()

	client, err := c.dial()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to open session on %v", c.cfg.Remote.Addr())
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Run(command)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		session.Close()
		return nil, trace.LimitExceeded("remote command timed out after %v: %q", c.cfg.RemoteTimeout, command)
	}

	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		result.Code = exitErr.ExitStatus()
		return result, nil
	}
	return nil, trace.ConnectionProblem(err, "remote command failed on %v", c.cfg.Remote.Addr())
}

// Upload copies a staged local file to the remote host over SFTP, creating
// parent directories as needed
func (c *Channel) Upload(ctx context.Context, localPath, remotePath string) error {
	if !c.RemoteConfigured() {
		return trace.BadParameter("remote exec is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
	defer cancel()

	client, err := c.dial()
	if err != nil {
		return trace.Wrap(err)
	}
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.upload(client, localPath, remotePath)
	}()
	select {
	case err = <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
		return trace.LimitExceeded("upload of %v timed out after %v", localPath, c.cfg.RemoteTimeout)
	}
}

func (c *Channel) upload(client *ssh.Client, localPath, remotePath string) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return trace.ConnectionProblem(err, "failed to start sftp on %v", c.cfg.Remote.Addr())
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return trace.ConnectionProblem(err, "failed to create remote directory %q", dir)
		}
	}
	src, err := os.Open(localPath)
	if err != nil {
		return trace.Wrap(err)
	}
	defer src.Close()

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return trace.ConnectionProblem(err, "failed to create remote file %q", remotePath)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return trace.ConnectionProblem(err, "upload of %q failed", localPath)
	}
	c.log.Debugf("Uploaded %v bytes to %v:%v.", n, c.cfg.Remote.Host, remotePath)
	return nil
}

func (c *Channel) dial() (*ssh.Client, error) {
	config, err := c.sshClientConfig()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client, err := ssh.Dial("tcp", c.cfg.Remote.Addr(), config)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to connect to %v", c.cfg.Remote.Addr())
	}
	return client, nil
}

func (c *Channel) sshClientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	keyPEM := c.cfg.Remote.KeyPEM
	if len(keyPEM) == 0 && c.cfg.Remote.KeyFile != "" {
		data, err := os.ReadFile(c.cfg.Remote.KeyFile)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		keyPEM = data
	}
	if len(keyPEM) != 0 {
		signer, err := ssh.ParsePrivateKey(keyPEM)
		if err != nil {
			return nil, trace.BadParameter("failed to parse ssh key: %v", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.cfg.Remote.Password != "" {
		methods = append(methods, ssh.Password(c.cfg.Remote.Password))
	}
	if len(methods) == 0 {
		return nil, trace.BadParameter("remote exec: no key material or password configured")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.cfg.Remote.KnownHostsFile != "" {
		cb, err := knownhosts.New(c.cfg.Remote.KnownHostsFile)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.cfg.Remote.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.cfg.ConnectTimeout,
	}, nil
}
