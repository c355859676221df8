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

// Package service assembles the rendezvous server process: the privileged
// exec channel, the domain broker with its proxy writer and existence
// checker, the session registry, the signaling dispatcher, the instance
// monitor and the web surface, all behind one TCP listener.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	openlink "github.com/Raywonder/openlink-sub002"
	"github.com/Raywonder/openlink-sub002/lib/domain"
	"github.com/Raywonder/openlink-sub002/lib/monitor"
	"github.com/Raywonder/openlink-sub002/lib/nginx"
	"github.com/Raywonder/openlink-sub002/lib/privexec"
	"github.com/Raywonder/openlink-sub002/lib/session"
	"github.com/Raywonder/openlink-sub002/lib/signal"
	"github.com/Raywonder/openlink-sub002/lib/web"
)

// portKiller frees an occupied listen port during bind recovery
type portKiller interface {
	ExecLocal(ctx context.Context, command string) (*privexec.Result, error)
}

// Process is one running rendezvous server instance
type Process struct {
	cfg   *Config
	clock clockwork.Clock
	log   log.FieldLogger

	exec       *privexec.Channel
	registry   *session.Registry
	dispatcher *signal.Dispatcher
	broker     *domain.Broker
	hub        *monitor.Hub
	handler    *web.Handler

	killer portKiller

	mu         sync.Mutex
	listener   net.Listener
	server     *http.Server
	clientOnly bool

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewProcess wires all components for the given config without binding
// anything yet
func NewProcess(cfg *Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Process{
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Log,
	}

	exec, err := privexec.NewChannel(cfg.Exec)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.exec = exec
	p.killer = exec

	if cfg.DomainsEnabled() {
		if err := p.initBroker(); err != nil {
			return nil, trace.Wrap(err)
		}
	} else {
		p.log.Info("Domain provisioning is disabled: no base domains or proxy config path.")
	}

	// the registry's destroy cascade runs through the dispatcher, which
	// does not exist yet when the registry is built
	p.registry, err = session.NewRegistry(session.Config{
		TTL:   cfg.SessionTTL,
		Clock: cfg.Clock,
		OnDestroy: func(ctx context.Context, s *session.Session) {
			if p.dispatcher != nil {
				p.dispatcher.OnSessionDestroy(ctx, s)
			}
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var identity *signal.IdentityStore
	if cfg.IdentityFile != "" {
		identity, err = signal.NewIdentityStore(cfg.IdentityFile, cfg.Clock)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	dispatcherConfig := signal.DispatcherConfig{
		Registry:   p.registry,
		Identity:   identity,
		InstanceID: cfg.InstanceID,
		Clock:      cfg.Clock,
	}
	if p.broker != nil {
		dispatcherConfig.Broker = p.broker
	}
	p.dispatcher, err = signal.NewDispatcher(dispatcherConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.hub, err = monitor.NewHub(monitor.Config{Clock: cfg.Clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	webConfig := web.Config{
		Registry:    p.registry,
		Dispatcher:  p.dispatcher,
		Hub:         p.hub,
		InstanceID:  cfg.InstanceID,
		BaseDomains: cfg.BaseDomains,
		CORSOrigins: cfg.CORSOrigins,
		Clock:       cfg.Clock,
	}
	if p.broker != nil {
		webConfig.Broker = p.broker
	}
	p.handler, err = web.NewHandler(webConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// initBroker builds the proxy writer, the port allocator, the broker and
// its existence checker
func (p *Process) initBroker() error {
	ports, err := domain.NewPortAllocator(p.cfg.PortRange.Start, p.cfg.PortRange.End)
	if err != nil {
		return trace.Wrap(err)
	}
	writer, err := nginx.NewWriter(nginx.Config{
		LocalPath:      p.cfg.Nginx.LocalConf,
		RemotePath:     p.cfg.Nginx.RemoteConf,
		RemoteStageDir: p.cfg.Nginx.RemoteStageDir,
		Exec:           p.exec,
		Clock:          p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.broker, err = domain.NewBroker(domain.BrokerConfig{
		BaseDomains:       p.cfg.BaseDomains,
		Ports:             ports,
		Writer:            writer,
		MaxDomainLife:     p.cfg.MaxDomainLife,
		MaxPermitDuration: p.cfg.MaxPermitDuration,
		ReaperInterval:    p.cfg.CleanupInterval,
		Clock:             p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	checker, err := domain.NewChecker(domain.CheckerConfig{
		Registry:       p.broker,
		Exec:           p.exec,
		LocalConfPath:  p.cfg.Nginx.LocalConf,
		RemoteConfPath: p.cfg.Nginx.RemoteConf,
		Clock:          p.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.broker.SetChecker(checker)
	return nil
}

// Start binds the listener and launches the serving and background
// goroutines. A process that cannot bind anything at all keeps running in
// client-only mode: the reapers stay up, the acceptor does not.
func (p *Process) Start(ctx context.Context) error {
	listener, err := p.bind(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.mu.Lock()
	if listener != nil {
		p.listener = listener
		p.server = &http.Server{Handler: p.handler}
		limited := netutil.LimitListener(listener, p.cfg.MaxConnections)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.server.Serve(limited); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.log.WithError(err).Error("HTTP server exited.")
			}
		}()
		p.log.WithField("addr", listener.Addr().String()).Infof("%v %v is listening.", p.cfg.AdvertiseName, openlink.Version)
	} else {
		p.clientOnly = true
	}
	p.mu.Unlock()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.registry.RunReaper(runCtx)
	}()
	go func() {
		defer p.wg.Done()
		p.hub.RunReaper(runCtx)
	}()
	if p.broker != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.broker.RunReaper(runCtx)
		}()
	}
	return nil
}

// bind acquires the configured listen address, recovering from an occupied
// port: kill the holder through the exec channel and retry, then step to
// the next port, then give up on serving. Returning (nil, nil) selects
// client-only mode.
func (p *Process) bind(ctx context.Context) (net.Listener, error) {
	listener, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err == nil {
		return listener, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, trace.Wrap(err)
	}
	p.log.WithError(err).Warnf("Listen address %v is in use, trying to free it.", p.cfg.ListenAddr)

	host, port, splitErr := net.SplitHostPort(p.cfg.ListenAddr)
	if splitErr != nil {
		return nil, trace.Wrap(err)
	}
	if _, execErr := p.killer.ExecLocal(ctx, fmt.Sprintf("fuser -k %v/tcp", port)); execErr != nil {
		p.log.WithError(execErr).Warn("Failed to free the listen port.")
	}
	p.clock.Sleep(250 * time.Millisecond)
	if listener, err = net.Listen("tcp", p.cfg.ListenAddr); err == nil {
		return listener, nil
	}

	portNum, convErr := strconv.Atoi(port)
	if convErr != nil {
		return nil, trace.Wrap(err)
	}
	nextAddr := net.JoinHostPort(host, strconv.Itoa(portNum+1))
	if listener, err = net.Listen("tcp", nextAddr); err == nil {
		p.log.Warnf("Listening on fallback address %v.", nextAddr)
		p.cfg.ListenAddr = nextAddr
		return listener, nil
	}
	p.log.WithError(err).Error("Could not bind any listen address, continuing in client-only mode.")
	return nil, nil
}

// Addr returns the bound listen address, empty in client-only mode
func (p *Process) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// ClientOnly reports whether the process runs without an acceptor
func (p *Process) ClientOnly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientOnly
}

// Shutdown stops the process: peer channels first so clients see a clean
// close, then the acceptor, then the control HTTP server, then one final
// broker sweep
func (p *Process) Shutdown(ctx context.Context) {
	p.closeOnce.Do(func() {
		for _, snap := range p.dispatcher.Snapshots() {
			if peer := p.dispatcher.Peer(snap.ID); peer != nil {
				peer.Close()
			}
		}

		p.mu.Lock()
		listener, server := p.listener, p.server
		p.mu.Unlock()
		if listener != nil {
			listener.Close()
		}
		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				p.log.WithError(err).Warn("HTTP server shutdown failed.")
			}
		}

		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()

		if p.broker != nil {
			p.broker.Reap(ctx)
		}
		p.log.Info("Process stopped.")
	})
}
