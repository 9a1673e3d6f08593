/*
Copyright 2025 BYTEDz

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

// Package service implements the process supervisor: it owns the stores,
// the session hub, the transfer engine, the discovery beacon and the TLS
// listener, and wires their lifecycles together.
package service

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/BYTEDz/pclink"
	"github.com/BYTEDz/pclink/lib/config"
	"github.com/BYTEDz/pclink/lib/credentials"
	"github.com/BYTEDz/pclink/lib/defaults"
	"github.com/BYTEDz/pclink/lib/discovery"
	"github.com/BYTEDz/pclink/lib/hostcap"
	"github.com/BYTEDz/pclink/lib/hub"
	"github.com/BYTEDz/pclink/lib/pairing"
	"github.com/BYTEDz/pclink/lib/registry"
	"github.com/BYTEDz/pclink/lib/transfer"
	"github.com/BYTEDz/pclink/lib/web"
)

// ErrAlreadyRunning is returned when another process holds the instance
// lock for the same data directory.
var ErrAlreadyRunning = errors.New("another pclink instance is already running")

// Config configures a Process.
type Config struct {
	// DataDir overrides the default per-user data directory.
	DataDir string
	// Clock is injected into every time-dependent component.
	Clock clockwork.Clock
	// HostCaps carries the platform capability providers.
	HostCaps *hostcap.Registry
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		dir, err := config.DataDir()
		if err != nil {
			return trace.Wrap(err)
		}
		c.DataDir = dir
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HostCaps == nil {
		c.HostCaps = hostcap.NewRegistry()
	}
	return nil
}

// Process is the running PCLink daemon.
type Process struct {
	cfg Config
	log *logrus.Entry

	configStore *config.Store
	credStore   *credentials.Store
	hub         *hub.Hub
	registry    *registry.Registry
	broker      *pairing.Broker
	engine      *transfer.Engine
	sessions    *web.SessionStore
	handler     http.Handler
	beacon      *discovery.Beacon

	lock *flock.Flock

	// ctx governs background tasks for the lifetime of the process.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	srv        *http.Server
	listener   net.Listener
	listenPort int
	serveDone  chan struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New assembles the daemon without starting any network activity.
func New(cfg Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Process{
		cfg:        cfg,
		log:        logrus.WithFields(logrus.Fields{trace.Component: pclink.ComponentProcess}),
		shutdownCh: make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	var err error
	if p.configStore, err = config.Load(cfg.DataDir); err != nil {
		return nil, trace.Wrap(err)
	}
	if p.hub, err = hub.New(hub.Config{Clock: cfg.Clock}); err != nil {
		return nil, trace.Wrap(err)
	}
	if p.credStore, err = credentials.NewStore(credentials.StoreConfig{
		DataDir: cfg.DataDir,
		Clock:   cfg.Clock,
		Events:  p.hub,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err = p.credStore.LoadOrInit(); err != nil {
		return nil, trace.Wrap(err)
	}
	if p.registry, err = registry.New(registry.Config{
		DataDir:   cfg.DataDir,
		ServerKey: p.credStore.APIKey,
		Events:    p.hub,
		Clock:     cfg.Clock,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	if p.broker, err = pairing.New(pairing.Config{
		Approver: p.registry,
		Events:   p.hub,
		Clock:    cfg.Clock,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	if p.engine, err = transfer.NewEngine(transfer.Config{
		DataDir:        cfg.DataDir,
		Roots:          p.configStore.AllowedRoots,
		StaleThreshold: p.configStore.StaleTransferThreshold,
		Events:         p.hub,
		Clock:          cfg.Clock,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	p.sessions = web.NewSessionStore(cfg.Clock)

	if p.handler, err = web.NewHandler(web.HandlerConfig{
		Registry:    p.registry,
		Broker:      p.broker,
		Hub:         p.hub,
		Credentials: p.credStore,
		Config:      p.configStore,
		Engine:      p.engine,
		Sessions:    p.sessions,
		HostCaps:    cfg.HostCaps,
		Lifecycle:   p,
		ListenPort:  p.ListenPort,
		Clock:       cfg.Clock,
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	if p.beacon, err = discovery.New(discovery.Config{
		Port:        p.ListenPort,
		Fingerprint: p.credStore.Fingerprint,
		Active:      p.mobileAPIActive,
		Clock:       cfg.Clock,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// mobileAPIActive gates the discovery beacon: broadcasting starts once
// first-time setup completes and the listener is up.
func (p *Process) mobileAPIActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener != nil && p.configStore.SetupComplete()
}

// ListenPort reports the live listening port, falling back to the
// configured port before the listener is bound.
func (p *Process) ListenPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listenPort != 0 {
		return p.listenPort
	}
	return p.configStore.Port()
}

// Start acquires the single-instance lock, binds the TLS listener and
// launches the background tasks.
func (p *Process) Start() error {
	lockPath := filepath.Join(p.cfg.DataDir, "pclink.lock")
	p.lock = flock.New(lockPath)
	locked, err := p.lock.TryLock()
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if !locked {
		return trace.Wrap(ErrAlreadyRunning)
	}

	if err := p.StartServer(); err != nil {
		p.lock.Unlock()
		return trace.Wrap(err)
	}

	go p.beacon.Run(p.ctx)
	go p.engine.RunCleanup(p.ctx, defaults.TransferCleanupInterval)

	p.log.WithField("port", p.ListenPort()).Info("PCLink server started.")
	return nil
}

// StartServer binds the TLS listener if it is not already up.
func (p *Process) StartServer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return nil
	}

	cert, err := p.credStore.Identity().TLSCertificate()
	if err != nil {
		return trace.Wrap(err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	addr := net.JoinHostPort("", strconv.Itoa(p.configStore.Port()))
	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.WrapWithMessage(trace.ConvertSystemError(err),
			"failed to bind port %d; is it held by another process?", p.configStore.Port())
	}
	p.listener = tls.NewListener(tcpListener, tlsConfig)
	if tcpAddr, ok := tcpListener.Addr().(*net.TCPAddr); ok {
		p.listenPort = tcpAddr.Port
	}

	p.srv = &http.Server{
		Handler:           p.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	p.serveDone = make(chan struct{})
	go func(srv *http.Server, ln net.Listener, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.WithError(err).Error("Listener terminated.")
		}
	}(p.srv, p.listener, p.serveDone)

	p.log.WithField("port", p.listenPort).Info("TLS listener started.")
	return nil
}

// StopServer gracefully stops the listener. Operator sessions and all
// stores stay intact, so a subsequent StartServer resumes with the same
// state.
func (p *Process) StopServer() error {
	p.mu.Lock()
	srv := p.srv
	done := p.serveDone
	p.srv = nil
	p.listener = nil
	p.listenPort = 0
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
	}
	if done != nil {
		<-done
	}
	p.log.Info("TLS listener stopped.")
	return nil
}

// RestartServer is StopServer followed by StartServer with the same
// configuration. The restart happens in the background so the HTTP
// response to the restart request can still be written.
func (p *Process) RestartServer() error {
	go func() {
		// Give the in-flight restart response a moment to flush.
		time.Sleep(200 * time.Millisecond)
		if err := p.StopServer(); err != nil {
			p.log.WithError(err).Warn("Restart: stop failed.")
		}
		if err := p.StartServer(); err != nil {
			p.log.WithError(err).Error("Restart: start failed.")
		}
	}()
	return nil
}

// ShutdownProcess terminates the daemon.
func (p *Process) ShutdownProcess() error {
	p.shutdownOnce.Do(func() {
		go func() {
			time.Sleep(200 * time.Millisecond)
			p.Close()
			close(p.shutdownCh)
		}()
	})
	return nil
}

// Wait blocks until the process shuts down.
func (p *Process) Wait() {
	<-p.shutdownCh
}

// Handler exposes the HTTP handler, used by tests to drive the API
// without a real listener.
func (p *Process) Handler() http.Handler {
	return p.handler
}

// Close releases every resource owned by the process.
func (p *Process) Close() error {
	p.cancel()
	err := p.StopServer()
	p.hub.Close()
	if p.lock != nil {
		p.lock.Unlock()
		os.Remove(p.lock.Path())
	}
	p.log.Info("PCLink server stopped.")
	return trace.Wrap(err)
}
