// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package rprox is the top-level facade: construction options, lifecycle
// (ListenAndServe/Run/Close), and the register/addResolver/notFound entry
// points, wired over internal/routing, internal/resolver, internal/proxy,
// internal/certstore, internal/listener, internal/acme and
// internal/cluster. A single struct assembled in New, started in Run,
// torn down in Close, with a sync.Once-guarded Stop channel.
package rprox

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/latticeproxy/rprox/internal/acme"
	"github.com/latticeproxy/rprox/internal/certstore"
	"github.com/latticeproxy/rprox/internal/cluster"
	"github.com/latticeproxy/rprox/internal/connreg"
	"github.com/latticeproxy/rprox/internal/listener"
	"github.com/latticeproxy/rprox/internal/proxy"
	"github.com/latticeproxy/rprox/internal/resolver"
	"github.com/latticeproxy/rprox/internal/routing"
)

// SSLListenerOptions describes one HTTPS front-end listener.
type SSLListenerOptions struct {
	Port         int
	IP           string
	Key          string
	Cert         string
	CA           string
	HTTP2        bool
	Redirect     *bool
	RedirectPort int
}

func (s SSLListenerOptions) redirectEnabled() bool {
	if s.Redirect == nil {
		return true
	}
	return *s.Redirect
}

func (s SSLListenerOptions) redirectPort() int {
	if s.RedirectPort != 0 {
		return s.RedirectPort
	}
	return s.Port
}

// LetsencryptOptions is the global `letsencrypt` construction option.
type LetsencryptOptions struct {
	Path         string
	Port         int
	RenewWithin  time.Duration
	MinRenewTime time.Duration
	DNSProvider  acme.DNSProvider
}

// Options is the full recognized construction-option set.
type Options struct {
	Port int    // HTTP listener port; zero means no HTTP listener
	Host string // HTTP bind address, default "0.0.0.0"

	SSL []SSLListenerOptions

	HTTPProxy routing.HTTPProxyOptions // default forwarder options (merged under route's)

	XFwd                *bool // default true
	Secure              *bool // default true
	PreferForwardedHost bool

	Letsencrypt *LetsencryptOptions

	Resolvers []*resolver.Resolver

	Cluster int // 1..32; >1 enables multi-worker mode

	Logger         *log.Logger
	DisableLogging bool

	ErrorHandler proxy.ErrorHandler
	NTLM         bool
}

func (o Options) xfwd() bool {
	if o.XFwd == nil {
		return true
	}
	return *o.XFwd
}

func (o Options) secure() bool {
	if o.Secure == nil {
		return true
	}
	return *o.Secure
}

// Proxy is the assembled, running (once Run/ListenAndServe is called)
// reverse proxy instance.
type Proxy struct {
	opts Options

	table    *routing.Table
	pipeline *resolver.Pipeline
	certs    *certstore.Store
	engine   *proxy.Engine
	conns    *connreg.Registry
	listen   *listener.Manager
	acmeMgr  *acme.Manager

	supervisor *cluster.Supervisor
	isMaster   bool

	logger *log.Logger

	notFound atomic.Value // http.HandlerFunc

	done     chan struct{}
	stopOnce sync.Once
}

// New assembles a Proxy from opts. It builds every collaborator and
// configures the listeners, but does not open any socket -- call ListenAndServe or
// Run for that. Register can be called freely beforehand.
func New(opts Options) (*Proxy, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.DisableLogging {
		logger = log.New(os.Stderr, "", 0)
		logger.SetOutput(discardWriter{})
	}

	p := &Proxy{
		opts:     opts,
		table:    routing.NewTable(),
		logger:   logger,
		done:     make(chan struct{}),
		isMaster: opts.Cluster > 1 && !cluster.IsWorker(),
	}
	p.pipeline = resolver.NewPipeline(p.table)
	p.notFound.Store(http.HandlerFunc(defaultNotFound))

	certs, err := certstore.New(logger)
	if err != nil {
		return nil, fmt.Errorf("rprox: create cert store: %w", err)
	}
	p.certs = certs
	p.conns = connreg.New()

	if opts.Letsencrypt != nil {
		mgr, err := acme.New(p.certs, acme.Config{
			Path:         opts.Letsencrypt.Path,
			Port:         opts.Letsencrypt.Port,
			RenewWithin:  opts.Letsencrypt.RenewWithin,
			MinRenewTime: opts.Letsencrypt.MinRenewTime,
			DNSProvider:  opts.Letsencrypt.DNSProvider,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("rprox: initialize acme: %w", err)
		}
		p.acmeMgr = mgr
		p.pipeline.Add(mgr.ChallengeResolver())
	}

	if len(opts.Resolvers) > 0 {
		p.pipeline.Add(opts.Resolvers...)
	}

	redirectPort := 0
	for _, ssl := range opts.SSL {
		if ssl.redirectEnabled() {
			redirectPort = ssl.redirectPort()
			break
		}
	}

	xfwd, secure := opts.xfwd(), opts.secure()
	if opts.HTTPProxy.XFwd != nil {
		xfwd = *opts.HTTPProxy.XFwd
	}
	if opts.HTTPProxy.Secure != nil {
		secure = *opts.HTTPProxy.Secure
	}

	engineOpts := proxy.Options{
		PreferForwardedHost: opts.PreferForwardedHost,
		XFwd:                xfwd,
		Secure:              secure,
		NTLM:                opts.NTLM || opts.HTTPProxy.NTLM,
		HTTPSRedirectPort:   redirectPort,
		ErrorHandler:        opts.ErrorHandler,
		Logger:              logger,
		NotFound: func(w http.ResponseWriter, r *http.Request) {
			p.notFound.Load().(http.HandlerFunc)(w, r)
		},
	}
	p.engine = proxy.New(p.pipeline, p.certs, engineOpts)

	p.listen = listener.New(p.conns, logger)
	if opts.Port > 0 {
		p.listen.AddHTTP(net.JoinHostPort(orDefault(opts.Host, "0.0.0.0"), strconv.Itoa(opts.Port)), p.engine)
	}
	for _, ssl := range opts.SSL {
		ip := ssl.IP
		if ip == "" {
			ip = orDefault(opts.Host, "0.0.0.0")
		}
		err := p.listen.AddHTTPS(listener.HTTPSConfig{
			Addr:  net.JoinHostPort(ip, strconv.Itoa(ssl.Port)),
			Cert:  ssl.Cert,
			Key:   ssl.Key,
			CA:    ssl.CA,
			HTTP2: ssl.HTTP2,
		}, p.engine, p.certs)
		if err != nil {
			return nil, fmt.Errorf("rprox: add https listener: %w", err)
		}
	}

	if opts.Cluster > 1 {
		p.supervisor = cluster.New(opts.Cluster, os.Args, nil, "", logger)
	}

	return p, nil
}

// ListenAndServe starts every configured listener (and, in cluster master
// mode, the worker supervisor instead of any listener of its own) without
// blocking.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	if p.isMaster {
		go p.supervisor.Run(ctx)
		return nil
	}
	if p.acmeMgr != nil {
		if err := p.acmeMgr.Bootstrap(ctx); err != nil {
			return fmt.Errorf("rprox: bootstrap acme: %w", err)
		}
	}
	return p.listen.Start(ctx)
}

// Run starts the proxy (or, in cluster master mode, the worker
// supervisor) and blocks until ctx is canceled, SIGINT/SIGTERM is
// received, or Close/Stop is called, then shuts down.
func (p *Proxy) Run(ctx context.Context) error {
	if p.isMaster {
		p.logger.Printf("rprox: cluster master starting %d workers", p.opts.Cluster)
		return p.supervisor.Run(ctx)
	}

	if err := p.ListenAndServe(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		p.logger.Printf("rprox: received signal %v, shutting down", sig)
	case <-ctx.Done():
		p.logger.Printf("rprox: context canceled, shutting down")
	case <-p.done:
		p.logger.Printf("rprox: shutdown requested")
	}

	return p.Close(true)
}

// Close tears down every listener and, when shutdown is true, drains the
// connection registry: atomically swaps the map for an empty one and,
// 250ms later, force-closes each captured connection. Hijacked WebSocket
// tunnels are not among them: internal/listener removes a connection from
// the registry when it is hijacked, so neither net/http's Shutdown nor the
// drain closes an open tunnel.
func (p *Proxy) Close(shutdown bool) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if err := p.listen.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if shutdown {
		p.conns.Drain()
	}
	if p.acmeMgr != nil {
		if err := p.acmeMgr.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.certs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Stop signals Run to shut down. Safe to call multiple times.
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
}

func defaultNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not Found", http.StatusNotFound)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
