// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package listener manages one HTTP listener and zero-or-more HTTPS/SNI
// listeners in front of a shared proxy.Engine, and records every accepted
// connection in a connreg.Registry for graceful shutdown.
package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/latticeproxy/rprox/internal/certstore"
	"github.com/latticeproxy/rprox/internal/connreg"
)

// HTTPSConfig describes one HTTPS/SNI listener. Redirect and redirectPort
// are consumed by internal/proxy, not this package, since the redirect
// itself is a proxy-engine decision.
type HTTPSConfig struct {
	Addr string // host:port to bind
	Cert string // default certificate file, PEM
	Key  string // default private key file, PEM
	CA   string // optional CA bundle, split on "-----END CERTIFICATE-----"
	HTTP2 bool
}

// Manager owns every listener's *http.Server and the shared connection
// registry: one goroutine per listener, best-effort Shutdown across all
// of them, and one certstore-backed SNI callback shared by every HTTPS
// listener.
type Manager struct {
	mu      sync.Mutex
	servers []*boundServer
	conns   *connreg.Registry
	logger  *log.Logger
}

type boundServer struct {
	addr   string
	tls    bool
	server *http.Server
}

// New creates an empty Manager. If logger is nil, log.Default() is used.
func New(conns *connreg.Registry, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{conns: conns, logger: logger}
}

// AddHTTP registers the plaintext HTTP listener. Callers simply skip this
// call when no HTTP listener is configured.
func (m *Manager) AddHTTP(addr string, handler http.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = append(m.servers, &boundServer{
		addr:   addr,
		server: m.newServer(addr, handler, nil),
	})
}

// AddHTTPS registers one HTTPS/SNI listener backed by certs. The listener's
// own default cert/key is loaded into tls.Config.Certificates as the
// fallback when certs.Lookup returns nil for the requested SNI name.
func (m *Manager) AddHTTPS(cfg HTTPSConfig, handler http.Handler, certs *certstore.Store) error {
	defaultCert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return fmt.Errorf("listener: load default cert/key for %s: %w", cfg.Addr, err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{defaultCert},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if cert := certs.Lookup(hello.ServerName); cert != nil {
				return cert, nil
			}
			return &defaultCert, nil
		},
	}

	if cfg.CA != "" {
		pool, err := loadCABundle(cfg.CA)
		if err != nil {
			return fmt.Errorf("listener: load CA bundle for %s: %w", cfg.Addr, err)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	srv := m.newServer(cfg.Addr, handler, tlsConfig)
	if cfg.HTTP2 {
		if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
			return fmt.Errorf("listener: configure http2 for %s: %w", cfg.Addr, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = append(m.servers, &boundServer{addr: cfg.Addr, tls: true, server: srv})
	return nil
}

// newServer builds an *http.Server wired to the shared connection registry:
// a new connection is assigned a registry id on http.StateNew and removed
// on http.StateClosed/StateHijacked. A hijacked WebSocket tunnel is thus
// dropped from the registry while its net.Conn is still open, and a
// registry Drain does not close it.
func (m *Manager) newServer(addr string, handler http.Handler, tlsConfig *tls.Config) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if m.conns != nil {
		ids := make(map[net.Conn]string)
		var mu sync.Mutex
		srv.ConnState = func(conn net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				mu.Lock()
				ids[conn] = m.conns.Add(conn)
				mu.Unlock()
			case http.StateClosed, http.StateHijacked:
				mu.Lock()
				id, ok := ids[conn]
				delete(ids, conn)
				mu.Unlock()
				if ok {
					m.conns.Remove(id)
				}
			}
		}
	}

	return srv
}

// Start launches every registered listener in its own goroutine, logging
// (rather than returning) any error that isn't a clean shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, bs := range m.servers {
		bs := bs
		go func() {
			var err error
			if bs.tls {
				m.logger.Printf("listener: starting %s (tls)", bs.addr)
				err = bs.server.ListenAndServeTLS("", "")
			} else {
				m.logger.Printf("listener: starting %s", bs.addr)
				err = bs.server.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				m.logger.Printf("listener: %s stopped: %v", bs.addr, err)
			}
		}()
	}
	return nil
}

// Shutdown gracefully shuts down every listener, collecting the first
// error encountered while still attempting every server, so that every
// listener is released on close even after a partial failure.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, bs := range m.servers {
		if err := bs.server.Shutdown(ctx); err != nil {
			m.logger.Printf("listener: shutdown %s: %v", bs.addr, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// loadCABundle splits a PEM bundle into individual certificates before
// pooling them: a bundle file is split at each "-END CERTIFICATE-" line
// into individual entries.
func loadCABundle(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	for _, block := range splitPEMCertificates(string(data)) {
		if !pool.AppendCertsFromPEM([]byte(block)) {
			return nil, fmt.Errorf("listener: invalid certificate block in %s", path)
		}
	}
	return pool, nil
}

func splitPEMCertificates(bundle string) []string {
	const marker = "-----END CERTIFICATE-----"
	var out []string
	for {
		idx := strings.Index(bundle, marker)
		if idx == -1 {
			break
		}
		block := bundle[:idx+len(marker)]
		if strings.TrimSpace(block) != "" {
			out = append(out, block)
		}
		bundle = bundle[idx+len(marker):]
	}
	return out
}
