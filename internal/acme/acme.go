// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package acme bootstraps the internal ACME HTTP-01 challenge route and
// wraps certmagic as the collaborator that actually talks to the CA.
package acme

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gorilla/mux"
	"github.com/libdns/libdns"
	"golang.org/x/sync/singleflight"

	"github.com/latticeproxy/rprox/internal/certstore"
	"github.com/latticeproxy/rprox/internal/resolver"
)

// challengePathPrefix is the well-known HTTP-01 challenge path requests
// are matched against.
const challengePathPrefix = "/.well-known/acme-challenge"

// DNSProvider is the libdns capability set a DNS-01 solver needs. HTTP-01
// via the internal challenge server covers ordinary domains; wildcard
// domains need DNS-01, so this is exposed as an optional capability rather
// than a required one.
type DNSProvider interface {
	libdns.RecordGetter
	libdns.RecordSetter
	libdns.RecordDeleter
}

// Config configures a Manager: account storage path, internal challenge
// port, and the renewal window.
type Config struct {
	Path         string        // ACME account/cert storage directory
	Port         int           // internal challenge server port, default 3000
	RenewWithin  time.Duration // default 30 days
	MinRenewTime time.Duration // default 1h, clamp floor for renewAt
	DNSProvider  DNSProvider   // optional: enables DNS-01 for wildcard domains
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.RenewWithin == 0 {
		c.RenewWithin = 30 * 24 * time.Hour
	}
	if c.MinRenewTime == 0 {
		c.MinRenewTime = time.Hour
	}
}

// Manager owns the certmagic-backed ACME issuer, the internal challenge
// server, and the per-domain renewal timers it installs into certstore.
type Manager struct {
	cfg   Config
	certs *certstore.Store
	magic *certmagic.Config

	group  singleflight.Group
	logger *log.Logger

	challengeSrv *http.Server
}

// New validates cfg and constructs the certmagic.Config this Manager wraps.
// It does not start any network listener; call Bootstrap for that.
func New(certs *certstore.Store, cfg Config, logger *log.Logger) (*Manager, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("acme: letsencrypt.path is required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = log.Default()
	}

	certmagic.Default.Storage = &certmagic.FileStorage{Path: cfg.Path}
	magic := certmagic.NewDefault()

	issuerTemplate := certmagic.ACMEIssuer{
		Agreed:                  true,
		AltHTTPPort:             cfg.Port,
		DisableTLSALPNChallenge: true,
	}
	if cfg.DNSProvider != nil {
		issuerTemplate.DNS01Solver = &certmagic.DNS01Solver{DNSProvider: cfg.DNSProvider}
	}
	magic.Issuers = []certmagic.Issuer{certmagic.NewACMEIssuer(magic, issuerTemplate)}

	return &Manager{cfg: cfg, certs: certs, magic: magic, logger: logger}, nil
}

// Bootstrap starts the internal HTTP-01 challenge server on
// 127.0.0.1:<port>. The ACMEIssuer configured with AltHTTPPort above is
// what actually answers challenge requests; this loopback server is the
// landing point the priority-9999 resolver routes challenge traffic to.
func (m *Manager) Bootstrap(ctx context.Context) error {
	issuer := m.magic.Issuers[0].(*certmagic.ACMEIssuer)

	router := mux.NewRouter()
	router.PathPrefix(challengePathPrefix).Handler(issuer.HTTPChallengeHandler(http.NotFoundHandler()))

	m.challengeSrv = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", m.cfg.Port),
		Handler: router,
	}
	go func() {
		if err := m.challengeSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Printf("acme: challenge server stopped: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the internal challenge server.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.challengeSrv == nil {
		return nil
	}
	return m.challengeSrv.Shutdown(ctx)
}

// ChallengeResolver returns a priority-9999 resolver: any request whose
// path begins with /.well-known/acme-challenge is routed
// to the internal challenge server loopback address, ahead of every other
// resolver including the routing table.
func (m *Manager) ChallengeResolver() *resolver.Resolver {
	return &resolver.Resolver{
		Priority: 9999,
		Fn: func(host, reqPath string, r *http.Request) (resolver.Result, error) {
			if !strings.HasPrefix(reqPath, challengePathPrefix) {
				return nil, nil
			}
			return resolver.Descriptor{
				URL:  []string{fmt.Sprintf("http://127.0.0.1:%d/%s", m.cfg.Port, host)},
				Path: challengePathPrefix,
			}, nil
		},
	}
}

// UpdateCertificates obtains (or renews) domain's certificate, installs it
// in the cert store, and schedules a single-shot renewal timer. Concurrent
// callers for the same domain collapse into one in-flight ACME exchange.
func (m *Manager) UpdateCertificates(ctx context.Context, domain, email string, production bool) error {
	_, err, _ := m.group.Do(domain, func() (any, error) {
		return nil, m.updateOne(ctx, domain, email, production)
	})
	return err
}

func (m *Manager) updateOne(ctx context.Context, domain, email string, production bool) error {
	issuer := m.magic.Issuers[0].(*certmagic.ACMEIssuer)
	issuer.Email = email
	if production {
		issuer.CA = certmagic.LetsEncryptProductionCA
	} else {
		issuer.CA = certmagic.LetsEncryptStagingCA
	}

	if err := m.magic.ManageSync(ctx, []string{domain}); err != nil {
		// Failures are logged and not rescheduled: no renewal timer is
		// installed, so nothing retries until UpdateCertificates is called
		// again.
		m.logger.Printf("acme: obtain/renew %s: %v", domain, err)
		return fmt.Errorf("acme: obtain/renew %s: %w", domain, err)
	}

	managed, err := m.magic.CacheManagedCertificate(ctx, domain)
	if err != nil {
		return fmt.Errorf("acme: load managed cert for %s: %w", domain, err)
	}

	m.certs.Set(domain, &managed.Certificate)

	renewAt := time.Until(managed.Leaf.NotAfter) - m.cfg.RenewWithin
	if renewAt <= 0 {
		renewAt = m.cfg.MinRenewTime
	}
	timer := time.AfterFunc(renewAt, func() {
		if err := m.UpdateCertificates(context.Background(), domain, email, production); err != nil {
			m.logger.Printf("acme: scheduled renewal for %s failed: %v", domain, err)
		}
	})
	m.certs.SetRenewalTimer(domain, timer)
	return nil
}
