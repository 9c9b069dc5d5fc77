// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package rprox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/latticeproxy/rprox/internal/routing"
	"github.com/latticeproxy/rprox/internal/urlutil"
)

// RouteLetsencryptOptions opts a single route's hostname into ACME.
type RouteLetsencryptOptions struct {
	Email       string
	Production  bool
	RenewWithin time.Duration
}

// SSLRouteOptions is a route's per-hostname `ssl` option.
type SSLRouteOptions struct {
	Key         string
	Cert        string
	CA          string
	Redirect    *bool
	Letsencrypt *RouteLetsencryptOptions
}

func (s *SSLRouteOptions) redirectEnabled() bool {
	if s == nil || s.Redirect == nil {
		return true
	}
	return *s.Redirect
}

// RegisterOptions is the per-Register() option set.
type RegisterOptions struct {
	UseTargetHostHeader bool
	SSL                 *SSLRouteOptions
	HTTPProxy           routing.HTTPProxyOptions

	OnRequest  func(w http.ResponseWriter, r *http.Request, target urlutil.Target) routing.Decision
	OnResponse func(w http.ResponseWriter, r *http.Request, target urlutil.Target)
	OnError    func(err error, w http.ResponseWriter, r *http.Request, target urlutil.Target)
}

// Register prepares the source/target URLs, performs the ssl/ACME cert
// bookkeeping, then delegates the find-or-create-route/append/re-sort
// steps to the routing table. A no-op returning (nil, nil) on a cluster
// master process, which never serves traffic itself.
func (p *Proxy) Register(src, target string, opts RegisterOptions) (*routing.Route, error) {
	if p.isMaster {
		return nil, nil
	}
	if src == "" {
		return nil, fmt.Errorf("rprox: register: missing src")
	}
	if target == "" {
		return nil, fmt.Errorf("rprox: register: missing target")
	}

	srcURL, err := urlutil.PrepareURL(src)
	if err != nil {
		return nil, fmt.Errorf("rprox: register: %w", err)
	}
	hostname := srcURL.Hostname()

	if opts.SSL != nil {
		if len(p.opts.SSL) == 0 {
			return nil, fmt.Errorf("rprox: register: ssl route %q requires at least one https listener", hostname)
		}
		if !p.certs.Has(hostname) {
			switch {
			case opts.SSL.Cert != "" && opts.SSL.Key != "":
				if err := p.certs.LoadPEM(hostname, opts.SSL.Cert, opts.SSL.Key, true); err != nil {
					return nil, fmt.Errorf("rprox: register: %w", err)
				}
			case opts.SSL.Letsencrypt != nil:
				if p.acmeMgr == nil {
					return nil, fmt.Errorf("rprox: register: ssl.letsencrypt on %q requires a configured letsencrypt.path", hostname)
				}
				if err := p.acmeMgr.UpdateCertificates(context.Background(), hostname, opts.SSL.Letsencrypt.Email, opts.SSL.Letsencrypt.Production); err != nil {
					// Acquisition failure is logged; the route still
					// functions on the listener's default cert.
					p.logger.Printf("rprox: register: acme acquire for %s failed: %v", hostname, err)
				}
			default:
				p.certs.Set(hostname, nil)
			}
		}
	}

	targetOpts := urlutil.TargetOptions{
		SSLRedirect:         opts.SSL != nil && opts.SSL.redirectEnabled(),
		UseTargetHostHeader: opts.UseTargetHostHeader,
	}
	parsedTarget, err := urlutil.BuildTarget(target, targetOpts)
	if err != nil {
		return nil, fmt.Errorf("rprox: register: %w", err)
	}

	routingOpts := routing.Options{
		UseTargetHostHeader: opts.UseTargetHostHeader,
		HTTPProxy:           opts.HTTPProxy,
		OnRequest:           opts.OnRequest,
		OnResponse:          opts.OnResponse,
		OnError:             opts.OnError,
	}
	if opts.SSL != nil {
		routingOpts.SSL = &routing.SSLOptions{
			Key:      opts.SSL.Key,
			Cert:     opts.SSL.Cert,
			CA:       opts.SSL.CA,
			Redirect: opts.SSL.redirectEnabled(),
		}
		if opts.SSL.Letsencrypt != nil {
			routingOpts.SSL.Letsencrypt = &routing.LetsencryptOptions{
				Email:      opts.SSL.Letsencrypt.Email,
				Production: opts.SSL.Letsencrypt.Production,
			}
		}
	}

	route, err := p.table.Register(hostname, srcURL.Path, parsedTarget, routingOpts, p.engine.HandleFactory())
	if err != nil {
		return nil, fmt.Errorf("rprox: register: %w", err)
	}
	return route, nil
}

// MustRegister panics on error; for call sites (init-time wiring, tests)
// that want register()'s original assertion-like ergonomics.
func (p *Proxy) MustRegister(src, target string, opts RegisterOptions) *routing.Route {
	route, err := p.Register(src, target, opts)
	if err != nil {
		panic(err)
	}
	return route
}

// Unregister removes matching target hrefs (or all targets when target ==
// ""), splices the
// route out once empty, and -- once no route remains for that hostname --
// clears its certificate renewal timer and drops its cert entry. A no-op
// on a cluster master process.
func (p *Proxy) Unregister(src, target string) (bool, error) {
	if p.isMaster {
		return false, nil
	}
	srcURL, err := urlutil.PrepareURL(src)
	if err != nil {
		return false, fmt.Errorf("rprox: unregister: %w", err)
	}
	hostname := srcURL.Hostname()

	href := ""
	if target != "" {
		targetURL, err := urlutil.PrepareURL(target)
		if err != nil {
			return false, fmt.Errorf("rprox: unregister: %w", err)
		}
		href = targetURL.String()
	}

	removed := p.table.Unregister(hostname, srcURL.Path, href)
	if removed && !p.hostHasRoutes(hostname) {
		p.certs.Remove(hostname)
	}
	return removed, nil
}

func (p *Proxy) hostHasRoutes(hostname string) bool {
	for _, h := range p.table.Hosts() {
		if h == hostname {
			return true
		}
	}
	return false
}
