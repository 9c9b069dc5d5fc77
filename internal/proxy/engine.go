// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the HTTP and WebSocket forwarding engine: it
// resolves a request to a target via the resolver pipeline, rewrites its
// URL, forwards it through a cached Handle, and runs the route's
// OnRequest/OnResponse/OnError hooks around that forward.
package proxy

import (
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/latticeproxy/rprox/internal/certstore"
	"github.com/latticeproxy/rprox/internal/resolver"
	"github.com/latticeproxy/rprox/internal/routing"
	"github.com/latticeproxy/rprox/internal/urlutil"
)

// ErrorHandler is the engine-wide fallback invoked when a route has no
// OnError hook of its own.
type ErrorHandler func(err error, w http.ResponseWriter, r *http.Request, target urlutil.Target)

// Options configures an Engine: top-level defaults a route's own
// HTTPProxyOptions may override.
type Options struct {
	PreferForwardedHost bool
	XFwd                bool
	Secure              bool
	NTLM                bool

	// HTTPSRedirectPort is used to build the Location header on the
	// HTTP->HTTPS redirect: redirectPort defaults to ssl.redirectPort,
	// falling back to ssl.port. 0/443 are both rendered as the schemeless
	// default.
	HTTPSRedirectPort int

	NotFound     http.HandlerFunc
	ErrorHandler ErrorHandler

	Logger *log.Logger
}

// Engine is the request-serving half of the proxy; internal/rprox builds
// one per Proxy instance and hands it to internal/listener as the
// http.Handler for every listener.
type Engine struct {
	pipeline *resolver.Pipeline
	certs    *certstore.Store
	handles  *handleCache
	opts     Options
	logger   *log.Logger
}

// New creates an Engine bound to pipeline (route resolution) and certs
// (used only to decide whether a hostname has a cert installed, for the
// HTTP->HTTPS redirect check).
func New(pipeline *resolver.Pipeline, certs *certstore.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		pipeline: pipeline,
		certs:    certs,
		handles:  newHandleCache(opts.NTLM),
		opts:     opts,
		logger:   logger,
	}
}

// HandleFactory adapts the Engine's own handle cache into a
// routing.ProxyHandleFactory, so internal/rprox can pass it to
// routing.Table.Register and have registration eagerly build (and fail
// fast on) the same cache entries ServeHTTP looks up at request time.
func (e *Engine) HandleFactory() func(protocol, hostname, port string, changeOrigin bool) any {
	return func(protocol, hostname, port string, changeOrigin bool) any {
		return e.handles.getOrCreate(protocol, hostname, port, changeOrigin, e.opts.Secure)
	}
}

// ServeHTTP runs the full request path: resolve, rewrite, pick a target,
// run OnRequest, redirect-to-HTTPS if required, then either tunnel
// (WebSocket) or forward (HTTP) through a cached Handle.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := e.sourceHost(r)

	route, err := e.pipeline.Resolve(r.Context(), host, r.URL.Path, r)
	if err != nil {
		e.notFound(w, r)
		return
	}
	if route == nil || len(route.URLs) == 0 {
		e.notFound(w, r)
		return
	}

	target, ok := route.NextTarget()
	if !ok {
		e.notFound(w, r)
		return
	}

	// Stashed before the rewrite below overwrites r.URL in place, so a
	// redirect-to-HTTPS decision below still has the client's original
	// request URI to build its Location header from.
	originalURL := *r.URL

	rewritten := urlutil.Rewrite(r.URL.Path, r.URL.RawQuery, route.Path, target.Pathname)
	r.URL.Path = rewritten.Path
	r.URL.RawQuery = rewritten.RawQuery

	if route.Opts.OnRequest != nil {
		decision := route.Opts.OnRequest(w, r, target)
		switch decision.Kind {
		case routing.Skip:
			if route.Opts.OnResponse != nil {
				route.Opts.OnResponse(w, r, target)
			}
			return
		case routing.Replace:
			target = decision.Target
		}
	}

	if e.shouldRedirectToHTTPS(r, target) {
		e.redirectToHTTPS(w, r, &originalURL)
		return
	}

	if isWebSocket(r) {
		serveWebSocket(w, r, target.Host)
		return
	}

	e.forward(route, target, w, r)
}

// forward selects (or builds) the Handle for target's origin, merges
// route-level httpProxy overrides over the engine defaults, installs the
// per-request hook state, and serves the request through it.
func (e *Engine) forward(route *routing.Route, target urlutil.Target, w http.ResponseWriter, r *http.Request) {
	xfwd := e.opts.XFwd
	if route.Opts.HTTPProxy.XFwd != nil {
		xfwd = *route.Opts.HTTPProxy.XFwd
	}
	if xfwd {
		e.addForwardedHeaders(r)
	}

	changeOrigin := target.UseTargetHostHeader || route.Opts.UseTargetHostHeader
	secure := e.opts.Secure
	if route.Opts.HTTPProxy.Secure != nil {
		secure = *route.Opts.HTTPProxy.Secure
	}
	handle := e.handles.getOrCreate(target.Protocol, target.Hostname, target.Port, changeOrigin, secure)

	onResponse := route.Opts.OnResponse
	onError := route.Opts.OnError
	state := &requestState{
		onSuccess: func(resp *http.Response) {
			if onResponse != nil {
				onResponse(w, r, target)
			}
		},
		onFailure: func(w http.ResponseWriter, r *http.Request, err error) {
			switch {
			case onError != nil:
				onError(err, w, r, target)
			case e.opts.ErrorHandler != nil:
				e.opts.ErrorHandler(err, w, r, target)
			default:
				defaultErrorHandler(w, r, err)
			}
		},
	}
	r = r.WithContext(withState(r.Context(), state))

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	handle.serve(rec, r)
	elapsed := time.Since(start)
	if elapsed > slowRequestThreshold {
		e.logger.Printf("proxy: %s %s -> %d in %s (slow)", r.Method, r.URL.Path, rec.statusCode, elapsed)
	}
}

// slowRequestThreshold is the forward duration above which a request is
// logged as slow.
const slowRequestThreshold = 5 * time.Second

// sourceHost extracts the routing hostname: the preferForwardedHost
// option checks X-Forwarded-Host first, the port suffix is always
// stripped.
func (e *Engine) sourceHost(r *http.Request) string {
	host := r.Host
	if e.opts.PreferForwardedHost {
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = strings.Split(fwd, ",")[0]
			host = strings.TrimSpace(host)
		}
	}
	return urlutil.StripHostPort(host)
}

// addForwardedHeaders sets X-Forwarded-For/Port/Proto, gated by the
// proxy's own xfwd option rather than being unconditional.
func (e *Engine) addForwardedHeaders(r *http.Request) {
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			r.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.Header.Get("X-Forwarded-Proto") == "" {
		if r.TLS != nil {
			r.Header.Set("X-Forwarded-Proto", "https")
		} else {
			r.Header.Set("X-Forwarded-Proto", "http")
		}
	}
	if r.Header.Get("X-Forwarded-Host") == "" {
		r.Header.Set("X-Forwarded-Host", r.Host)
	}
	if _, port, err := net.SplitHostPort(r.Host); err == nil && r.Header.Get("X-Forwarded-Port") == "" {
		r.Header.Set("X-Forwarded-Port", port)
	}
}

// shouldRedirectToHTTPS reports whether a plaintext request must be
// bounced to HTTPS: the request arrived over cleartext, the selected target
// carries sslRedirect, and a certificate is installed for this host (an
// Engine built without a cert store treats every host as having one). ACME
// challenge paths are exempt because internal/acme
// registers its own resolver at a priority high enough to win before this
// check ever runs for challenge paths.
func (e *Engine) shouldRedirectToHTTPS(r *http.Request, target urlutil.Target) bool {
	if r.TLS != nil {
		return false
	}
	if !target.SSLRedirect {
		return false
	}
	if e.certs == nil {
		return true
	}
	return e.certs.Has(e.sourceHost(r))
}

func (e *Engine) redirectToHTTPS(w http.ResponseWriter, r *http.Request, original *url.URL) {
	host := urlutil.StripHostPort(r.Host)
	if p := e.opts.HTTPSRedirectPort; p != 0 && p != 443 {
		host = net.JoinHostPort(host, httpPortString(p))
	}
	target := "https://" + host + original.RequestURI()
	http.Redirect(w, r, target, http.StatusFound)
}

func httpPortString(port int) string {
	return strconv.Itoa(port)
}

func (e *Engine) notFound(w http.ResponseWriter, r *http.Request) {
	if e.opts.NotFound != nil {
		e.opts.NotFound(w, r)
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

// statusRecorder wraps http.ResponseWriter to capture the status code for
// slow/error-request logging.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseWriter optional interfaces (Flusher, Hijacker)
// pass through a statusRecorder wrapper.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
