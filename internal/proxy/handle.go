// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"
)

// Handle is the opaque upstream forwarder cached per (protocol, hostname,
// port, changeOrigin) tuple. It wraps a
// single httputil.ReverseProxy bound to one concrete origin; round-robin
// across a route's multiple targets is done by picking a different Handle
// per request, not by mutating one.
type Handle struct {
	rp *httputil.ReverseProxy
}

// handleKey is the cache key: (protocol, hostname, port, changeOrigin,
// secure). secure is included because it changes the underlying
// transport's certificate verification, not just request rewriting.
type handleKey struct {
	protocol     string
	hostname     string
	port         string
	changeOrigin bool
	secure       bool
}

// handleCache is the per-Engine cache of Handles, populated lazily on
// first use of a given origin tuple and read on every subsequent request.
type handleCache struct {
	mu      sync.RWMutex
	handles map[handleKey]*Handle
	ntlm    bool
}

func newHandleCache(ntlm bool) *handleCache {
	return &handleCache{handles: make(map[handleKey]*Handle), ntlm: ntlm}
}

// getOrCreate returns the cached handle for the given origin tuple,
// creating it on first use. changeOrigin controls whether the outbound
// Host header is rewritten to the target's host; secure controls upstream
// TLS certificate verification, defaulting to true but yielding to a
// route's explicit override.
func (c *handleCache) getOrCreate(protocol, hostname, port string, changeOrigin, secure bool) *Handle {
	key := handleKey{protocol: protocol, hostname: hostname, port: port, changeOrigin: changeOrigin, secure: secure}

	c.mu.RLock()
	h, ok := c.handles[key]
	c.mu.RUnlock()
	if ok {
		return h
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[key]; ok {
		return h
	}

	h = c.build(protocol, hostname, port, changeOrigin, secure)
	c.handles[key] = h
	return h
}

func (c *handleCache) build(protocol, hostname, port string, changeOrigin, secure bool) *Handle {
	host := hostname
	if port != "" {
		host = net.JoinHostPort(hostname, port)
	}

	director := func(req *http.Request) {
		req.URL.Scheme = protocol
		req.URL.Host = host
		if changeOrigin {
			req.Host = host
		}
		if _, ok := req.Header["User-Agent"]; !ok {
			req.Header.Set("User-Agent", "")
		}
	}

	rp := &httputil.ReverseProxy{
		Director: director,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: protocol == "https" && !secure},
		},
		// Immediate flushing so SSE / chunked streaming responses are
		// forwarded byte-for-byte instead of buffered.
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			if c.ntlm {
				splitWWWAuthenticate(resp)
			}
			if st := stateFromContext(resp.Request.Context()); st != nil {
				st.onSuccess(resp)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if st := stateFromContext(r.Context()); st != nil {
				st.onFailure(w, r, err)
				return
			}
			defaultErrorHandler(w, r, err)
		},
	}

	return &Handle{rp: rp}
}

// serve forwards req/w through this handle's ReverseProxy.
func (h *Handle) serve(w http.ResponseWriter, req *http.Request) {
	h.rp.ServeHTTP(w, req)
}

type stateCtxKey struct{}

// requestState carries the per-request bookkeeping a route's hooks need:
// the callbacks invoked from ModifyResponse/ErrorHandler, which close over
// the route's hooks and the target selected by round robin. Go's synchronous
// ServeHTTP/ModifyResponse/ErrorHandler pipeline guarantees exactly one of
// onSuccess/onFailure runs once forwarding completes, with no separate
// continuation object needed.
type requestState struct {
	onSuccess func(*http.Response)
	onFailure func(http.ResponseWriter, *http.Request, error)
}

func withState(ctx context.Context, st *requestState) context.Context {
	return context.WithValue(ctx, stateCtxKey{}, st)
}

func stateFromContext(ctx context.Context) *requestState {
	st, _ := ctx.Value(stateCtxKey{}).(*requestState)
	return st
}
