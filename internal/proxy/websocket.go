// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// isWebSocket reports whether r is an Upgrade: websocket request.
func isWebSocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// serveWebSocket tunnels a hijacked client connection to target at the raw
// byte level, not re-framed: it dials whichever concrete target the
// resolver plus round robin selected for the request.
func serveWebSocket(w http.ResponseWriter, r *http.Request, targetAddr string) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	upstreamConn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		log.Printf("proxy: websocket dial %s: %v", targetAddr, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstreamConn.Close()
		http.Error(w, "websocket hijack not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		upstreamConn.Close()
		log.Printf("proxy: websocket hijack: %v", err)
		return
	}

	if err := r.Write(upstreamConn); err != nil {
		clientConn.Close()
		upstreamConn.Close()
		log.Printf("proxy: websocket write request upstream: %v", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(clientConn, upstreamConn)
		if tc, ok := clientConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		} else {
			clientConn.Close()
		}
	}()

	go func() {
		defer wg.Done()
		if clientBuf.Reader.Buffered() > 0 {
			buffered := make([]byte, clientBuf.Reader.Buffered())
			clientBuf.Read(buffered)
			upstreamConn.Write(buffered)
		}
		io.Copy(upstreamConn, clientConn)
		if tc, ok := upstreamConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		} else {
			upstreamConn.Close()
		}
	}()

	wg.Wait()
	clientConn.Close()
	upstreamConn.Close()
}
