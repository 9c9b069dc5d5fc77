// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"syscall"
)

// defaultErrorHandler is the baked-in fallback: ECONNREFUSED
// maps to 502, anything else to 500, and "socket hang up"-equivalent
// errors (the peer closing the connection mid-flight) are not logged at
// error level since they are routine under load-balanced backends cycling
// connections.
//
// httputil.ReverseProxy only invokes its ErrorHandler for RoundTrip
// failures, which happen before any bytes of the response are written, so
// it is always safe to set the status code here.
func defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if !isPeerHangup(err) {
		log.Printf("proxy: %s %s -> upstream error: %v", r.Method, r.URL.Path, err)
	}

	status := http.StatusInternalServerError
	if errors.Is(err, syscall.ECONNREFUSED) {
		status = http.StatusBadGateway
	}

	w.WriteHeader(status)
	_, _ = io.WriteString(w, err.Error())
}

// isPeerHangup reports whether err represents the upstream closing the
// connection before responding -- routine under load-balanced backends
// cycling connections, and not worth error-level logging.
func isPeerHangup(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection")
}
