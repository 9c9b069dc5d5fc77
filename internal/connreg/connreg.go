// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package connreg tracks live connections for graceful shutdown, draining
// them within a bounded window after a swap.
package connreg

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// drainDelay is how long Close(shutdown=true) waits before force-ending
// every connection captured at the moment of the swap.
const drainDelay = 250 * time.Millisecond

// entropy is process-wide monotonic entropy for ulid generation,
// grounded on oklog/ulid's documented ulid.Monotonic helper.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// Registry is a monotonic-id -> net.Conn map. Adding and removing entries
// is the caller's job (internal/listener wires it via
// http.Server.ConnState, removing an entry on close or on hijack).
type Registry struct {
	mu    sync.Mutex
	conns map[string]net.Conn
}

// New creates an empty connection registry.
func New() *Registry {
	return &Registry{conns: make(map[string]net.Conn)}
}

// Add assigns a new monotonically-increasing id to conn and records it.
func (r *Registry) Add(conn net.Conn) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Now(), entropy)
	entropyMu.Unlock()

	key := id.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[key] = conn
	return key
}

// Remove deletes the entry for key (called on socket close).
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, key)
}

// Len reports the number of currently-live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Drain atomically swaps the live-connection map for an empty one and,
// after drainDelay, force-closes every connection captured at the moment
// of the swap -- new connections registered after the swap are
// untouched.
func (r *Registry) Drain() {
	r.mu.Lock()
	captured := r.conns
	r.conns = make(map[string]net.Conn)
	r.mu.Unlock()

	if len(captured) == 0 {
		return
	}

	time.AfterFunc(drainDelay, func() {
		for _, c := range captured {
			_ = c.Close()
		}
	})
}
