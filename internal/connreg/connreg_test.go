// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package connreg

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	net.Conn
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{}, 1)}
}

func (f *fakeConn) Close() error {
	select {
	case f.closed <- struct{}{}:
	default:
	}
	return nil
}

func TestRegistry_AddRemove(t *testing.T) {
	r := New()
	c := newFakeConn()
	id := r.Add(c)
	assert.Equal(t, 1, r.Len())

	r.Remove(id)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_AddAssignsMonotonicIDs(t *testing.T) {
	r := New()
	id1 := r.Add(newFakeConn())
	id2 := r.Add(newFakeConn())
	assert.NotEqual(t, id1, id2)
	assert.True(t, id1 < id2, "ulids minted in sequence should sort ascending")
}

func TestRegistry_DrainClosesOnlyCapturedConnsAfterDelay(t *testing.T) {
	r := New()
	early := newFakeConn()
	r.Add(early)

	r.Drain()

	late := newFakeConn()
	r.Add(late)

	select {
	case <-early.closed:
		t.Fatal("drained connection closed before delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		select {
		case <-early.closed:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	select {
	case <-late.closed:
		t.Fatal("connection registered after Drain should not be force-closed")
	default:
	}
}
