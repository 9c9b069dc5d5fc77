// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package acme

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeproxy/rprox/internal/certstore"
	"github.com/latticeproxy/rprox/internal/resolver"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 30*24*time.Hour, cfg.RenewWithin)
	assert.Equal(t, time.Hour, cfg.MinRenewTime)
}

func TestConfig_ApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{Port: 9000, RenewWithin: time.Hour, MinRenewTime: time.Minute}
	cfg.applyDefaults()
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, time.Hour, cfg.RenewWithin)
	assert.Equal(t, time.Minute, cfg.MinRenewTime)
}

func TestNew_RequiresPath(t *testing.T) {
	store, err := certstore.New(nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = New(store, Config{}, nil)
	assert.Error(t, err)
}

func TestManager_ChallengeResolverMatchesWellKnownPathOnly(t *testing.T) {
	store, err := certstore.New(nil)
	require.NoError(t, err)
	defer store.Close()

	dir := t.TempDir()
	m, err := New(store, Config{Path: dir, Port: 3999}, nil)
	require.NoError(t, err)

	res := m.ChallengeResolver()
	assert.Equal(t, 9999, res.Priority)

	req := httpRequest(t, "/.well-known/acme-challenge/token123")
	result, err := res.Fn("example.com", req.URL.Path, req)
	require.NoError(t, err)
	descriptor, ok := result.(resolver.Descriptor)
	require.True(t, ok)
	assert.Equal(t, []string{"http://127.0.0.1:3999/example.com"}, descriptor.URL)
	assert.Equal(t, "/.well-known/acme-challenge", descriptor.Path)

	req = httpRequest(t, "/unrelated/path")
	result, err = res.Fn("example.com", req.URL.Path, req)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func httpRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://example.com"+path, nil)
	require.NoError(t, err)
	return req
}
