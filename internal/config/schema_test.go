// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		def      string
		expected string
	}{
		{name: "valid duration", input: "5m", def: "1m", expected: "5m"},
		{name: "empty uses default", input: "", def: "30s", expected: "30s"},
		{name: "invalid uses default", input: "not-a-duration", def: "10h", expected: "10h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseDuration(tt.input, mustParseDuration(tt.def))
			assert.Equal(t, mustParseDuration(tt.expected), result)
		})
	}
}

func TestServerConfig_XFwdEnabled(t *testing.T) {
	assert.True(t, (&ServerConfig{}).XFwdEnabled())
	assert.True(t, (&ServerConfig{XFwd: boolPtr(true)}).XFwdEnabled())
	assert.False(t, (&ServerConfig{XFwd: boolPtr(false)}).XFwdEnabled())
}

func TestTLSListenerConfig_RedirectEnabled(t *testing.T) {
	assert.True(t, (&TLSListenerConfig{}).RedirectEnabled())
	assert.False(t, (&TLSListenerConfig{Redirect: boolPtr(false)}).RedirectEnabled())
}

func TestRouteSSLConfig_RedirectEnabled(t *testing.T) {
	var nilCfg *RouteSSLConfig
	assert.True(t, nilCfg.RedirectEnabled())
	assert.True(t, (&RouteSSLConfig{}).RedirectEnabled())
	assert.False(t, (&RouteSSLConfig{Redirect: boolPtr(false)}).RedirectEnabled())
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Nil(t, cfg.Letsencrypt)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Host: "127.0.0.1"},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "json",
		},
	}
	applyDefaults(cfg)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestApplyDefaults_TLSRedirectPort(t *testing.T) {
	cfg := &Config{
		TLS: []TLSListenerConfig{
			{Port: 8443},
			{Port: 9443, RedirectPort: 9080},
		},
	}
	applyDefaults(cfg)

	assert.Equal(t, 8443, cfg.TLS[0].RedirectPort)
	assert.Equal(t, 9080, cfg.TLS[1].RedirectPort)
}
