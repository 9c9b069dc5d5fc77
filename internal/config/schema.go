// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config handles HJSON configuration loading for the proxy daemon.
package config

import "time"

// Config is the root configuration structure for rproxd.
type Config struct {
	Server      ServerConfig       `json:"server"`
	TLS         []TLSListenerConfig `json:"tls"`
	Logging     LoggingConfig      `json:"logging"`
	Cluster     int                `json:"cluster"`
	Letsencrypt *LetsencryptConfig `json:"letsencrypt"`
	Routes      []RouteConfig      `json:"routes"`
}

// ServerConfig configures the plain HTTP front-end listener.
type ServerConfig struct {
	Port             int    `json:"port"`
	Host             string `json:"host"`
	PreferForwardedHost bool `json:"prefer_forwarded_host"`
	XFwd             *bool  `json:"xfwd"`
}

// XFwdEnabled returns whether X-Forwarded-* headers should be added, default true.
func (s *ServerConfig) XFwdEnabled() bool {
	if s.XFwd == nil {
		return true
	}
	return *s.XFwd
}

// TLSListenerConfig configures one HTTPS front-end listener.
type TLSListenerConfig struct {
	Port         int    `json:"port"`
	Host         string `json:"host"`
	Cert         string `json:"cert"`
	Key          string `json:"key"`
	CA           string `json:"ca"`
	HTTP2        bool   `json:"http2"`
	Redirect     *bool  `json:"redirect"`
	RedirectPort int    `json:"redirect_port"`
}

// RedirectEnabled returns whether HTTP requests should be redirected to this
// listener, default true.
func (t *TLSListenerConfig) RedirectEnabled() bool {
	if t.Redirect == nil {
		return true
	}
	return *t.Redirect
}

// LoggingConfig configures application logging. Format is carried for
// operator intent but is not wired to a structured encoder -- logging
// always goes through the standard "log" package.
type LoggingConfig struct {
	Disabled bool   `json:"disabled"`
	Level    string `json:"level"`
	Format   string `json:"format"`
}

// LetsencryptConfig configures the global ACME bootstrap: the shared
// account, challenge port, and the renewal window applied to every route
// that opts into automatic certificates.
type LetsencryptConfig struct {
	Path          string `json:"path"`
	Port          int    `json:"port"`
	RenewWithin   string `json:"renew_within"`
	MinRenewTime  string `json:"min_renew_time"`
}

// RouteConfig declares one register() call to perform at startup.
type RouteConfig struct {
	Src                 string              `json:"src"`
	Targets             []string            `json:"targets"`
	UseTargetHostHeader bool                `json:"use_target_host_header"`
	SSL                 *RouteSSLConfig     `json:"ssl"`
}

// RouteSSLConfig is a route's per-hostname TLS configuration: an explicit
// cert/key pair, or an ACME opt-in via Letsencrypt.
type RouteSSLConfig struct {
	Key         string                `json:"key"`
	Cert        string                `json:"cert"`
	CA          string                `json:"ca"`
	Redirect    *bool                 `json:"redirect"`
	Letsencrypt *RouteLetsencryptConfig `json:"letsencrypt"`
}

// RedirectEnabled returns whether sslRedirect should be set for this route's
// targets, default true.
func (s *RouteSSLConfig) RedirectEnabled() bool {
	if s == nil || s.Redirect == nil {
		return true
	}
	return *s.Redirect
}

// RouteLetsencryptConfig opts a single route's hostname into ACME with its
// own email and CA choice. RenewWithin is parsed but not applied: renewal
// timing always comes from the global LetsencryptConfig.RenewWithin.
type RouteLetsencryptConfig struct {
	Email       string `json:"email"`
	Production  bool   `json:"production"`
	RenewWithin string `json:"renew_within"`
}

// ParseDuration parses a duration string, returning a default if empty or invalid.
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Letsencrypt != nil {
		if cfg.Letsencrypt.Port == 0 {
			cfg.Letsencrypt.Port = 3000
		}
		if cfg.Letsencrypt.RenewWithin == "" {
			cfg.Letsencrypt.RenewWithin = "720h" // 30 days
		}
		if cfg.Letsencrypt.MinRenewTime == "" {
			cfg.Letsencrypt.MinRenewTime = "1h"
		}
	}
	for i := range cfg.TLS {
		if cfg.TLS[i].RedirectPort == 0 {
			cfg.TLS[i].RedirectPort = cfg.TLS[i].Port
		}
	}
}
