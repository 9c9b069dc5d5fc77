// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/latticeproxy/rprox/internal/config"
	"github.com/latticeproxy/rprox/internal/rprox"
)

var version = "0.1.0"

func main() {
	var (
		configPath  string
		host        string
		port        int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default: auto-detect)")
	flag.StringVar(&configPath, "c", "", "Path to config file (short)")
	flag.StringVar(&host, "host", "", "HTTP listener host (overrides config)")
	flag.IntVar(&port, "port", 0, "HTTP listener port (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("rproxd %s\n", version)
		os.Exit(0)
	}

	loader := config.NewLoader()
	if configPath == "" {
		found, err := loader.FindConfig()
		if err != nil {
			log.Fatalf("rproxd: %v", err)
		}
		configPath = found
	}

	log.Printf("rproxd: using config %s", configPath)

	cfg, err := loader.LoadWithDefaults(context.Background(), configPath)
	if err != nil {
		log.Fatalf("rproxd: %v", err)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	opts, routes, err := buildOptions(cfg)
	if err != nil {
		log.Fatalf("rproxd: %v", err)
	}

	p, err := rprox.New(opts)
	if err != nil {
		log.Fatalf("rproxd: create proxy: %v", err)
	}

	for _, r := range routes {
		for _, target := range r.cfg.Targets {
			if _, err := p.Register(r.cfg.Src, target, r.opts); err != nil {
				log.Fatalf("rproxd: register %s -> %s: %v", r.cfg.Src, target, err)
			}
		}
	}

	if err := p.Run(context.Background()); err != nil {
		log.Fatalf("rproxd: %v", err)
	}
}

// preparedRoute pairs a config.RouteConfig with the rprox.RegisterOptions
// translated from it, since RegisterOptions must be built once per route
// (not per target) but Register is called once per target.
type preparedRoute struct {
	cfg  config.RouteConfig
	opts rprox.RegisterOptions
}

// buildOptions translates a loaded config.Config into rprox.Options plus
// the list of routes to register once the proxy is constructed.
func buildOptions(cfg *config.Config) (rprox.Options, []preparedRoute, error) {
	opts := rprox.Options{
		Port:                cfg.Server.Port,
		Host:                cfg.Server.Host,
		PreferForwardedHost: cfg.Server.PreferForwardedHost,
		XFwd:                cfg.Server.XFwd,
		Cluster:             cfg.Cluster,
		DisableLogging:      cfg.Logging.Disabled,
	}

	for _, tls := range cfg.TLS {
		opts.SSL = append(opts.SSL, rprox.SSLListenerOptions{
			Port:         tls.Port,
			IP:           tls.Host,
			Key:          tls.Key,
			Cert:         tls.Cert,
			CA:           tls.CA,
			HTTP2:        tls.HTTP2,
			Redirect:     tls.Redirect,
			RedirectPort: tls.RedirectPort,
		})
	}

	if cfg.Letsencrypt != nil {
		opts.Letsencrypt = &rprox.LetsencryptOptions{
			Path:         cfg.Letsencrypt.Path,
			Port:         cfg.Letsencrypt.Port,
			RenewWithin:  config.ParseDuration(cfg.Letsencrypt.RenewWithin, 0),
			MinRenewTime: config.ParseDuration(cfg.Letsencrypt.MinRenewTime, 0),
		}
	}

	routes := make([]preparedRoute, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		if len(rc.Targets) == 0 {
			return rprox.Options{}, nil, fmt.Errorf("route %q declares no targets", rc.Src)
		}
		ro := rprox.RegisterOptions{
			UseTargetHostHeader: rc.UseTargetHostHeader,
		}
		if rc.SSL != nil {
			sslOpts := &rprox.SSLRouteOptions{
				Key:      rc.SSL.Key,
				Cert:     rc.SSL.Cert,
				CA:       rc.SSL.CA,
				Redirect: rc.SSL.Redirect,
			}
			if rc.SSL.Letsencrypt != nil {
				sslOpts.Letsencrypt = &rprox.RouteLetsencryptOptions{
					Email:       rc.SSL.Letsencrypt.Email,
					Production:  rc.SSL.Letsencrypt.Production,
					RenewWithin: config.ParseDuration(rc.SSL.Letsencrypt.RenewWithin, 0),
				}
			}
			ro.SSL = sslOpts
		}
		routes = append(routes, preparedRoute{cfg: rc, opts: ro})
	}

	return opts, routes, nil
}
