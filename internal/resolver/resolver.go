// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package resolver implements the prioritized resolver pipeline: an
// ordered list of resolver callables, plus the built-in table resolver,
// invoked concurrently and coerced into a routing.Route.
package resolver

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/latticeproxy/rprox/internal/routing"
	"github.com/latticeproxy/rprox/internal/urlutil"
)

// Result is what a Resolver may return: a ready-made *routing.Route, a
// bare target string, a descriptor, or nil.
type Result any

// Descriptor is the object-shaped resolver return value: one or more
// target URLs plus an optional path.
type Descriptor struct {
	URL  []string
	Path string
	Opts routing.Options
}

// Func is a resolver callable.
type Func func(host, reqPath string, r *http.Request) (Result, error)

// Resolver pairs a resolver callable with its priority.
type Resolver struct {
	Fn       Func
	Priority int
}

// Pipeline is the ordered, priority-sorted, duplicate-free sequence of
// resolvers, plus the built-in table resolver (priority 0).
type Pipeline struct {
	mu        sync.RWMutex
	resolvers []*Resolver
	table     *routing.Table
}

// NewPipeline creates a pipeline whose built-in resolver reads table.
func NewPipeline(table *routing.Table) *Pipeline {
	p := &Pipeline{table: table}
	return p
}

// Add appends resolvers, then re-sorts descending by priority and removes
// duplicate entries (same *Resolver pointer appearing more than once).
func (p *Pipeline) Add(resolvers ...*Resolver) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resolvers = append(p.resolvers, resolvers...)
	p.dedupeLocked()
	p.sortLocked()
}

// Remove deletes all entries identical (by pointer) to r.
func (p *Pipeline) Remove(r *Resolver) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.resolvers[:0]
	for _, existing := range p.resolvers {
		if existing != r {
			kept = append(kept, existing)
		}
	}
	p.resolvers = kept
}

func (p *Pipeline) sortLocked() {
	sort.SliceStable(p.resolvers, func(i, j int) bool {
		return p.resolvers[i].Priority > p.resolvers[j].Priority
	})
}

func (p *Pipeline) dedupeLocked() {
	seen := make(map[*Resolver]bool, len(p.resolvers))
	kept := p.resolvers[:0]
	for _, r := range p.resolvers {
		if seen[r] {
			continue
		}
		seen[r] = true
		kept = append(kept, r)
	}
	p.resolvers = kept
}

func (p *Pipeline) snapshot() []*Resolver {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Resolver, len(p.resolvers))
	copy(out, p.resolvers)
	return out
}

// tableResolver is the priority-0 built-in: it is always consulted and its
// results are trusted without the isResolved prefix re-check.
func (p *Pipeline) tableResolver(host, reqPath string, _ *http.Request) (Result, error) {
	route := p.table.Lookup(host, reqPath)
	if route == nil {
		return nil, nil
	}
	return route, nil
}

// Resolve invokes every extra resolver concurrently plus the built-in
// table resolver, awaits all of them, then scans results in pipeline
// order for the first one that coerces into a usable route.
func (p *Pipeline) Resolve(ctx context.Context, host, reqPath string, r *http.Request) (*routing.Route, error) {
	host = strings.ToLower(host)
	resolvers := p.snapshot()

	results := make([]Result, len(resolvers)+1)

	g, gctx := errgroup.WithContext(ctx)
	for i, res := range resolvers {
		i, res := i, res
		g.Go(func() error {
			out, err := res.Fn(host, reqPath, r.WithContext(gctx))
			if err != nil {
				// A single resolver's failure doesn't fail the whole
				// batch request-wise; it is treated as a miss for that
				// resolver's contribution only.
				return nil
			}
			results[i] = out
			return nil
		})
	}
	// Built-in table resolver always runs, priority 0, last slot.
	tableResult, _ := p.tableResolver(host, reqPath, r)
	results[len(resolvers)] = tableResult

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Scan in pipeline-priority order: extra resolvers are already sorted
	// descending by priority, and the built-in table resolver takes its
	// priority 0 slot ahead of any extra resolver whose priority is 0 or
	// lower.
	tableScanned := false
	for i, res := range resolvers {
		if !tableScanned && res.Priority <= 0 {
			tableScanned = true
			if route, ok := p.coerce(results[len(resolvers)], reqPath, false); ok {
				return route, nil
			}
		}
		if route, ok := p.coerce(results[i], reqPath, true); ok {
			return route, nil
		}
	}
	if !tableScanned {
		if route, ok := p.coerce(results[len(resolvers)], reqPath, false); ok {
			return route, nil
		}
	}
	return nil, nil
}

// coerce turns a resolver Result into a *routing.Route, applying the
// isResolved prefix safety check for everything except trusted built-in
// table results.
func (p *Pipeline) coerce(res Result, reqPath string, checkPrefix bool) (*routing.Route, bool) {
	if res == nil {
		return nil, false
	}

	switch v := res.(type) {
	case *routing.Route:
		return v, true
	case string:
		target, err := urlutil.BuildTarget(v, urlutil.TargetOptions{})
		if err != nil {
			return nil, false
		}
		route := &routing.Route{Path: "/"}
		route.URLs = []urlutil.Target{target}
		if checkPrefix && !urlutil.PathStartsWith(reqPath, route.Path) {
			return nil, false
		}
		return route, true
	case Descriptor:
		if len(v.URL) == 0 {
			return nil, false
		}
		path := v.Path
		if path == "" {
			path = "/"
		}
		if checkPrefix && path != "/" && !urlutil.PathStartsWith(reqPath, path) {
			return nil, false
		}
		targets := make([]urlutil.Target, 0, len(v.URL))
		for _, raw := range v.URL {
			target, err := urlutil.BuildTarget(raw, urlutil.TargetOptions{
				UseTargetHostHeader: v.Opts.UseTargetHostHeader,
			})
			if err != nil {
				continue
			}
			targets = append(targets, target)
		}
		if len(targets) == 0 {
			return nil, false
		}
		route := &routing.Route{Path: path, Opts: v.Opts}
		route.URLs = targets
		return route, true
	default:
		return nil, false
	}
}
