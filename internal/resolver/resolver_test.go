// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeproxy/rprox/internal/routing"
	"github.com/latticeproxy/rprox/internal/urlutil"
)

func newReq(t *testing.T, path string) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodGet, path, nil)
}

func TestPipeline_ResolvesBuiltInTableRoute(t *testing.T) {
	table := routing.NewTable()
	target, err := urlutil.BuildTarget("127.0.0.1:9000", urlutil.TargetOptions{})
	require.NoError(t, err)
	_, err = table.Register("example.com", "/", target, routing.Options{}, nil)
	require.NoError(t, err)

	p := NewPipeline(table)
	route, err := p.Resolve(context.Background(), "example.com", "/a/b", newReq(t, "/a/b"))
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, "/", route.Path)
}

func TestPipeline_ExtraResolverWinsOverTableByPriority(t *testing.T) {
	table := routing.NewTable()
	target, err := urlutil.BuildTarget("127.0.0.1:9000", urlutil.TargetOptions{})
	require.NoError(t, err)
	_, err = table.Register("example.com", "/", target, routing.Options{}, nil)
	require.NoError(t, err)

	p := NewPipeline(table)
	r := &Resolver{
		Priority: 10,
		Fn: func(host, reqPath string, req *http.Request) (Result, error) {
			return "127.0.0.1:9100", nil
		},
	}
	p.Add(r)

	route, err := p.Resolve(context.Background(), "example.com", "/x", newReq(t, "/x"))
	require.NoError(t, err)
	require.NotNil(t, route)
	require.Len(t, route.URLs, 1)
	assert.Equal(t, "127.0.0.1:9100", route.URLs[0].Host)
}

func TestPipeline_ResolvedDescriptorRejectedOutsidePrefix(t *testing.T) {
	table := routing.NewTable()
	p := NewPipeline(table)
	r := &Resolver{
		Priority: 10,
		Fn: func(host, reqPath string, req *http.Request) (Result, error) {
			return Descriptor{URL: []string{"127.0.0.1:9100"}, Path: "/only-here"}, nil
		},
	}
	p.Add(r)

	route, err := p.Resolve(context.Background(), "example.com", "/elsewhere", newReq(t, "/elsewhere"))
	require.NoError(t, err)
	assert.Nil(t, route)
}

func TestPipeline_RemoveDropsResolverByIdentity(t *testing.T) {
	table := routing.NewTable()
	p := NewPipeline(table)
	r := &Resolver{Priority: 1, Fn: func(string, string, *http.Request) (Result, error) { return "127.0.0.1:1", nil }}
	p.Add(r)
	p.Remove(r)

	route, err := p.Resolve(context.Background(), "example.com", "/", newReq(t, "/"))
	require.NoError(t, err)
	assert.Nil(t, route)
}

func TestPipeline_AddSortsDescendingAndDedupes(t *testing.T) {
	table := routing.NewTable()
	p := NewPipeline(table)
	low := &Resolver{Priority: 1}
	high := &Resolver{Priority: 100}
	p.Add(low, high, low)

	require.Len(t, p.resolvers, 2)
	assert.Equal(t, high, p.resolvers[0])
	assert.Equal(t, low, p.resolvers[1])
}

func TestPipeline_ResolverErrorTreatedAsRoutingMiss(t *testing.T) {
	table := routing.NewTable()
	p := NewPipeline(table)
	r := &Resolver{
		Priority: 5,
		Fn: func(string, string, *http.Request) (Result, error) {
			return nil, assertError{}
		},
	}
	p.Add(r)

	route, err := p.Resolve(context.Background(), "example.com", "/", newReq(t, "/"))
	require.NoError(t, err)
	assert.Nil(t, route)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
