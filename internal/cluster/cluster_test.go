// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_StartsCountWorkers(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "started")

	argv := []string{"sh", "-c", fmt.Sprintf(`echo started >> %q; sleep 5`, marker)}
	s := New(2, argv, nil, dir, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(marker)
		if err != nil {
			return false
		}
		return strings.Count(string(data), "started") == 2
	}, time.Second, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestSupervisor_RestartsOnExit(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "runs")

	argv := []string{"sh", "-c", fmt.Sprintf(`echo x >> %q`, marker)}
	s := New(1, argv, nil, dir, nil)

	// Long enough for one restart after restartBackoff (1s).
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(marker)
		if err != nil {
			return false
		}
		return len(data) >= 4
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestSupervisor_ShutdownSendsSIGTERMBeforeKill(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "trapped")

	script := fmt.Sprintf(`trap 'echo trapped >> %q; exit 0' TERM; sleep 30 & wait`, marker)
	argv := []string{"sh", "-c", script}
	s := New(1, argv, nil, dir, nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.cmds[0]
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Contains(t, string(data), "trapped")
}

func TestWorkerEnv(t *testing.T) {
	assert.Equal(t, "RPROX_WORKER=1", WorkerEnv)
}
