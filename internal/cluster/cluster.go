// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cluster implements a multi-worker supervisor: the master forks
// N worker processes and restarts any that exit; workers share no
// in-process state.
package cluster

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	defaultStopTimeout = 10 * time.Second
	restartBackoff     = time.Second
)

// WorkerEnv is the environment variable a spawned worker process finds
// set; rprox.New checks for it (via IsWorker) to run in single-worker mode
// even if the on-disk config still says cluster > 1, so a worker never
// tries to fork its own sub-cluster.
const WorkerEnv = "RPROX_WORKER=1"

const workerEnvName = "RPROX_WORKER"

// IsWorker reports whether the current process was spawned by a
// Supervisor (i.e. has WorkerEnv set). Only the master forks and
// restarts; workers do not share in-process state, so
// register/addResolver/unregister become no-ops on a master process.
func IsWorker() bool {
	return os.Getenv(workerEnvName) == "1"
}

// Supervisor owns N worker processes, each re-executing the current
// binary's argv with WorkerEnv set so the proxy it builds runs in
// single-process mode. Each worker runs in its own
// process group (SysProcAttr{Setpgid:true}) so a stop signal reaches the
// whole group, not just the direct child.
type Supervisor struct {
	count   int
	argv    []string
	env     []string
	workDir string
	logger  *log.Logger

	mu       sync.Mutex
	cmds     map[int]*exec.Cmd
	stopping bool
}

// New creates a Supervisor that will run count copies of argv (typically
// os.Args), each with env plus WorkerEnv set.
func New(count int, argv, env []string, workDir string, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		count:   count,
		argv:    argv,
		env:     env,
		workDir: workDir,
		logger:  logger,
		cmds:    make(map[int]*exec.Cmd),
	}
}

// Run starts count workers and restarts any that exit, until ctx is
// canceled, at which point every worker is sent SIGTERM (then SIGKILL
// after defaultStopTimeout) and Run returns once all have exited.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(s.count)
	for i := 0; i < s.count; i++ {
		i := i
		go func() {
			defer wg.Done()
			s.superviseWorker(ctx, i)
		}()
	}
	wg.Wait()
	return nil
}

// superviseWorker spawns worker id, waits for it to exit, and restarts it
// after restartBackoff for as long as ctx remains live.
func (s *Supervisor) superviseWorker(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		cmd := exec.Command(s.argv[0], s.argv[1:]...)
		cmd.Dir = s.workDir
		cmd.Env = append(append(os.Environ(), s.env...), WorkerEnv, fmt.Sprintf("RPROX_WORKER_ID=%d", id))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		if err := cmd.Start(); err != nil {
			s.logger.Printf("cluster: worker %d failed to start: %v", id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartBackoff):
				continue
			}
		}

		s.mu.Lock()
		s.cmds[id] = cmd
		s.mu.Unlock()
		s.logger.Printf("cluster: worker %d started, pid %d", id, cmd.Process.Pid)

		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				signalStop(cmd, defaultStopTimeout, waitDone)
			case <-waitDone:
			}
		}()

		err := cmd.Wait()
		close(waitDone)

		s.mu.Lock()
		delete(s.cmds, id)
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		s.logger.Printf("cluster: worker %d exited (%v), restarting", id, err)
		time.Sleep(restartBackoff)
	}
}

// signalStop sends SIGTERM to cmd's process group, escalating to SIGKILL
// if the worker hasn't exited (signaled via waitDone closing) within
// timeout. It never calls Process.Wait itself -- only the owning
// superviseWorker goroutine's cmd.Wait() reaps the process.
func signalStop(cmd *exec.Cmd, timeout time.Duration, waitDone <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-waitDone:
	case <-time.After(timeout):
		syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
