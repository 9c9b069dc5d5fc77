// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package certstore indexes TLS certificates by hostname for SNI
// selection and tracks per-hostname renewal timers.
package certstore

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/latticeproxy/rprox/internal/watcher"
)

// entry is one hostname's certificate plus its optional renewal timer.
// The timer, if present, must be cleared when the entry is removed.
type entry struct {
	cert         *tls.Certificate
	renewalTimer *time.Timer
	watchedFiles []string // non-empty when this entry hot-reloads from disk
}

// Store maps hostname -> *tls.Certificate (nil meaning "use the
// listener's default cert"), hot-reloading watched cert/key pairs via
// fsnotify with a debounce-and-atomic-swap on change.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	logger *log.Logger

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup

	debouncer *watcher.Debouncer
}

// New creates an empty certificate store. If logger is nil, log.Default()
// is used.
func New(logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("certstore: create watcher: %w", err)
	}
	s := &Store{
		entries:   make(map[string]*entry),
		logger:    logger,
		watcher:   w,
		closeCh:   make(chan struct{}),
		debouncer: watcher.NewDebouncer(debounceDuration),
	}
	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

// LoadPEM builds a tls.Certificate from a cert/key file pair and installs
// it under hostname. When watch is true, the cert and key files are
// watched for changes and hot-swapped; never used for ACME-managed
// entries, whose renewal is timer driven instead.
func (s *Store) LoadPEM(hostname, certPath, keyPath string, watch bool) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("certstore: load cert/key for %s: %w", hostname, err)
	}
	s.Set(hostname, &cert)

	if watch {
		if err := s.watcher.Add(certPath); err != nil {
			s.logger.Printf("certstore: watch %s: %v", certPath, err)
		}
		if err := s.watcher.Add(keyPath); err != nil {
			s.logger.Printf("certstore: watch %s: %v", keyPath, err)
		}
		s.mu.Lock()
		if e, ok := s.entries[normalize(hostname)]; ok {
			e.watchedFiles = []string{certPath, keyPath}
		}
		s.mu.Unlock()
	}
	return nil
}

// Set atomically installs cert (or nil, meaning "fall back to listener
// default") for hostname.
func (s *Store) Set(hostname string, cert *tls.Certificate) {
	hostname = normalize(hostname)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[hostname]
	if !ok {
		e = &entry{}
		s.entries[hostname] = e
	}
	e.cert = cert
}

// Lookup returns the certificate for hostname, or nil if there is no
// entry / the entry explicitly falls back to the listener default. Safe
// to call from a tls.Config.GetCertificate callback: renewals replace
// e.cert under the same mutex, so the SNI callback always observes either
// the old or the new cert, never a half-installed one.
func (s *Store) Lookup(hostname string) *tls.Certificate {
	hostname = normalize(hostname)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hostname]
	if !ok {
		return nil
	}
	return e.cert
}

// SetRenewalTimer installs (replacing any previous) renewal timer for
// hostname. The store takes ownership of stopping it on Remove.
func (s *Store) SetRenewalTimer(hostname string, timer *time.Timer) {
	hostname = normalize(hostname)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[hostname]
	if !ok {
		e = &entry{}
		s.entries[hostname] = e
	}
	if e.renewalTimer != nil {
		e.renewalTimer.Stop()
	}
	e.renewalTimer = timer
}

// Remove deletes hostname's entry, stopping its renewal timer and
// unwatching any hot-reloaded files.
func (s *Store) Remove(hostname string) {
	hostname = normalize(hostname)
	s.mu.Lock()
	e, ok := s.entries[hostname]
	if ok {
		delete(s.entries, hostname)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if e.renewalTimer != nil {
		e.renewalTimer.Stop()
	}
	for _, f := range e.watchedFiles {
		_ = s.watcher.Remove(f)
	}
}

// Has reports whether hostname has any entry (used by register() to
// decide whether to build a new SecureContext or reuse one).
func (s *Store) Has(hostname string) bool {
	hostname = normalize(hostname)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[hostname]
	return ok
}

// Close stops the file watcher and all renewal timers.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.watcher.Close()
		s.wg.Wait()
		s.debouncer.Stop()

		s.mu.Lock()
		for _, e := range s.entries {
			if e.renewalTimer != nil {
				e.renewalTimer.Stop()
			}
		}
		s.mu.Unlock()
	})
	return err
}

func (s *Store) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.debouncer.Debounce(ev.Name, func() { s.reloadFile(ev.Name) })
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("certstore: watcher error: %v", err)
		}
	}
}

const debounceDuration = 250 * time.Millisecond

func (s *Store) reloadFile(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	s.mu.RLock()
	var hostname, certPath, keyPath string
	for h, e := range s.entries {
		if len(e.watchedFiles) == 2 && (e.watchedFiles[0] == path || e.watchedFiles[1] == path) {
			hostname, certPath, keyPath = h, e.watchedFiles[0], e.watchedFiles[1]
			break
		}
	}
	s.mu.RUnlock()

	if hostname == "" {
		return
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		s.logger.Printf("certstore: reload %s: %v", hostname, err)
		return
	}
	s.Set(hostname, &cert)
	s.logger.Printf("certstore: reloaded certificate for %s", hostname)
}

func normalize(hostname string) string {
	return strings.ToLower(hostname)
}
