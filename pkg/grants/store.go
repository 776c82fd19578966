// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the memory store sweeps expired grants.
const DefaultCleanupInterval = 5 * time.Minute

// MemoryStore is a thread-safe in-memory grant store with TTL cleanup.
type MemoryStore struct {
	mu        sync.RWMutex
	grants    map[string]*Grant
	userCodes map[string]string

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*memoryStoreConfig)

type memoryStoreConfig struct {
	cleanupInterval time.Duration
}

// WithCleanupInterval overrides the expiry sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(cfg *memoryStoreConfig) {
		cfg.cleanupInterval = interval
	}
}

// NewMemoryStore creates a memory store and starts its cleanup goroutine.
// Call Close to stop it.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	cfg := memoryStoreConfig{cleanupInterval: DefaultCleanupInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &MemoryStore{
		grants:      make(map[string]*Grant),
		userCodes:   make(map[string]string),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanupLoop(cfg.cleanupInterval)
	return s
}

// PutGrant inserts or replaces a grant record.
func (s *MemoryStore) PutGrant(_ context.Context, grant *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grant.ID] = grant
	if grant.UserCode != "" {
		s.userCodes[grant.UserCode] = grant.ID
	}
	return nil
}

// GetGrant returns the stored grant or nil.
func (s *MemoryStore) GetGrant(_ context.Context, id string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants[id], nil
}

// FindByUserCode resolves a device-flow user code to its grant.
func (s *MemoryStore) FindByUserCode(_ context.Context, userCode string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.userCodes[userCode]
	if !ok {
		return nil, nil
	}
	return s.grants[id], nil
}

// DeleteGrant removes a grant record.
func (s *MemoryStore) DeleteGrant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id)
	return nil
}

// Close stops the cleanup goroutine and waits for it to exit.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

// remove must be called with the write lock held.
func (s *MemoryStore) remove(id string) {
	grant, ok := s.grants[id]
	if !ok {
		return
	}
	if grant.UserCode != "" {
		delete(s.userCodes, grant.UserCode)
	}
	delete(s.grants, id)
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCleanup:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for id, grant := range s.grants {
				if now.After(grant.ExpiresAt) {
					s.remove(id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
