// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often expired entries are swept.
const DefaultCleanupInterval = 5 * time.Minute

type memoryEntry struct {
	status    Status
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryRegistry is a thread-safe in-memory Registry with TTL cleanup.
// Suitable for single-instance deployments and tests; distributed
// deployments should use RedisRegistry.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryOption configures a MemoryRegistry.
type MemoryOption func(*MemoryRegistry)

// WithCleanupInterval sets a custom sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(r *MemoryRegistry) {
		r.cleanupInterval = interval
	}
}

// NewMemoryRegistry creates a MemoryRegistry and starts its cleanup goroutine.
func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		entries:         make(map[string]memoryEntry),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.cleanupLoop()

	return r
}

// Close stops the cleanup goroutine and waits for it to finish.
func (r *MemoryRegistry) Close() error {
	close(r.stopCleanup)
	<-r.cleanupDone
	return nil
}

// SetStatus records the status for a token identifier.
func (r *MemoryRegistry) SetStatus(_ context.Context, jwtID string, status Status, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[jwtID] = memoryEntry{status: status, expiresAt: expiresAt}
	return nil
}

// GetStatus returns the current status; expired entries behave as absent.
func (r *MemoryRegistry) GetStatus(_ context.Context, jwtID string) (Status, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[jwtID]
	if !ok || entry.expired(time.Now()) {
		return "", false, nil
	}
	return entry.status, true, nil
}

// MarkIfUnused transitions an unseen identifier to Used under the lock,
// guaranteeing exactly one winner under concurrent redemption.
func (r *MemoryRegistry) MarkIfUnused(_ context.Context, jwtID string, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[jwtID]; ok && !entry.expired(time.Now()) {
		return false, nil
	}
	r.entries[jwtID] = memoryEntry{status: StatusUsed, expiresAt: expiresAt}
	return true, nil
}

func (r *MemoryRegistry) cleanupLoop() {
	defer close(r.cleanupDone)

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCleanup:
			return
		case <-ticker.C:
			r.removeExpired()
		}
	}
}

func (r *MemoryRegistry) removeExpired() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.entries {
		if entry.expired(now) {
			delete(r.entries, id)
		}
	}
}

// Compile-time interface check.
var _ Registry = (*MemoryRegistry)(nil)
