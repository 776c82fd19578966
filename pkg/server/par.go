// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/oidcore/pkg/validate"
)

// RequestURIPrefix is the URN prefix of PAR-issued request URIs (RFC 9126 §2.2).
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

type parEntry struct {
	request   *validate.AuthorizationRequest
	clientID  string
	expiresAt time.Time
}

// parStore holds pushed authorization requests between the PAR and authorize
// endpoints. Entries are one-time use and short-lived.
type parStore struct {
	lifetime time.Duration

	mu      sync.Mutex
	entries map[string]parEntry
}

func newPARStore(lifetime time.Duration) *parStore {
	return &parStore{
		lifetime: lifetime,
		entries:  make(map[string]parEntry),
	}
}

// Put stores the request and returns its request_uri and lifetime.
func (s *parStore) Put(req *validate.AuthorizationRequest, clientID string) (string, time.Duration) {
	uri := RequestURIPrefix + uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[uri] = parEntry{
		request:   req,
		clientID:  clientID,
		expiresAt: time.Now().Add(s.lifetime),
	}
	return uri, s.lifetime
}

// Take removes and returns the stored request. A request_uri is only valid
// for the client that pushed it (RFC 9126 §2.2); expired, unknown, or
// foreign URIs return nil. The entry is consumed either way.
func (s *parStore) Take(uri, clientID string) *validate.AuthorizationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[uri]
	if !ok {
		return nil
	}
	delete(s.entries, uri)
	if time.Now().After(entry.expiresAt) {
		return nil
	}
	if entry.clientID != clientID {
		return nil
	}
	return entry.request
}
