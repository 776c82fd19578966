// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client defines the OAuth client record and the store interface the
// protocol core reads clients from. Client records are loaded once per
// request and treated as immutable from then on.
package client

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// ErrNotFound is returned by stores when no client matches the given ID.
var ErrNotFound = errors.New("client not found")

// Secret is a registered client secret. The SHA-512 hash is authoritative
// for secret comparison; Value retains the raw secret only when the client
// uses HMAC-signed assertions (client_secret_jwt), which need the original
// key material.
type Secret struct {
	// Hash is the base64-encoded SHA-512 digest of the secret.
	Hash string

	// Value is the raw secret, kept only for HMAC assertion verification.
	Value string

	// ExpiresAt bounds the secret's validity; zero means no expiry.
	ExpiresAt time.Time
}

// HashSecret computes the stored form of a raw secret.
func HashSecret(raw string) string {
	sum := sha512.Sum512([]byte(raw))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// NewSecret creates a Secret from a raw value, retaining the raw material.
func NewSecret(raw string, expiresAt time.Time) Secret {
	return Secret{
		Hash:      HashSecret(raw),
		Value:     raw,
		ExpiresAt: expiresAt,
	}
}

// Expired reports whether the secret is past its expiry at the given time.
// An expired secret is treated as absent during authentication.
func (s Secret) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Matches compares a submitted secret against the stored hash in constant
// time. Expired secrets never match.
func (s Secret) Matches(raw string, now time.Time) bool {
	if s.Expired(now) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.Hash), []byte(HashSecret(raw))) == 1
}

// TLSBinding describes the certificate identity a client authenticates with
// for tls_client_auth (RFC 8705 §2.1.2). Exactly one field should be set.
type TLSBinding struct {
	// SubjectDN is the expected certificate subject distinguished name.
	SubjectDN string

	// SANDNS is the expected dNSName subject alternative name.
	SANDNS string

	// SANURI is the expected uniformResourceIdentifier SAN.
	SANURI string

	// SANIP is the expected iPAddress SAN.
	SANIP string

	// SANEmail is the expected rfc822Name SAN.
	SANEmail string
}

// Empty reports whether no binding field is set.
func (b TLSBinding) Empty() bool {
	return b.SubjectDN == "" && b.SANDNS == "" && b.SANURI == "" && b.SANIP == "" && b.SANEmail == ""
}

// Info is the client identity record. Immutable once loaded for a request.
type Info struct {
	// ID is the client identifier.
	ID string

	// Name is the human-readable client name from registration.
	Name string

	// Secrets are the registered secrets; an expired secret is ignored.
	Secrets []Secret

	// TokenEndpointAuthMethod is the registered authentication method.
	TokenEndpointAuthMethod string

	// GrantTypes are the grant types the client may use.
	GrantTypes []string

	// ResponseTypes are the authorization response types the client may use.
	ResponseTypes []string

	// RedirectURIs are the registered redirect URIs (exact-match only).
	RedirectURIs []string

	// PostLogoutRedirectURIs are registered RP-initiated logout targets.
	PostLogoutRedirectURIs []string

	// Scopes the client may request; empty means any configured scope.
	Scopes []string

	// Audiences the client may request tokens for.
	Audiences []string

	// RequirePKCE forces a PKCE challenge on authorization requests.
	RequirePKCE bool

	// RequireSignedRequestObject forces signature validation of JAR request objects.
	RequireSignedRequestObject bool

	// JWKS is the registered public key set for private_key_jwt and
	// self-signed mTLS. Nil when the client registered a JWKSURI instead.
	JWKS jwk.Set

	// JWKSURI points at the client's hosted key set.
	JWKSURI string

	// RequestObjectSigningAlg restricts the JAR signing algorithm when set.
	RequestObjectSigningAlg string

	// IDTokenSignedResponseAlg selects the ID token signing algorithm; the
	// provider default applies when empty.
	IDTokenSignedResponseAlg string

	// IDTokenEncryptedResponseAlg, when set, requests encrypted ID tokens
	// using this key-management algorithm.
	IDTokenEncryptedResponseAlg string

	// TLS is the mTLS certificate binding for tls_client_auth.
	TLS TLSBinding

	// Certificate is the registered certificate for self_signed_tls_client_auth.
	Certificate *x509.Certificate

	// BackchannelTokenDeliveryMode is the registered CIBA mode (poll/ping/push).
	BackchannelTokenDeliveryMode string

	// BackchannelClientNotificationEndpoint receives ping/push notifications.
	BackchannelClientNotificationEndpoint string
}

// AllowsGrantType reports whether the client may use the grant type.
func (c *Info) AllowsGrantType(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// AllowsResponseType reports whether the client may use the response type.
func (c *Info) AllowsResponseType(responseType string) bool {
	for _, rt := range c.ResponseTypes {
		if rt == responseType {
			return true
		}
	}
	return false
}

// HasRedirectURI reports whether uri is registered, using exact string match
// per RFC 6749 §3.1.2.3.
func (c *Info) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsScope reports whether the client may request the scope. Clients with
// no scope restriction allow everything.
func (c *Info) AllowsScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ActiveSecrets returns the secrets that have not expired.
func (c *Info) ActiveSecrets(now time.Time) []Secret {
	out := make([]Secret, 0, len(c.Secrets))
	for _, s := range c.Secrets {
		if !s.Expired(now) {
			out = append(out, s)
		}
	}
	return out
}

// Store looks up client records. Implementations must be safe for concurrent
// reads; the core never mutates a returned Info.
type Store interface {
	// FindClient returns the client record, or ErrNotFound.
	FindClient(ctx context.Context, clientID string) (*Info, error)
}

// Writer extends Store with registration support for dynamic client
// registration and tests.
type Writer interface {
	Store

	// PutClient inserts or replaces a client record.
	PutClient(ctx context.Context, info *Info) error

	// DeleteClient removes a client record; missing IDs are not an error.
	DeleteClient(ctx context.Context, clientID string) error
}

// MemoryStore is a thread-safe in-memory client store.
type MemoryStore struct {
	mu      sync.RWMutex
	clients map[string]*Info
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clients: make(map[string]*Info)}
}

// FindClient returns the stored record or ErrNotFound.
func (s *MemoryStore) FindClient(_ context.Context, clientID string) (*Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return info, nil
}

// PutClient inserts or replaces a client record.
func (s *MemoryStore) PutClient(_ context.Context, info *Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[info.ID] = info
	return nil
}

// DeleteClient removes a client record.
func (s *MemoryStore) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
	return nil
}

// Compile-time interface checks.
var _ Writer = (*MemoryStore)(nil)
