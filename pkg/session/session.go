// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session models the authenticated end-user session. A session is
// created at login and read during authorization and consent; it is never
// mutated afterwards, only replaced.
package session

import (
	"time"

	"github.com/google/uuid"
)

// AuthSession represents an authenticated end-user session.
type AuthSession struct {
	// Subject is the end-user identifier.
	Subject string

	// SessionID identifies this login session (the sid claim).
	SessionID string

	// AuthenticatedAt is when the user authenticated (the auth_time claim).
	AuthenticatedAt time.Time

	// IdentityProvider names the upstream IdP that authenticated the user.
	IdentityProvider string

	// Claims carries additional identity claims established at login.
	Claims map[string]any
}

// New creates a session for a freshly authenticated subject with a random
// session ID.
func New(subject, identityProvider string, claims map[string]any) *AuthSession {
	return &AuthSession{
		Subject:          subject,
		SessionID:        uuid.NewString(),
		AuthenticatedAt:  time.Now(),
		IdentityProvider: identityProvider,
		Claims:           claims,
	}
}
