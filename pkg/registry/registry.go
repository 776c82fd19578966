// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks issued JWT identifiers and their status. It backs
// replay prevention for one-time client assertions and revocation checks for
// introspection. Status transitions must be atomic: when two requests race to
// redeem the same identifier, exactly one wins.
package registry

import (
	"context"
	"time"
)

// Status is the lifecycle state of a tracked token identifier.
type Status string

// Token identifier states.
const (
	// StatusActive marks a token as issued and not yet consumed or revoked.
	StatusActive Status = "active"

	// StatusUsed marks a one-time token as consumed.
	StatusUsed Status = "used"

	// StatusRevoked marks a token as revoked.
	StatusRevoked Status = "revoked"
)

// Registry stores token identifier statuses with an expiry. Entries past
// their expiry behave as absent.
type Registry interface {
	// SetStatus records the status for a token identifier until expiresAt.
	SetStatus(ctx context.Context, jwtID string, status Status, expiresAt time.Time) error

	// GetStatus returns the current status. The boolean is false when the
	// identifier is unknown or its entry has expired.
	GetStatus(ctx context.Context, jwtID string) (Status, bool, error)

	// MarkIfUnused atomically transitions an unknown identifier to Used and
	// reports whether this call performed the transition. A false result
	// means the identifier was already present (replay).
	MarkIfUnused(ctx context.Context, jwtID string, expiresAt time.Time) (bool, error)
}
