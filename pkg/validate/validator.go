// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/clientauth"
	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/registry"
)

// Validator holds the collaborators shared by all endpoint validators.
// It is stateless and safe for concurrent use.
type Validator struct {
	clients  client.Store
	auth     *clientauth.Authenticator
	engine   *jwt.Engine
	keys     keys.Provider
	registry registry.Registry
	issuer   string
	logger   *slog.Logger

	// requireSignedRequestObject forces JAR signature validation globally;
	// individual clients can also opt in via registration.
	requireSignedRequestObject bool
}

// Config assembles a Validator.
type Config struct {
	// Clients resolves client records.
	Clients client.Store

	// Authenticator authenticates clients at protected endpoints.
	Authenticator *clientauth.Authenticator

	// Engine validates inbound JWTs (request objects, hints, access tokens).
	Engine *jwt.Engine

	// Keys supplies the server's own signing keys for token resolution.
	Keys keys.Provider

	// Registry answers revocation and one-time-use status questions.
	Registry registry.Registry

	// Issuer is the server's issuer identifier.
	Issuer string

	// RequireSignedRequestObject forces JAR signatures server-wide.
	RequireSignedRequestObject bool

	// Logger receives structured diagnostics; slog.Default() when nil.
	Logger *slog.Logger
}

// New creates a Validator.
func New(cfg Config) *Validator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		clients:                    cfg.Clients,
		auth:                       cfg.Authenticator,
		engine:                     cfg.Engine,
		keys:                       cfg.Keys,
		registry:                   cfg.Registry,
		issuer:                     cfg.Issuer,
		logger:                     logger,
		requireSignedRequestObject: cfg.RequireSignedRequestObject,
	}
}

// serverKeys resolves the server's own verification keys for validating
// tokens this server issued.
func (v *Validator) serverKeys(ctx context.Context) iter.Seq[*keys.SigningKey] {
	return v.keys.SigningKeys(ctx, false)
}

// AuthenticateClient exposes client authentication to endpoints with no
// validation chain of their own (device authorization).
func (v *Validator) AuthenticateClient(ctx context.Context, creds *clientauth.Request) (*client.Info, error) {
	return v.auth.Authenticate(ctx, creds)
}

// Revoke records the revocation decided by ValidateRevocation. The entry is
// retained until the token's natural expiry, after which its id can never
// recur.
func (v *Validator) Revoke(ctx context.Context, req *ValidRevocationRequest) *oauth.Error {
	if req.JWTID == "" {
		return nil
	}
	if err := v.registry.SetStatus(ctx, req.JWTID, registry.StatusRevoked, time.Unix(req.ExpiresAt, 0)); err != nil {
		return oauth.ServerError("failed to record revocation", err)
	}
	return nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
