// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"

	"github.com/stacklok/oidcore/pkg/clientauth"
	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/registry"
)

// ValidateIntrospection runs the introspection chain (RFC 7662). The caller
// must authenticate; after that every token-side failure collapses into an
// inactive result so the endpoint discloses nothing about tokens it did not
// issue or that have been revoked.
func (v *Validator) ValidateIntrospection(ctx context.Context, req *IntrospectionRequest, creds *clientauth.Request) (*ValidIntrospectionRequest, *oauth.Error) {
	info, err := v.auth.Authenticate(ctx, creds)
	if err != nil {
		return nil, oauth.ServerError("client authentication unavailable", err)
	}
	if info == nil {
		return nil, oauth.InvalidClient("client authentication failed")
	}
	if req.Token == "" {
		return nil, oauth.InvalidRequest("token is required")
	}

	valid, err := v.engine.Validate(ctx, req.Token, jwt.ValidationParameters{
		Options:     jwt.OptRequireSigned | jwt.OptValidateLifetime | jwt.OptValidateIssuer,
		SigningKeys: v.serverKeys,
		ValidIssuer: func(iss string) bool {
			return iss == v.issuer
		},
	})
	if err != nil {
		// Foreign, malformed, expired, or tampered tokens are all just
		// inactive to the caller.
		v.logger.Debug("introspected token is not active", "error", err)
		return &ValidIntrospectionRequest{Client: info}, nil
	}

	if valid.Claims.ID != "" {
		status, found, err := v.registry.GetStatus(ctx, valid.Claims.ID)
		if err != nil {
			return nil, oauth.ServerError("token status lookup failed", err)
		}
		if found && status != registry.StatusActive {
			return &ValidIntrospectionRequest{Client: info}, nil
		}
	}

	return &ValidIntrospectionRequest{Client: info, Token: valid}, nil
}
