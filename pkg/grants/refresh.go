// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"iter"

	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/validate"
)

// refreshTokenProcessor rotates refresh tokens (RFC 6749 §6). Every
// redemption retires the presented token through the registry and issues a
// replacement; a retired token presented again is a replay and fails.
type refreshTokenProcessor struct {
	svc *Service
}

func (p *refreshTokenProcessor) Process(ctx context.Context, req *validate.ValidTokenRequest) (*oauth.TokenResponse, *oauth.Error) {
	s := p.svc
	valid, err := s.engine.Validate(ctx, req.RefreshToken, jwt.ValidationParameters{
		Options: jwt.OptRequireSigned | jwt.OptValidateLifetime | jwt.OptValidateIssuer,
		SigningKeys: func(ctx context.Context) iter.Seq[*keys.SigningKey] {
			return s.keys.SigningKeys(ctx, false)
		},
		ValidIssuer: func(iss string) bool {
			return iss == s.issuer
		},
	})
	if err != nil {
		return nil, oauth.InvalidGrant("refresh token is invalid or expired")
	}

	use, _ := valid.Claims.Extra["token_use"].(string)
	if use != tokenUseRefresh {
		return nil, oauth.InvalidGrant("token is not a refresh token")
	}
	owner, _ := valid.Claims.Extra["client_id"].(string)
	if owner != req.Client.ID {
		s.logger.Warn("refresh token presented by a different client",
			"client_id", req.Client.ID,
			"jti", valid.Claims.ID,
		)
		return nil, oauth.InvalidGrant("refresh token was issued to a different client")
	}
	if valid.Claims.ID == "" {
		return nil, oauth.InvalidGrant("refresh token carries no identifier")
	}

	status, found, err := s.registry.GetStatus(ctx, valid.Claims.ID)
	if err != nil {
		return nil, oauth.ServerError("token status lookup failed", err)
	}
	if found && status == registry.StatusRevoked {
		return nil, oauth.InvalidGrant("refresh token has been revoked")
	}

	// Rotation: retiring the old id is the atomic step. Losing the race means
	// the token was already rotated, which is a replay.
	fresh, err := s.registry.MarkIfUnused(ctx, valid.Claims.ID, valid.Claims.ExpiresAt)
	if err != nil {
		return nil, oauth.ServerError("refresh token rotation failed", err)
	}
	if !fresh {
		s.logger.Warn("refresh token replay detected",
			"client_id", req.Client.ID,
			"jti", valid.Claims.ID,
		)
		return nil, oauth.InvalidGrant("refresh token has already been used")
	}

	granted, _ := valid.Claims.Extra["scope"].(string)
	scopes, verr := narrowScopes(req.Scopes, oauth.ParseScopes(granted))
	if verr != nil {
		return nil, verr
	}

	var sess *session.AuthSession
	if valid.Claims.Subject != req.Client.ID {
		sess = &session.AuthSession{
			Subject:         valid.Claims.Subject,
			AuthenticatedAt: valid.Claims.IssuedAt,
		}
	}

	return s.mint(ctx, &issuance{
		client:    req.Client,
		session:   sess,
		scopes:    scopes,
		resources: req.Resources,
		refresh:   true,
	})
}
