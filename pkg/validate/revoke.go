// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"

	"github.com/stacklok/oidcore/pkg/clientauth"
	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/oauth"
)

// ValidateRevocation runs the revocation chain (RFC 7009). The caller must
// authenticate and may only revoke its own tokens; unknown, foreign, or
// already-dead tokens produce an empty JWTID, which the endpoint treats as a
// successful no-op so nothing about the token leaks.
func (v *Validator) ValidateRevocation(ctx context.Context, req *RevocationRequest, creds *clientauth.Request) (*ValidRevocationRequest, *oauth.Error) {
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

	// Lifetime is deliberately not checked: revoking an expired token is a
	// legitimate no-op, and its jti still gets recorded until natural expiry.
	valid, err := v.engine.Validate(ctx, req.Token, jwt.ValidationParameters{
		Options:     jwt.OptRequireSigned | jwt.OptValidateIssuer,
		SigningKeys: v.serverKeys,
		ValidIssuer: func(iss string) bool {
			return iss == v.issuer
		},
	})
	if err != nil {
		v.logger.Debug("revocation target did not validate", "error", err)
		return &ValidRevocationRequest{Client: info}, nil
	}

	if tokenClientID(valid.Claims) != info.ID {
		v.logger.Warn("client attempted to revoke a foreign token",
			"client_id", info.ID,
			"jti", valid.Claims.ID,
		)
		return &ValidRevocationRequest{Client: info}, nil
	}
	if valid.Claims.ID == "" {
		return &ValidRevocationRequest{Client: info}, nil
	}

	return &ValidRevocationRequest{
		Client:    info,
		JWTID:     valid.Claims.ID,
		ExpiresAt: valid.Claims.ExpiresAt.Unix(),
	}, nil
}

// tokenClientID extracts the issuing client from a token's claims: the
// client_id claim (RFC 9068 §2.2) or, failing that, azp.
func tokenClientID(claims jwt.Claims) string {
	if s, ok := claims.Extra["client_id"].(string); ok {
		return s
	}
	if s, ok := claims.Extra["azp"].(string); ok {
		return s
	}
	return ""
}
