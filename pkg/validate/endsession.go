// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/oauth"
)

// ValidateEndSession runs the RP-initiated logout chain. The client is
// identified through the client_id parameter or the id_token_hint audience;
// when both are present they must agree. A post_logout_redirect_uri is only
// honored for an identified client that registered it.
func (v *Validator) ValidateEndSession(ctx context.Context, req *EndSessionRequest) (*ValidEndSessionRequest, *oauth.Error) {
	var (
		hint    *jwt.ValidToken
		subject string
	)
	if req.IDTokenHint != "" {
		// The hint may be long expired; only the signature and issuer matter.
		valid, err := v.engine.Validate(ctx, req.IDTokenHint, jwt.ValidationParameters{
			Options:     jwt.OptRequireSigned | jwt.OptValidateIssuer,
			SigningKeys: v.serverKeys,
			ValidIssuer: func(iss string) bool {
				return iss == v.issuer
			},
		})
		if err != nil {
			return nil, oauth.InvalidRequest("id_token_hint is not a token issued by this server")
		}
		hint = valid
		subject = valid.Claims.Subject
	}

	var info *client.Info
	switch {
	case req.ClientID != "":
		found, err := v.clients.FindClient(ctx, req.ClientID)
		if err != nil {
			return nil, oauth.InvalidRequest("unknown client_id")
		}
		if hint != nil && !contains(hint.Claims.Audience, req.ClientID) {
			return nil, oauth.InvalidRequest("client_id does not match the id_token_hint audience")
		}
		info = found
	case hint != nil && len(hint.Claims.Audience) == 1:
		found, err := v.clients.FindClient(ctx, hint.Claims.Audience[0])
		if err == nil {
			info = found
		}
	}

	if req.PostLogoutRedirectURI != "" {
		if info == nil {
			return nil, oauth.InvalidRequest("post_logout_redirect_uri requires an identifiable client")
		}
		if !contains(info.PostLogoutRedirectURIs, req.PostLogoutRedirectURI) {
			return nil, oauth.InvalidRequest("post_logout_redirect_uri is not registered for this client")
		}
	}

	return &ValidEndSessionRequest{
		Client:                info,
		Subject:               subject,
		PostLogoutRedirectURI: req.PostLogoutRedirectURI,
		State:                 req.State,
	}, nil
}
