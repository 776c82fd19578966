// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"

	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/validate"
)

// clientCredentialsProcessor issues machine-to-machine tokens (RFC 6749
// §4.4). There is no user session, so no ID token and no refresh token.
type clientCredentialsProcessor struct {
	svc *Service
}

func (p *clientCredentialsProcessor) Process(ctx context.Context, req *validate.ValidTokenRequest) (*oauth.TokenResponse, *oauth.Error) {
	if req.Client.TokenEndpointAuthMethod == oauth.AuthMethodNone {
		return nil, oauth.UnauthorizedClient("public clients may not use client_credentials")
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = req.Client.Scopes
	}

	return p.svc.mint(ctx, &issuance{
		client:    req.Client,
		scopes:    scopes,
		resources: req.Resources,
	})
}
