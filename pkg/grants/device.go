// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"

	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/validate"
)

// deviceCodeProcessor redeems device grants (RFC 8628 §3.4). Until the user
// acts, polls answer authorization_pending; polls faster than the interval
// answer slow_down; approval makes the grant redeemable exactly once.
type deviceCodeProcessor struct {
	svc *Service
}

func (p *deviceCodeProcessor) Process(ctx context.Context, req *validate.ValidTokenRequest) (*oauth.TokenResponse, *oauth.Error) {
	s := p.svc
	grant, verr := s.loadGrant(ctx, req.DeviceCode, GrantDeviceCode, req.Client.ID)
	if verr != nil {
		return nil, verr
	}

	if verr := s.throttlePoll(ctx, grant); verr != nil {
		return nil, verr
	}
	if verr := pendingState(grant); verr != nil {
		return nil, verr
	}

	if verr := s.redeemOnce(ctx, grant); verr != nil {
		return nil, verr
	}

	scopes, verr := narrowScopes(req.Scopes, grant.Scopes)
	if verr != nil {
		return nil, verr
	}
	return s.mint(ctx, &issuance{
		client:    req.Client,
		session:   grant.Session,
		scopes:    scopes,
		resources: req.Resources,
		refresh:   req.Client.AllowsGrantType(oauth.GrantTypeRefreshToken),
	})
}
