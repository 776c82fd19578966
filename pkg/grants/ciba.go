// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"

	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/validate"
)

// backchannelProcessor redeems CIBA grants (CIBA Core §10.1). Delivery mode
// decides token-endpoint access: poll grants are redeemed exactly once and
// removed; ping grants stay in storage after retrieval so the client can
// fetch again after one notification; push grants are never redeemable here
// because their tokens are delivered to the notification endpoint.
type backchannelProcessor struct {
	svc *Service
}

func (p *backchannelProcessor) Process(ctx context.Context, req *validate.ValidTokenRequest) (*oauth.TokenResponse, *oauth.Error) {
	s := p.svc
	grant, verr := s.loadGrant(ctx, req.AuthReqID, GrantBackchannel, req.Client.ID)
	if verr != nil {
		return nil, verr
	}

	if grant.DeliveryMode == oauth.DeliveryModePush {
		return nil, oauth.InvalidGrant("push delivery grants are not redeemable at the token endpoint")
	}

	if grant.DeliveryMode == oauth.DeliveryModePoll {
		if verr := s.throttlePoll(ctx, grant); verr != nil {
			return nil, verr
		}
	}
	if verr := pendingState(grant); verr != nil {
		return nil, verr
	}

	if grant.DeliveryMode == oauth.DeliveryModePoll {
		if verr := s.redeemOnce(ctx, grant); verr != nil {
			return nil, verr
		}
	}

	return s.mint(ctx, &issuance{
		client:    req.Client,
		session:   grant.Session,
		scopes:    grant.Scopes,
		resources: req.Resources,
		refresh:   req.Client.AllowsGrantType(oauth.GrantTypeRefreshToken),
	})
}
