// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"crypto/subtle"

	"golang.org/x/oauth2"

	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/validate"
)

// authorizationCodeProcessor redeems authorization codes (RFC 6749 §4.1.3).
// A code is redeemed exactly once; concurrent redemptions race through the
// registry's check-and-set and exactly one wins.
type authorizationCodeProcessor struct {
	svc *Service
}

func (p *authorizationCodeProcessor) Process(ctx context.Context, req *validate.ValidTokenRequest) (*oauth.TokenResponse, *oauth.Error) {
	grant, verr := p.svc.loadGrant(ctx, req.Code, GrantAuthorizationCode, req.Client.ID)
	if verr != nil {
		return nil, verr
	}

	if grant.RedirectURI != req.RedirectURI {
		return nil, oauth.InvalidGrant("redirect_uri does not match the authorization request")
	}
	if verr := checkPKCE(grant.CodeChallenge, req.CodeVerifier); verr != nil {
		return nil, verr
	}

	if verr := p.svc.redeemOnce(ctx, grant); verr != nil {
		return nil, verr
	}

	return p.svc.mint(ctx, &issuance{
		client:    req.Client,
		session:   grant.Session,
		scopes:    grant.Scopes,
		resources: grant.Resources,
		nonce:     grant.Nonce,
		refresh:   req.Client.AllowsGrantType(oauth.GrantTypeRefreshToken),
	})
}

// checkPKCE verifies the S256 code verifier against the stored challenge
// (RFC 7636 §4.6). A verifier without a challenge, or the reverse, fails.
func checkPKCE(challenge, verifier string) *oauth.Error {
	if challenge == "" {
		if verifier != "" {
			return oauth.InvalidGrant("code_verifier provided but the authorization request carried no challenge")
		}
		return nil
	}
	if verifier == "" {
		return oauth.InvalidGrant("code_verifier is required")
	}
	derived := oauth2.S256ChallengeFromVerifier(verifier)
	if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
		return oauth.InvalidGrant("code_verifier does not match the challenge")
	}
	return nil
}
