// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"
	"strconv"

	"github.com/stacklok/oidcore/pkg/clientauth"
	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/oauth"
)

var supportedDeliveryModes = map[string]bool{
	oauth.DeliveryModePoll: true,
	oauth.DeliveryModePing: true,
	oauth.DeliveryModePush: true,
}

// ValidateBackchannelAuthentication runs the CIBA authentication request
// chain (CIBA Core §7.1): client authentication, registered delivery mode,
// notification token rules for ping and push, exactly one user hint, and
// scope policy including the mandatory openid scope.
func (v *Validator) ValidateBackchannelAuthentication(
	ctx context.Context,
	req *BackchannelAuthenticationRequest,
	creds *clientauth.Request,
) (*ValidBackchannelAuthenticationRequest, *oauth.Error) {
	info, err := v.auth.Authenticate(ctx, creds)
	if err != nil {
		return nil, oauth.ServerError("client authentication unavailable", err)
	}
	if info == nil {
		return nil, oauth.InvalidClient("client authentication failed")
	}
	if !info.AllowsGrantType(oauth.GrantTypeCIBA) {
		return nil, oauth.UnauthorizedClient("client may not use the CIBA grant")
	}

	mode := info.BackchannelTokenDeliveryMode
	if !supportedDeliveryModes[mode] {
		return nil, oauth.InvalidRequest("client has no registered backchannel token delivery mode")
	}
	if mode != oauth.DeliveryModePoll {
		if req.ClientNotificationToken == "" {
			return nil, oauth.InvalidRequest("client_notification_token is required for ping and push delivery")
		}
		if info.BackchannelClientNotificationEndpoint == "" {
			return nil, oauth.InvalidRequest("client has no registered notification endpoint")
		}
	}

	scopes := oauth.ParseScopes(req.Scope)
	if !oauth.HasScope(scopes, oauth.ScopeOpenID) {
		return nil, oauth.InvalidScope("the openid scope is required")
	}
	for _, scope := range scopes {
		if !info.AllowsScope(scope) {
			return nil, oauth.InvalidScope("scope " + scope + " is not allowed for this client")
		}
	}

	hint, verr := v.resolveUserHint(ctx, req)
	if verr != nil {
		return nil, verr
	}

	var requestedExpiry int64
	if req.RequestedExpiry != "" {
		parsed, err := strconv.ParseInt(req.RequestedExpiry, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, oauth.InvalidRequest("requested_expiry must be a positive integer")
		}
		requestedExpiry = parsed
	}

	return &ValidBackchannelAuthenticationRequest{
		Client:                  info,
		Scopes:                  scopes,
		DeliveryMode:            mode,
		ClientNotificationToken: req.ClientNotificationToken,
		LoginHint:               hint,
		BindingMessage:          req.BindingMessage,
		RequestedExpiry:         requestedExpiry,
	}, nil
}

// resolveUserHint enforces the exactly-one-hint rule and reduces whichever
// hint was given to a login hint string. An id_token_hint must be a token
// this server issued; its subject becomes the hint.
func (v *Validator) resolveUserHint(ctx context.Context, req *BackchannelAuthenticationRequest) (string, *oauth.Error) {
	count := 0
	for _, hint := range []string{req.LoginHint, req.LoginHintToken, req.IDTokenHint} {
		if hint != "" {
			count++
		}
	}
	if count != 1 {
		return "", oauth.InvalidRequest("exactly one of login_hint, login_hint_token, or id_token_hint is required")
	}

	switch {
	case req.LoginHint != "":
		return req.LoginHint, nil
	case req.LoginHintToken != "":
		// Login hint tokens are opaque to the core; the authentication device
		// layer interprets them.
		return req.LoginHintToken, nil
	default:
		valid, err := v.engine.Validate(ctx, req.IDTokenHint, jwt.ValidationParameters{
			Options:     jwt.OptRequireSigned | jwt.OptValidateIssuer,
			SigningKeys: v.serverKeys,
			ValidIssuer: func(iss string) bool {
				return iss == v.issuer
			},
		})
		if err != nil {
			return "", oauth.NewError(oauth.ErrCodeUnknownUserID, "id_token_hint is not a token issued by this server")
		}
		if valid.Claims.Subject == "" {
			return "", oauth.NewError(oauth.ErrCodeUnknownUserID, "id_token_hint carries no subject")
		}
		return valid.Claims.Subject, nil
	}
}
