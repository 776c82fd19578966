// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/clientauth"
	"github.com/stacklok/oidcore/pkg/oauth"
)

var supportedGrantTypes = map[string]bool{
	oauth.GrantTypeAuthorizationCode: true,
	oauth.GrantTypeRefreshToken:      true,
	oauth.GrantTypeClientCredentials: true,
	oauth.GrantTypeDeviceCode:        true,
	oauth.GrantTypeCIBA:              true,
}

// ValidateToken runs the token request chain: client authentication (or
// verified public-client identification), grant type support and allowance,
// per-grant parameter presence, and resource indicator checks. The grant
// itself (code, refresh token, device code, auth_req_id) is redeemed by the
// grant processors, not here.
func (v *Validator) ValidateToken(ctx context.Context, req *TokenRequest, creds *clientauth.Request) (*ValidTokenRequest, *oauth.Error) {
	info, verr := v.resolveTokenClient(ctx, creds)
	if verr != nil {
		return nil, verr
	}

	if req.GrantType == "" {
		return nil, oauth.InvalidRequest("grant_type is required")
	}
	if !supportedGrantTypes[req.GrantType] {
		return nil, oauth.NewError(oauth.ErrCodeUnsupportedGrantType, "unsupported grant_type")
	}
	if !info.AllowsGrantType(req.GrantType) {
		return nil, oauth.UnauthorizedClient("client may not use this grant_type")
	}

	switch req.GrantType {
	case oauth.GrantTypeAuthorizationCode:
		if req.Code == "" {
			return nil, oauth.InvalidRequest("code is required")
		}
	case oauth.GrantTypeRefreshToken:
		if req.RefreshToken == "" {
			return nil, oauth.InvalidRequest("refresh_token is required")
		}
	case oauth.GrantTypeDeviceCode:
		if req.DeviceCode == "" {
			return nil, oauth.InvalidRequest("device_code is required")
		}
	case oauth.GrantTypeCIBA:
		if req.AuthReqID == "" {
			return nil, oauth.InvalidRequest("auth_req_id is required")
		}
	}

	scopes := oauth.ParseScopes(req.Scope)
	for _, scope := range scopes {
		if !info.AllowsScope(scope) {
			return nil, oauth.InvalidScope("scope " + scope + " is not allowed for this client")
		}
	}

	for _, resource := range req.Resources {
		if verr := validateResourceIndicator(resource); verr != nil {
			return nil, verr
		}
	}

	return &ValidTokenRequest{
		Client:       info,
		GrantType:    req.GrantType,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
		RefreshToken: req.RefreshToken,
		Scopes:       scopes,
		DeviceCode:   req.DeviceCode,
		AuthReqID:    req.AuthReqID,
		Resources:    req.Resources,
	}, nil
}

// resolveTokenClient authenticates the client, falling back to public-client
// identification for clients registered with the "none" method. A public
// client presenting any credential is rejected so registration cannot be
// sidestepped.
func (v *Validator) resolveTokenClient(ctx context.Context, creds *clientauth.Request) (*client.Info, *oauth.Error) {
	info, err := v.auth.Authenticate(ctx, creds)
	if err != nil {
		return nil, oauth.ServerError("client authentication unavailable", err)
	}
	if info != nil {
		return info, nil
	}

	clientID := creds.Form.Get("client_id")
	if clientID == "" || creds.AuthorizationHeader != "" ||
		creds.Form.Get("client_secret") != "" || creds.Form.Get("client_assertion") != "" {
		return nil, oauth.InvalidClient("client authentication failed")
	}
	public, err := v.clients.FindClient(ctx, clientID)
	if err != nil {
		return nil, oauth.InvalidClient("client authentication failed")
	}
	if public.TokenEndpointAuthMethod != oauth.AuthMethodNone {
		return nil, oauth.InvalidClient("client authentication failed")
	}
	return public, nil
}
