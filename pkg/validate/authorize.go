// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"
	"net/url"
	"strings"

	"github.com/stacklok/oidcore/pkg/clientauth"
	"github.com/stacklok/oidcore/pkg/oauth"
)

var supportedResponseTypes = map[string]bool{
	oauth.ResponseTypeCode:        true,
	oauth.ResponseTypeIDToken:     true,
	oauth.ResponseTypeCodeIDToken: true,
}

var supportedResponseModes = map[string]bool{
	oauth.ResponseModeQuery:    true,
	oauth.ResponseModeFragment: true,
	oauth.ResponseModeFormPost: true,
}

// ValidateAuthorization runs the authorization request chain: client
// resolution, request-object merge, redirect URI registration, response
// type/mode compatibility, scope policy, PKCE, nonce and prompt rules.
// It fails fast on the first violated constraint.
func (v *Validator) ValidateAuthorization(ctx context.Context, req *AuthorizationRequest) (*ValidAuthorizationRequest, *oauth.Error) {
	if req.ClientID == "" {
		return nil, oauth.InvalidRequest("client_id is required")
	}
	info, err := v.clients.FindClient(ctx, req.ClientID)
	if err != nil {
		return nil, oauth.UnauthorizedClient("unknown client")
	}

	// A request_uri reaching the validator is unresolved: PAR-issued URIs
	// are exchanged for the stored request before validation, and request
	// objects by external reference are not supported.
	if req.RequestURI != "" {
		return nil, oauth.InvalidRequestURI("request_uri could not be resolved")
	}

	if req.Request != "" {
		merged, verr := v.bindRequestObject(ctx, info, req)
		if verr != nil {
			return nil, verr
		}
		req = merged
	}

	if req.RedirectURI == "" {
		return nil, oauth.InvalidRequest("redirect_uri is required")
	}
	if !info.HasRedirectURI(req.RedirectURI) {
		return nil, oauth.InvalidRequest("redirect_uri is not registered for this client")
	}

	if req.ResponseType == "" {
		return nil, oauth.InvalidRequest("response_type is required")
	}
	responseType := normalizeResponseType(req.ResponseType)
	if !supportedResponseTypes[responseType] {
		return nil, oauth.NewError(oauth.ErrCodeUnsupportedResponseType, "unsupported response_type")
	}
	if !info.AllowsResponseType(responseType) {
		return nil, oauth.UnauthorizedClient("client may not use this response_type")
	}

	responseMode, verr := resolveResponseMode(responseType, req.ResponseMode)
	if verr != nil {
		return nil, verr
	}

	scopes := oauth.ParseScopes(req.Scope)
	for _, scope := range scopes {
		if !info.AllowsScope(scope) {
			return nil, oauth.InvalidScope("scope " + scope + " is not allowed for this client")
		}
	}

	if info.RequirePKCE && req.CodeChallenge == "" {
		return nil, oauth.InvalidRequest("client requires PKCE but code_challenge is missing")
	}
	if req.CodeChallenge != "" {
		method := req.CodeChallengeMethod
		if method == "" {
			method = "plain"
		}
		if method != "S256" {
			return nil, oauth.InvalidRequest("code_challenge_method must be S256")
		}
	}

	if strings.Contains(responseType, oauth.ResponseTypeIDToken) && req.Nonce == "" {
		return nil, oauth.InvalidRequest("nonce is required when requesting an id_token")
	}

	prompts := strings.Fields(req.Prompt)
	if contains(prompts, oauth.PromptNone) && len(prompts) > 1 {
		return nil, oauth.InvalidRequest("prompt=none cannot be combined with other prompt values")
	}

	for _, resource := range req.Resources {
		if verr := validateResourceIndicator(resource); verr != nil {
			return nil, verr
		}
	}

	return &ValidAuthorizationRequest{
		Client:              info,
		RedirectURI:         req.RedirectURI,
		ResponseType:        responseType,
		ResponseMode:        responseMode,
		Scopes:              scopes,
		Prompts:             prompts,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Resources:           req.Resources,
	}, nil
}

// ValidatePushedAuthorization runs the PAR chain (RFC 9126): the client must
// authenticate, request_uri is prohibited, the embedded authorization
// request must validate, and it must be bound to the authenticated client.
func (v *Validator) ValidatePushedAuthorization(
	ctx context.Context,
	req *AuthorizationRequest,
	creds *clientauth.Request,
) (*ValidAuthorizationRequest, *oauth.Error) {
	authenticated, err := v.auth.Authenticate(ctx, creds)
	if err != nil {
		return nil, oauth.ServerError("client authentication unavailable", err)
	}
	if authenticated == nil {
		return nil, oauth.UnauthorizedClient("client authentication failed")
	}

	if req.RequestURI != "" {
		return nil, oauth.InvalidRequestURI("request_uri is not allowed in a pushed authorization request")
	}

	valid, verr := v.ValidateAuthorization(ctx, req)
	if verr != nil {
		return nil, verr
	}

	if valid.Client.ID != authenticated.ID {
		return nil, oauth.InvalidRequest("authorization request must be bound to the client that posted it")
	}
	return valid, nil
}

// normalizeResponseType sorts multi-valued response types into canonical
// order so "id_token code" and "code id_token" compare equal.
func normalizeResponseType(responseType string) string {
	parts := strings.Fields(responseType)
	if len(parts) <= 1 {
		return responseType
	}
	hasCode := contains(parts, "code")
	hasIDToken := contains(parts, "id_token")
	if hasCode && hasIDToken && len(parts) == 2 {
		return oauth.ResponseTypeCodeIDToken
	}
	return strings.Join(parts, " ")
}

// resolveResponseMode applies the default response mode for the response
// type and rejects incompatible combinations: response types that carry
// tokens must never use the query encoding.
func resolveResponseMode(responseType, requested string) (string, *oauth.Error) {
	defaultMode := oauth.ResponseModeQuery
	fragmentRequired := strings.Contains(responseType, oauth.ResponseTypeIDToken)
	if fragmentRequired {
		defaultMode = oauth.ResponseModeFragment
	}
	if requested == "" {
		return defaultMode, nil
	}
	if !supportedResponseModes[requested] {
		return "", oauth.InvalidRequest("unsupported response_mode")
	}
	if fragmentRequired && requested == oauth.ResponseModeQuery {
		return "", oauth.InvalidRequest("response_mode=query cannot be used with response types that return tokens")
	}
	return requested, nil
}

// validateResourceIndicator checks an RFC 8707 resource value: an absolute
// URI without a fragment.
func validateResourceIndicator(resource string) *oauth.Error {
	parsed, err := url.Parse(resource)
	if err != nil || !parsed.IsAbs() || parsed.Fragment != "" {
		return oauth.NewError(oauth.ErrCodeInvalidTarget, "resource must be an absolute URI without a fragment")
	}
	return nil
}
