// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package validate implements the per-endpoint request validation chains of
// the authorization server. Each validator is a pure function from a parsed
// request (plus client credentials where the endpoint is protected) to a
// Valid* request or a protocol error, failing fast on the first violated
// constraint.
package validate

import (
	"net/url"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/jwt"
)

// AuthorizationRequest is the parsed, unvalidated authorization request
// (RFC 6749 §4.1.1, OIDC Core §3.1.2.1). Fields mirror wire parameters.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	ResponseMode        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompt              string
	Request             string
	RequestURI          string
	Resources           []string
}

// ParseAuthorizationRequest builds the request model from decoded query or
// form parameters.
func ParseAuthorizationRequest(values url.Values) *AuthorizationRequest {
	return &AuthorizationRequest{
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		ResponseType:        values.Get("response_type"),
		ResponseMode:        values.Get("response_mode"),
		Scope:               values.Get("scope"),
		State:               values.Get("state"),
		Nonce:               values.Get("nonce"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
		Prompt:              values.Get("prompt"),
		Request:             values.Get("request"),
		RequestURI:          values.Get("request_uri"),
		Resources:           values["resource"],
	}
}

// ValidAuthorizationRequest is an authorization request that passed all
// checks, carrying the resolved client and normalized protocol fields.
type ValidAuthorizationRequest struct {
	Client              *client.Info
	RedirectURI         string
	ResponseType        string
	ResponseMode        string
	Scopes              []string
	Prompts             []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resources           []string
}

// TokenRequest is the parsed, unvalidated token request (RFC 6749 §4.1.3 and
// friends).
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	DeviceCode   string
	AuthReqID    string
	Resources    []string
}

// ParseTokenRequest builds the request model from decoded form parameters.
func ParseTokenRequest(values url.Values) *TokenRequest {
	return &TokenRequest{
		GrantType:    values.Get("grant_type"),
		Code:         values.Get("code"),
		RedirectURI:  values.Get("redirect_uri"),
		CodeVerifier: values.Get("code_verifier"),
		RefreshToken: values.Get("refresh_token"),
		Scope:        values.Get("scope"),
		DeviceCode:   values.Get("device_code"),
		AuthReqID:    values.Get("auth_req_id"),
		Resources:    values["resource"],
	}
}

// ValidTokenRequest is a token request with an authenticated (or verified
// public) client and per-grant parameters checked for presence.
type ValidTokenRequest struct {
	Client       *client.Info
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scopes       []string
	DeviceCode   string
	AuthReqID    string
	Resources    []string
}

// IntrospectionRequest is the parsed introspection request (RFC 7662 §2.1).
type IntrospectionRequest struct {
	Token         string
	TokenTypeHint string
}

// ParseIntrospectionRequest builds the request model from form parameters.
func ParseIntrospectionRequest(values url.Values) *IntrospectionRequest {
	return &IntrospectionRequest{
		Token:         values.Get("token"),
		TokenTypeHint: values.Get("token_type_hint"),
	}
}

// ValidIntrospectionRequest carries either the resolved active token or, for
// anything inactive, unknown, or foreign, no token at all. No field explains
// why a token is inactive; RFC 7662 §5.2 forbids disclosing that.
type ValidIntrospectionRequest struct {
	Client *client.Info

	// Token is the resolved token when it is active and the caller is
	// authorized to see it; nil otherwise.
	Token *jwt.ValidToken
}

// Active reports whether the introspected token should be reported active.
func (r *ValidIntrospectionRequest) Active() bool {
	return r.Token != nil
}

// RevocationRequest is the parsed revocation request (RFC 7009 §2.1).
type RevocationRequest struct {
	Token         string
	TokenTypeHint string
}

// ParseRevocationRequest builds the request model from form parameters.
func ParseRevocationRequest(values url.Values) *RevocationRequest {
	return &RevocationRequest{
		Token:         values.Get("token"),
		TokenTypeHint: values.Get("token_type_hint"),
	}
}

// ValidRevocationRequest names the token identifier to revoke. JWTID is
// empty when there is nothing to do, which is still a success per RFC 7009:
// revoking an unknown or foreign token reveals nothing.
type ValidRevocationRequest struct {
	Client    *client.Info
	JWTID     string
	ExpiresAt int64
}

// EndSessionRequest is the parsed RP-initiated logout request
// (OIDC RP-Initiated Logout 1.0 §2).
type EndSessionRequest struct {
	IDTokenHint           string
	ClientID              string
	PostLogoutRedirectURI string
	State                 string
}

// ParseEndSessionRequest builds the request model from query or form values.
func ParseEndSessionRequest(values url.Values) *EndSessionRequest {
	return &EndSessionRequest{
		IDTokenHint:           values.Get("id_token_hint"),
		ClientID:              values.Get("client_id"),
		PostLogoutRedirectURI: values.Get("post_logout_redirect_uri"),
		State:                 values.Get("state"),
	}
}

// ValidEndSessionRequest is a logout request with the client resolved (when
// identifiable) and the redirect target checked against registration.
type ValidEndSessionRequest struct {
	Client                *client.Info
	Subject               string
	PostLogoutRedirectURI string
	State                 string
}

// BackchannelAuthenticationRequest is the parsed CIBA authentication request
// (OpenID CIBA Core §7.1).
type BackchannelAuthenticationRequest struct {
	Scope                   string
	ClientNotificationToken string
	LoginHint               string
	LoginHintToken          string
	IDTokenHint             string
	BindingMessage          string
	RequestedExpiry         string
}

// ParseBackchannelAuthenticationRequest builds the request model from form
// parameters.
func ParseBackchannelAuthenticationRequest(values url.Values) *BackchannelAuthenticationRequest {
	return &BackchannelAuthenticationRequest{
		Scope:                   values.Get("scope"),
		ClientNotificationToken: values.Get("client_notification_token"),
		LoginHint:               values.Get("login_hint"),
		LoginHintToken:          values.Get("login_hint_token"),
		IDTokenHint:             values.Get("id_token_hint"),
		BindingMessage:          values.Get("binding_message"),
		RequestedExpiry:         values.Get("requested_expiry"),
	}
}

// ValidBackchannelAuthenticationRequest is a CIBA request bound to its
// authenticated client with the hint and delivery mode resolved.
type ValidBackchannelAuthenticationRequest struct {
	Client                  *client.Info
	Scopes                  []string
	DeliveryMode            string
	ClientNotificationToken string
	LoginHint               string
	BindingMessage          string
	RequestedExpiry         int64
}
