// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth defines the protocol vocabulary shared by the authorization
// server core: grant types, response types, client authentication methods,
// and the typed protocol error returned by every validator and processor.
package oauth

import "strings"

// Grant type identifiers (RFC 6749, RFC 8628, OpenID CIBA Core).
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeCIBA              = "urn:openid:params:grant-type:ciba"
)

// Response types (RFC 6749 §3.1.1, OIDC Core §3).
const (
	ResponseTypeCode        = "code"
	ResponseTypeIDToken     = "id_token"
	ResponseTypeCodeIDToken = "code id_token"
)

// Response modes (OAuth 2.0 Multiple Response Type Encoding Practices).
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// Token endpoint client authentication methods (RFC 6749 §2.3, RFC 7523, RFC 8705).
const (
	AuthMethodSecretBasic   = "client_secret_basic"
	AuthMethodSecretPost    = "client_secret_post"
	AuthMethodSecretJWT     = "client_secret_jwt"
	AuthMethodPrivateKeyJWT = "private_key_jwt"
	AuthMethodTLS           = "tls_client_auth"
	AuthMethodSelfSignedTLS = "self_signed_tls_client_auth"
	AuthMethodNone          = "none"
)

// ClientAssertionTypeJWTBearer is the assertion type required for JWT-based
// client authentication (RFC 7523 §2.2).
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Prompt values (OIDC Core §3.1.2.1).
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// CIBA token delivery modes (OpenID CIBA Core §5).
const (
	DeliveryModePoll = "poll"
	DeliveryModePing = "ping"
	DeliveryModePush = "push"
)

// Token type hints for introspection and revocation (RFC 7009 §2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// ScopeOpenID is the scope that turns an OAuth request into an OIDC request.
const ScopeOpenID = "openid"

// ParseScopes splits a space-delimited scope parameter into its values,
// dropping empty entries.
func ParseScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// JoinScopes renders scope values as a space-delimited parameter.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// HasScope reports whether scopes contains the given value.
func HasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenResponse is the RFC 6749 §5.1 success shape written by the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResponse is the RFC 7662 §2.2 response shape. For inactive
// tokens every field other than Active must remain zero so that nothing about
// the token is disclosed.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Nbf       int64  `json:"nbf,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Aud       string `json:"aud,omitempty"`
	Iss       string `json:"iss,omitempty"`
	Jti       string `json:"jti,omitempty"`
}
