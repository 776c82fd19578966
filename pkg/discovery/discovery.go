// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package discovery assembles the OIDC Discovery 1.0 / RFC 8414 server
// metadata document from the configured capability set. The document is
// deterministic for a given configuration and safe to cache.
package discovery

import (
	"strings"
)

// Endpoint paths relative to the issuer.
const (
	PathAuthorize     = "/authorize"
	PathToken         = "/token"
	PathPAR           = "/par"
	PathIntrospection = "/introspect"
	PathRevocation    = "/revoke"
	PathJWKS          = "/.well-known/jwks.json"
	PathRegistration  = "/register"
	PathEndSession    = "/endsession"
	PathDevice        = "/device/authorize"
	PathBackchannel   = "/backchannel/authorize"
	PathDiscovery     = "/.well-known/openid-configuration"
)

// Document is the server metadata shape. Field order follows the common
// ordering of published discovery documents.
type Document struct {
	Issuer                             string `json:"issuer"`
	AuthorizationEndpoint              string `json:"authorization_endpoint"`
	TokenEndpoint                      string `json:"token_endpoint"`
	JWKSURI                            string `json:"jwks_uri"`
	RegistrationEndpoint               string `json:"registration_endpoint,omitempty"`
	IntrospectionEndpoint              string `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                 string `json:"revocation_endpoint,omitempty"`
	EndSessionEndpoint                 string `json:"end_session_endpoint,omitempty"`
	DeviceAuthorizationEndpoint        string `json:"device_authorization_endpoint,omitempty"`
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint,omitempty"`
	BackchannelAuthenticationEndpoint  string `json:"backchannel_authentication_endpoint,omitempty"`

	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`

	RequestParameterSupported          bool `json:"request_parameter_supported"`
	RequireSignedRequestObject         bool `json:"require_signed_request_object,omitempty"`
	RequirePushedAuthorizationRequests bool `json:"require_pushed_authorization_requests,omitempty"`

	BackchannelTokenDeliveryModesSupported []string `json:"backchannel_token_delivery_modes_supported,omitempty"`
	BackchannelUserCodeParameterSupported  bool     `json:"backchannel_user_code_parameter_supported,omitempty"`
}

// Config is the capability set the document is assembled from.
type Config struct {
	// Issuer is the issuer identifier; endpoint URLs are derived from it.
	Issuer string

	// Scopes advertised in scopes_supported.
	Scopes []string

	// SigningAlgorithms advertised for ID tokens.
	SigningAlgorithms []string

	// AuthMethods advertised for the token endpoint.
	AuthMethods []string

	// Claims advertised in claims_supported.
	Claims []string

	// EnableRegistration advertises the dynamic registration endpoint.
	EnableRegistration bool

	// EnableDeviceFlow advertises the device authorization endpoint.
	EnableDeviceFlow bool

	// EnableCIBA advertises backchannel authentication.
	EnableCIBA bool

	// EnablePAR advertises the pushed authorization request endpoint.
	EnablePAR bool

	// RequirePAR advertises that all authorization requests must be pushed.
	RequirePAR bool

	// RequireSignedRequestObject advertises mandatory JAR signatures.
	RequireSignedRequestObject bool
}

// Assemble builds the metadata document.
func Assemble(cfg Config) *Document {
	issuer := strings.TrimSuffix(cfg.Issuer, "/")

	doc := &Document{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + PathAuthorize,
		TokenEndpoint:         issuer + PathToken,
		JWKSURI:               issuer + PathJWKS,
		IntrospectionEndpoint: issuer + PathIntrospection,
		RevocationEndpoint:    issuer + PathRevocation,
		EndSessionEndpoint:    issuer + PathEndSession,
		ScopesSupported:       cfg.Scopes,
		ResponseTypesSupported: []string{
			"code", "id_token", "code id_token",
		},
		ResponseModesSupported: []string{
			"query", "fragment", "form_post",
		},
		GrantTypesSupported: []string{
			"authorization_code", "refresh_token", "client_credentials",
		},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  cfg.SigningAlgorithms,
		TokenEndpointAuthMethodsSupported: cfg.AuthMethods,
		ClaimsSupported:                   cfg.Claims,
		CodeChallengeMethodsSupported:     []string{"S256"},
		RequestParameterSupported:         true,
		RequireSignedRequestObject:        cfg.RequireSignedRequestObject,
	}

	if cfg.EnableRegistration {
		doc.RegistrationEndpoint = issuer + PathRegistration
	}
	if cfg.EnableDeviceFlow {
		doc.DeviceAuthorizationEndpoint = issuer + PathDevice
		doc.GrantTypesSupported = append(doc.GrantTypesSupported,
			"urn:ietf:params:oauth:grant-type:device_code")
	}
	if cfg.EnablePAR {
		doc.PushedAuthorizationRequestEndpoint = issuer + PathPAR
		doc.RequirePushedAuthorizationRequests = cfg.RequirePAR
	}
	if cfg.EnableCIBA {
		doc.BackchannelAuthenticationEndpoint = issuer + PathBackchannel
		doc.GrantTypesSupported = append(doc.GrantTypesSupported,
			"urn:openid:params:grant-type:ciba")
		doc.BackchannelTokenDeliveryModesSupported = []string{"poll", "ping", "push"}
	}
	return doc
}
