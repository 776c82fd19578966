// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package dcr implements dynamic client registration (RFC 7591) and the
// registration management protocol (RFC 7592). Registered metadata is
// validated before a record is written; management operations are guarded by
// the per-client registration access token issued at registration time.
package dcr

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/oauth"
)

// Metadata is the RFC 7591 client metadata document, request and response.
type Metadata struct {
	ClientID                string   `json:"client_id,omitempty"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	JWKSURI                 string   `json:"jwks_uri,omitempty"`

	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`
}

var knownAuthMethods = map[string]bool{
	oauth.AuthMethodSecretBasic:   true,
	oauth.AuthMethodSecretPost:    true,
	oauth.AuthMethodSecretJWT:     true,
	oauth.AuthMethodPrivateKeyJWT: true,
	oauth.AuthMethodTLS:           true,
	oauth.AuthMethodSelfSignedTLS: true,
	oauth.AuthMethodNone:          true,
}

var registrableGrantTypes = map[string]bool{
	oauth.GrantTypeAuthorizationCode: true,
	oauth.GrantTypeRefreshToken:      true,
	oauth.GrantTypeClientCredentials: true,
	oauth.GrantTypeDeviceCode:        true,
	oauth.GrantTypeCIBA:              true,
}

// Service registers and manages clients.
type Service struct {
	clients client.Writer
	logger  *slog.Logger

	// registrationURI is the base URL of the management endpoint; the
	// client_id is appended per RFC 7592.
	registrationURI string

	mu     sync.RWMutex
	tokens map[string]string
}

// Config assembles a Service.
type Config struct {
	// Clients receives the registered records.
	Clients client.Writer

	// RegistrationURI is the management endpoint base URL.
	RegistrationURI string

	// Logger receives structured diagnostics; slog.Default() when nil.
	Logger *slog.Logger
}

// New creates a registration service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		clients:         cfg.Clients,
		logger:          logger,
		registrationURI: cfg.RegistrationURI,
		tokens:          make(map[string]string),
	}
}

// Register validates the metadata, mints credentials, stores the client, and
// returns the registration response.
func (s *Service) Register(ctx context.Context, meta *Metadata) (*Metadata, *oauth.Error) {
	if verr := validateMetadata(meta); verr != nil {
		return nil, verr
	}

	info := metadataToInfo(meta)
	info.ID = uuid.NewString()

	var secret string
	if needsSecret(info.TokenEndpointAuthMethod) {
		raw, err := randomToken()
		if err != nil {
			return nil, oauth.ServerError("failed to generate client secret", err)
		}
		secret = raw
		info.Secrets = []client.Secret{client.NewSecret(raw, time.Time{})}
	}

	accessToken, err := randomToken()
	if err != nil {
		return nil, oauth.ServerError("failed to generate registration token", err)
	}

	if err := s.clients.PutClient(ctx, info); err != nil {
		return nil, oauth.ServerError("failed to store client", err)
	}
	s.mu.Lock()
	s.tokens[info.ID] = accessToken
	s.mu.Unlock()

	s.logger.Info("client registered",
		"client_id", info.ID,
		"auth_method", info.TokenEndpointAuthMethod,
	)

	resp := infoToMetadata(info)
	resp.ClientSecret = secret
	resp.ClientIDIssuedAt = time.Now().Unix()
	resp.RegistrationAccessToken = accessToken
	if s.registrationURI != "" {
		resp.RegistrationClientURI = s.registrationURI + "/" + info.ID
	}
	return resp, nil
}

// Read returns the registered metadata for the client (RFC 7592 §2.1).
func (s *Service) Read(ctx context.Context, clientID, accessToken string) (*Metadata, *oauth.Error) {
	info, verr := s.authorize(ctx, clientID, accessToken)
	if verr != nil {
		return nil, verr
	}
	return infoToMetadata(info), nil
}

// Update replaces the registered metadata (RFC 7592 §2.2). Credentials are
// preserved; metadata is re-validated as on registration.
func (s *Service) Update(ctx context.Context, clientID, accessToken string, meta *Metadata) (*Metadata, *oauth.Error) {
	existing, verr := s.authorize(ctx, clientID, accessToken)
	if verr != nil {
		return nil, verr
	}
	if verr := validateMetadata(meta); verr != nil {
		return nil, verr
	}

	updated := metadataToInfo(meta)
	updated.ID = existing.ID
	updated.Secrets = existing.Secrets
	if err := s.clients.PutClient(ctx, updated); err != nil {
		return nil, oauth.ServerError("failed to store client", err)
	}
	return infoToMetadata(updated), nil
}

// Delete removes the registration (RFC 7592 §2.3).
func (s *Service) Delete(ctx context.Context, clientID, accessToken string) *oauth.Error {
	if _, verr := s.authorize(ctx, clientID, accessToken); verr != nil {
		return verr
	}
	if err := s.clients.DeleteClient(ctx, clientID); err != nil {
		return oauth.ServerError("failed to delete client", err)
	}
	s.mu.Lock()
	delete(s.tokens, clientID)
	s.mu.Unlock()
	return nil
}

// authorize checks the registration access token for the client.
func (s *Service) authorize(ctx context.Context, clientID, accessToken string) (*client.Info, *oauth.Error) {
	s.mu.RLock()
	expected, ok := s.tokens[clientID]
	s.mu.RUnlock()
	if !ok || subtle.ConstantTimeCompare([]byte(expected), []byte(accessToken)) != 1 {
		return nil, oauth.InvalidClient("invalid registration access token")
	}
	info, err := s.clients.FindClient(ctx, clientID)
	if err != nil {
		return nil, oauth.InvalidClient("unknown client")
	}
	return info, nil
}

// validateMetadata enforces RFC 7591 §2 constraints.
func validateMetadata(meta *Metadata) *oauth.Error {
	grantTypes := meta.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{oauth.GrantTypeAuthorizationCode}
	}
	for _, gt := range grantTypes {
		if !registrableGrantTypes[gt] {
			return oauth.NewError(oauth.ErrCodeInvalidClientMetadata, "unsupported grant type "+gt)
		}
	}

	needsRedirect := false
	for _, gt := range grantTypes {
		if gt == oauth.GrantTypeAuthorizationCode {
			needsRedirect = true
		}
	}
	if needsRedirect && len(meta.RedirectURIs) == 0 {
		return oauth.NewError(oauth.ErrCodeInvalidRedirectURI, "redirect_uris is required for the authorization_code grant")
	}
	for _, raw := range meta.RedirectURIs {
		if verr := validateRedirectURI(raw); verr != nil {
			return verr
		}
	}

	for _, rt := range meta.ResponseTypes {
		if rt == oauth.ResponseTypeCode || rt == oauth.ResponseTypeCodeIDToken {
			if !containsString(grantTypes, oauth.GrantTypeAuthorizationCode) {
				return oauth.NewError(oauth.ErrCodeInvalidClientMetadata,
					"response type "+rt+" requires the authorization_code grant")
			}
		}
	}

	if meta.TokenEndpointAuthMethod != "" && !knownAuthMethods[meta.TokenEndpointAuthMethod] {
		return oauth.NewError(oauth.ErrCodeInvalidClientMetadata, "unknown token_endpoint_auth_method")
	}
	return nil
}

// validateRedirectURI accepts absolute https URIs, plus http for loopback
// hosts only, never with a fragment (RFC 8252 §7.3).
func validateRedirectURI(raw string) *oauth.Error {
	parsed, err := url.Parse(raw)
	if err != nil || !parsed.IsAbs() {
		return oauth.NewError(oauth.ErrCodeInvalidRedirectURI, "redirect URI must be absolute")
	}
	if parsed.Fragment != "" {
		return oauth.NewError(oauth.ErrCodeInvalidRedirectURI, "redirect URI must not contain a fragment")
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		host := parsed.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return oauth.NewError(oauth.ErrCodeInvalidRedirectURI, "http redirect URIs are allowed for loopback hosts only")
	default:
		// Private-use schemes for native apps.
		return nil
	}
}

func needsSecret(authMethod string) bool {
	switch authMethod {
	case oauth.AuthMethodSecretBasic, oauth.AuthMethodSecretPost, oauth.AuthMethodSecretJWT:
		return true
	default:
		return false
	}
}

func metadataToInfo(meta *Metadata) *client.Info {
	authMethod := meta.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = oauth.AuthMethodSecretBasic
	}
	grantTypes := meta.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{oauth.GrantTypeAuthorizationCode}
	}
	responseTypes := meta.ResponseTypes
	if len(responseTypes) == 0 && containsString(grantTypes, oauth.GrantTypeAuthorizationCode) {
		responseTypes = []string{oauth.ResponseTypeCode}
	}
	return &client.Info{
		Name:                    meta.ClientName,
		RedirectURIs:            meta.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		Scopes:                  oauth.ParseScopes(meta.Scope),
		JWKSURI:                 meta.JWKSURI,
	}
}

func infoToMetadata(info *client.Info) *Metadata {
	return &Metadata{
		ClientID:                info.ID,
		ClientName:              info.Name,
		RedirectURIs:            info.RedirectURIs,
		GrantTypes:              info.GrantTypes,
		ResponseTypes:           info.ResponseTypes,
		TokenEndpointAuthMethod: info.TokenEndpointAuthMethod,
		Scope:                   oauth.JoinScopes(info.Scopes),
		JWKSURI:                 info.JWKSURI,
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
