// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/oidcore/pkg/dcr"
	"github.com/stacklok/oidcore/pkg/discovery"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/validate"
)

// handleToken serves the token endpoint (RFC 6749 §3.2).
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if verr := parseForm(r); verr != nil {
		s.writeError(w, verr)
		return
	}
	req := validate.ParseTokenRequest(r.PostForm)
	creds := s.credentials(r, s.endpointURL(discovery.PathToken))

	valid, verr := s.cfg.Validator.ValidateToken(r.Context(), req, creds)
	if verr != nil {
		s.writeError(w, verr)
		return
	}
	resp, verr := s.cfg.Grants.Process(r.Context(), valid)
	if verr != nil {
		s.writeError(w, verr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleIntrospection serves token introspection (RFC 7662).
func (s *Server) handleIntrospection(w http.ResponseWriter, r *http.Request) {
	if verr := parseForm(r); verr != nil {
		s.writeError(w, verr)
		return
	}
	req := validate.ParseIntrospectionRequest(r.PostForm)
	creds := s.credentials(r, s.endpointURL(discovery.PathIntrospection))

	valid, verr := s.cfg.Validator.ValidateIntrospection(r.Context(), req, creds)
	if verr != nil {
		s.writeError(w, verr)
		return
	}
	if !valid.Active() {
		// Inactive tokens disclose nothing beyond the flag itself.
		writeJSON(w, http.StatusOK, oauth.IntrospectionResponse{Active: false})
		return
	}

	claims := valid.Token.Claims
	scope, _ := claims.Extra["scope"].(string)
	clientID, _ := claims.Extra["client_id"].(string)
	resp := oauth.IntrospectionResponse{
		Active:    true,
		Scope:     scope,
		ClientID:  clientID,
		TokenType: "Bearer",
		Sub:       claims.Subject,
		Iss:       claims.Issuer,
		Jti:       claims.ID,
		Aud:       strings.Join(claims.Audience, " "),
	}
	if !claims.ExpiresAt.IsZero() {
		resp.Exp = claims.ExpiresAt.Unix()
	}
	if !claims.IssuedAt.IsZero() {
		resp.Iat = claims.IssuedAt.Unix()
	}
	if !claims.NotBefore.IsZero() {
		resp.Nbf = claims.NotBefore.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRevocation serves token revocation (RFC 7009). Unknown and foreign
// tokens still answer 200.
func (s *Server) handleRevocation(w http.ResponseWriter, r *http.Request) {
	if verr := parseForm(r); verr != nil {
		s.writeError(w, verr)
		return
	}
	req := validate.ParseRevocationRequest(r.PostForm)
	creds := s.credentials(r, s.endpointURL(discovery.PathRevocation))

	valid, verr := s.cfg.Validator.ValidateRevocation(r.Context(), req, creds)
	if verr != nil {
		s.writeError(w, verr)
		return
	}
	if valid.JWTID != "" {
		if verr := s.cfg.Validator.Revoke(r.Context(), valid); verr != nil {
			s.writeError(w, verr)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleEndSession serves RP-initiated logout.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if verr := parseForm(r); verr != nil {
		s.writeError(w, verr)
		return
	}
	req := validate.ParseEndSessionRequest(r.Form)
	valid, verr := s.cfg.Validator.ValidateEndSession(r.Context(), req)
	if verr != nil {
		s.writeError(w, verr)
		return
	}

	if valid.PostLogoutRedirectURI != "" {
		target, err := url.Parse(valid.PostLogoutRedirectURI)
		if err != nil {
			s.writeError(w, oauth.ServerError("invalid post-logout redirect", err))
			return
		}
		if valid.State != "" {
			query := target.Query()
			query.Set("state", valid.State)
			target.RawQuery = query.Encode()
		}
		http.Redirect(w, r, target.String(), http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleDeviceAuthorization serves the device authorization endpoint
// (RFC 8628 §3.1).
func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if verr := parseForm(r); verr != nil {
		s.writeError(w, verr)
		return
	}
	creds := s.credentials(r, s.endpointURL(discovery.PathDevice))
	info, err := s.cfg.Validator.AuthenticateClient(r.Context(), creds)
	if err != nil {
		s.writeError(w, oauth.ServerError("client authentication unavailable", err))
		return
	}
	if info == nil {
		s.writeError(w, oauth.InvalidClient("client authentication failed"))
		return
	}
	if !info.AllowsGrantType(oauth.GrantTypeDeviceCode) {
		s.writeError(w, oauth.UnauthorizedClient("client may not use the device grant"))
		return
	}

	scopes := oauth.ParseScopes(r.PostForm.Get("scope"))
	for _, scope := range scopes {
		if !info.AllowsScope(scope) {
			s.writeError(w, oauth.InvalidScope("scope "+scope+" is not allowed for this client"))
			return
		}
	}

	resp, verr := s.cfg.Grants.BeginDeviceAuthorization(
		r.Context(), info.ID, scopes, s.endpointURL("/device"))
	if verr != nil {
		s.writeError(w, verr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBackchannelAuthentication serves the CIBA authentication endpoint.
func (s *Server) handleBackchannelAuthentication(w http.ResponseWriter, r *http.Request) {
	if verr := parseForm(r); verr != nil {
		s.writeError(w, verr)
		return
	}
	req := validate.ParseBackchannelAuthenticationRequest(r.PostForm)
	creds := s.credentials(r, s.endpointURL(discovery.PathBackchannel))

	valid, verr := s.cfg.Validator.ValidateBackchannelAuthentication(r.Context(), req, creds)
	if verr != nil {
		s.writeError(w, verr)
		return
	}
	resp, verr := s.cfg.Grants.BeginBackchannel(r.Context(), valid)
	if verr != nil {
		s.writeError(w, verr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRegister serves dynamic client registration (RFC 7591).
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var meta dcr.Metadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		s.writeError(w, oauth.InvalidRequest("malformed registration document"))
		return
	}
	resp, verr := s.cfg.Registrar.Register(r.Context(), &meta)
	if verr != nil {
		s.writeError(w, verr)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRegistrationRead(w http.ResponseWriter, r *http.Request) {
	resp, verr := s.cfg.Registrar.Read(r.Context(), chi.URLParam(r, "clientID"), bearerToken(r))
	if verr != nil {
		s.writeError(w, verr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegistrationUpdate(w http.ResponseWriter, r *http.Request) {
	var meta dcr.Metadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		s.writeError(w, oauth.InvalidRequest("malformed registration document"))
		return
	}
	resp, verr := s.cfg.Registrar.Update(r.Context(), chi.URLParam(r, "clientID"), bearerToken(r), &meta)
	if verr != nil {
		s.writeError(w, verr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegistrationDelete(w http.ResponseWriter, r *http.Request) {
	if verr := s.cfg.Registrar.Delete(r.Context(), chi.URLParam(r, "clientID"), bearerToken(r)); verr != nil {
		s.writeError(w, verr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDiscovery serves the server metadata document.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := discovery.Assemble(s.cfg.Discovery)
	writeJSON(w, http.StatusOK, doc)
}

// handleJWKS publishes the server's public signing keys.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := keys.PublicJWKS(r.Context(), s.cfg.Keys)
	if err != nil {
		s.writeError(w, oauth.ServerError("failed to assemble JWKS", err))
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
