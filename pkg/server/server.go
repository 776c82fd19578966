// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server is the HTTP surface of the authorization server. Handlers
// translate between the wire and the protocol core; all protocol decisions
// live in pkg/validate and pkg/grants.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/oidcore/pkg/clientauth"
	"github.com/stacklok/oidcore/pkg/consent"
	"github.com/stacklok/oidcore/pkg/dcr"
	"github.com/stacklok/oidcore/pkg/discovery"
	"github.com/stacklok/oidcore/pkg/grants"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/validate"
)

// SessionResolver extracts the authenticated user session from a request.
// A nil session means the user is not logged in.
type SessionResolver func(r *http.Request) (*session.AuthSession, error)

// Config assembles a Server.
type Config struct {
	// Issuer is the server's issuer identifier.
	Issuer string

	// Validator runs the per-endpoint validation chains.
	Validator *validate.Validator

	// Grants redeems grants and mints tokens.
	Grants *grants.Service

	// Consent partitions requested scopes into granted and pending.
	Consent consent.Engine

	// Registrar serves dynamic client registration; nil disables it.
	Registrar *dcr.Service

	// Keys publishes the JWKS document.
	Keys keys.Provider

	// Discovery is the capability set for the metadata document.
	Discovery discovery.Config

	// CertificateHeader names the forwarded client certificate header.
	CertificateHeader string

	// Sessions resolves the logged-in user; nil means no user ever.
	Sessions SessionResolver

	// PARLifetime bounds stored pushed authorization requests; 90s if zero.
	PARLifetime time.Duration

	// Logger receives structured diagnostics; slog.Default() when nil.
	Logger *slog.Logger
}

// Server mounts the protocol endpoints.
type Server struct {
	cfg    Config
	par    *parStore
	logger *slog.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lifetime := cfg.PARLifetime
	if lifetime == 0 {
		lifetime = 90 * time.Second
	}
	return &Server{
		cfg:    cfg,
		par:    newPARStore(lifetime),
		logger: logger,
	}
}

// Router builds the chi router with every enabled endpoint mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(discovery.PathDiscovery, s.handleDiscovery)
	r.Get(discovery.PathJWKS, s.handleJWKS)

	r.Get(discovery.PathAuthorize, s.handleAuthorize)
	r.Post(discovery.PathAuthorize, s.handleAuthorize)
	r.Post(discovery.PathToken, s.handleToken)
	r.Post(discovery.PathPAR, s.handlePAR)
	r.Post(discovery.PathIntrospection, s.handleIntrospection)
	r.Post(discovery.PathRevocation, s.handleRevocation)
	r.Get(discovery.PathEndSession, s.handleEndSession)
	r.Post(discovery.PathEndSession, s.handleEndSession)

	if s.cfg.Discovery.EnableDeviceFlow {
		r.Post(discovery.PathDevice, s.handleDeviceAuthorization)
	}
	if s.cfg.Discovery.EnableCIBA {
		r.Post(discovery.PathBackchannel, s.handleBackchannelAuthentication)
	}
	if s.cfg.Registrar != nil {
		r.Post(discovery.PathRegistration, s.handleRegister)
		r.Get(discovery.PathRegistration+"/{clientID}", s.handleRegistrationRead)
		r.Put(discovery.PathRegistration+"/{clientID}", s.handleRegistrationUpdate)
		r.Delete(discovery.PathRegistration+"/{clientID}", s.handleRegistrationDelete)
	}
	return r
}

// endpointURL derives the absolute URL of a relative endpoint path.
func (s *Server) endpointURL(path string) string {
	return strings.TrimSuffix(s.cfg.Issuer, "/") + path
}

// credentials builds the transport-independent client credential view.
func (s *Server) credentials(r *http.Request, endpoint string) *clientauth.Request {
	cert := ""
	if s.cfg.CertificateHeader != "" {
		cert = r.Header.Get(s.cfg.CertificateHeader)
	}
	return &clientauth.Request{
		Form:                r.PostForm,
		AuthorizationHeader: r.Header.Get("Authorization"),
		ClientCertificate:   cert,
		Endpoint:            endpoint,
	}
}

// resolveSession returns the logged-in user, if any.
func (s *Server) resolveSession(r *http.Request) (*session.AuthSession, error) {
	if s.cfg.Sessions == nil {
		return nil, nil
	}
	return s.cfg.Sessions(r)
}

// userConsents runs the consent engine, defaulting to grant-all when no
// engine is configured.
func (s *Server) userConsents(ctx context.Context, req consent.Request, sess *session.AuthSession) (consent.UserConsents, error) {
	engine := s.cfg.Consent
	if engine == nil {
		engine = consent.NewEngine(nil)
	}
	return engine.UserConsents(ctx, req, sess)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError serializes a protocol error with its conventional status code.
func (s *Server) writeError(w http.ResponseWriter, verr *oauth.Error) {
	status := http.StatusBadRequest
	switch verr.Code {
	case oauth.ErrCodeInvalidClient:
		status = http.StatusUnauthorized
	case oauth.ErrCodeServerError:
		status = http.StatusInternalServerError
		s.logger.Error("request failed", "error", verr)
	}
	writeJSON(w, status, verr)
}

// parseForm decodes the request body, tolerating empty bodies.
func parseForm(r *http.Request) *oauth.Error {
	if err := r.ParseForm(); err != nil {
		return oauth.InvalidRequest("malformed request body")
	}
	return nil
}
