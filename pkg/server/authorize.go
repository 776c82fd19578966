// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/stacklok/oidcore/pkg/consent"
	"github.com/stacklok/oidcore/pkg/discovery"
	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/validate"
)

// handleAuthorize serves the authorization endpoint (RFC 6749 §3.1). Errors
// before the redirect URI is trusted are returned directly; afterwards they
// are delivered to the client per the resolved response mode.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if verr := parseForm(r); verr != nil {
		s.writeError(w, verr)
		return
	}
	params := r.Form
	req := validate.ParseAuthorizationRequest(params)

	// A PAR-issued request_uri is exchanged for the stored request before
	// validation; anything else falls through to the validator and fails.
	if strings.HasPrefix(req.RequestURI, RequestURIPrefix) {
		if stored := s.par.Take(req.RequestURI, req.ClientID); stored != nil {
			req = stored
		}
	}

	valid, verr := s.cfg.Validator.ValidateAuthorization(r.Context(), req)
	if verr != nil {
		s.writeError(w, verr)
		return
	}

	sess, err := s.resolveSession(r)
	if err != nil {
		s.writeError(w, oauth.ServerError("session resolution failed", err))
		return
	}
	if sess == nil {
		s.redirectError(w, r, valid, oauth.NewError("login_required", "no authenticated user"))
		return
	}

	consents, err := s.userConsents(r.Context(), consent.Request{
		ClientID:  valid.Client.ID,
		Scopes:    valid.Scopes,
		Resources: valid.Resources,
		Prompts:   valid.Prompts,
	}, sess)
	if err != nil {
		s.writeError(w, oauth.ServerError("consent resolution failed", err))
		return
	}
	if !consents.Pending.Empty() {
		s.redirectError(w, r, valid, oauth.NewError("consent_required", "user consent is required"))
		return
	}

	values := url.Values{}
	if valid.State != "" {
		values.Set("state", valid.State)
	}

	var code string
	if strings.Contains(valid.ResponseType, oauth.ResponseTypeCode) {
		issued, verr := s.cfg.Grants.BeginAuthorizationCode(r.Context(), valid, sess, consents.Granted.Scopes)
		if verr != nil {
			s.redirectError(w, r, valid, verr)
			return
		}
		code = issued
		values.Set("code", code)
	}
	if strings.Contains(valid.ResponseType, oauth.ResponseTypeIDToken) {
		idToken, verr := s.cfg.Grants.IssueAuthorizationIDToken(
			r.Context(), valid.Client, sess, valid.Nonce, code, consents.Granted.Scopes)
		if verr != nil {
			s.redirectError(w, r, valid, verr)
			return
		}
		values.Set("id_token", idToken)
	}

	s.deliver(w, r, valid.RedirectURI, valid.ResponseMode, values)
}

// redirectError delivers a post-validation error to the client's redirect URI.
func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, valid *validate.ValidAuthorizationRequest, verr *oauth.Error) {
	values := url.Values{}
	values.Set("error", verr.Code)
	if verr.Description != "" {
		values.Set("error_description", verr.Description)
	}
	if valid.State != "" {
		values.Set("state", valid.State)
	}
	s.deliver(w, r, valid.RedirectURI, valid.ResponseMode, values)
}

// deliver encodes the response parameters per the response mode.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request, redirectURI, mode string, values url.Values) {
	switch mode {
	case oauth.ResponseModeFormPost:
		s.deliverFormPost(w, redirectURI, values)
	case oauth.ResponseModeFragment:
		http.Redirect(w, r, redirectURI+"#"+values.Encode(), http.StatusFound)
	default:
		target, err := url.Parse(redirectURI)
		if err != nil {
			s.writeError(w, oauth.ServerError("invalid redirect target", err))
			return
		}
		query := target.Query()
		for k, vs := range values {
			for _, v := range vs {
				query.Set(k, v)
			}
		}
		target.RawQuery = query.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
	}
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html><head><title>Submit</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{- range $name, $values := .Values}}{{range $values}}
<input type="hidden" name="{{$name}}" value="{{.}}"/>
{{- end}}{{end}}
<noscript><button type="submit">Continue</button></noscript>
</form></body></html>`))

func (s *Server) deliverFormPost(w http.ResponseWriter, redirectURI string, values url.Values) {
	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	err := formPostTemplate.Execute(w, struct {
		Action string
		Values url.Values
	}{Action: redirectURI, Values: values})
	if err != nil {
		s.logger.Error("form_post rendering failed", "error", err)
	}
}

// handlePAR serves the pushed authorization request endpoint (RFC 9126).
func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	if verr := parseForm(r); verr != nil {
		s.writeError(w, verr)
		return
	}
	req := validate.ParseAuthorizationRequest(r.PostForm)
	creds := s.credentials(r, s.endpointURL(discovery.PathPAR))

	valid, verr := s.cfg.Validator.ValidatePushedAuthorization(r.Context(), req, creds)
	if verr != nil {
		s.writeError(w, verr)
		return
	}

	uri, lifetime := s.par.Put(req, valid.Client.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"request_uri": uri,
		"expires_in":  int64(lifetime.Seconds()),
	})
}
