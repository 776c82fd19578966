// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package consent determines which requested scopes and resources a user has
// already granted and which still need their approval. Consent is computed
// per authorization request from a consent store; it is never persisted by
// this package directly.
package consent

import (
	"context"

	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/session"
)

// Definition is a set of scopes and resources under consent.
type Definition struct {
	Scopes    []string
	Resources []string
}

// Empty reports whether the definition covers nothing.
func (d Definition) Empty() bool {
	return len(d.Scopes) == 0 && len(d.Resources) == 0
}

// UserConsents partitions an authorization request's scopes and resources
// into what the user already granted and what remains pending.
type UserConsents struct {
	Granted Definition
	Pending Definition
}

// Request carries the consent-relevant slice of a validated authorization
// request.
type Request struct {
	// ClientID identifies the requesting client.
	ClientID string

	// Scopes are the requested scopes.
	Scopes []string

	// Resources are the requested resource indicators.
	Resources []string

	// Prompts are the parsed prompt parameter values.
	Prompts []string
}

// Store supplies previously granted consent per user and client.
type Store interface {
	// GrantedConsent returns what subject has already granted to clientID.
	// A nil definition means nothing was granted.
	GrantedConsent(ctx context.Context, subject, clientID string) (*Definition, error)
}

// Engine computes the consent partition for a request.
type Engine interface {
	UserConsents(ctx context.Context, req Request, sess *session.AuthSession) (UserConsents, error)
}

// NewEngine builds the consent engine: a store-backed partitioner wrapped in
// the prompt=consent policy. A nil store means consent is not required and
// everything is granted immediately.
func NewEngine(store Store) Engine {
	var inner Engine
	if store == nil {
		inner = grantAllEngine{}
	} else {
		inner = &storeEngine{store: store}
	}
	return &forcePromptEngine{inner: inner}
}

// grantAllEngine grants every request outright. Used when no consent
// requirement is configured.
type grantAllEngine struct{}

func (grantAllEngine) UserConsents(_ context.Context, req Request, _ *session.AuthSession) (UserConsents, error) {
	return UserConsents{
		Granted: Definition{Scopes: req.Scopes, Resources: req.Resources},
	}, nil
}

// storeEngine partitions the request against stored prior consent.
type storeEngine struct {
	store Store
}

func (e *storeEngine) UserConsents(ctx context.Context, req Request, sess *session.AuthSession) (UserConsents, error) {
	prior, err := e.store.GrantedConsent(ctx, sess.Subject, req.ClientID)
	if err != nil {
		return UserConsents{}, err
	}
	if prior == nil {
		return UserConsents{
			Pending: Definition{Scopes: req.Scopes, Resources: req.Resources},
		}, nil
	}

	var out UserConsents
	for _, scope := range req.Scopes {
		if contains(prior.Scopes, scope) {
			out.Granted.Scopes = append(out.Granted.Scopes, scope)
		} else {
			out.Pending.Scopes = append(out.Pending.Scopes, scope)
		}
	}
	for _, resource := range req.Resources {
		if contains(prior.Resources, resource) {
			out.Granted.Resources = append(out.Granted.Resources, resource)
		} else {
			out.Pending.Resources = append(out.Pending.Resources, resource)
		}
	}
	return out, nil
}

// forcePromptEngine overrides the inner result when prompt=consent is
// present: all requested scopes and resources become pending regardless of
// stored consent.
type forcePromptEngine struct {
	inner Engine
}

func (e *forcePromptEngine) UserConsents(ctx context.Context, req Request, sess *session.AuthSession) (UserConsents, error) {
	if contains(req.Prompts, oauth.PromptConsent) {
		return UserConsents{
			Pending: Definition{Scopes: req.Scopes, Resources: req.Resources},
		}, nil
	}
	return e.inner.UserConsents(ctx, req, sess)
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
