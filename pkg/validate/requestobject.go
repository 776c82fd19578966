// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"
	"fmt"
	"iter"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/oauth"
)

// bindRequestObject validates a JAR request object (RFC 9101) and binds its
// payload onto the plain request, claim values overriding matching query
// parameters. The signature is required only when the client or the server
// configuration demands it; lifetime and issuer are always checked when
// present in the object.
func (v *Validator) bindRequestObject(ctx context.Context, info *client.Info, req *AuthorizationRequest) (*AuthorizationRequest, *oauth.Error) {
	options := jwt.OptValidateLifetime | jwt.OptValidateIssuer
	if v.requireSignedRequestObject || info.RequireSignedRequestObject {
		options |= jwt.OptRequireSigned
	}

	resolver, err := v.clientRequestObjectKeys(ctx, info)
	if err != nil {
		v.logger.Warn("request object key resolution failed",
			"client_id", info.ID,
			"error", err,
		)
		// With no keys the object can still be accepted unsigned when
		// signatures are not required.
		resolver = nil
	}

	valid, err := v.engine.Validate(ctx, req.Request, jwt.ValidationParameters{
		Options:     options,
		SigningKeys: resolver,
		ValidIssuer: func(iss string) bool {
			// RFC 9101 §4: the request object issuer is the client.
			return iss == "" || iss == info.ID
		},
	})
	if err != nil {
		v.logger.Warn("request object validation failed",
			"client_id", info.ID,
			"error", err,
		)
		return nil, oauth.InvalidRequestObject("request object validation failed")
	}

	merged := *req
	merged.Request = ""
	if verr := bindClaims(&merged, info, valid.Claims); verr != nil {
		return nil, verr
	}
	return &merged, nil
}

// clientRequestObjectKeys resolves the verification keys for a client's
// request objects from its registered JWKS, restricted to the registered
// request_object_signing_alg when one is set.
func (v *Validator) clientRequestObjectKeys(_ context.Context, info *client.Info) (jwt.SigningKeyResolver, error) {
	if info.JWKS == nil {
		return nil, fmt.Errorf("client has no registered keys")
	}
	candidates, err := keys.FromJWKS(info.JWKS)
	if err != nil {
		return nil, err
	}
	if info.RequestObjectSigningAlg != "" {
		filtered := candidates[:0]
		for _, k := range candidates {
			if k.Algorithm == info.RequestObjectSigningAlg {
				filtered = append(filtered, k)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no keys match the registered request object algorithm")
	}
	return func(context.Context) iter.Seq[*keys.SigningKey] {
		return func(yield func(*keys.SigningKey) bool) {
			for _, k := range candidates {
				if !yield(k) {
					return
				}
			}
		}
	}, nil
}

// bindClaims copies request parameters from the object payload over the
// plain request. Any malformed claim fails the whole object.
func bindClaims(req *AuthorizationRequest, info *client.Info, claims jwt.Claims) *oauth.Error {
	for name, value := range claims.Extra {
		switch name {
		case "client_id":
			s, err := requireString(name, value)
			if err != nil {
				return err
			}
			if s != info.ID {
				return oauth.InvalidRequestObject("request object client_id does not match the requesting client")
			}
		case "redirect_uri":
			if err := bindString(name, value, &req.RedirectURI); err != nil {
				return err
			}
		case "response_type":
			if err := bindString(name, value, &req.ResponseType); err != nil {
				return err
			}
		case "response_mode":
			if err := bindString(name, value, &req.ResponseMode); err != nil {
				return err
			}
		case "scope":
			if err := bindString(name, value, &req.Scope); err != nil {
				return err
			}
		case "state":
			if err := bindString(name, value, &req.State); err != nil {
				return err
			}
		case "nonce":
			if err := bindString(name, value, &req.Nonce); err != nil {
				return err
			}
		case "code_challenge":
			if err := bindString(name, value, &req.CodeChallenge); err != nil {
				return err
			}
		case "code_challenge_method":
			if err := bindString(name, value, &req.CodeChallengeMethod); err != nil {
				return err
			}
		case "prompt":
			if err := bindString(name, value, &req.Prompt); err != nil {
				return err
			}
		case "resource":
			resources, err := stringList(name, value)
			if err != nil {
				return err
			}
			req.Resources = resources
		}
	}
	return nil
}

func requireString(name string, value any) (string, *oauth.Error) {
	s, ok := value.(string)
	if !ok {
		return "", oauth.InvalidRequestObject("claim " + name + " must be a string")
	}
	return s, nil
}

func bindString(name string, value any, dst *string) *oauth.Error {
	s, err := requireString(name, value)
	if err != nil {
		return err
	}
	*dst = s
	return nil
}

func stringList(name string, value any) ([]string, *oauth.Error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, oauth.InvalidRequestObject("claim " + name + " must contain strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, oauth.InvalidRequestObject("claim " + name + " must be a string or array of strings")
	}
}
