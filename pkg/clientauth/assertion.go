// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/registry"
)

// assertionMethod implements client_secret_jwt and private_key_jwt
// (RFC 7523). The two differ only in where verification keys come from:
// the client's raw secret for HMAC, or its registered JWKS for signatures.
type assertionMethod struct {
	name          string
	clients       client.Store
	registry      registry.Registry
	engine        *jwt.Engine
	tokenEndpoint string
	jwks          *jwksFetcher
	logger        *slog.Logger
}

func newAssertionMethod(name string, cfg Config, logger *slog.Logger) *assertionMethod {
	return &assertionMethod{
		name:          name,
		clients:       cfg.Clients,
		registry:      cfg.Registry,
		engine:        cfg.Engine,
		tokenEndpoint: cfg.TokenEndpoint,
		jwks:          &jwksFetcher{cache: cfg.JWKSCache},
		logger:        logger,
	}
}

func (m *assertionMethod) Name() string {
	return m.name
}

func (m *assertionMethod) TryAuthenticate(ctx context.Context, req *Request) (*client.Info, error) {
	if req.Form.Get("client_assertion_type") != oauth.ClientAssertionTypeJWTBearer {
		return nil, nil
	}
	raw := req.Form.Get("client_assertion")
	if raw == "" {
		return nil, nil
	}

	// The issuer identifies the client, so claims must be peeked before any
	// key material can be resolved. Nothing is trusted until verification.
	claims, err := peekClaims(raw)
	if err != nil {
		m.logger.Warn("malformed client assertion", "error", err)
		return nil, nil
	}
	if claims.Issuer == "" || claims.Issuer != claims.Subject {
		m.logger.Warn("client assertion issuer/subject mismatch",
			"iss", claims.Issuer,
			"sub", claims.Subject,
		)
		return nil, nil
	}

	info := findByMethod(ctx, m.clients, claims.Issuer, m.name, m.logger)
	if info == nil {
		return nil, nil
	}

	resolver, err := m.verificationKeys(ctx, info)
	if err != nil {
		m.logger.Warn("no verification keys for client assertion",
			"client_id", info.ID,
			"method", m.name,
			"error", err,
		)
		return nil, nil
	}

	endpoint := m.tokenEndpoint
	if endpoint == "" {
		endpoint = req.Endpoint
	}

	valid, err := m.engine.Validate(ctx, raw, jwt.ValidationParameters{
		Options:     jwt.DefaultOptions,
		SigningKeys: resolver,
		ValidIssuer: func(iss string) bool {
			return iss == info.ID
		},
		ValidAudience: func(aud []string) bool {
			for _, a := range aud {
				if a == endpoint {
					return true
				}
			}
			return false
		},
	})
	if err != nil {
		m.logger.Warn("client assertion validation failed",
			"client_id", info.ID,
			"method", m.name,
			"error", err,
		)
		return nil, nil
	}

	// RFC 7523 §3 requires exp; a jti is required here to block replay.
	if valid.Claims.ID == "" || valid.Claims.ExpiresAt.IsZero() {
		m.logger.Warn("client assertion missing jti or exp", "client_id", info.ID)
		return nil, nil
	}

	fresh, err := m.registry.MarkIfUnused(ctx, valid.Claims.ID, valid.Claims.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record assertion jti: %w", err)
	}
	if !fresh {
		m.logger.Warn("client assertion replay detected",
			"client_id", info.ID,
			"jti", valid.Claims.ID,
		)
		return nil, nil
	}

	return info, nil
}

// verificationKeys builds the signing-key resolver for the client.
func (m *assertionMethod) verificationKeys(ctx context.Context, info *client.Info) (jwt.SigningKeyResolver, error) {
	if m.name == oauth.AuthMethodSecretJWT {
		candidates := hmacCandidates(info)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("client has no usable secret")
		}
		return staticResolver(candidates), nil
	}

	set := info.JWKS
	if set == nil && info.JWKSURI != "" {
		fetched, err := m.jwks.Fetch(ctx, info.JWKSURI)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch client JWKS: %w", err)
		}
		set = fetched
	}
	if set == nil || set.Len() == 0 {
		return nil, fmt.Errorf("client has no registered keys")
	}
	candidates, err := keys.FromJWKS(set)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("client JWKS contains no usable keys")
	}
	return staticResolver(candidates), nil
}

func staticResolver(candidates []*keys.SigningKey) jwt.SigningKeyResolver {
	return func(context.Context) iter.Seq[*keys.SigningKey] {
		return func(yield func(*keys.SigningKey) bool) {
			for _, k := range candidates {
				if !yield(k) {
					return
				}
			}
		}
	}
}

// hmacCandidates derives HMAC verification keys from the client's unexpired
// raw secrets. Each secret is tried under all HS algorithms so the assertion
// header decides which applies.
func hmacCandidates(info *client.Info) []*keys.SigningKey {
	var out []*keys.SigningKey
	for _, secret := range info.ActiveSecrets(timeNow()) {
		if secret.Value == "" {
			continue
		}
		for _, alg := range []string{"HS256", "HS384", "HS512"} {
			out = append(out, &keys.SigningKey{
				Algorithm: alg,
				Key:       []byte(secret.Value),
			})
		}
	}
	return out
}

// peekClaims extracts unverified claims from a compact JWS serialization.
func peekClaims(raw string) (*jwt.Claims, error) {
	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	var claims jwt.Claims
	if err := json.Unmarshal(msg.Payload(), &claims); err != nil {
		return nil, fmt.Errorf("malformed assertion payload: %w", err)
	}
	return &claims, nil
}

// jwksFetcher registers client JWKS URIs with a shared auto-refreshing cache
// on first use.
type jwksFetcher struct {
	cache      *jwk.Cache
	mu         sync.Mutex
	registered map[string]bool
}

// Fetch returns the key set hosted at uri, registering it with the cache on
// first access.
func (f *jwksFetcher) Fetch(ctx context.Context, uri string) (jwk.Set, error) {
	if f.cache == nil {
		return nil, fmt.Errorf("no JWKS cache configured")
	}

	f.mu.Lock()
	if f.registered == nil {
		f.registered = make(map[string]bool)
	}
	if !f.registered[uri] {
		if err := f.cache.Register(ctx, uri); err != nil {
			f.mu.Unlock()
			return nil, fmt.Errorf("failed to register JWKS URI: %w", err)
		}
		f.registered[uri] = true
	}
	f.mu.Unlock()

	return f.cache.Lookup(ctx, uri)
}
