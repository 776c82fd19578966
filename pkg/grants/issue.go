// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/session"
)

// Token typ header values. Access tokens use the RFC 9068 media type so
// resource servers can reject other token kinds.
const (
	typAccessToken  = "at+jwt"
	typRefreshToken = "refresh+jwt"
)

// tokenUseRefresh marks refresh tokens so they cannot be replayed as access
// tokens and vice versa.
const tokenUseRefresh = "refresh"

// issuance carries everything needed to mint one token response.
type issuance struct {
	client    *client.Info
	session   *session.AuthSession
	scopes    []string
	resources []string
	nonce     string

	// refresh enables a rotated refresh token in the response.
	refresh bool

	// extra holds additional ID token claims (c_hash in hybrid flows).
	extra map[string]any
}

// mint issues the access token, plus an ID token when the openid scope was
// granted with a user session, plus a refresh token when requested.
func (s *Service) mint(ctx context.Context, in *issuance) (*oauth.TokenResponse, *oauth.Error) {
	signingKey, verr := s.signingKey(ctx, "")
	if verr != nil {
		return nil, verr
	}
	now := s.clock()

	accessToken, err := s.engine.Issue(ctx, &jwt.Token{
		Header: jwt.Header{Algorithm: signingKey.Algorithm, Type: typAccessToken},
		Claims: jwt.Claims{
			Issuer:    s.issuer,
			Subject:   s.subjectFor(in),
			Audience:  s.audienceFor(in),
			ExpiresAt: now.Add(s.lifetimes.AccessToken),
			IssuedAt:  now,
			ID:        uuid.NewString(),
			Extra: map[string]any{
				"client_id": in.client.ID,
				"scope":     oauth.JoinScopes(in.scopes),
			},
		},
	}, signingKey, nil)
	if err != nil {
		return nil, oauth.ServerError("failed to issue access token", err)
	}

	resp := &oauth.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.lifetimes.AccessToken.Seconds()),
		Scope:       oauth.JoinScopes(in.scopes),
	}

	if in.refresh {
		refreshToken, err := s.engine.Issue(ctx, &jwt.Token{
			Header: jwt.Header{Algorithm: signingKey.Algorithm, Type: typRefreshToken},
			Claims: jwt.Claims{
				Issuer:    s.issuer,
				Subject:   s.subjectFor(in),
				Audience:  []string{s.issuer},
				ExpiresAt: now.Add(s.lifetimes.RefreshToken),
				IssuedAt:  now,
				ID:        uuid.NewString(),
				Extra: map[string]any{
					"token_use": tokenUseRefresh,
					"client_id": in.client.ID,
					"scope":     oauth.JoinScopes(in.scopes),
				},
			},
		}, signingKey, nil)
		if err != nil {
			return nil, oauth.ServerError("failed to issue refresh token", err)
		}
		resp.RefreshToken = refreshToken
	}

	if in.session != nil && oauth.HasScope(in.scopes, oauth.ScopeOpenID) {
		idToken, verr := s.mintIDToken(ctx, in, now)
		if verr != nil {
			return nil, verr
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

// mintIDToken issues the ID token, honoring the client's registered signing
// algorithm and, when requested, encrypting to the client's public key.
func (s *Service) mintIDToken(ctx context.Context, in *issuance, now time.Time) (string, *oauth.Error) {
	signingKey, verr := s.signingKey(ctx, in.client.IDTokenSignedResponseAlg)
	if verr != nil {
		return "", verr
	}

	claims := jwt.Claims{
		Issuer:    s.issuer,
		Subject:   in.session.Subject,
		Audience:  []string{in.client.ID},
		ExpiresAt: now.Add(s.lifetimes.IDToken),
		IssuedAt:  now,
		ID:        uuid.NewString(),
		Extra: map[string]any{
			"auth_time": in.session.AuthenticatedAt.Unix(),
			"sid":       in.session.SessionID,
		},
	}
	if in.nonce != "" {
		claims.Extra["nonce"] = in.nonce
	}
	for k, v := range in.session.Claims {
		claims.Extra[k] = v
	}
	for k, v := range in.extra {
		claims.Extra[k] = v
	}

	var encryptionKey *keys.EncryptionKey
	if in.client.IDTokenEncryptedResponseAlg != "" {
		key, err := clientEncryptionKey(in.client)
		if err != nil {
			return "", oauth.ServerError("no encryption key registered for client", err)
		}
		encryptionKey = key
	}

	idToken, err := s.engine.Issue(ctx, &jwt.Token{
		Header: jwt.Header{Algorithm: signingKey.Algorithm},
		Claims: claims,
	}, signingKey, encryptionKey)
	if err != nil {
		return "", oauth.ServerError("failed to issue id token", err)
	}
	return idToken, nil
}

// IssueAuthorizationIDToken mints the ID token returned directly from the
// authorization endpoint in hybrid flows. When a code accompanies it, the
// c_hash claim binds the two (OIDC Core §3.3.2.11).
func (s *Service) IssueAuthorizationIDToken(
	ctx context.Context,
	info *client.Info,
	sess *session.AuthSession,
	nonce, code string,
	scopes []string,
) (string, *oauth.Error) {
	in := &issuance{
		client:  info,
		session: sess,
		scopes:  scopes,
		nonce:   nonce,
		extra:   codeHashClaim(code),
	}
	return s.mintIDToken(ctx, in, s.clock())
}

// codeHashClaim computes c_hash: the base64url-encoded left half of the
// SHA-256 digest of the code.
func codeHashClaim(code string) map[string]any {
	if code == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(code))
	return map[string]any{
		"c_hash": base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]),
	}
}

// signingKey picks the active server key, constrained to an algorithm when
// the client registered a preference.
func (s *Service) signingKey(ctx context.Context, algorithm string) (*keys.SigningKey, *oauth.Error) {
	candidates := s.keys.SigningKeys(ctx, true)
	if algorithm != "" {
		key := jwt.FirstByAlgorithm(candidates, algorithm)
		if key == nil {
			return nil, oauth.ServerError("no signing key for algorithm "+algorithm, keys.ErrNoSigningKey)
		}
		return key, nil
	}
	for key := range candidates {
		return key, nil
	}
	return nil, oauth.ServerError("no signing key available", keys.ErrNoSigningKey)
}

// subjectFor resolves the token subject: the user for interactive grants,
// the client itself for client_credentials.
func (s *Service) subjectFor(in *issuance) string {
	if in.session != nil {
		return in.session.Subject
	}
	return in.client.ID
}

// audienceFor resolves the access token audience: requested resources first,
// then registered audiences, then the issuer itself.
func (s *Service) audienceFor(in *issuance) []string {
	if len(in.resources) > 0 {
		return in.resources
	}
	if len(in.client.Audiences) > 0 {
		return in.client.Audiences
	}
	return []string{s.issuer}
}

// clientEncryptionKey extracts an RSA public key from the client's registered
// JWKS for ID token encryption.
func clientEncryptionKey(info *client.Info) (*keys.EncryptionKey, error) {
	if info.JWKS == nil {
		return nil, fmt.Errorf("client has no registered keys")
	}
	for i := 0; i < info.JWKS.Len(); i++ {
		jwkKey, ok := info.JWKS.Key(i)
		if !ok {
			continue
		}
		var raw any
		if err := jwk.Export(jwkKey, &raw); err != nil {
			continue
		}
		pub, ok := raw.(*rsa.PublicKey)
		if !ok {
			continue
		}
		kid, _ := jwkKey.KeyID()
		return &keys.EncryptionKey{
			KeyID:     kid,
			Algorithm: info.IDTokenEncryptedResponseAlg,
			Key:       pub,
		}, nil
	}
	return nil, fmt.Errorf("client JWKS contains no RSA encryption key")
}
