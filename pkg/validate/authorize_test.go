// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/clientauth"
	"github.com/stacklok/oidcore/pkg/oauth"
)

func baseAuthRequest() *AuthorizationRequest {
	return &AuthorizationRequest{
		ClientID:     "web-app",
		RedirectURI:  "https://rp.example.com/callback",
		ResponseType: oauth.ResponseTypeCode,
		Scope:        "openid profile",
	}
}

func TestValidateAuthorization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		client   func(*client.Info)
		mutate   func(*AuthorizationRequest)
		wantCode string
	}{
		{
			name:   "happy path",
			mutate: func(*AuthorizationRequest) {},
		},
		{
			name:     "missing client_id",
			mutate:   func(r *AuthorizationRequest) { r.ClientID = "" },
			wantCode: oauth.ErrCodeInvalidRequest,
		},
		{
			name:     "unknown client",
			mutate:   func(r *AuthorizationRequest) { r.ClientID = "ghost" },
			wantCode: oauth.ErrCodeUnauthorizedClient,
		},
		{
			name:     "unresolved request_uri",
			mutate:   func(r *AuthorizationRequest) { r.RequestURI = "urn:ietf:params:oauth:request_uri:gone" },
			wantCode: oauth.ErrCodeInvalidRequestURI,
		},
		{
			name:     "missing redirect_uri",
			mutate:   func(r *AuthorizationRequest) { r.RedirectURI = "" },
			wantCode: oauth.ErrCodeInvalidRequest,
		},
		{
			name:     "unregistered redirect_uri",
			mutate:   func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/cb" },
			wantCode: oauth.ErrCodeInvalidRequest,
		},
		{
			name:     "partial redirect_uri match",
			mutate:   func(r *AuthorizationRequest) { r.RedirectURI = "https://rp.example.com/callback/extra" },
			wantCode: oauth.ErrCodeInvalidRequest,
		},
		{
			name:     "unsupported response_type",
			mutate:   func(r *AuthorizationRequest) { r.ResponseType = "token" },
			wantCode: oauth.ErrCodeUnsupportedResponseType,
		},
		{
			name:     "response_type not allowed for client",
			mutate:   func(r *AuthorizationRequest) { r.ResponseType = oauth.ResponseTypeIDToken },
			wantCode: oauth.ErrCodeUnauthorizedClient,
		},
		{
			name:     "disallowed scope",
			client:   func(c *client.Info) { c.Scopes = []string{"openid"} },
			mutate:   func(r *AuthorizationRequest) { r.Scope = "openid admin" },
			wantCode: oauth.ErrCodeInvalidScope,
		},
		{
			name:     "pkce required but missing",
			client:   func(c *client.Info) { c.RequirePKCE = true },
			mutate:   func(*AuthorizationRequest) {},
			wantCode: oauth.ErrCodeInvalidRequest,
		},
		{
			name: "plain pkce rejected",
			mutate: func(r *AuthorizationRequest) {
				r.CodeChallenge = "abc"
				r.CodeChallengeMethod = "plain"
			},
			wantCode: oauth.ErrCodeInvalidRequest,
		},
		{
			name: "pkce defaults to plain when method omitted",
			mutate: func(r *AuthorizationRequest) {
				r.CodeChallenge = "abc"
			},
			wantCode: oauth.ErrCodeInvalidRequest,
		},
		{
			name:   "prompt none alone is fine",
			mutate: func(r *AuthorizationRequest) { r.Prompt = "none" },
		},
		{
			name:     "prompt none combined",
			mutate:   func(r *AuthorizationRequest) { r.Prompt = "none login" },
			wantCode: oauth.ErrCodeInvalidRequest,
		},
		{
			name:     "resource with fragment",
			mutate:   func(r *AuthorizationRequest) { r.Resources = []string{"https://api.example.com/#frag"} },
			wantCode: oauth.ErrCodeInvalidTarget,
		},
		{
			name:     "relative resource",
			mutate:   func(r *AuthorizationRequest) { r.Resources = []string{"/api"} },
			wantCode: oauth.ErrCodeInvalidTarget,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			info := confidentialClient("web-app", "s3cret")
			if tc.client != nil {
				tc.client(info)
			}
			h.addClient(t, info)

			req := baseAuthRequest()
			tc.mutate(req)

			valid, verr := h.validator.ValidateAuthorization(context.Background(), req)
			if tc.wantCode != "" {
				require.NotNil(t, verr)
				assert.Equal(t, tc.wantCode, verr.Code)
				return
			}
			require.Nil(t, verr)
			assert.Equal(t, "web-app", valid.Client.ID)
			assert.Equal(t, oauth.ResponseModeQuery, valid.ResponseMode)
			assert.Equal(t, []string{"openid", "profile"}, valid.Scopes)
		})
	}
}

func TestValidateAuthorizationNonceAndResponseModes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	info := confidentialClient("web-app", "s3cret")
	info.ResponseTypes = []string{oauth.ResponseTypeCode, oauth.ResponseTypeIDToken, oauth.ResponseTypeCodeIDToken}
	h.addClient(t, info)

	// id_token without nonce fails.
	req := baseAuthRequest()
	req.ResponseType = oauth.ResponseTypeIDToken
	_, verr := h.validator.ValidateAuthorization(context.Background(), req)
	require.NotNil(t, verr)
	assert.Equal(t, oauth.ErrCodeInvalidRequest, verr.Code)

	// Hybrid with nonce defaults to fragment, in canonical order.
	req = baseAuthRequest()
	req.ResponseType = "id_token code"
	req.Nonce = "n-1"
	valid, verr := h.validator.ValidateAuthorization(context.Background(), req)
	require.Nil(t, verr)
	assert.Equal(t, oauth.ResponseTypeCodeIDToken, valid.ResponseType)
	assert.Equal(t, oauth.ResponseModeFragment, valid.ResponseMode)

	// Query mode with tokens in the response is forbidden.
	req.ResponseMode = oauth.ResponseModeQuery
	_, verr = h.validator.ValidateAuthorization(context.Background(), req)
	require.NotNil(t, verr)
	assert.Equal(t, oauth.ErrCodeInvalidRequest, verr.Code)

	// form_post is accepted.
	req.ResponseMode = oauth.ResponseModeFormPost
	valid, verr = h.validator.ValidateAuthorization(context.Background(), req)
	require.Nil(t, verr)
	assert.Equal(t, oauth.ResponseModeFormPost, valid.ResponseMode)
}

func TestRequestObjectBinding(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub, err := jwk.Import(&rsaKey.PublicKey)
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	info := confidentialClient("jar-app", "s3cret")
	info.ID = "jar-app"
	info.JWKS = set
	info.RequireSignedRequestObject = true
	h.addClient(t, info)

	sign := func(claims gojwt.MapClaims) string {
		raw, err := gojwt.NewWithClaims(gojwt.SigningMethodRS256, claims).SignedString(rsaKey)
		require.NoError(t, err)
		return raw
	}

	t.Run("signed object overrides parameters", func(t *testing.T) {
		t.Parallel()
		object := sign(gojwt.MapClaims{
			"iss":       "jar-app",
			"aud":       testIssuer,
			"exp":       time.Now().Add(time.Minute).Unix(),
			"client_id": "jar-app",
			"scope":     "openid",
			"state":     "from-object",
			"nonce":     "n-object",
		})
		req := &AuthorizationRequest{
			ClientID:     "jar-app",
			RedirectURI:  "https://rp.example.com/callback",
			ResponseType: oauth.ResponseTypeCode,
			Scope:        "openid profile",
			State:        "from-query",
			Request:      object,
		}
		valid, verr := h.validator.ValidateAuthorization(context.Background(), req)
		require.Nil(t, verr)
		assert.Equal(t, "from-object", valid.State)
		assert.Equal(t, "n-object", valid.Nonce)
		assert.Equal(t, []string{"openid"}, valid.Scopes)
	})

	t.Run("client_id mismatch rejected", func(t *testing.T) {
		t.Parallel()
		object := sign(gojwt.MapClaims{
			"iss":       "jar-app",
			"exp":       time.Now().Add(time.Minute).Unix(),
			"client_id": "other-app",
		})
		req := baseAuthRequest()
		req.ClientID = "jar-app"
		req.Request = object
		_, verr := h.validator.ValidateAuthorization(context.Background(), req)
		require.NotNil(t, verr)
		assert.Equal(t, oauth.ErrCodeInvalidRequestObject, verr.Code)
	})

	t.Run("unsigned object rejected when signature required", func(t *testing.T) {
		t.Parallel()
		object, err := gojwt.NewWithClaims(gojwt.SigningMethodNone, gojwt.MapClaims{
			"iss": "jar-app",
			"exp": time.Now().Add(time.Minute).Unix(),
		}).SignedString(gojwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		req := baseAuthRequest()
		req.ClientID = "jar-app"
		req.Request = object
		_, verr := h.validator.ValidateAuthorization(context.Background(), req)
		require.NotNil(t, verr)
		assert.Equal(t, oauth.ErrCodeInvalidRequestObject, verr.Code)
	})

	t.Run("expired object rejected", func(t *testing.T) {
		t.Parallel()
		object := sign(gojwt.MapClaims{
			"iss": "jar-app",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})
		req := baseAuthRequest()
		req.ClientID = "jar-app"
		req.Request = object
		_, verr := h.validator.ValidateAuthorization(context.Background(), req)
		require.NotNil(t, verr)
		assert.Equal(t, oauth.ErrCodeInvalidRequestObject, verr.Code)
	})
}

func TestValidatePushedAuthorization(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addClient(t, confidentialClient("web-app", "s3cret"))
	h.addClient(t, confidentialClient("other-app", "s3cret2"))

	creds := func(id, secret string) *clientauth.Request {
		return &clientauth.Request{
			Form:     secretPostForm(id, secret, nil),
			Endpoint: testIssuer + "/par",
		}
	}

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()
		valid, verr := h.validator.ValidatePushedAuthorization(
			context.Background(), baseAuthRequest(), creds("web-app", "s3cret"))
		require.Nil(t, verr)
		assert.Equal(t, "web-app", valid.Client.ID)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		t.Parallel()
		_, verr := h.validator.ValidatePushedAuthorization(
			context.Background(), baseAuthRequest(), creds("web-app", "wrong"))
		require.NotNil(t, verr)
		assert.Equal(t, oauth.ErrCodeUnauthorizedClient, verr.Code)
	})

	t.Run("request_uri always rejected", func(t *testing.T) {
		t.Parallel()
		req := baseAuthRequest()
		req.RequestURI = "urn:ietf:params:oauth:request_uri:abc"
		_, verr := h.validator.ValidatePushedAuthorization(
			context.Background(), req, creds("web-app", "s3cret"))
		require.NotNil(t, verr)
		assert.Equal(t, oauth.ErrCodeInvalidRequestURI, verr.Code)
	})

	t.Run("cross-client request rejected", func(t *testing.T) {
		t.Parallel()
		req := baseAuthRequest() // names web-app
		_, verr := h.validator.ValidatePushedAuthorization(
			context.Background(), req, creds("other-app", "s3cret2"))
		require.NotNil(t, verr)
		assert.Equal(t, oauth.ErrCodeInvalidRequest, verr.Code)
	})
}
