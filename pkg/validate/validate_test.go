// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/clientauth"
	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/registry"
)

const (
	testIssuer        = "https://op.example.com"
	testTokenEndpoint = testIssuer + "/token"
)

type harness struct {
	clients   *client.MemoryStore
	engine    *jwt.Engine
	provider  *keys.StaticProvider
	registry  *registry.MemoryRegistry
	validator *Validator
	serverKey *keys.SigningKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	kid, err := keys.DeriveKeyID(ecKey)
	require.NoError(t, err)
	serverKey := &keys.SigningKey{KeyID: kid, Algorithm: "ES256", Key: ecKey}

	clients := client.NewMemoryStore()
	engine := jwt.NewEngine()
	provider := keys.NewStaticProvider([]*keys.SigningKey{serverKey}, nil)
	reg := registry.NewMemoryRegistry(registry.WithCleanupInterval(time.Minute))
	t.Cleanup(func() { _ = reg.Close() })

	auth := clientauth.New(clientauth.Config{
		Clients:       clients,
		Registry:      reg,
		Engine:        engine,
		TokenEndpoint: testTokenEndpoint,
	})

	return &harness{
		clients:  clients,
		engine:   engine,
		provider: provider,
		registry: reg,
		serverKey: serverKey,
		validator: New(Config{
			Clients:       clients,
			Authenticator: auth,
			Engine:        engine,
			Keys:          provider,
			Registry:      reg,
			Issuer:        testIssuer,
		}),
	}
}

func (h *harness) addClient(t *testing.T, info *client.Info) {
	t.Helper()
	require.NoError(t, h.clients.PutClient(context.Background(), info))
}

// issueServerToken mints a token signed with the server key, as the grant
// processors would.
func (h *harness) issueServerToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	if claims.Issuer == "" {
		claims.Issuer = testIssuer
	}
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	raw, err := h.engine.Issue(context.Background(), &jwt.Token{
		Header: jwt.Header{Algorithm: "ES256"},
		Claims: claims,
	}, h.serverKey, nil)
	require.NoError(t, err)
	return raw
}

func confidentialClient(id, secret string) *client.Info {
	return &client.Info{
		ID:                      id,
		Secrets:                 []client.Secret{client.NewSecret(secret, time.Time{})},
		TokenEndpointAuthMethod: oauth.AuthMethodSecretPost,
		GrantTypes: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeRefreshToken,
			oauth.GrantTypeClientCredentials,
		},
		ResponseTypes: []string{oauth.ResponseTypeCode},
		RedirectURIs:  []string{"https://rp.example.com/callback"},
	}
}

func secretPostForm(id, secret string, extra url.Values) url.Values {
	form := url.Values{"client_id": {id}, "client_secret": {secret}}
	for k, vs := range extra {
		form[k] = vs
	}
	return form
}
