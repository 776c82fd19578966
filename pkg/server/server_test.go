// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/clientauth"
	"github.com/stacklok/oidcore/pkg/dcr"
	"github.com/stacklok/oidcore/pkg/discovery"
	"github.com/stacklok/oidcore/pkg/grants"
	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/validate"
)

const testIssuer = "https://op.example.com"

type testStack struct {
	server  *httptest.Server
	clients *client.MemoryStore

	// sess is what the session resolver returns; nil means not logged in.
	sess *session.AuthSession
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	kid, err := keys.DeriveKeyID(ecKey)
	require.NoError(t, err)
	provider := keys.NewStaticProvider([]*keys.SigningKey{
		{KeyID: kid, Algorithm: "ES256", Key: ecKey},
	}, nil)

	clients := client.NewMemoryStore()
	engine := jwt.NewEngine()
	reg := registry.NewMemoryRegistry(registry.WithCleanupInterval(time.Minute))
	t.Cleanup(func() { _ = reg.Close() })
	grantStore := grants.NewMemoryStore(grants.WithCleanupInterval(time.Minute))
	t.Cleanup(func() { _ = grantStore.Close() })

	auth := clientauth.New(clientauth.Config{
		Clients:       clients,
		Registry:      reg,
		Engine:        engine,
		TokenEndpoint: testIssuer + discovery.PathToken,
	})
	validator := validate.New(validate.Config{
		Clients:       clients,
		Authenticator: auth,
		Engine:        engine,
		Keys:          provider,
		Registry:      reg,
		Issuer:        testIssuer,
	})
	grantSvc := grants.New(grants.Config{
		Store:    grantStore,
		Registry: reg,
		Engine:   engine,
		Keys:     provider,
		Issuer:   testIssuer,
	})

	stack := &testStack{clients: clients}
	srv := New(Config{
		Issuer:    testIssuer,
		Validator: validator,
		Grants:    grantSvc,
		Registrar: dcr.New(dcr.Config{
			Clients:         clients,
			RegistrationURI: testIssuer + discovery.PathRegistration,
		}),
		Keys: provider,
		Discovery: discovery.Config{
			Issuer:             testIssuer,
			Scopes:             []string{"openid", "profile"},
			SigningAlgorithms:  []string{"ES256"},
			EnableRegistration: true,
			EnableDeviceFlow:   true,
			EnablePAR:          true,
		},
		Sessions: func(*http.Request) (*session.AuthSession, error) {
			return stack.sess, nil
		},
	})
	stack.server = httptest.NewServer(srv.Router())
	t.Cleanup(stack.server.Close)
	return stack
}

func (ts *testStack) addWebClient(t *testing.T) {
	t.Helper()
	require.NoError(t, ts.clients.PutClient(context.Background(), &client.Info{
		ID:                      "web-app",
		Secrets:                 []client.Secret{client.NewSecret("s3cret", time.Time{})},
		TokenEndpointAuthMethod: oauth.AuthMethodSecretPost,
		GrantTypes: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeRefreshToken,
			oauth.GrantTypeDeviceCode,
		},
		ResponseTypes: []string{oauth.ResponseTypeCode},
		RedirectURIs:  []string{"https://rp.example.com/callback"},
	}))
}

// noRedirect returns a client that surfaces redirects instead of following them.
func noRedirect() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func postForm(t *testing.T, rawURL string, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.PostForm(rawURL, form) //nolint:noctx
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestDiscoveryDocument(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)

	resp, err := http.Get(ts.server.URL + discovery.PathDiscovery) //nolint:noctx
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc discovery.Document
	decodeJSON(t, resp, &doc)
	assert.Equal(t, testIssuer, doc.Issuer)
	assert.Equal(t, testIssuer+"/token", doc.TokenEndpoint)
	assert.Equal(t, testIssuer+"/register", doc.RegistrationEndpoint)
	assert.Equal(t, testIssuer+"/par", doc.PushedAuthorizationRequestEndpoint)
}

func TestJWKSDocument(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)

	resp, err := http.Get(ts.server.URL + discovery.PathJWKS) //nolint:noctx
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	decodeJSON(t, resp, &doc)
	require.Len(t, doc.Keys, 1)
	assert.Equal(t, "ES256", doc.Keys[0]["alg"])
	assert.Equal(t, "sig", doc.Keys[0]["use"])
	// Private parameters never leave the server.
	assert.NotContains(t, doc.Keys[0], "d")
}

func authorizeQuery(state string) url.Values {
	return url.Values{
		"client_id":     {"web-app"},
		"redirect_uri":  {"https://rp.example.com/callback"},
		"response_type": {"code"},
		"scope":         {"openid profile"},
		"state":         {state},
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	ts.addWebClient(t)
	ts.sess = session.New("alice", "local", nil)

	resp, err := noRedirect().Get(ts.server.URL + discovery.PathAuthorize + "?" + authorizeQuery("xyz").Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "rp.example.com", location.Host)
	assert.Equal(t, "xyz", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	tokenResp := postForm(t, ts.server.URL+discovery.PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://rp.example.com/callback"},
		"client_id":     {"web-app"},
		"client_secret": {"s3cret"},
	})
	require.Equal(t, http.StatusOK, tokenResp.StatusCode)
	assert.Equal(t, "no-store", tokenResp.Header.Get("Cache-Control"))

	var tokens oauth.TokenResponse
	decodeJSON(t, tokenResp, &tokens)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.NotEmpty(t, tokens.IDToken)
	assert.Equal(t, "Bearer", tokens.TokenType)

	// The fresh access token introspects as active.
	introResp := postForm(t, ts.server.URL+discovery.PathIntrospection, url.Values{
		"client_id":     {"web-app"},
		"client_secret": {"s3cret"},
		"token":         {tokens.AccessToken},
	})
	require.Equal(t, http.StatusOK, introResp.StatusCode)

	var intro oauth.IntrospectionResponse
	decodeJSON(t, introResp, &intro)
	assert.True(t, intro.Active)
	assert.Equal(t, "alice", intro.Sub)
	assert.Equal(t, "web-app", intro.ClientID)

	// Revoking it flips introspection to inactive.
	revokeResp := postForm(t, ts.server.URL+discovery.PathRevocation, url.Values{
		"client_id":     {"web-app"},
		"client_secret": {"s3cret"},
		"token":         {tokens.AccessToken},
	})
	require.Equal(t, http.StatusOK, revokeResp.StatusCode)

	afterResp := postForm(t, ts.server.URL+discovery.PathIntrospection, url.Values{
		"client_id":     {"web-app"},
		"client_secret": {"s3cret"},
		"token":         {tokens.AccessToken},
	})
	// An inactive response is exactly {"active": false}; any extra field
	// would disclose something about the token.
	var after map[string]any
	decodeJSON(t, afterResp, &after)
	assert.Equal(t, map[string]any{"active": false}, after)
}

func TestAuthorizeWithoutLogin(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	ts.addWebClient(t)

	resp, err := noRedirect().Get(ts.server.URL + discovery.PathAuthorize + "?" + authorizeQuery("xyz").Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "login_required", location.Query().Get("error"))
	assert.Equal(t, "xyz", location.Query().Get("state"))
}

func TestAuthorizeInvalidClient(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)

	// Unknown clients never get a redirect; the error is returned directly.
	resp, err := noRedirect().Get(ts.server.URL + discovery.PathAuthorize + "?" + authorizeQuery("").Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var werr map[string]string
	decodeJSON(t, resp, &werr)
	assert.Equal(t, "unauthorized_client", werr["error"])
}

func TestPushedAuthorizationFlow(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	ts.addWebClient(t)
	ts.sess = session.New("alice", "local", nil)

	form := authorizeQuery("par-state")
	form.Set("client_secret", "s3cret")
	parResp := postForm(t, ts.server.URL+discovery.PathPAR, form)
	require.Equal(t, http.StatusCreated, parResp.StatusCode)

	var par struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int64  `json:"expires_in"`
	}
	decodeJSON(t, parResp, &par)
	require.True(t, strings.HasPrefix(par.RequestURI, RequestURIPrefix))
	assert.Positive(t, par.ExpiresIn)

	authorizeURL := ts.server.URL + discovery.PathAuthorize + "?" + url.Values{
		"client_id":   {"web-app"},
		"request_uri": {par.RequestURI},
	}.Encode()

	resp, err := noRedirect().Get(authorizeURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "par-state", location.Query().Get("state"))
	assert.NotEmpty(t, location.Query().Get("code"))

	// request_uri is one-time use.
	replay, err := noRedirect().Get(authorizeURL)
	require.NoError(t, err)
	defer replay.Body.Close()
	require.Equal(t, http.StatusBadRequest, replay.StatusCode)

	var werr map[string]string
	decodeJSON(t, replay, &werr)
	assert.Equal(t, "invalid_request_uri", werr["error"])
}

func TestPushedRequestURIBoundToClient(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	ts.addWebClient(t)
	ts.sess = session.New("alice", "local", nil)

	require.NoError(t, ts.clients.PutClient(context.Background(), &client.Info{
		ID:                      "other-app",
		Secrets:                 []client.Secret{client.NewSecret("other-secret", time.Time{})},
		TokenEndpointAuthMethod: oauth.AuthMethodSecretPost,
		GrantTypes:              []string{oauth.GrantTypeAuthorizationCode},
		ResponseTypes:           []string{oauth.ResponseTypeCode},
		RedirectURIs:            []string{"https://other.example.com/callback"},
	}))

	form := authorizeQuery("bind-state")
	form.Set("client_secret", "s3cret")
	parResp := postForm(t, ts.server.URL+discovery.PathPAR, form)
	require.Equal(t, http.StatusCreated, parResp.StatusCode)

	var par struct {
		RequestURI string `json:"request_uri"`
	}
	decodeJSON(t, parResp, &par)

	// A request_uri pushed by web-app is worthless to any other client.
	resp, err := noRedirect().Get(ts.server.URL + discovery.PathAuthorize + "?" + url.Values{
		"client_id":   {"other-app"},
		"request_uri": {par.RequestURI},
	}.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var werr map[string]string
	decodeJSON(t, resp, &werr)
	assert.Equal(t, "invalid_request_uri", werr["error"])

	// The failed attempt consumed the entry; the pushing client cannot
	// redeem it afterwards either.
	retry, err := noRedirect().Get(ts.server.URL + discovery.PathAuthorize + "?" + url.Values{
		"client_id":   {"web-app"},
		"request_uri": {par.RequestURI},
	}.Encode())
	require.NoError(t, err)
	defer retry.Body.Close()
	require.Equal(t, http.StatusBadRequest, retry.StatusCode)
}

func TestTokenEndpointRejectsBadSecret(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	ts.addWebClient(t)

	resp := postForm(t, ts.server.URL+discovery.PathToken, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"web-app"},
		"client_secret": {"wrong"},
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var werr map[string]string
	decodeJSON(t, resp, &werr)
	assert.Equal(t, "invalid_client", werr["error"])
}

func TestDeviceAuthorizationEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	ts.addWebClient(t)

	resp := postForm(t, ts.server.URL+discovery.PathDevice, url.Values{
		"client_id":     {"web-app"},
		"client_secret": {"s3cret"},
		"scope":         {"openid"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var device grants.DeviceAuthorizationResponse
	decodeJSON(t, resp, &device)
	assert.NotEmpty(t, device.DeviceCode)
	assert.Len(t, device.UserCode, 9)
	assert.Equal(t, testIssuer+"/device", device.VerificationURI)
}

func TestRegistrationEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)

	body, err := json.Marshal(dcr.Metadata{
		ClientName:              "Registered App",
		RedirectURIs:            []string{"https://rp.example.com/callback"},
		TokenEndpointAuthMethod: oauth.AuthMethodSecretPost,
	})
	require.NoError(t, err)

	resp, err := http.Post( //nolint:noctx
		ts.server.URL+discovery.PathRegistration, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var meta dcr.Metadata
	decodeJSON(t, resp, &meta)
	require.NotEmpty(t, meta.ClientID)
	require.NotEmpty(t, meta.RegistrationAccessToken)

	readReq, err := http.NewRequest(http.MethodGet,
		ts.server.URL+discovery.PathRegistration+"/"+meta.ClientID, nil)
	require.NoError(t, err)
	readReq.Header.Set("Authorization", "Bearer "+meta.RegistrationAccessToken)
	readResp, err := http.DefaultClient.Do(readReq)
	require.NoError(t, err)
	defer readResp.Body.Close()
	require.Equal(t, http.StatusOK, readResp.StatusCode)

	var read dcr.Metadata
	decodeJSON(t, readResp, &read)
	assert.Equal(t, "Registered App", read.ClientName)

	delReq, err := http.NewRequest(http.MethodDelete,
		ts.server.URL+discovery.PathRegistration+"/"+meta.ClientID, nil)
	require.NoError(t, err)
	delReq.Header.Set("Authorization", "Bearer "+meta.RegistrationAccessToken)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestEndSessionRedirect(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	require.NoError(t, ts.clients.PutClient(context.Background(), &client.Info{
		ID:                     "web-app",
		PostLogoutRedirectURIs: []string{"https://rp.example.com/bye"},
	}))

	query := url.Values{
		"client_id":                {"web-app"},
		"post_logout_redirect_uri": {"https://rp.example.com/bye"},
		"state":                    {"after-logout"},
	}
	resp, err := noRedirect().Get(ts.server.URL + discovery.PathEndSession + "?" + query.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "https://rp.example.com/bye?state=after-logout", location.String())
}
