// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clientauth authenticates OAuth clients at protected endpoints. The
// authenticator dispatches over a closed set of methods (secret-based, JWT
// assertion, mutual TLS) and tries them in order until one succeeds.
//
// Authentication failure is an absence, not a fault: every method returns a
// nil client when its preconditions do not hold, and the caller maps that to
// a generic invalid_client response. Internal detail is logged at warning
// level only.
package clientauth

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/jwt"
	"github.com/stacklok/oidcore/pkg/oauth"
	"github.com/stacklok/oidcore/pkg/registry"
)

// Request is the transport-independent view of an incoming request that
// client authentication needs.
type Request struct {
	// Form holds the decoded request body parameters.
	Form url.Values

	// AuthorizationHeader is the raw Authorization header value, if any.
	AuthorizationHeader string

	// ClientCertificate is the raw forwarded TLS client certificate header
	// value, if any (PEM or base64 DER in several encodings).
	ClientCertificate string

	// Endpoint is the URL of the endpoint processing the request, used as
	// the expected audience for assertion-based methods.
	Endpoint string
}

// Method authenticates a client by one mechanism. A (nil, nil) return means
// the method does not apply or the credentials did not check out.
type Method interface {
	// Name returns the registered token_endpoint_auth_method value.
	Name() string

	// TryAuthenticate attempts authentication. It returns the client on
	// success, nil on failure, and a non-nil error only for infrastructure
	// faults (store unavailable, registry unreachable).
	TryAuthenticate(ctx context.Context, req *Request) (*client.Info, error)
}

// Authenticator tries configured methods in order until one succeeds.
type Authenticator struct {
	methods []Method
	logger  *slog.Logger
}

// Config assembles an Authenticator from its collaborators.
type Config struct {
	// Clients resolves client records.
	Clients client.Store

	// Registry tracks assertion JTIs for replay prevention.
	Registry registry.Registry

	// Engine validates assertion JWTs.
	Engine *jwt.Engine

	// TokenEndpoint is the server's token endpoint URL, the required
	// audience of client assertions.
	TokenEndpoint string

	// CertificateHeader names the header carrying the forwarded TLS client
	// certificate. Empty disables the mTLS methods.
	CertificateHeader string

	// JWKSCache resolves client jwks_uri registrations for private_key_jwt.
	// Nil disables remote key sets; inline JWKS still works.
	JWKSCache *jwk.Cache

	// Logger receives structured diagnostics; slog.Default() when nil.
	Logger *slog.Logger
}

// timeNow is swapped in tests that exercise secret expiry.
var timeNow = time.Now

// New creates an Authenticator with all supported methods in the standard
// order: secret basic, secret post, secret JWT, private key JWT, mTLS.
func New(cfg Config) *Authenticator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	methods := []Method{
		&secretBasicMethod{clients: cfg.Clients, logger: logger},
		&secretPostMethod{clients: cfg.Clients, logger: logger},
		newAssertionMethod(oauth.AuthMethodSecretJWT, cfg, logger),
		newAssertionMethod(oauth.AuthMethodPrivateKeyJWT, cfg, logger),
	}
	if cfg.CertificateHeader != "" {
		methods = append(methods,
			&mtlsMethod{name: oauth.AuthMethodTLS, clients: cfg.Clients, logger: logger},
			&mtlsMethod{name: oauth.AuthMethodSelfSignedTLS, clients: cfg.Clients, logger: logger},
		)
	}

	return &Authenticator{methods: methods, logger: logger}
}

// Authenticate runs the method table against the request. It returns the
// authenticated client, or nil when no method succeeds. The error is non-nil
// only for infrastructure faults.
func (a *Authenticator) Authenticate(ctx context.Context, req *Request) (*client.Info, error) {
	for _, method := range a.methods {
		info, err := method.TryAuthenticate(ctx, req)
		if err != nil {
			return nil, err
		}
		if info != nil {
			a.logger.Debug("client authenticated",
				"client_id", info.ID,
				"method", method.Name(),
			)
			return info, nil
		}
	}
	return nil, nil
}

// findByMethod loads a client and checks its registered auth method. Returns
// nil when the client is unknown or registered for a different method.
func findByMethod(ctx context.Context, clients client.Store, clientID, method string, logger *slog.Logger) *client.Info {
	if clientID == "" {
		return nil
	}
	info, err := clients.FindClient(ctx, clientID)
	if err != nil {
		return nil
	}
	if info.TokenEndpointAuthMethod != method {
		logger.Warn("client attempted wrong authentication method",
			"client_id", clientID,
			"attempted", method,
			"registered", info.TokenEndpointAuthMethod,
		)
		return nil
	}
	return info
}
