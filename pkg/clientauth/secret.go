// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/oauth"
)

// secretBasicMethod implements client_secret_basic (RFC 6749 §2.3.1):
// credentials in the Authorization header, form-urlencoded then base64.
type secretBasicMethod struct {
	clients client.Store
	logger  *slog.Logger
}

func (*secretBasicMethod) Name() string {
	return oauth.AuthMethodSecretBasic
}

func (m *secretBasicMethod) TryAuthenticate(ctx context.Context, req *Request) (*client.Info, error) {
	clientID, secret, ok := parseBasicAuth(req.AuthorizationHeader)
	if !ok {
		return nil, nil
	}
	return verifySecret(ctx, m.clients, clientID, secret, oauth.AuthMethodSecretBasic, m.logger), nil
}

// secretPostMethod implements client_secret_post: credentials in the body.
type secretPostMethod struct {
	clients client.Store
	logger  *slog.Logger
}

func (*secretPostMethod) Name() string {
	return oauth.AuthMethodSecretPost
}

func (m *secretPostMethod) TryAuthenticate(ctx context.Context, req *Request) (*client.Info, error) {
	clientID := req.Form.Get("client_id")
	secret := req.Form.Get("client_secret")
	if clientID == "" || secret == "" {
		return nil, nil
	}
	return verifySecret(ctx, m.clients, clientID, secret, oauth.AuthMethodSecretPost, m.logger), nil
}

// verifySecret compares the submitted secret against the client's stored
// SHA-512 hashes. Expired secrets are treated as absent.
func verifySecret(ctx context.Context, clients client.Store, clientID, secret, method string, logger *slog.Logger) *client.Info {
	info := findByMethod(ctx, clients, clientID, method, logger)
	if info == nil {
		return nil
	}

	now := time.Now()
	for _, stored := range info.Secrets {
		if stored.Expired(now) {
			logger.Warn("skipping expired client secret",
				"client_id", clientID,
				"expired_at", stored.ExpiresAt,
			)
			continue
		}
		if stored.Matches(secret, now) {
			return info
		}
	}

	logger.Warn("client secret mismatch", "client_id", clientID, "method", method)
	return nil
}

// parseBasicAuth decodes an HTTP Basic Authorization header. Both identifier
// and secret are form-urlencoded before base64 per RFC 6749 §2.3.1.
func parseBasicAuth(header string) (clientID, secret string, ok bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	id, pw, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	unescapedID, err := url.QueryUnescape(id)
	if err != nil {
		return "", "", false
	}
	unescapedPW, err := url.QueryUnescape(pw)
	if err != nil {
		return "", "", false
	}
	return unescapedID, unescapedPW, true
}
