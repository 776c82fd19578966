// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clientauth

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/stacklok/oidcore/pkg/client"
	"github.com/stacklok/oidcore/pkg/oauth"
)

// mtlsMethod implements tls_client_auth and self_signed_tls_client_auth
// (RFC 8705). The TLS terminator forwards the client certificate in a
// header; the method matches it against the client's registered binding.
type mtlsMethod struct {
	name    string
	clients client.Store
	logger  *slog.Logger
}

func (m *mtlsMethod) Name() string {
	return m.name
}

func (m *mtlsMethod) TryAuthenticate(ctx context.Context, req *Request) (*client.Info, error) {
	if req.ClientCertificate == "" {
		return nil, nil
	}
	// mTLS clients identify themselves with the client_id parameter
	// (RFC 8705 §2.1.1); the certificate proves the identity.
	clientID := req.Form.Get("client_id")
	info := findByMethod(ctx, m.clients, clientID, m.name, m.logger)
	if info == nil {
		return nil, nil
	}

	cert, err := ParseCertificateHeader(req.ClientCertificate)
	if err != nil {
		m.logger.Warn("unparseable client certificate header",
			"client_id", clientID,
			"error", err,
		)
		return nil, nil
	}

	var matched bool
	if m.name == oauth.AuthMethodSelfSignedTLS {
		matched = matchSelfSigned(cert, info)
	} else {
		matched = matchBinding(cert, info.TLS)
	}
	if !matched {
		m.logger.Warn("client certificate does not match registered binding",
			"client_id", clientID,
			"method", m.name,
		)
		return nil, nil
	}
	return info, nil
}

// matchBinding compares the certificate against the registered identity
// binding. Exactly one binding field is expected to be set.
func matchBinding(cert *x509.Certificate, binding client.TLSBinding) bool {
	switch {
	case binding.SubjectDN != "":
		return cert.Subject.String() == binding.SubjectDN
	case binding.SANDNS != "":
		for _, dns := range cert.DNSNames {
			if strings.EqualFold(dns, binding.SANDNS) {
				return true
			}
		}
	case binding.SANURI != "":
		for _, uri := range cert.URIs {
			if uri.String() == binding.SANURI {
				return true
			}
		}
	case binding.SANIP != "":
		for _, ip := range cert.IPAddresses {
			if ip.String() == binding.SANIP {
				return true
			}
		}
	case binding.SANEmail != "":
		for _, email := range cert.EmailAddresses {
			if strings.EqualFold(email, binding.SANEmail) {
				return true
			}
		}
	}
	return false
}

// matchSelfSigned compares the presented certificate against the registered
// one: byte-identical certificate, or same subject public key.
func matchSelfSigned(cert *x509.Certificate, info *client.Info) bool {
	if info.Certificate == nil {
		return false
	}
	if bytes.Equal(cert.Raw, info.Certificate.Raw) {
		return true
	}
	presented, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return false
	}
	registered, err := x509.MarshalPKIXPublicKey(info.Certificate.PublicKey)
	if err != nil {
		return false
	}
	return bytes.Equal(presented, registered)
}

// ParseCertificateHeader decodes a forwarded TLS client certificate. Proxies
// disagree on the encoding, so several are accepted: PEM (possibly
// URL-encoded), and DER as standard or URL-safe base64 with or without
// padding. Embedded whitespace is tolerated.
func ParseCertificateHeader(value string) (*x509.Certificate, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty certificate header")
	}

	// URL-encoded PEM is common with nginx's $ssl_client_escaped_cert.
	if strings.Contains(value, "%") {
		if unescaped, err := url.QueryUnescape(value); err == nil {
			value = unescaped
		}
	}

	if strings.Contains(value, "-----BEGIN") {
		block, _ := pem.Decode([]byte(value))
		if block == nil {
			return nil, fmt.Errorf("malformed PEM in certificate header")
		}
		return x509.ParseCertificate(block.Bytes)
	}

	compact := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, value)

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		der, err := enc.DecodeString(compact)
		if err != nil {
			continue
		}
		cert, err := x509.ParseCertificate(der)
		if err == nil {
			return cert, nil
		}
	}
	return nil, fmt.Errorf("certificate header is neither PEM nor base64 DER")
}
