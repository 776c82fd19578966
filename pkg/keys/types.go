// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides signing and encryption key material for JWT
// operations. Providers expose keys as lazy, restartable sequences so that
// callers can short-circuit on the first usable key without forcing the
// whole set to load.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// ErrNoSigningKey is returned when a provider has no key usable for signing.
var ErrNoSigningKey = errors.New("no signing key available")

// SigningKey is a single signing key candidate. Key holds the raw key
// material: a crypto.Signer for asymmetric algorithms, or a []byte secret for
// HMAC algorithms.
type SigningKey struct {
	// KeyID is the JWK thumbprint-derived identifier, surfaced as the kid header.
	KeyID string

	// Algorithm is the JOSE signature algorithm this key signs with (e.g. RS256).
	Algorithm string

	// Key is the raw key material.
	Key any

	// CreatedAt records when the key was loaded or generated.
	CreatedAt time.Time
}

// Verifier returns the key material to verify with: the public half for
// asymmetric keys, the secret itself for HMAC.
func (k *SigningKey) Verifier() any {
	if signer, ok := k.Key.(crypto.Signer); ok {
		return signer.Public()
	}
	return k.Key
}

// EncryptionKey is a single key-management key candidate for JWE operations.
// For encryption the Key is a public key; for decryption it is the private key.
type EncryptionKey struct {
	// KeyID identifies the key pair.
	KeyID string

	// Algorithm is the JWE key-management algorithm (e.g. RSA-OAEP-256).
	Algorithm string

	// Key is the raw key material.
	Key any
}

// Provider supplies signing and encryption keys. Sequences are finite,
// restartable, and safe for unbounded concurrent iteration; an empty
// sequence is a valid result and must not panic.
type Provider interface {
	// SigningKeys returns signing key candidates. With activeOnly set, only
	// keys eligible for signing new tokens are yielded; otherwise all keys
	// (including rotation fallbacks kept for verification) are yielded.
	SigningKeys(ctx context.Context, activeOnly bool) iter.Seq[*SigningKey]

	// EncryptionKeys returns key-management key candidates. With
	// includePrivate set, private keys are yielded (for decryption);
	// otherwise only public halves are yielded (for encryption).
	EncryptionKeys(ctx context.Context, includePrivate bool) iter.Seq[*EncryptionKey]
}

// DeriveKeyID computes a stable key identifier from the key's public material
// using the RFC 7638 JWK thumbprint, base64url encoded without padding.
func DeriveKeyID(key any) (string, error) {
	jwkKey, err := jwk.Import(key)
	if err != nil {
		return "", fmt.Errorf("failed to import key: %w", err)
	}
	pub, err := jwk.PublicKeyOf(jwkKey)
	if err != nil {
		// HMAC secrets have no public half; thumbprint the key itself.
		pub = jwkKey
	}
	thumb, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

// AlgorithmForKey infers the default JOSE signature algorithm for a private key.
func AlgorithmForKey(key any) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "RS256", nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		}
		return "", fmt.Errorf("unsupported elliptic curve: %s", k.Curve.Params().Name)
	case ed25519.PrivateKey:
		return "EdDSA", nil
	default:
		return "", fmt.Errorf("unsupported key type %T", key)
	}
}
