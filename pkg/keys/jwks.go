// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// PublicJWKS assembles the public JWK set served at the jwks_uri endpoint.
// All signing keys (active and rotation fallbacks) and all encryption public
// keys are included so relying parties can verify any outstanding token and
// encrypt toward the server.
func PublicJWKS(ctx context.Context, provider Provider) (jwk.Set, error) {
	set := jwk.NewSet()

	for key := range provider.SigningKeys(ctx, false) {
		pub, err := publicJWK(key.Key, key.KeyID, key.Algorithm, "sig")
		if err != nil {
			return nil, fmt.Errorf("signing key %s: %w", key.KeyID, err)
		}
		if pub == nil {
			// HMAC secrets never appear in the public set.
			continue
		}
		if err := set.AddKey(pub); err != nil {
			return nil, fmt.Errorf("failed to add signing key %s: %w", key.KeyID, err)
		}
	}

	for key := range provider.EncryptionKeys(ctx, false) {
		pub, err := publicJWK(key.Key, key.KeyID, key.Algorithm, "enc")
		if err != nil {
			return nil, fmt.Errorf("encryption key %s: %w", key.KeyID, err)
		}
		if pub == nil {
			continue
		}
		if err := set.AddKey(pub); err != nil {
			return nil, fmt.Errorf("failed to add encryption key %s: %w", key.KeyID, err)
		}
	}

	return set, nil
}

// publicJWK converts raw key material to a public JWK with kid/alg/use set.
// Returns nil for symmetric keys, which must not be published.
func publicJWK(raw any, kid, alg, use string) (jwk.Key, error) {
	if _, ok := raw.([]byte); ok {
		return nil, nil
	}

	imported, err := jwk.Import(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to import key: %w", err)
	}
	pub, err := jwk.PublicKeyOf(imported)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	if err := pub.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := pub.Set(jwk.AlgorithmKey, alg); err != nil {
		return nil, err
	}
	if err := pub.Set(jwk.KeyUsageKey, use); err != nil {
		return nil, err
	}
	return pub, nil
}
