// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// FromJWKS converts a JWK set into signature verification candidates.
// Candidate algorithms are inferred from each key's type, so a single RSA
// key yields one candidate per RSA-family algorithm; the token header
// decides which one verifies.
func FromJWKS(set jwk.Set) ([]*SigningKey, error) {
	var out []*SigningKey
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("failed to export JWK: %w", err)
		}
		kid, _ := key.KeyID()
		for _, alg := range candidateAlgorithms(raw) {
			out = append(out, &SigningKey{
				KeyID:     kid,
				Algorithm: alg,
				Key:       raw,
			})
		}
	}
	return out, nil
}

func candidateAlgorithms(raw any) []string {
	switch k := raw.(type) {
	case *rsa.PublicKey, *rsa.PrivateKey:
		return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
	case *ecdsa.PublicKey:
		return ecCandidates(k.Curve.Params().BitSize)
	case *ecdsa.PrivateKey:
		return ecCandidates(k.Curve.Params().BitSize)
	case ed25519.PublicKey, ed25519.PrivateKey:
		return []string{"EdDSA"}
	case []byte:
		return []string{"HS256", "HS384", "HS512"}
	default:
		return nil
	}
}

func ecCandidates(bitSize int) []string {
	switch bitSize {
	case 256:
		return []string{"ES256"}
	case 384:
		return []string{"ES384"}
	case 521:
		return []string{"ES512"}
	default:
		return nil
	}
}
