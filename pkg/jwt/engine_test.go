// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwt

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcore/pkg/keys"
)

func testResolver(candidates ...*keys.SigningKey) SigningKeyResolver {
	return func(context.Context) iter.Seq[*keys.SigningKey] {
		return func(yield func(*keys.SigningKey) bool) {
			for _, k := range candidates {
				if !yield(k) {
					return
				}
			}
		}
	}
}

func newSigningKey(t *testing.T, algorithm string) *keys.SigningKey {
	t.Helper()
	var key any
	switch algorithm {
	case "RS256", "PS256":
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		key = rsaKey
	case "ES256":
		ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		key = ecKey
	case "EdDSA":
		_, edKey, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		key = edKey
	case "HS256":
		key = []byte("0123456789abcdef0123456789abcdef")
	default:
		t.Fatalf("unsupported test algorithm %s", algorithm)
	}
	kid, err := keys.DeriveKeyID(key)
	require.NoError(t, err)
	return &keys.SigningKey{KeyID: kid, Algorithm: algorithm, Key: key}
}

func TestIssueValidateRoundTrip(t *testing.T) {
	t.Parallel()

	for _, algorithm := range []string{"RS256", "PS256", "ES256", "EdDSA", "HS256"} {
		t.Run(algorithm, func(t *testing.T) {
			t.Parallel()
			engine := NewEngine()
			key := newSigningKey(t, algorithm)
			now := time.Now()

			raw, err := engine.Issue(context.Background(), &Token{
				Header: Header{Algorithm: algorithm},
				Claims: Claims{
					Issuer:    "https://op.example.com",
					Subject:   "alice",
					Audience:  []string{"https://rp.example.com"},
					ExpiresAt: now.Add(time.Hour),
					IssuedAt:  now,
					ID:        "token-1",
					Extra:     map[string]any{"scope": "openid profile"},
				},
			}, key, nil)
			require.NoError(t, err)

			valid, err := engine.Validate(context.Background(), raw, ValidationParameters{
				Options:       DefaultOptions,
				SigningKeys:   testResolver(key),
				ValidIssuer:   func(iss string) bool { return iss == "https://op.example.com" },
				ValidAudience: func(aud []string) bool { return len(aud) == 1 && aud[0] == "https://rp.example.com" },
			})
			require.NoError(t, err)
			assert.True(t, valid.Signed)
			assert.Equal(t, algorithm, valid.Algorithm)
			assert.Equal(t, "alice", valid.Claims.Subject)
			assert.Equal(t, "token-1", valid.Claims.ID)
			assert.Equal(t, "openid profile", valid.Claims.Extra["scope"])
		})
	}
}

func TestIssueAlgorithmMismatch(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	key := newSigningKey(t, "ES256")

	_, err := engine.Issue(context.Background(), &Token{
		Header: Header{Algorithm: "RS256"},
		Claims: Claims{Subject: "alice"},
	}, key, nil)
	require.ErrorIs(t, err, ErrAlgorithmMismatch)
}

func TestIssueNoSigningKey(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	_, err := engine.Issue(context.Background(), &Token{
		Header: Header{Algorithm: "RS256"},
	}, nil, nil)
	require.ErrorIs(t, err, keys.ErrNoSigningKey)
}

func TestValidateNestedJWE(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	signingKey := newSigningKey(t, "ES256")
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	raw, err := engine.Issue(context.Background(), &Token{
		Header: Header{Algorithm: "ES256"},
		Claims: Claims{
			Issuer:    "https://op.example.com",
			Subject:   "alice",
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}, signingKey, &keys.EncryptionKey{Algorithm: "RSA-OAEP-256", Key: &rsaKey.PublicKey})
	require.NoError(t, err)

	valid, err := engine.Validate(context.Background(), raw, ValidationParameters{
		Options:     OptRequireSigned | OptValidateLifetime | OptValidateIssuer,
		SigningKeys: testResolver(signingKey),
		DecryptionKeys: func(context.Context) iter.Seq[*keys.EncryptionKey] {
			return func(yield func(*keys.EncryptionKey) bool) {
				yield(&keys.EncryptionKey{Algorithm: "RSA-OAEP-256", Key: rsaKey})
			}
		},
		ValidIssuer: func(iss string) bool { return iss == "https://op.example.com" },
	})
	require.NoError(t, err)
	assert.True(t, valid.Encrypted)
	assert.True(t, valid.Signed)
	assert.Equal(t, "alice", valid.Claims.Subject)
}

func TestValidateEncryptedWithoutDecryptionKeys(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	signingKey := newSigningKey(t, "ES256")
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	raw, err := engine.Issue(context.Background(), &Token{
		Header: Header{Algorithm: "ES256"},
		Claims: Claims{Subject: "alice"},
	}, signingKey, &keys.EncryptionKey{Key: &rsaKey.PublicKey})
	require.NoError(t, err)

	_, err = engine.Validate(context.Background(), raw, ValidationParameters{
		SigningKeys: testResolver(signingKey),
	})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateLifetime(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	key := newSigningKey(t, "ES256")

	issue := func(expiresAt, notBefore time.Time) string {
		raw, err := engine.Issue(context.Background(), &Token{
			Header: Header{Algorithm: "ES256"},
			Claims: Claims{ExpiresAt: expiresAt, NotBefore: notBefore},
		}, key, nil)
		require.NoError(t, err)
		return raw
	}

	tests := []struct {
		name      string
		raw       string
		clock     time.Time
		expectErr error
	}{
		{
			name:      "expired beyond skew",
			raw:       issue(time.Now().Add(-time.Hour), time.Time{}),
			clock:     time.Now(),
			expectErr: ErrTokenExpired,
		},
		{
			name:  "expired within skew",
			raw:   issue(time.Now().Add(-10*time.Second), time.Time{}),
			clock: time.Now(),
		},
		{
			name:      "not yet valid",
			raw:       issue(time.Now().Add(time.Hour), time.Now().Add(10*time.Minute)),
			clock:     time.Now(),
			expectErr: ErrTokenNotYetValid,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := engine.Validate(context.Background(), tc.raw, ValidationParameters{
				Options:     OptValidateLifetime,
				SigningKeys: testResolver(key),
				Clock:       func() time.Time { return tc.clock },
			})
			if tc.expectErr != nil {
				require.ErrorIs(t, err, tc.expectErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateIssuerAndAudience(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	key := newSigningKey(t, "ES256")

	raw, err := engine.Issue(context.Background(), &Token{
		Header: Header{Algorithm: "ES256"},
		Claims: Claims{
			Issuer:   "https://other.example.com",
			Audience: []string{"aud-1"},
		},
	}, key, nil)
	require.NoError(t, err)

	_, err = engine.Validate(context.Background(), raw, ValidationParameters{
		Options:     OptValidateIssuer,
		SigningKeys: testResolver(key),
		ValidIssuer: func(iss string) bool { return iss == "https://op.example.com" },
	})
	require.ErrorIs(t, err, ErrInvalidIssuer)

	_, err = engine.Validate(context.Background(), raw, ValidationParameters{
		Options:       OptValidateAudience,
		SigningKeys:   testResolver(key),
		ValidAudience: func(aud []string) bool { return false },
	})
	require.ErrorIs(t, err, ErrInvalidAudience)
}

func TestValidateRequireSigned(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	signingKey := newSigningKey(t, "ES256")
	stranger := newSigningKey(t, "ES256")

	raw, err := engine.Issue(context.Background(), &Token{
		Header: Header{Algorithm: "ES256"},
		Claims: Claims{Subject: "alice"},
	}, signingKey, nil)
	require.NoError(t, err)

	// Wrong key with signatures required fails.
	_, err = engine.Validate(context.Background(), raw, ValidationParameters{
		Options:     OptRequireSigned,
		SigningKeys: testResolver(stranger),
	})
	require.ErrorIs(t, err, ErrInvalidToken)

	// Empty resolver without the requirement falls back to the unverified
	// payload.
	valid, err := engine.Validate(context.Background(), raw, ValidationParameters{
		SigningKeys: testResolver(),
	})
	require.NoError(t, err)
	assert.False(t, valid.Signed)
	assert.Equal(t, "alice", valid.Claims.Subject)
}

func TestValidateKeyRotation(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	oldKey := newSigningKey(t, "ES256")
	newKey := newSigningKey(t, "ES256")

	raw, err := engine.Issue(context.Background(), &Token{
		Header: Header{Algorithm: "ES256"},
		Claims: Claims{Subject: "alice"},
	}, oldKey, nil)
	require.NoError(t, err)

	// The new key is tried first and fails; the rotation fallback verifies.
	valid, err := engine.Validate(context.Background(), raw, ValidationParameters{
		Options:     OptRequireSigned,
		SigningKeys: testResolver(newKey, oldKey),
	})
	require.NoError(t, err)
	assert.Equal(t, oldKey.KeyID, valid.KeyID)
}

func TestValidateMalformed(t *testing.T) {
	t.Parallel()
	engine := NewEngine()
	for _, raw := range []string{"", "   ", "not-a-token", "a.b"} {
		_, err := engine.Validate(context.Background(), raw, ValidationParameters{})
		assert.ErrorIs(t, err, ErrInvalidToken, "input %q", raw)
	}
}

func TestFirstByAlgorithm(t *testing.T) {
	t.Parallel()
	rs := &keys.SigningKey{Algorithm: "RS256"}
	es := &keys.SigningKey{Algorithm: "ES256"}

	seq := func(yield func(*keys.SigningKey) bool) {
		for _, k := range []*keys.SigningKey{rs, es} {
			if !yield(k) {
				return
			}
		}
	}
	assert.Same(t, es, FirstByAlgorithm(seq, "ES256"))
	assert.Nil(t, FirstByAlgorithm(seq, "HS256"))

	empty := func(func(*keys.SigningKey) bool) {}
	assert.Nil(t, FirstByAlgorithm(empty, "RS256"))
}
