// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyID(t *testing.T) {
	t.Parallel()

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	kid, err := DeriveKeyID(ecKey)
	require.NoError(t, err)
	assert.NotEmpty(t, kid)

	// The id is derived from the public material, so the public half agrees.
	pubKid, err := DeriveKeyID(&ecKey.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, kid, pubKid)

	// A different key has a different id.
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherKid, err := DeriveKeyID(other)
	require.NoError(t, err)
	assert.NotEqual(t, kid, otherKid)

	// HMAC secrets are thumbprinted directly.
	hmacKid, err := DeriveKeyID([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	assert.NotEmpty(t, hmacKid)
}

func TestAlgorithmForKey(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	alg, err := AlgorithmForKey(rsaKey)
	require.NoError(t, err)
	assert.Equal(t, "RS256", alg)

	ecKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	alg, err = AlgorithmForKey(ecKey)
	require.NoError(t, err)
	assert.Equal(t, "ES384", alg)

	_, err = AlgorithmForKey("not a key")
	require.Error(t, err)
}

func TestStaticProviderActiveOnly(t *testing.T) {
	t.Parallel()

	active := &SigningKey{KeyID: "active", Algorithm: "ES256"}
	fallback := &SigningKey{KeyID: "fallback", Algorithm: "ES256"}
	provider := NewStaticProvider([]*SigningKey{active, fallback}, nil)

	var all []string
	for key := range provider.SigningKeys(context.Background(), false) {
		all = append(all, key.KeyID)
	}
	assert.Equal(t, []string{"active", "fallback"}, all)

	var activeOnly []string
	for key := range provider.SigningKeys(context.Background(), true) {
		activeOnly = append(activeOnly, key.KeyID)
	}
	assert.Equal(t, []string{"active"}, activeOnly)
}

func TestStaticProviderEncryptionKeys(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	provider := NewStaticProvider(nil, []*EncryptionKey{
		{KeyID: "enc", Algorithm: "RSA-OAEP-256", Key: rsaKey},
	})

	for key := range provider.EncryptionKeys(context.Background(), false) {
		_, isPublic := key.Key.(*rsa.PublicKey)
		assert.True(t, isPublic, "public iteration must not expose the private key")
	}
	for key := range provider.EncryptionKeys(context.Background(), true) {
		_, isPrivate := key.Key.(*rsa.PrivateKey)
		assert.True(t, isPrivate)
	}
}

func writeKeyPEM(t *testing.T, dir, name string, der []byte, blockType string) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
}

func TestNewFileProvider(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecDER, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	writeKeyPEM(t, dir, "signing.pem", ecDER, "EC PRIVATE KEY")

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	writeKeyPEM(t, dir, "fallback.pem", x509.MarshalPKCS1PrivateKey(rsaKey), "RSA PRIVATE KEY")

	encKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(encKey)
	require.NoError(t, err)
	writeKeyPEM(t, dir, "enc.pem", pkcs8, "PRIVATE KEY")

	provider, err := NewFileProvider(FileConfig{
		KeyDir:             dir,
		SigningKeyFile:     "signing.pem",
		FallbackKeyFiles:   []string{"fallback.pem"},
		EncryptionKeyFiles: []string{"enc.pem"},
	})
	require.NoError(t, err)

	var algorithms []string
	for key := range provider.SigningKeys(context.Background(), false) {
		algorithms = append(algorithms, key.Algorithm)
		assert.NotEmpty(t, key.KeyID)
	}
	assert.Equal(t, []string{"ES256", "RS256"}, algorithms)

	count := 0
	for key := range provider.EncryptionKeys(context.Background(), true) {
		count++
		assert.Equal(t, "RSA-OAEP-256", key.Algorithm)
	}
	assert.Equal(t, 1, count)
}

func TestNewFileProviderErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := NewFileProvider(FileConfig{KeyDir: dir})
	require.Error(t, err)

	_, err = NewFileProvider(FileConfig{KeyDir: dir, SigningKeyFile: "missing.pem"})
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.pem"), []byte("not pem"), 0o600))
	_, err = NewFileProvider(FileConfig{KeyDir: dir, SigningKeyFile: "garbage.pem"})
	require.Error(t, err)

	// ECDSA keys cannot do RSA-OAEP key management.
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecDER, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	writeKeyPEM(t, dir, "signing.pem", ecDER, "EC PRIVATE KEY")
	writeKeyPEM(t, dir, "ec-enc.pem", ecDER, "EC PRIVATE KEY")
	_, err = NewFileProvider(FileConfig{
		KeyDir:             dir,
		SigningKeyFile:     "signing.pem",
		EncryptionKeyFiles: []string{"ec-enc.pem"},
	})
	require.Error(t, err)
}

func TestGeneratingProvider(t *testing.T) {
	t.Parallel()
	provider := NewGeneratingProvider("")

	var first *SigningKey
	for key := range provider.SigningKeys(context.Background(), true) {
		first = key
	}
	require.NotNil(t, first)
	assert.Equal(t, DefaultAlgorithm, first.Algorithm)

	// The key is generated once and reused.
	for key := range provider.SigningKeys(context.Background(), false) {
		assert.Same(t, first, key)
	}

	for range provider.EncryptionKeys(context.Background(), true) {
		t.Fatal("generating provider must not yield encryption keys")
	}
}

func TestPublicJWKS(t *testing.T) {
	t.Parallel()

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	provider := NewStaticProvider(
		[]*SigningKey{
			{KeyID: "sig-1", Algorithm: "ES256", Key: ecKey},
			// HMAC secrets must never be published.
			{KeyID: "hmac", Algorithm: "HS256", Key: []byte("secret")},
		},
		[]*EncryptionKey{
			{KeyID: "enc-1", Algorithm: "RSA-OAEP-256", Key: rsaKey},
		},
	)

	set, err := PublicJWKS(context.Background(), provider)
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		require.True(t, ok)
		// Only public material may appear in the set.
		var raw any
		require.NoError(t, jwk.Export(key, &raw))
		switch raw.(type) {
		case *ecdsa.PublicKey, *rsa.PublicKey:
		default:
			t.Fatalf("unexpected key material %T in public set", raw)
		}
	}
}

func TestFromJWKS(t *testing.T) {
	t.Parallel()

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	set := jwk.NewSet()
	ecJWK, err := jwk.Import(&ecKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, ecJWK.Set(jwk.KeyIDKey, "ec-key"))
	require.NoError(t, set.AddKey(ecJWK))
	rsaJWK, err := jwk.Import(&rsaKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, set.AddKey(rsaJWK))

	candidates, err := FromJWKS(set)
	require.NoError(t, err)

	byAlg := map[string]int{}
	for _, c := range candidates {
		byAlg[c.Algorithm]++
	}
	// One EC candidate plus the six RSA-family algorithms.
	assert.Equal(t, 1, byAlg["ES256"])
	assert.Equal(t, 1, byAlg["RS256"])
	assert.Equal(t, 1, byAlg["PS512"])
	assert.Len(t, candidates, 7)

	assert.Equal(t, "ec-key", candidates[0].KeyID)
}
