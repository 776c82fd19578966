// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultAlgorithm is used by the generating provider when none is configured.
const DefaultAlgorithm = "ES256"

// StaticProvider serves a fixed set of keys supplied at construction time.
// The first signing key is the active one; the rest are rotation fallbacks
// kept for verification.
type StaticProvider struct {
	signingKeys    []*SigningKey
	encryptionKeys []*EncryptionKey
}

// NewStaticProvider creates a provider over explicit key sets. Either slice
// may be empty; iteration over an empty set yields nothing.
func NewStaticProvider(signing []*SigningKey, encryption []*EncryptionKey) *StaticProvider {
	return &StaticProvider{signingKeys: signing, encryptionKeys: encryption}
}

// SigningKeys yields the configured signing keys. With activeOnly set, only
// the first key is yielded.
func (p *StaticProvider) SigningKeys(_ context.Context, activeOnly bool) iter.Seq[*SigningKey] {
	return func(yield func(*SigningKey) bool) {
		for i, k := range p.signingKeys {
			if activeOnly && i > 0 {
				return
			}
			if !yield(k) {
				return
			}
		}
	}
}

// EncryptionKeys yields the configured encryption keys. Without includePrivate,
// RSA private keys are replaced by their public halves.
func (p *StaticProvider) EncryptionKeys(_ context.Context, includePrivate bool) iter.Seq[*EncryptionKey] {
	return func(yield func(*EncryptionKey) bool) {
		for _, k := range p.encryptionKeys {
			out := k
			if !includePrivate {
				if priv, ok := k.Key.(crypto.Signer); ok {
					out = &EncryptionKey{KeyID: k.KeyID, Algorithm: k.Algorithm, Key: priv.Public()}
				}
			}
			if !yield(out) {
				return
			}
		}
	}
}

// FileConfig configures a FileProvider.
type FileConfig struct {
	// KeyDir is the directory containing PEM key files.
	KeyDir string

	// SigningKeyFile is the primary key used for signing new tokens.
	SigningKeyFile string

	// FallbackKeyFiles are additional keys kept for verification during rotation.
	FallbackKeyFiles []string

	// EncryptionKeyFiles are RSA key pairs used for JWE key management.
	EncryptionKeyFiles []string

	// Algorithm optionally overrides the algorithm derived from the key type.
	Algorithm string
}

// NewFileProvider loads keys from PEM files into a StaticProvider. Supports
// RSA (PKCS1/PKCS8) and ECDSA (SEC1/PKCS8) private keys. Keys are loaded once
// at construction; changes require restart.
func NewFileProvider(cfg FileConfig) (*StaticProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signing := make([]*SigningKey, 0, 1+len(cfg.FallbackKeyFiles))
	primary, err := loadSigningKeyFile(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile), cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	signing = append(signing, primary)

	for _, name := range cfg.FallbackKeyFiles {
		key, err := loadSigningKeyFile(filepath.Join(cfg.KeyDir, name), cfg.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", name, err)
		}
		signing = append(signing, key)
	}

	encryption := make([]*EncryptionKey, 0, len(cfg.EncryptionKeyFiles))
	for _, name := range cfg.EncryptionKeyFiles {
		signer, err := LoadPrivateKeyPEM(filepath.Join(cfg.KeyDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load encryption key %s: %w", name, err)
		}
		if _, ok := signer.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("encryption key %s: JWE key management requires an RSA key, got %T", name, signer)
		}
		kid, err := DeriveKeyID(signer)
		if err != nil {
			return nil, err
		}
		encryption = append(encryption, &EncryptionKey{
			KeyID:     kid,
			Algorithm: "RSA-OAEP-256",
			Key:       signer,
		})
	}

	return NewStaticProvider(signing, encryption), nil
}

func loadSigningKeyFile(path, algorithm string) (*SigningKey, error) {
	signer, err := LoadPrivateKeyPEM(path)
	if err != nil {
		return nil, err
	}
	if algorithm == "" {
		algorithm, err = AlgorithmForKey(signer)
		if err != nil {
			return nil, err
		}
	}
	kid, err := DeriveKeyID(signer)
	if err != nil {
		return nil, err
	}
	return &SigningKey{
		KeyID:     kid,
		Algorithm: algorithm,
		Key:       signer,
		CreatedAt: time.Now(),
	}, nil
}

// LoadPrivateKeyPEM loads a private key from a PEM file. Supports RSA
// (PKCS1 and PKCS8) and ECDSA (SEC1 and PKCS8) formats.
func LoadPrivateKeyPEM(path string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from %s", path)
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key does not implement crypto.Signer")
	}
	return signer, nil
}

// GeneratingProvider generates an ephemeral key on first access. Suitable for
// development but NOT recommended for production: generated keys are lost on
// restart, invalidating all issued tokens.
type GeneratingProvider struct {
	algorithm string
	mu        sync.Mutex
	key       *SigningKey
}

// NewGeneratingProvider creates a provider that lazily generates one
// ephemeral key. If algorithm is empty, DefaultAlgorithm is used.
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

// SigningKeys yields the single ephemeral key, generating it if needed.
func (p *GeneratingProvider) SigningKeys(_ context.Context, _ bool) iter.Seq[*SigningKey] {
	return func(yield func(*SigningKey) bool) {
		key, err := p.ensureKey()
		if err != nil {
			return
		}
		yield(key)
	}
}

// EncryptionKeys yields nothing; the generating provider does not support JWE.
func (*GeneratingProvider) EncryptionKeys(_ context.Context, _ bool) iter.Seq[*EncryptionKey] {
	return func(func(*EncryptionKey) bool) {}
}

func (p *GeneratingProvider) ensureKey() (*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return p.key, nil
	}

	priv, err := generatePrivateKey(p.algorithm)
	if err != nil {
		return nil, err
	}
	kid, err := DeriveKeyID(priv)
	if err != nil {
		return nil, err
	}
	p.key = &SigningKey{
		KeyID:     kid,
		Algorithm: p.algorithm,
		Key:       priv,
		CreatedAt: time.Now(),
	}
	return p.key, nil
}

func generatePrivateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case "RS256":
		return rsa.GenerateKey(rand.Reader, 2048)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

// Compile-time interface checks.
var (
	_ Provider = (*StaticProvider)(nil)
	_ Provider = (*GeneratingProvider)(nil)
)
