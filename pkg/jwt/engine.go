// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"
	"github.com/lestrrat-go/jwx/v3/jws"

	"github.com/stacklok/oidcore/pkg/keys"
)

// Common errors. Expected validation failures are reported as these values;
// callers map them to generic protocol errors without leaking detail.
var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenNotYetValid  = errors.New("token not yet valid")
	ErrInvalidIssuer     = errors.New("invalid issuer")
	ErrInvalidAudience   = errors.New("invalid audience")
	ErrNotSigned         = errors.New("token signature required but not verified")
	ErrAlgorithmMismatch = errors.New("signing key does not match declared algorithm")
)

// Options is the validation options bitmask.
type Options uint8

// Validation option flags.
const (
	// OptRequireSigned rejects tokens whose signature cannot be verified.
	OptRequireSigned Options = 1 << iota

	// OptValidateLifetime enforces exp/nbf with clock-skew tolerance.
	OptValidateLifetime

	// OptValidateIssuer runs the issuer callback.
	OptValidateIssuer

	// OptValidateAudience runs the audience callback.
	OptValidateAudience
)

// Has reports whether flag is set.
func (o Options) Has(flag Options) bool {
	return o&flag != 0
}

// DefaultOptions is the strict default used by the server's own validators.
const DefaultOptions = OptRequireSigned | OptValidateLifetime | OptValidateIssuer | OptValidateAudience

// DefaultClockSkew is the lifetime tolerance applied when none is configured.
const DefaultClockSkew = 30 * time.Second

// SigningKeyResolver returns signing key candidates for a validation call.
type SigningKeyResolver func(ctx context.Context) iter.Seq[*keys.SigningKey]

// DecryptionKeyResolver returns decryption key candidates for a validation call.
type DecryptionKeyResolver func(ctx context.Context) iter.Seq[*keys.EncryptionKey]

// ValidationParameters bundles the callbacks and options for one Validate
// call. Constructed per call; never persisted.
type ValidationParameters struct {
	// Options selects which checks run.
	Options Options

	// ClockSkew is the tolerance for exp/nbf checks; DefaultClockSkew if zero.
	ClockSkew time.Duration

	// Clock returns the current time; time.Now if nil. Tests override it.
	Clock func() time.Time

	// SigningKeys yields signature verification candidates. The first key
	// that verifies the signature wins. May be nil when signatures are not
	// required.
	SigningKeys SigningKeyResolver

	// DecryptionKeys yields key-management keys for JWE tokens. Required
	// only when the token is encrypted.
	DecryptionKeys DecryptionKeyResolver

	// ValidIssuer reports whether the iss claim is acceptable.
	ValidIssuer func(issuer string) bool

	// ValidAudience reports whether the aud claim is acceptable.
	ValidAudience func(audience []string) bool
}

// ValidToken is the result of a successful validation.
type ValidToken struct {
	// Claims are the verified token claims.
	Claims Claims

	// Algorithm is the algorithm of the key that verified the signature,
	// empty when the token was accepted unsigned.
	Algorithm string

	// KeyID is the ID of the verifying key, empty when accepted unsigned.
	KeyID string

	// Signed reports whether the signature was cryptographically verified.
	Signed bool

	// Encrypted reports whether the token arrived as a JWE.
	Encrypted bool
}

// Engine creates and validates JWTs. The zero value is not usable; construct
// with NewEngine.
type Engine struct {
	keyManagementAlg     jwa.KeyEncryptionAlgorithm
	contentEncryptionAlg jwa.ContentEncryptionAlgorithm
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithContentEncryption overrides the JWE content-encryption algorithm.
func WithContentEncryption(alg jwa.ContentEncryptionAlgorithm) EngineOption {
	return func(e *Engine) {
		e.contentEncryptionAlg = alg
	}
}

// WithKeyManagementAlgorithm overrides the JWE key-management algorithm.
func WithKeyManagementAlgorithm(alg jwa.KeyEncryptionAlgorithm) EngineOption {
	return func(e *Engine) {
		e.keyManagementAlg = alg
	}
}

// NewEngine creates an engine with RSA-OAEP-256 key management and
// A128CBC-HS256 content encryption defaults.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		keyManagementAlg:     jwa.RSA_OAEP_256(),
		contentEncryptionAlg: jwa.A128CBC_HS256(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Issue serializes and signs the token with signingKey, which must match the
// header's declared algorithm. When encryptionKey is non-nil the signed JWS
// is wrapped in a JWE (nested JWT). Returns the compact serialization.
func (e *Engine) Issue(_ context.Context, tok *Token, signingKey *keys.SigningKey, encryptionKey *keys.EncryptionKey) (string, error) {
	if signingKey == nil {
		return "", keys.ErrNoSigningKey
	}
	if tok.Header.Algorithm == "" {
		return "", fmt.Errorf("token header declares no algorithm")
	}
	if signingKey.Algorithm != tok.Header.Algorithm {
		return "", fmt.Errorf("%w: header declares %s, key is %s",
			ErrAlgorithmMismatch, tok.Header.Algorithm, signingKey.Algorithm)
	}

	alg, ok := jwa.LookupSignatureAlgorithm(signingKey.Algorithm)
	if !ok {
		return "", fmt.Errorf("unsupported signature algorithm %q", signingKey.Algorithm)
	}

	payload, err := json.Marshal(tok.Claims)
	if err != nil {
		return "", fmt.Errorf("failed to serialize claims: %w", err)
	}

	hdrs := jws.NewHeaders()
	typ := tok.Header.Type
	if typ == "" {
		typ = "JWT"
	}
	if err := hdrs.Set("typ", typ); err != nil {
		return "", err
	}
	kid := tok.Header.KeyID
	if kid == "" {
		kid = signingKey.KeyID
	}
	if kid != "" {
		if err := hdrs.Set("kid", kid); err != nil {
			return "", err
		}
	}

	signed, err := jws.Sign(payload, jws.WithKey(alg, signingKey.Key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	if encryptionKey == nil {
		return string(signed), nil
	}

	keyAlg := e.keyManagementAlg
	if encryptionKey.Algorithm != "" {
		named, ok := jwa.LookupKeyEncryptionAlgorithm(encryptionKey.Algorithm)
		if !ok {
			return "", fmt.Errorf("unsupported key management algorithm %q", encryptionKey.Algorithm)
		}
		keyAlg = named
	}

	encrypted, err := jwe.Encrypt(signed,
		jwe.WithKey(keyAlg, encryptionKey.Key),
		jwe.WithContentEncryption(e.contentEncryptionAlg),
	)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token: %w", err)
	}
	return string(encrypted), nil
}

// Validate parses a compact or encrypted serialization and runs the checks
// selected by params.Options. Signature verification tries each candidate
// key from the resolver; the first key that verifies wins. Empty candidate
// sequences surface as ErrInvalidToken, never a panic.
func (e *Engine) Validate(ctx context.Context, raw string, params ValidationParameters) (*ValidToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}

	data := []byte(raw)
	encrypted := strings.Count(raw, ".") == 4
	if encrypted {
		decrypted, err := e.decrypt(ctx, data, params)
		if err != nil {
			return nil, err
		}
		data = decrypted
	}

	payload, verifiedBy, err := verifySignature(ctx, data, params)
	if err != nil {
		return nil, err
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalidToken)
	}

	if params.Options.Has(OptValidateLifetime) {
		if err := checkLifetime(claims, params); err != nil {
			return nil, err
		}
	}
	if params.Options.Has(OptValidateIssuer) {
		if params.ValidIssuer == nil || !params.ValidIssuer(claims.Issuer) {
			return nil, ErrInvalidIssuer
		}
	}
	if params.Options.Has(OptValidateAudience) {
		if params.ValidAudience == nil || !params.ValidAudience(claims.Audience) {
			return nil, ErrInvalidAudience
		}
	}

	valid := &ValidToken{
		Claims:    claims,
		Encrypted: encrypted,
	}
	if verifiedBy != nil {
		valid.Signed = true
		valid.Algorithm = verifiedBy.Algorithm
		valid.KeyID = verifiedBy.KeyID
	}
	return valid, nil
}

// decrypt unwraps a JWE using the first decryption key that succeeds.
func (e *Engine) decrypt(ctx context.Context, data []byte, params ValidationParameters) ([]byte, error) {
	if params.DecryptionKeys == nil {
		return nil, fmt.Errorf("%w: token is encrypted and no decryption keys are available", ErrInvalidToken)
	}
	for key := range params.DecryptionKeys(ctx) {
		keyAlg := e.keyManagementAlg
		if key.Algorithm != "" {
			named, ok := jwa.LookupKeyEncryptionAlgorithm(key.Algorithm)
			if !ok {
				continue
			}
			keyAlg = named
		}
		decrypted, err := jwe.Decrypt(data, jwe.WithKey(keyAlg, key.Key))
		if err == nil {
			return decrypted, nil
		}
	}
	return nil, fmt.Errorf("%w: decryption failed", ErrInvalidToken)
}

// verifySignature tries candidate keys in order and returns the verified
// payload with the winning key. When no key verifies and signatures are not
// required, the payload is extracted without verification.
func verifySignature(ctx context.Context, data []byte, params ValidationParameters) ([]byte, *keys.SigningKey, error) {
	if params.SigningKeys != nil {
		for key := range params.SigningKeys(ctx) {
			alg, ok := jwa.LookupSignatureAlgorithm(key.Algorithm)
			if !ok {
				continue
			}
			payload, err := jws.Verify(data, jws.WithKey(alg, key.Verifier()))
			if err == nil {
				return payload, key, nil
			}
		}
	}

	if params.Options.Has(OptRequireSigned) {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrNotSigned)
	}

	msg, err := jws.Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: malformed serialization", ErrInvalidToken)
	}
	return msg.Payload(), nil, nil
}

func checkLifetime(claims Claims, params ValidationParameters) error {
	skew := params.ClockSkew
	if skew == 0 {
		skew = DefaultClockSkew
	}
	now := time.Now()
	if params.Clock != nil {
		now = params.Clock()
	}

	if !claims.ExpiresAt.IsZero() && now.After(claims.ExpiresAt.Add(skew)) {
		return ErrTokenExpired
	}
	if !claims.NotBefore.IsZero() && now.Add(skew).Before(claims.NotBefore) {
		return ErrTokenNotYetValid
	}
	return nil
}
