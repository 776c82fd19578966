// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jwt implements the token engine of the authorization server: it
// creates, signs, optionally encrypts, and validates JSON Web Tokens
// (RFC 7519/7515/7516). Key material is supplied by pkg/keys providers and
// resolved per call through caller-supplied callbacks, supporting rotation.
package jwt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Header carries the JOSE header fields the engine acts on.
type Header struct {
	// Algorithm is the declared signature algorithm (e.g. RS256, HS256).
	Algorithm string

	// Type is the typ header; defaults to JWT when empty.
	Type string

	// KeyID is the kid header; defaults to the signing key's ID when empty.
	KeyID string
}

// Claims is the token payload. Registered claims are typed; everything else
// lives in Extra. A Claims value serializes to a single flat JSON object.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	ID        string

	// Extra holds non-registered claims. Registered claim names in Extra are
	// ignored in favor of the typed fields.
	Extra map[string]any
}

// Token is a JWT under construction or after validation. Created transiently
// per operation; the engine serializes it to compact or encrypted form.
type Token struct {
	Header Header
	Claims Claims
}

var registeredClaims = map[string]bool{
	"iss": true, "sub": true, "aud": true,
	"exp": true, "nbf": true, "iat": true, "jti": true,
}

// MarshalJSON renders the claims as a flat JSON object with NumericDate
// timestamps.
func (c Claims) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+7)
	for k, v := range c.Extra {
		if !registeredClaims[k] {
			out[k] = v
		}
	}
	if c.Issuer != "" {
		out["iss"] = c.Issuer
	}
	if c.Subject != "" {
		out["sub"] = c.Subject
	}
	switch len(c.Audience) {
	case 0:
	case 1:
		out["aud"] = c.Audience[0]
	default:
		out["aud"] = c.Audience
	}
	if !c.ExpiresAt.IsZero() {
		out["exp"] = c.ExpiresAt.Unix()
	}
	if !c.NotBefore.IsZero() {
		out["nbf"] = c.NotBefore.Unix()
	}
	if !c.IssuedAt.IsZero() {
		out["iat"] = c.IssuedAt.Unix()
	}
	if c.ID != "" {
		out["jti"] = c.ID
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses a flat claims object, accepting both string and array
// forms of aud per RFC 7519 §4.1.3.
func (c *Claims) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	raw := make(map[string]any)
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	parsed := Claims{Extra: make(map[string]any)}
	for k, v := range raw {
		var err error
		switch k {
		case "iss":
			parsed.Issuer, err = stringClaim(k, v)
		case "sub":
			parsed.Subject, err = stringClaim(k, v)
		case "jti":
			parsed.ID, err = stringClaim(k, v)
		case "aud":
			parsed.Audience, err = audienceClaim(v)
		case "exp":
			parsed.ExpiresAt, err = timeClaim(k, v)
		case "nbf":
			parsed.NotBefore, err = timeClaim(k, v)
		case "iat":
			parsed.IssuedAt, err = timeClaim(k, v)
		default:
			parsed.Extra[k] = v
		}
		if err != nil {
			return err
		}
	}
	if len(parsed.Extra) == 0 {
		parsed.Extra = nil
	}
	*c = parsed
	return nil
}

func stringClaim(name string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("claim %s: expected string, got %T", name, v)
	}
	return s, nil
}

func timeClaim(name string, v any) (time.Time, error) {
	num, ok := v.(json.Number)
	if !ok {
		return time.Time{}, fmt.Errorf("claim %s: expected number, got %T", name, v)
	}
	secs, err := num.Int64()
	if err != nil {
		// NumericDate permits fractional seconds; truncate them.
		f, ferr := num.Float64()
		if ferr != nil {
			return time.Time{}, fmt.Errorf("claim %s: %w", name, err)
		}
		secs = int64(f)
	}
	return time.Unix(secs, 0), nil
}

func audienceClaim(v any) ([]string, error) {
	switch aud := v.(type) {
	case string:
		return []string{aud}, nil
	case []any:
		out := make([]string, 0, len(aud))
		for _, entry := range aud {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("claim aud: expected string entries, got %T", entry)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("claim aud: expected string or array, got %T", v)
	}
}
