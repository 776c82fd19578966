// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwt

import (
	"iter"

	"github.com/stacklok/oidcore/pkg/keys"
)

// FirstByAlgorithm scans candidate signing keys and returns the first whose
// algorithm matches the requested one. Returns nil when no candidate matches;
// an empty sequence is a valid input and yields nil, never a panic.
func FirstByAlgorithm(candidates iter.Seq[*keys.SigningKey], algorithm string) *keys.SigningKey {
	for key := range candidates {
		if key.Algorithm == algorithm {
			return key
		}
	}
	return nil
}

// FirstEncryptionKey returns the first available key from the sequence, or
// nil when the sequence is empty.
func FirstEncryptionKey(candidates iter.Seq[*keys.EncryptionKey]) *keys.EncryptionKey {
	for key := range candidates {
		return key
	}
	return nil
}
