// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScopes(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ParseScopes(""))
	assert.Nil(t, ParseScopes("   "))
	assert.Equal(t, []string{"openid"}, ParseScopes("openid"))
	assert.Equal(t, []string{"openid", "profile"}, ParseScopes("openid  profile"))
}

func TestJoinAndHasScope(t *testing.T) {
	t.Parallel()

	scopes := []string{"openid", "profile"}
	assert.Equal(t, "openid profile", JoinScopes(scopes))
	assert.True(t, HasScope(scopes, "profile"))
	assert.False(t, HasScope(scopes, "email"))
	assert.False(t, HasScope(nil, "openid"))
}

func TestErrorWireShape(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(InvalidRequest("redirect_uri is required"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"invalid_request","error_description":"redirect_uri is required"}`, string(raw))

	// The internal cause stays internal.
	raw, err = json.Marshal(ServerError("storage failed", errors.New("connection refused")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"server_error","error_description":"storage failed"}`, string(raw))
}

func TestErrorCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	werr := ServerError("storage failed", cause)
	assert.ErrorIs(t, werr, cause)
	assert.Contains(t, werr.Error(), "server_error")
	assert.Contains(t, werr.Error(), "boom")

	wrapped := InvalidGrant("nope").WithCause(cause)
	assert.ErrorIs(t, wrapped, cause)
}
