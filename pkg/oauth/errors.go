// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/json"
	"fmt"
)

// Stable protocol error codes returned on the wire.
const (
	// ErrCodeInvalidRequest is returned when a request is malformed or missing parameters (RFC 6749 §5.2).
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeInvalidClient is returned when client authentication fails.
	ErrCodeInvalidClient = "invalid_client"

	// ErrCodeInvalidGrant is returned when a grant or token is invalid, expired, or revoked.
	ErrCodeInvalidGrant = "invalid_grant"

	// ErrCodeUnauthorizedClient is returned when the client is not allowed to use a grant or endpoint.
	ErrCodeUnauthorizedClient = "unauthorized_client"

	// ErrCodeUnsupportedGrantType is returned for grant types the server does not implement.
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"

	// ErrCodeUnsupportedResponseType is returned for response types the server does not implement.
	ErrCodeUnsupportedResponseType = "unsupported_response_type"

	// ErrCodeInvalidScope is returned when a requested scope is unknown or not allowed.
	ErrCodeInvalidScope = "invalid_scope"

	// ErrCodeAccessDenied is returned when the resource owner or server denies the request.
	ErrCodeAccessDenied = "access_denied"

	// ErrCodeServerError is returned for unexpected conditions (RFC 6749 §4.1.2.1).
	ErrCodeServerError = "server_error"

	// ErrCodeInvalidRequestObject is returned when a JAR request object fails validation (RFC 9101).
	ErrCodeInvalidRequestObject = "invalid_request_object"

	// ErrCodeInvalidRequestURI is returned when the request_uri parameter is invalid or prohibited (RFC 9126).
	ErrCodeInvalidRequestURI = "invalid_request_uri"

	// ErrCodeInvalidClientMetadata is returned when registration metadata fails validation (RFC 7591).
	ErrCodeInvalidClientMetadata = "invalid_client_metadata"

	// ErrCodeInvalidRedirectURI is returned when a registration redirect URI is unacceptable (RFC 7591).
	ErrCodeInvalidRedirectURI = "invalid_redirect_uri"

	// ErrCodeAuthorizationPending is returned while a device or CIBA grant awaits user action (RFC 8628 §3.5).
	ErrCodeAuthorizationPending = "authorization_pending"

	// ErrCodeSlowDown is returned when a client polls faster than the allowed interval.
	ErrCodeSlowDown = "slow_down"

	// ErrCodeExpiredToken is returned when a device or CIBA grant expired before approval.
	ErrCodeExpiredToken = "expired_token"

	// ErrCodeInvalidTarget is returned when a resource indicator is unacceptable (RFC 8707).
	ErrCodeInvalidTarget = "invalid_target"

	// ErrCodeUnknownUserID is returned when no user matches a CIBA hint (CIBA Core §13).
	ErrCodeUnknownUserID = "unknown_user_id"
)

// Error is a protocol-level failure with a stable machine-readable code and a
// human-readable description. It is the failure arm of every validator and
// processor result in this module; expected protocol violations are returned
// as values, never panics.
type Error struct {
	// Code is the wire error code, e.g. invalid_request.
	Code string

	// Description is a human-readable explanation safe to disclose to the caller.
	Description string

	// cause is an optional internal error, logged but never serialized.
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an internal cause for logging. The cause is never
// included in the wire serialization.
func (e *Error) WithCause(err error) *Error {
	return &Error{Code: e.Code, Description: e.Description, cause: err}
}

// MarshalJSON serializes the error in the standard {error, error_description}
// shape. The cause is deliberately omitted.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code        string `json:"error"`
		Description string `json:"error_description,omitempty"`
	}{Code: e.Code, Description: e.Description})
}

// NewError creates a protocol error with the given code and description.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// InvalidRequest creates an invalid_request error.
func InvalidRequest(description string) *Error {
	return NewError(ErrCodeInvalidRequest, description)
}

// InvalidClient creates an invalid_client error.
func InvalidClient(description string) *Error {
	return NewError(ErrCodeInvalidClient, description)
}

// InvalidGrant creates an invalid_grant error.
func InvalidGrant(description string) *Error {
	return NewError(ErrCodeInvalidGrant, description)
}

// UnauthorizedClient creates an unauthorized_client error.
func UnauthorizedClient(description string) *Error {
	return NewError(ErrCodeUnauthorizedClient, description)
}

// InvalidScope creates an invalid_scope error.
func InvalidScope(description string) *Error {
	return NewError(ErrCodeInvalidScope, description)
}

// InvalidRequestObject creates an invalid_request_object error.
func InvalidRequestObject(description string) *Error {
	return NewError(ErrCodeInvalidRequestObject, description)
}

// InvalidRequestURI creates an invalid_request_uri error.
func InvalidRequestURI(description string) *Error {
	return NewError(ErrCodeInvalidRequestURI, description)
}

// ServerError creates a server_error with an attached internal cause.
func ServerError(description string, cause error) *Error {
	return &Error{Code: ErrCodeServerError, Description: description, cause: cause}
}
