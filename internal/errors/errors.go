// Package errors defines sentinel errors shared across internal packages.
package errors

import "errors"

// Admin login errors.
var (
	ErrAuthFailure  = errors.New("invalid username or password")
	ErrProbeFailure = errors.New("home assistant unreachable or token rejected")
)

// Token exchange errors. Each maps to a distinct error_description so
// clients can tell which input to fix.
var (
	ErrInvalidCode    = errors.New("invalid or unknown authorization code")
	ErrExpiredCode    = errors.New("authorization code expired")
	ErrClientMismatch = errors.New("authorization code was issued to a different client")
	ErrPKCEFailure    = errors.New("PKCE verification failed")
)

// Protocol errors.
var (
	ErrUnauthorized = errors.New("authentication required")
	ErrUnknownTool  = errors.New("unknown tool")
)

// Collaborator errors. A timeout is reported distinctly from a hard
// connectivity or API failure.
var (
	ErrCollaboratorTimeout = errors.New("home assistant request timed out")
	ErrCollaboratorError   = errors.New("home assistant request failed")
)
