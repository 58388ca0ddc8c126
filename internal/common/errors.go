// Package common defines shared constants and sentinel errors used across
// signflow components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrInternal     = errors.New("internal error")
	ErrForbidden    = errors.New("forbidden")
	ErrUnconfigured = errors.New("no signing account configured")

	// Validation errors. ErrValidation is the umbrella; use sites join the
	// specific sentinels below with it so callers can match either level.
	ErrValidation             = errors.New("validation error")
	ErrDuplicateRecipient     = errors.New("duplicate recipient")
	ErrUnknownUser            = errors.New("unknown user")
	ErrUnknownRecipientType   = errors.New("unknown recipient type")
	ErrInvalidMetadata        = errors.New("invalid signature metadata")
	ErrInvalidFiletype        = errors.New("invalid file type")
	ErrFileAccess             = errors.New("error accessing file")
	ErrSignatureImageMissing  = errors.New("no signature image available")
	ErrSignatureImageTooLarge = errors.New("signature image too large")

	// Signing state errors.
	ErrAlreadySigned = errors.New("already signed")

	// Upstream (external signing service) errors. ErrConnection covers
	// network-level failures and timeouts and is retryable by the caller;
	// ErrUpstream covers application-level non-success responses;
	// ErrInvalidResponse covers success responses missing required fields.
	ErrConnection      = errors.New("error connecting to signing service")
	ErrUpstream        = errors.New("signing service error")
	ErrInvalidResponse = errors.New("invalid signing service response")

	// ErrThrottle marks failures on public endpoints that should trigger
	// the anti-enumeration delay. Always joined with another sentinel.
	ErrThrottle = errors.New("throttle")
)
