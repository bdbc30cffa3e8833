// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Lifecycle sentinels. Transports map them to status codes; services wrap them with %w.
var (
	// ErrInvalidInterval indicates the requested return is not strictly after the departure.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrActivePassExists indicates the student already holds a live pass.
	ErrActivePassExists = errors.New("active pass exists")

	// ErrIllegalTransition indicates the event is not valid from the current status.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrStaleCredential indicates a credential of a superseded generation was presented.
	ErrStaleCredential = errors.New("stale credential")

	// ErrCredentialExpired indicates the current credential's boundary has lapsed and it must be regenerated.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrNotFound indicates the requested pass or credential does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIssuanceUnavailable indicates a credential could not be minted.
	ErrIssuanceUnavailable = errors.New("issuance unavailable")

	// ErrQuotaExceeded indicates the student used up the monthly number of approved passes.
	ErrQuotaExceeded = errors.New("monthly quota exceeded")

	// ErrValidation indicates malformed input (empty reason, empty ids).
	ErrValidation = errors.New("validation")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the caller is temporarily locked out of scanning.
	ErrRateLimited = errors.New("rate limited")
)
