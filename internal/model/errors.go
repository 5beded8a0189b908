package model

import "errors"

// Error taxonomy shared by the controller, the stores and the collaborators.
var (
	// ErrFieldBusy: a session is already active for the field. Try again later.
	ErrFieldBusy = errors.New("field busy")
	// ErrSensorUnavailable: no initial reading, the session cannot start.
	ErrSensorUnavailable = errors.New("sensor unavailable")
	// ErrActuationFailed: gate command rejected or timed out.
	ErrActuationFailed = errors.New("actuation failed")
	// ErrInvalidConfig: the irrigation config violates its invariants.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrSessionNotFound: unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreUnavailable: persistence unreachable. Never degraded, exclusivity depends on it.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrClaimLost: the lease is held by another session or owner.
	ErrClaimLost = errors.New("field claim lost")
	// ErrNotAvailable: a sensor source has no reading for the field.
	ErrNotAvailable = errors.New("reading not available")
)
