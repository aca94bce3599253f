package domain

import "errors"

var (
	// ErrInvalidRequest marks a malformed transfer request. Not retryable.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrLookupFailure marks an account snapshot that could not be resolved.
	ErrLookupFailure = errors.New("account lookup failed")

	// ErrAccountNotFound is wrapped by ErrLookupFailure when the account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrContentionTimeout marks a sender gate that could not be acquired in time. Retryable.
	ErrContentionTimeout = errors.New("sender gate contention timeout")

	// ErrDuplicateAccount is returned when onboarding an email that already exists.
	ErrDuplicateAccount = errors.New("account already exists")
)
