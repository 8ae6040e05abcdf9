package errors

import "errors"

var (
	// ErrStoreUnavailable reports that the shared lock store could not be
	// reached. Lock operations fail closed with this error.
	ErrStoreUnavailable = errors.New("lock store unavailable")
	// ErrNoToken is returned when a connection presents no credential.
	ErrNoToken = errors.New("No token provided")
	// ErrInvalidToken is returned when the presented credential fails
	// signature or expiry verification.
	ErrInvalidToken = errors.New("Invalid token")
	// ErrRelayClosed reports a publish or subscribe on a closed relay.
	ErrRelayClosed = errors.New("relay closed")
)
