package ratelimit

import "errors"

var (
	// ErrStoreUnavailable marks a counter store call that failed or timed out.
	// It is resolved by the policy's failure mode and never reaches the client.
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrUnknownPolicy is a configuration error; it should be caught at startup.
	ErrUnknownPolicy = errors.New("unknown policy")

	ErrInvalidIdentity = errors.New("invalid caller identity")
	ErrInvalidPolicy   = errors.New("invalid policy")
)
