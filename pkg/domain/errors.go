// Package domain holds the error taxonomy shared by the limiter engine and
// its storage backends.
package domain

import "errors"

var (
	// ErrStorageUnavailable marks failures of the storage medium itself:
	// unreachable network, timed out call or a malformed response.
	ErrStorageUnavailable = errors.New("rate limit storage unavailable")

	// ErrInvalidPolicy is returned at configuration time for a policy with a
	// non-positive limit or window.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")

	// ErrKeyResolutionFailed is returned when no identity could be derived
	// for a request.
	ErrKeyResolutionFailed = errors.New("could not resolve rate limit key")
)

func IsStorageUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStorageUnavailable)
}
