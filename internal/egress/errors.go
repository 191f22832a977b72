package egress

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL is returned before any network activity when the target
	// is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid url")
	// ErrNoHealthyPath is returned by a strict selector when every configured
	// egress path failed verification.
	ErrNoHealthyPath = errors.New("no working proxies available")
	// ErrBridgeFailure matches every *BridgeError.
	ErrBridgeFailure = errors.New("bridge failure")
)

// BridgeError reports a bridge that answered with a non-200 status or an
// envelope that could not be parsed.
type BridgeError struct {
	StatusCode int
	Err        error
}

func (e *BridgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bridge response unreadable (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("bridge connection failed with status code: %d", e.StatusCode)
}

// Unwrap exposes the underlying parse error, if any.
func (e *BridgeError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrBridgeFailure) match any BridgeError.
func (e *BridgeError) Is(target error) bool {
	return target == ErrBridgeFailure
}
