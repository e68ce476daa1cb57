package ratelimit

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimitExceeded is returned when a client has used up a window
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrAccessDenied is returned when a client is not on the allowlist
	ErrAccessDenied = errors.New("access denied")
)

// ExceededError carries the decision that denied a request
type ExceededError struct {
	ClientID string
	Scope    Scope
	Decision Decision
}

func (e *ExceededError) Error() string {
	if e.Scope.IsEndpoint() {
		return fmt.Sprintf("rate limit exceeded for endpoint %s: client %s", e.Scope.Endpoint(), e.ClientID)
	}
	return fmt.Sprintf("rate limit exceeded: client %s", e.ClientID)
}

// Unwrap allows errors.Is(err, ErrRateLimitExceeded)
func (e *ExceededError) Unwrap() error {
	return ErrRateLimitExceeded
}
