package transport

import (
	"errors"
	"fmt"
)

// ErrAuthRejected is returned when the gateway still refuses the session
// after a successful re-authentication attempt.
var ErrAuthRejected = errors.New("authentication rejected by gateway")

// TransientNetworkError is surfaced once the retry budget is exhausted.
// It is fatal for the affected stage only, never for sibling orders.
type TransientNetworkError struct {
	Attempts int
	Err      error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// BrokerRejection is a non-retryable gateway response (4xx other than auth).
type BrokerRejection struct {
	StatusCode int
	Body       string
}

func (e *BrokerRejection) Error() string {
	return fmt.Sprintf("broker rejected request: status %d: %s", e.StatusCode, e.Body)
}
