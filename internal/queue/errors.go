// Error values surfaced by drain outcomes.

package queue

import "fmt"

// StatusError reports an HTTP status that ended a queued request's delivery
// attempt, either permanently (4xx) or after the executor exhausted its
// retries (5xx).
type StatusError struct {
	Status int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded with status %d", e.Status)
}
