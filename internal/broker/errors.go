package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited is the transient 429 condition; the client retries
	// it internally and only surfaces it when the budget is exhausted.
	ErrRateLimited = errors.New("broker: rate limited")

	// ErrRetriesExhausted wraps the last transient failure after the
	// retry budget is spent.
	ErrRetriesExhausted = errors.New("broker: max retries exceeded")
)

// APIError is a permanent broker rejection (4xx other than 429, or an
// undecodable body). The call's output is dropped for the iteration.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: unexpected status %d: %s", e.StatusCode, e.Body)
}

// IsPermanent reports whether err is a broker rejection that retrying
// cannot fix.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
