package dex

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient covers network failures, timeouts and non-2xx responses.
	ErrTransient = errors.New("transient provider failure")
	// ErrMalformed means the provider answered with a payload we cannot use.
	ErrMalformed = errors.New("malformed provider response")

	errNotFound = errors.New("not found")
)

// ProviderError is the final failure of one provider operation.
type ProviderError struct {
	Provider string
	Op       string
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Provider, e.Op, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
