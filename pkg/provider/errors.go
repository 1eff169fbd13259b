package provider

import (
	"errors"
	"fmt"
)

// ErrInstanceNotFound is returned when the provider has no such instance.
var ErrInstanceNotFound = errors.New("instance not found")

// ProviderError carries the backend's own message for a failed call.
type ProviderError struct {
	Provider   Type
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: API error %d - %s", e.Provider, e.Op, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }
