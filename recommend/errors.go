package recommend

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized is returned (wrapped in an APIError) when the server
// rejects the client's credentials. Periodic refreshes stop after this
// error: retrying with the same credentials cannot succeed.
var ErrUnauthorized = errors.New("unauthorized")

// APIError wraps the detailed code and message supplied
// by the API for debugging purposes
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}
