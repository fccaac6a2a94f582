// ABOUTME: Error values returned by the backend client
// ABOUTME: ErrUnauthorized for 401s and StatusError for every other failure status

package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Client errors
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoToken      = errors.New("no session token")
)

// StatusError is a non-2xx response other than 401.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend error (%d): %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
