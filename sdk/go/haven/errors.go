// Package haven provides a Go client for the Haven call intake API.
package haven

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an API error, carrying the HTTP status and the code and
// message from the server's error envelope.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("haven: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// is reports whether err is an API Error with the given status.
func is(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == status
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool { return is(err, http.StatusNotFound) }

// IsUnauthorized reports whether err is a 401.
func IsUnauthorized(err error) bool { return is(err, http.StatusUnauthorized) }

// IsConflict reports whether err is a 409. The turn endpoint responds
// 409 when a turn is already in flight for the same call.
func IsConflict(err error) bool { return is(err, http.StatusConflict) }

// IsRateLimited reports whether err is a 429.
func IsRateLimited(err error) bool { return is(err, http.StatusTooManyRequests) }
