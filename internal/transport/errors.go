package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuth marks failures caused by missing or expired credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrPermanent marks rows the remote store will never accept.
	ErrPermanent = errors.New("permanently rejected")
)

// HTTPError is a non-success HTTP response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the error classes.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrPermanent:
		switch e.StatusCode {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict,
			http.StatusGone, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
			return true
		}
	}
	return false
}

type classified struct {
	class error
	err   error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() []error {
	return []error{c.class, c.err}
}

// Auth marks err as an authentication failure.
func Auth(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrAuth, err: err}
}

// Permanent marks err as a permanent rejection.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ErrPermanent, err: err}
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsPermanent reports whether err is a permanent rejection.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
