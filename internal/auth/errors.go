package auth

import (
	"errors"
	"fmt"
)

// Kind classifies an authentication failure.
type Kind string

const (
	// KindMissing means no token was presented.
	KindMissing Kind = "missing"
	// KindInvalid means the token failed signature, algorithm or format checks.
	KindInvalid Kind = "invalid"
	// KindExpired means the token is past exp or older than the allowed age.
	KindExpired Kind = "expired"
)

// Error is returned by Verify when a request cannot be authenticated.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: token %s", e.Kind)
	}
	return fmt.Sprintf("auth: token %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsExpired reports whether err is an expired-token failure.
func IsExpired(err error) bool {
	ae, ok := AsError(err)
	return ok && ae.Kind == KindExpired
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
