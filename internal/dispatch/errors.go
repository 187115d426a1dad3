package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies a per-item failure.
type Kind string

const (
	KindUnknownEndpoint  Kind = "unknown_endpoint"
	KindMissingParameter Kind = "missing_parameter"
	// KindInvalidParameter means the value is present but cannot be bound,
	// e.g. a number outside every numeric range.
	KindInvalidParameter Kind = "invalid_parameter"
	KindDBError          Kind = "db_error"
	KindCardinality      Kind = "cardinality_mismatch"
	KindAuth             Kind = "auth"
	// KindWrongMode is returned by Dispatcher.Issue for endpoints that do
	// not issue tokens.
	KindWrongMode Kind = "wrong_auth_mode"
)

// Error is the failure of one batch item. It never aborts other items.
type Error struct {
	Endpoint string
	Kind     Kind
	Param    string // set for parameter kinds
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindUnknownEndpoint:
		return fmt.Sprintf("unknown endpoint %q", e.Endpoint)
	case KindMissingParameter:
		return fmt.Sprintf("endpoint %q: missing parameter %q", e.Endpoint, e.Param)
	case KindInvalidParameter:
		return fmt.Sprintf("endpoint %q: invalid parameter %q: %v", e.Endpoint, e.Param, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("endpoint %q: %s", e.Endpoint, e.Kind)
	}
	return fmt.Sprintf("endpoint %q: %s: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	de, ok := AsError(err)
	return ok && de.Kind == kind
}
