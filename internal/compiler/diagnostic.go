package compiler

import (
	"cmp"
	"fmt"
	"slices"
)

// Kind classifies a compile diagnostic.
type Kind string

// Diagnostic kinds. The code next to each is stable and shown in CLI output.
const (
	KindGrammar            Kind = "grammar"             // E100 unknown directive, unterminated literal
	KindMissingEndpoint    Kind = "missing_endpoint"    // E101 no endpoint directive
	KindDuplicateDirective Kind = "duplicate_directive" // E102 endpoint/auth/returns repeated
	KindInvalidName        Kind = "invalid_name"        // E103 not an identifier
	KindUnresolvedType     Kind = "unresolved_type"     // E104 parameter never cast
	KindDuplicateName      Kind = "duplicate_name"      // E105 endpoint name already taken
	KindConflictingType    Kind = "conflicting_type"    // E106 two different casts
	KindUnusedParam        Kind = "unused_param"        // E107 declared, never referenced
	KindInvalidAuth        Kind = "invalid_auth"        // E108 bad mode or interval
	KindReservedParam      Kind = "reserved_param"      // E109 auth_subject outside verify
	KindEmptyBody          Kind = "empty_body"          // E110 no SQL after directives
	KindInvalidReturns     Kind = "invalid_returns"     // E111 bad cardinality
	KindUnreadable         Kind = "unreadable"          // E112 file could not be read
)

var kindCodes = map[Kind]string{
	KindGrammar:            "E100",
	KindMissingEndpoint:    "E101",
	KindDuplicateDirective: "E102",
	KindInvalidName:        "E103",
	KindUnresolvedType:     "E104",
	KindDuplicateName:      "E105",
	KindConflictingType:    "E106",
	KindUnusedParam:        "E107",
	KindInvalidAuth:        "E108",
	KindReservedParam:      "E109",
	KindEmptyBody:          "E110",
	KindInvalidReturns:     "E111",
	KindUnreadable:         "E112",
}

// Code returns the stable error code for the kind.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return "E199"
}

// Severity of a diagnostic. Only errors keep a file out of the registry.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is a compile error or warning tied to a file and line.
type Diagnostic struct {
	File     string   `json:"file"`
	Line     int      `json:"line,omitempty"`
	Kind     Kind     `json:"kind"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Error implements the error interface.
func (d Diagnostic) Error() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s:%d: [%s] %s", d.File, d.Line, d.Code, d.Message)
	}
	return fmt.Sprintf("%s: [%s] %s", d.File, d.Code, d.Message)
}

// Errorf builds an error diagnostic.
func Errorf(file string, line int, kind Kind, format string, args ...any) Diagnostic {
	return Diagnostic{
		File:     file,
		Line:     line,
		Kind:     kind,
		Code:     kind.Code(),
		Message:  fmt.Sprintf(format, args...),
		Severity: SeverityError,
	}
}

// Warnf builds a warning diagnostic.
func Warnf(file string, line int, kind Kind, format string, args ...any) Diagnostic {
	d := Errorf(file, line, kind, format, args...)
	d.Severity = SeverityWarning
	return d
}

// Diagnostics is the list produced by compiling one file.
type Diagnostics []Diagnostic

// HasErrors reports whether any diagnostic has error severity.
func (ds Diagnostics) HasErrors() bool {
	return slices.ContainsFunc(ds, func(d Diagnostic) bool {
		return d.Severity == SeverityError
	})
}

// Errors returns only the error-severity diagnostics.
func (ds Diagnostics) Errors() Diagnostics {
	var out Diagnostics
	for _, d := range ds {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// sorted orders diagnostics by line then code so output is stable.
func (ds Diagnostics) sorted() Diagnostics {
	out := slices.Clone(ds)
	slices.SortStableFunc(out, func(a, b Diagnostic) int {
		return cmp.Or(cmp.Compare(a.Line, b.Line), cmp.Compare(a.Code, b.Code))
	})
	return out
}
