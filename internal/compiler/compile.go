package compiler

import (
	"regexp"
	"strings"

	"github.com/roach88/sqlpoint/internal/ir"
)

// UnusedParamPolicy decides how a declared but unreferenced param is reported.
type UnusedParamPolicy string

const (
	UnusedParamsError UnusedParamPolicy = "error"
	UnusedParamsWarn  UnusedParamPolicy = "warn"
)

// Options controls compilation.
type Options struct {
	UnusedParams UnusedParamPolicy
}

// DefaultOptions returns the strict defaults.
func DefaultOptions() Options {
	return Options{UnusedParams: UnusedParamsError}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Compile turns one source file into an Endpoint.
//
// Compilation is pure: the same file name and text always produce the same
// Endpoint and the same diagnostics. The endpoint is nil whenever any
// diagnostic has error severity. All problems in the file are reported,
// not just the first.
func Compile(file string, src string, opts Options) (*ir.Endpoint, Diagnostics) {
	scanned, diags := Scan(file, src)

	h, hdiags := readHeader(file, scanned.Directives)
	diags = append(diags, hdiags...)

	if strings.TrimSpace(scanned.Body) == "" {
		diags = append(diags, Errorf(file, 0, KindEmptyBody, "no SQL body after directives"))
		return nil, diags.sorted()
	}

	ext, xdiags := Extract(file, scanned)
	diags = append(diags, xdiags...)
	if ext != nil {
		diags = append(diags, checkParams(file, h, ext, opts)...)
	}

	if diags.HasErrors() || ext == nil {
		return nil, diags.sorted()
	}

	ep := &ir.Endpoint{
		Name:     h.name,
		Auth:     h.auth,
		Returns:  h.returns,
		Params:   ext.Params,
		Body:     ext.Body,
		Segments: ext.Segments,
		File:     file,
	}
	hash, err := ir.EndpointHash(ep)
	if err != nil {
		diags = append(diags, Errorf(file, 0, KindGrammar, "hash endpoint: %v", err))
		return nil, diags.sorted()
	}
	ep.Hash = hash
	return ep, diags.sorted()
}

// header is the interpreted directive set of one file.
type header struct {
	name     string
	auth     ir.Auth
	returns  ir.Cardinality
	declared []Directive // param directives, in file order
}

func readHeader(file string, directives []Directive) (header, Diagnostics) {
	var diags Diagnostics
	var h header
	seen := make(map[DirectiveKind]int)
	declared := make(map[string]int)

	for _, d := range directives {
		if prev, dup := seen[d.Kind]; dup && d.Kind != DirectiveParam {
			diags = append(diags, Errorf(file, d.Line, KindDuplicateDirective,
				"%s directive repeated (first on line %d)", d.Kind, prev))
			continue
		}
		seen[d.Kind] = d.Line

		switch d.Kind {
		case DirectiveEndpoint:
			if !identifierPattern.MatchString(d.Arg) {
				diags = append(diags, Errorf(file, d.Line, KindInvalidName,
					"endpoint name %q is not an identifier", d.Arg))
				continue
			}
			h.name = d.Arg

		case DirectiveAuth:
			auth, err := parseAuth(d.Arg)
			if err != nil {
				diags = append(diags, Errorf(file, d.Line, KindInvalidAuth, "%v", err))
				continue
			}
			h.auth = auth

		case DirectiveReturns:
			c := ir.Cardinality(d.Arg)
			if !ir.ValidCardinalities[c] {
				diags = append(diags, Errorf(file, d.Line, KindInvalidReturns,
					"returns must be one, optional or many, got %q", d.Arg))
				continue
			}
			h.returns = c

		case DirectiveParam:
			if !identifierPattern.MatchString(d.Arg) {
				diags = append(diags, Errorf(file, d.Line, KindInvalidName,
					"param name %q is not an identifier", d.Arg))
				continue
			}
			if prev, dup := declared[d.Arg]; dup {
				diags = append(diags, Warnf(file, d.Line, KindDuplicateDirective,
					"param %q already declared on line %d", d.Arg, prev))
				continue
			}
			declared[d.Arg] = d.Line
			h.declared = append(h.declared, d)
		}
	}

	if _, ok := seen[DirectiveEndpoint]; !ok {
		diags = append(diags, Errorf(file, 0, KindMissingEndpoint, "missing -- @endpoint directive"))
	}

	switch {
	case h.returns == "" && h.auth.Mode == ir.AuthIssue:
		h.returns = ir.ReturnsOne
	case h.returns == "":
		h.returns = ir.ReturnsMany
	case h.auth.Mode == ir.AuthIssue && h.returns != ir.ReturnsOne:
		diags = append(diags, Errorf(file, seen[DirectiveReturns], KindInvalidReturns,
			"issue endpoints return exactly one row; returns %s is not allowed", h.returns))
	}
	return h, diags
}
