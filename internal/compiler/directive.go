package compiler

import (
	"strings"
)

// DirectiveKind is the name following "@" on a directive line.
type DirectiveKind string

const (
	DirectiveEndpoint DirectiveKind = "endpoint"
	DirectiveAuth     DirectiveKind = "auth"
	DirectiveParam    DirectiveKind = "param"
	DirectiveReturns  DirectiveKind = "returns"
)

var knownDirectives = map[DirectiveKind]bool{
	DirectiveEndpoint: true,
	DirectiveAuth:     true,
	DirectiveParam:    true,
	DirectiveReturns:  true,
}

// Directive is one parsed directive line.
type Directive struct {
	Kind DirectiveKind
	Arg  string // rest of the line, trimmed
	Line int    // 1-based line in the source file
}

// Scanned is a source file split into directives and body text.
type Scanned struct {
	Directives []Directive
	Body       string

	// lines maps a 0-based body line to its 1-based source line.
	lines []int
}

// SourceLine converts a 0-based body line into a 1-based file line.
func (s *Scanned) SourceLine(bodyLine int) int {
	if bodyLine < 0 || bodyLine >= len(s.lines) {
		return 0
	}
	return s.lines[bodyLine]
}

// Scan splits raw source text into directive lines and body text.
//
// A directive line has "--", optional blanks, then "@name" as its first
// non-blank content:
//
//	-- @endpoint get_user
//	--@param uid
//
// Every other line is kept in the body in original order. Leading and
// trailing blank body lines are dropped. Unknown directive names produce
// grammar diagnostics; the scan continues so all problems are reported.
func Scan(file string, src string) (*Scanned, Diagnostics) {
	var diags Diagnostics
	s := &Scanned{}
	var body []string

	for i, line := range strings.Split(src, "\n") {
		line = strings.TrimSuffix(line, "\r")
		lineNo := i + 1

		name, arg, ok := splitDirective(line)
		if !ok {
			body = append(body, line)
			s.lines = append(s.lines, lineNo)
			continue
		}

		kind := DirectiveKind(name)
		switch {
		case name == "":
			diags = append(diags, Errorf(file, lineNo, KindGrammar, "directive name missing after '@'"))
		case !knownDirectives[kind]:
			diags = append(diags, Errorf(file, lineNo, KindGrammar, "unknown directive %q", name))
		default:
			s.Directives = append(s.Directives, Directive{Kind: kind, Arg: arg, Line: lineNo})
		}
	}

	start, end := 0, len(body)
	for start < end && strings.TrimSpace(body[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(body[end-1]) == "" {
		end--
	}
	body = body[start:end]
	s.lines = s.lines[start:end]
	if n := len(body); n > 0 {
		body[n-1] = strings.TrimRight(body[n-1], " \t")
	}
	s.Body = strings.Join(body, "\n")

	return s, diags
}

// splitDirective reports whether line is a directive line and returns the
// directive name and its trimmed argument.
func splitDirective(line string) (name, arg string, ok bool) {
	rest := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(rest, "--") {
		return "", "", false
	}
	rest = strings.TrimLeft(rest[2:], " \t")
	if !strings.HasPrefix(rest, "@") {
		return "", "", false
	}
	rest = rest[1:]

	end := 0
	for end < len(rest) && isNameByte(rest[end]) {
		end++
	}
	return rest[:end], strings.TrimSpace(rest[end:]), true
}
