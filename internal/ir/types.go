package ir

import (
	"fmt"
	"strings"
)

// AuthMode is the auth behaviour an endpoint declares with "-- @auth".
type AuthMode string

const (
	AuthNone   AuthMode = ""
	AuthVerify AuthMode = "verify" // requires a valid token before execution
	AuthIssue  AuthMode = "issue"  // mints a token from a single result row
)

// ValidAuthModes defines the modes accepted by the "auth" directive.
var ValidAuthModes = map[AuthMode]bool{
	AuthVerify: true,
	AuthIssue:  true,
}

// Auth is an endpoint's auth declaration.
// Seconds is the max token age for verify and the token lifetime for issue.
// Zero means "use the configured default" (issue) or "no extra limit" (verify).
type Auth struct {
	Mode    AuthMode `json:"mode"`
	Seconds int64    `json:"seconds,omitempty"`
}

// Cardinality is the result shape contract of an endpoint.
type Cardinality string

const (
	ReturnsOne      Cardinality = "one"      // exactly one row, returned as an object
	ReturnsOptional Cardinality = "optional" // zero or one row, object or null
	ReturnsMany     Cardinality = "many"     // any number of rows, returned as an array
)

// ValidCardinalities defines the values accepted by the "returns" directive.
var ValidCardinalities = map[Cardinality]bool{
	ReturnsOne:      true,
	ReturnsOptional: true,
	ReturnsMany:     true,
}

// ParamSource says where a parameter's value comes from at dispatch time.
type ParamSource string

const (
	SourcePayload ParamSource = "payload"
	SourceAuth    ParamSource = "auth"
)

// SubjectParam is the reserved parameter bound to the verified token subject.
const SubjectParam = "auth_subject"

// Param is a resolved parameter of a compiled endpoint.
type Param struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`     // upper-cased cast token, never empty
	Position int         `json:"position"` // 1-based
	Required bool        `json:"required"`
	Source   ParamSource `json:"source"`
}

// Segment is one piece of the rewritten body: literal text, or a parameter
// slot when Param is non-zero. Stmt is the 0-based index of the
// ';'-separated statement the piece belongs to.
type Segment struct {
	Text  string `json:"text,omitempty"`
	Param int    `json:"param,omitempty"`
	Stmt  int    `json:"stmt,omitempty"`
}

// Statement is one statement of a body, rendered on its own. Its
// placeholders are numbered from 1; Params holds the endpoint parameter
// position bound to each of them, in order.
type Statement struct {
	SQL    string
	Params []int
}

// Bind selects the statement's arguments from the endpoint's positional args.
func (s Statement) Bind(args []any) []any {
	out := make([]any, len(s.Params))
	for i, pos := range s.Params {
		out[i] = args[pos-1]
	}
	return out
}

// Endpoint is the immutable unit produced by compiling one source file.
type Endpoint struct {
	Name     string      `json:"name"`
	Auth     Auth        `json:"auth"`
	Returns  Cardinality `json:"returns"`
	Params   []Param     `json:"params"`
	Body     string      `json:"body"` // $N::TYPE placeholders
	Segments []Segment   `json:"segments"`
	File     string      `json:"file"`
	Hash     string      `json:"hash"`
}

// Lookup returns the parameter with the given name.
func (e *Endpoint) Lookup(name string) (Param, bool) {
	for _, p := range e.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Render rebuilds the body with a dialect-specific placeholder for each slot.
func (e *Endpoint) Render(placeholder func(p Param) string) string {
	var b strings.Builder
	for _, seg := range e.Segments {
		if seg.Param == 0 {
			b.WriteString(seg.Text)
			continue
		}
		b.WriteString(placeholder(e.Params[seg.Param-1]))
	}
	return b.String()
}

// StatementCount returns the number of statements in the body.
func (e *Endpoint) StatementCount() int {
	if len(e.Segments) == 0 {
		return 0
	}
	return e.Segments[len(e.Segments)-1].Stmt + 1
}

// Statements renders each statement of the body separately, renumbering
// placeholders within each one.
func (e *Endpoint) Statements(placeholder func(p Param) string) []Statement {
	var out []Statement
	var b strings.Builder
	var cur Statement
	var local map[int]int
	stmt := -1

	flush := func() {
		if stmt >= 0 {
			cur.SQL = strings.TrimSpace(b.String())
			out = append(out, cur)
		}
	}
	for _, seg := range e.Segments {
		if seg.Stmt != stmt {
			flush()
			b.Reset()
			cur, local, stmt = Statement{}, map[int]int{}, seg.Stmt
		}
		if seg.Param == 0 {
			b.WriteString(seg.Text)
			continue
		}
		n, ok := local[seg.Param]
		if !ok {
			cur.Params = append(cur.Params, seg.Param)
			n = len(cur.Params)
			local[seg.Param] = n
		}
		p := e.Params[seg.Param-1]
		p.Position = n
		b.WriteString(placeholder(p))
	}
	flush()
	return out
}

// PostgresPlaceholder renders a slot as "$N::TYPE".
func PostgresPlaceholder(p Param) string {
	return fmt.Sprintf("$%d::%s", p.Position, p.Type)
}

// Row is one result row keyed by column name.
type Row map[string]any
