package compiler

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/roach88/sqlpoint/internal/ir"
)

// ParamRef is one "@name" or "@name::TYPE" occurrence in body text.
type ParamRef struct {
	Name  string
	Cast  string // upper-cased cast token, empty when absent
	Start int    // byte offset of '@'
	End   int    // byte offset just past the reference
	Line  int    // 0-based body line
}

// Extraction is the output of the parameter extractor.
type Extraction struct {
	Params   []ir.Param
	Body     string
	Segments []ir.Segment
}

// Extract finds the parameter references in a scanned body, resolves one
// type per name and rewrites every occurrence to "$N::TYPE". Segments are
// tagged with the statement they belong to when the body holds several
// ';'-separated statements.
//
// Order is the first occurrence of each name. A later occurrence may
// supply the type when the first has none.
func Extract(file string, s *Scanned) (*Extraction, Diagnostics) {
	l, err := lex(s.Body)
	if err != nil {
		var le *lexError
		if errors.As(err, &le) {
			return nil, Diagnostics{Errorf(file, s.SourceLine(le.line), KindGrammar, "%s", le.msg)}
		}
		return nil, Diagnostics{Errorf(file, 0, KindGrammar, "%v", err)}
	}

	params, diags := resolveParams(file, s, l.refs)
	if diags.HasErrors() {
		return nil, diags
	}

	segments := rewrite(s.Body, l.refs, params, l.splits)
	e := &ir.Endpoint{Params: params, Segments: segments}
	return &Extraction{
		Params:   params,
		Body:     e.Render(ir.PostgresPlaceholder),
		Segments: segments,
	}, diags
}

func resolveParams(file string, s *Scanned, refs []ParamRef) ([]ir.Param, Diagnostics) {
	var diags Diagnostics
	var params []ir.Param
	index := make(map[string]int)
	firstLine := make(map[string]int)

	for _, ref := range refs {
		i, seen := index[ref.Name]
		if !seen {
			source := ir.SourcePayload
			if ref.Name == ir.SubjectParam {
				source = ir.SourceAuth
			}
			i = len(params)
			index[ref.Name] = i
			firstLine[ref.Name] = ref.Line
			params = append(params, ir.Param{
				Name:     ref.Name,
				Position: i + 1,
				Required: true,
				Source:   source,
			})
		}
		if ref.Cast == "" {
			continue
		}
		switch params[i].Type {
		case "":
			params[i].Type = ref.Cast
		case ref.Cast:
		default:
			diags = append(diags, Errorf(file, s.SourceLine(ref.Line), KindConflictingType,
				"parameter %q cast as %s here but as %s earlier", ref.Name, ref.Cast, params[i].Type))
		}
	}

	for _, p := range params {
		if p.Type == "" {
			diags = append(diags, Errorf(file, s.SourceLine(firstLine[p.Name]), KindUnresolvedType,
				"parameter %q used without resolvable type; add a cast such as @%s::TEXT", p.Name, p.Name))
		}
	}
	return params, diags
}

// rewrite cuts body into literal segments and parameter slots. splits are
// the offsets where a new statement starts.
func rewrite(body string, refs []ParamRef, params []ir.Param, splits []int) []ir.Segment {
	position := make(map[string]int, len(params))
	for _, p := range params {
		position[p.Name] = p.Position
	}

	var segs []ir.Segment
	stmt, next := 0, 0
	text := func(from, to int) {
		for next < len(splits) && splits[next] <= to {
			if cut := splits[next]; cut > from {
				segs = append(segs, ir.Segment{Text: body[from:cut], Stmt: stmt})
				from = cut
			}
			stmt++
			next++
		}
		if to > from {
			segs = append(segs, ir.Segment{Text: body[from:to], Stmt: stmt})
		}
	}

	last := 0
	for _, ref := range refs {
		text(last, ref.Start)
		segs = append(segs, ir.Segment{Param: position[ref.Name], Stmt: stmt})
		last = ref.End
	}
	text(last, len(body))
	return segs
}

// FindRefs lexes body text and returns parameter references in order.
//
// String literals, quoted identifiers, dollar-quoted strings and comments
// are skipped. Tokens end at the first character that cannot continue them,
// so "@p::TEXT--note" yields p with cast TEXT.
func FindRefs(body string) ([]ParamRef, error) {
	l, err := lex(body)
	if err != nil {
		return nil, err
	}
	return l.refs, nil
}

// SplitStatements returns the byte offsets in body where a second or later
// statement starts. A ';' outside literals and comments ends a statement
// when more SQL follows it; trailing and doubled semicolons split nothing.
func SplitStatements(body string) ([]int, error) {
	l, err := lex(body)
	if err != nil {
		return nil, err
	}
	return l.splits, nil
}

func lex(body string) (*lexer, error) {
	l := &lexer{}
	l.init(body)
	if err := l.run(); err != nil {
		return nil, err
	}
	return l, nil
}

type lexError struct {
	line int
	msg  string
}

func (e *lexError) Error() string {
	return fmt.Sprintf("line %d: %s", e.line+1, e.msg)
}

type lexer struct {
	input    string
	pos      int
	nextPos  int
	char     rune
	prevChar rune
	lineNum  int
	refs     []ParamRef

	splits  []int
	content bool // statement text seen since the last split
	pending int  // offset after a ';' that may start a statement, or -1
}

type checkpoint struct {
	l        *lexer
	pos      int
	nextPos  int
	char     rune
	prevChar rune
	lineNum  int
	refs     int
}

func (l *lexer) init(input string) {
	l.input = input
	l.pos = 0
	l.nextPos = 0
	l.char = 0
	l.prevChar = 0
	l.lineNum = 0
	l.refs = nil
	l.splits = nil
	l.content = false
	l.pending = -1
	l.advanceChar()
	l.prevChar = 0
}

// advanceChar moves to the next rune. It returns false at end of input.
func (l *lexer) advanceChar() bool {
	l.prevChar = l.char
	if l.nextPos >= len(l.input) {
		l.char = 0
		l.pos = l.nextPos
		return false
	}
	if l.char == '\n' && l.pos < l.nextPos {
		l.lineNum++
	}
	var size int
	l.char, size = utf8.DecodeRuneInString(l.input[l.nextPos:])
	l.pos = l.nextPos
	l.nextPos += size
	return true
}

func (l *lexer) save() *checkpoint {
	return &checkpoint{
		l:        l,
		pos:      l.pos,
		nextPos:  l.nextPos,
		char:     l.char,
		prevChar: l.prevChar,
		lineNum:  l.lineNum,
		refs:     len(l.refs),
	}
}

func (cp *checkpoint) restore() {
	cp.l.pos = cp.pos
	cp.l.nextPos = cp.nextPos
	cp.l.char = cp.char
	cp.l.prevChar = cp.prevChar
	cp.l.lineNum = cp.lineNum
	cp.l.refs = cp.l.refs[:cp.refs]
}

func (l *lexer) errorf(format string, args ...any) error {
	return &lexError{line: l.lineNum, msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) run() error {
	for l.pos < len(l.input) {
		if l.skipComment() {
			continue
		}
		if ok, err := l.skipStringLiteral(); err != nil {
			return err
		} else if ok {
			l.markContent()
			continue
		}
		if ok, err := l.skipDollarQuoted(); err != nil {
			return err
		} else if ok {
			l.markContent()
			continue
		}
		if ok, err := l.parseRef(); err != nil {
			return err
		} else if ok {
			l.markContent()
			continue
		}
		switch {
		case l.char == ';':
			if l.content {
				l.pending = l.nextPos
			}
		case !unicode.IsSpace(l.char):
			l.markContent()
		}
		l.advanceChar()
	}
	return nil
}

// markContent notes statement text, which confirms a pending split.
func (l *lexer) markContent() {
	if l.pending >= 0 {
		l.splits = append(l.splits, l.pending)
		l.pending = -1
	}
	l.content = true
}

// peekChar reports whether the current rune is c.
func (l *lexer) peekChar(c rune) bool {
	return l.pos < len(l.input) && l.char == c
}

// skipChar consumes c if it is the current rune.
func (l *lexer) skipChar(c rune) bool {
	if l.peekChar(c) {
		l.advanceChar()
		return true
	}
	return false
}

// skipCharFind advances past the next occurrence of c.
func (l *lexer) skipCharFind(c rune) bool {
	for l.pos < len(l.input) {
		if l.char == c {
			l.advanceChar()
			return true
		}
		l.advanceChar()
	}
	return false
}

// skipString consumes s if the input continues with it.
func (l *lexer) skipString(s string) bool {
	if !strings.HasPrefix(l.input[l.pos:], s) {
		return false
	}
	for range s {
		l.advanceChar()
	}
	return true
}

// skipComment skips a "--" line comment (not the newline) or a "/* */"
// block comment. Block comments nest, as in PostgreSQL. An unterminated
// comment runs to end of input.
func (l *lexer) skipComment() bool {
	switch {
	case strings.HasPrefix(l.input[l.pos:], "--"):
		for l.pos < len(l.input) && l.char != '\n' {
			l.advanceChar()
		}
		return true
	case strings.HasPrefix(l.input[l.pos:], "/*"):
		l.skipString("/*")
		depth := 1
		for l.pos < len(l.input) && depth > 0 {
			switch {
			case l.skipString("/*"):
				depth++
			case l.skipString("*/"):
				depth--
			default:
				l.advanceChar()
			}
		}
		return true
	}
	return false
}

// skipStringLiteral skips a '...' string or "..." identifier. A doubled
// quote inside is an escaped quote.
func (l *lexer) skipStringLiteral() (bool, error) {
	cp := l.save()

	c := l.char
	if l.skipChar('"') || l.skipChar('\'') {
		// A quote may close the literal unless the one before it was the
		// first half of an escape pair.
		maybeCloser := true
		for l.skipCharFind(c) {
			if maybeCloser && !l.peekChar(c) {
				return true, nil
			}
			maybeCloser = !maybeCloser
		}

		cp.restore()
		return false, l.errorf("missing closing quote in string literal")
	}
	return false, nil
}

// skipDollarQuoted skips a $$...$$ or $tag$...$tag$ string. "$1" and
// identifiers containing '$' are left alone.
func (l *lexer) skipDollarQuoted() (bool, error) {
	if l.char != '$' || isNameChar(l.prevChar) {
		return false, nil
	}
	cp := l.save()
	start := l.pos
	l.advanceChar()
	if isInitialNameChar(l.char) {
		l.skipName()
	}
	if !l.skipChar('$') {
		cp.restore()
		return false, nil
	}

	tag := l.input[start:l.pos]
	idx := strings.Index(l.input[l.pos:], tag)
	if idx < 0 {
		cp.restore()
		return false, l.errorf("missing closing %s for dollar-quoted string", tag)
	}
	end := l.pos + idx + len(tag)
	for l.pos < end && l.advanceChar() {
	}
	return true, nil
}

func isNameChar(c rune) bool {
	return c < utf8.RuneSelf && isNameByte(byte(c))
}

func isInitialNameChar(c rune) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isNameByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// skipName consumes an identifier.
func (l *lexer) skipName() bool {
	if l.pos >= len(l.input) || !isInitialNameChar(l.char) {
		return false
	}
	for l.pos < len(l.input) && isNameChar(l.char) {
		l.advanceChar()
	}
	return true
}

// skipTypeModifier consumes "(20)" or "(10,2)" after a type name.
func (l *lexer) skipTypeModifier() {
	cp := l.save()
	if !l.skipChar('(') {
		return
	}
	for l.pos < len(l.input) && (('0' <= l.char && l.char <= '9') || l.char == ',' || l.char == ' ') {
		l.advanceChar()
	}
	if !l.skipChar(')') {
		cp.restore()
	}
}

// parseRef parses "@name" with an optional "::TYPE". An '@' glued to an
// identifier or to another '@' is an operator or literal text, not a
// reference.
func (l *lexer) parseRef() (bool, error) {
	if l.char != '@' || isNameChar(l.prevChar) || l.prevChar == '@' {
		return false, nil
	}
	cp := l.save()
	ref := ParamRef{Start: l.pos, Line: l.lineNum}

	l.advanceChar()
	nameStart := l.pos
	if !l.skipName() {
		cp.restore()
		return false, nil
	}
	ref.Name = l.input[nameStart:l.pos]

	if l.skipString("::") {
		castStart := l.pos
		if !l.skipName() {
			return false, l.errorf("malformed type cast after @%s", ref.Name)
		}
		l.skipTypeModifier()
		for l.skipString("[]") {
		}
		ref.Cast = strings.ToUpper(l.input[castStart:l.pos])
	}

	ref.End = l.pos
	l.refs = append(l.refs, ref)
	return true, nil
}
