package pysrc

import (
	"fmt"
	"strings"
)

// Module is the structural view of one Python source file.
type Module struct {
	Path  string
	Lines []string
	Stmts []Stmt
}

// StmtKind classifies a top-level statement.
type StmtKind int

const (
	StmtImport StmtKind = iota
	StmtFunc
	StmtClass
	StmtOther
)

// Stmt is one top-level statement. Start and End are 1-based physical line
// numbers, inclusive. For functions and classes the span includes any
// decorator lines.
type Stmt struct {
	Kind  StmtKind
	Start int
	End   int
	Func  *FuncDef
	Class *ClassDef
}

// FuncDef is a function or method definition.
type FuncDef struct {
	Name       string
	Async      bool
	Decorators []Decorator
	Start      int // first decorator line, or the def line
	DefLine    int
	End        int
}

// ClassDef is a class definition with its immediate methods.
type ClassDef struct {
	Name       string
	Decorators []Decorator
	Start      int
	DefLine    int
	HeaderEnd  int // last line before the first method; End when no methods
	End        int
	Methods    []FuncDef
}

// ParseError is a structural error in a source file.
type ParseError struct {
	Path    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
}

// logicalLine is one logical statement: physical lines joined across
// bracket nesting, backslash continuations, and triple-quoted strings.
type logicalLine struct {
	start  int // 1-based
	end    int
	indent int
	text   string // joined source with comments stripped outside strings
}

// Parse scans source into a Module. It returns a *ParseError when the file
// is structurally broken (unterminated string, unbalanced brackets, or a
// def/class header without a name).
func Parse(source, path string) (*Module, error) {
	lines := splitLines(source)
	logicals, err := scanLogical(lines, path)
	if err != nil {
		return nil, err
	}

	mod := &Module{Path: path, Lines: lines}

	i := 0
	for i < len(logicals) {
		ll := logicals[i]
		if ll.indent > 0 {
			// Indented line that no top-level statement claimed (e.g. the
			// body of a skipped decorated statement); it is dropped.
			i++
			continue
		}

		switch {
		case isDecorator(ll.text):
			decos, next := collectDecorators(logicals, i)
			if next >= len(logicals) || logicals[next].indent != 0 {
				return nil, &ParseError{Path: path, Line: ll.start, Message: "decorator without a definition"}
			}
			stmt, consumed, err := parseDef(logicals, next, decos, ll.start, path)
			if err != nil {
				return nil, err
			}
			if stmt == nil {
				// Decorated assignment or similar; the decorators and the
				// statement are skipped and no Stmt is recorded.
				i = next + 1
				continue
			}
			mod.Stmts = append(mod.Stmts, *stmt)
			i = consumed
		case isDefHeader(ll.text) || isClassHeader(ll.text):
			stmt, consumed, err := parseDef(logicals, i, nil, ll.start, path)
			if err != nil {
				return nil, err
			}
			mod.Stmts = append(mod.Stmts, *stmt)
			i = consumed
		case isImport(ll.text):
			mod.Stmts = append(mod.Stmts, Stmt{Kind: StmtImport, Start: ll.start, End: ll.end})
			i++
		default:
			end := ll.end
			// A compound statement (if/for/with/try at top level) owns its
			// indented suite.
			j := i + 1
			for j < len(logicals) && logicals[j].indent > 0 {
				end = logicals[j].end
				j++
			}
			mod.Stmts = append(mod.Stmts, Stmt{Kind: StmtOther, Start: ll.start, End: end})
			i = j
		}
	}

	return mod, nil
}

// parseDef parses a def or class starting at logicals[i], with decorators
// already collected. Returns the statement and the index after the block.
func parseDef(logicals []logicalLine, i int, decos []Decorator, start int, path string) (*Stmt, int, error) {
	ll := logicals[i]

	if isDefHeader(ll.text) {
		name, async, ok := defName(ll.text)
		if !ok {
			return nil, 0, &ParseError{Path: path, Line: ll.start, Message: "malformed def header"}
		}
		end, next := blockEnd(logicals, i)
		fn := &FuncDef{
			Name:       name,
			Async:      async,
			Decorators: decos,
			Start:      start,
			DefLine:    ll.start,
			End:        end,
		}
		return &Stmt{Kind: StmtFunc, Start: start, End: end, Func: fn}, next, nil
	}

	if isClassHeader(ll.text) {
		name, ok := className(ll.text)
		if !ok {
			return nil, 0, &ParseError{Path: path, Line: ll.start, Message: "malformed class header"}
		}
		end, next := blockEnd(logicals, i)
		cls := &ClassDef{
			Name:       name,
			Decorators: decos,
			Start:      start,
			DefLine:    ll.start,
			HeaderEnd:  end,
			End:        end,
		}
		parseClassBody(logicals, i+1, next, cls)
		return &Stmt{Kind: StmtClass, Start: start, End: end, Class: cls}, next, nil
	}

	// Decorated something-else (lambda assignment etc.).
	return nil, 0, nil
}

// parseClassBody finds method definitions directly inside a class block.
// Methods live at the indent of the first body statement; anything deeper
// is nested and ignored.
func parseClassBody(logicals []logicalLine, from, to int, cls *ClassDef) {
	if from >= to {
		return
	}
	bodyIndent := logicals[from].indent

	i := from
	for i < to {
		ll := logicals[i]
		if ll.indent != bodyIndent {
			i++
			continue
		}
		if isDecorator(ll.text) {
			decos, next := collectDecoratorsAt(logicals, i, to, bodyIndent)
			if next < to && logicals[next].indent == bodyIndent && isDefHeader(logicals[next].text) {
				m, consumed := parseMethod(logicals, next, to, bodyIndent, decos, ll.start)
				if m != nil {
					cls.Methods = append(cls.Methods, *m)
				}
				i = consumed
				continue
			}
			i = next
			continue
		}
		if isDefHeader(ll.text) {
			m, consumed := parseMethod(logicals, i, to, bodyIndent, nil, ll.start)
			if m != nil {
				cls.Methods = append(cls.Methods, *m)
			}
			i = consumed
			continue
		}
		i++
	}

	if len(cls.Methods) > 0 {
		cls.HeaderEnd = cls.Methods[0].Start - 1
	}
}

func parseMethod(logicals []logicalLine, i, to, bodyIndent int, decos []Decorator, start int) (*FuncDef, int) {
	ll := logicals[i]
	name, async, ok := defName(ll.text)
	if !ok {
		return nil, i + 1
	}
	end := ll.end
	j := i + 1
	for j < to && logicals[j].indent > bodyIndent {
		end = logicals[j].end
		j++
	}
	return &FuncDef{
		Name:       name,
		Async:      async,
		Decorators: decos,
		Start:      start,
		DefLine:    ll.start,
		End:        end,
	}, j
}

// blockEnd returns the last physical line of the block opened at
// logicals[i] and the index of the next top-level logical.
func blockEnd(logicals []logicalLine, i int) (end, next int) {
	end = logicals[i].end
	j := i + 1
	for j < len(logicals) && logicals[j].indent > 0 {
		end = logicals[j].end
		j++
	}
	return end, j
}

func collectDecorators(logicals []logicalLine, i int) ([]Decorator, int) {
	return collectDecoratorsAt(logicals, i, len(logicals), 0)
}

func collectDecoratorsAt(logicals []logicalLine, i, to, indent int) ([]Decorator, int) {
	var decos []Decorator
	for i < to && logicals[i].indent == indent && isDecorator(logicals[i].text) {
		decos = append(decos, parseDecorator(logicals[i].text, logicals[i].start))
		i++
	}
	return decos, i
}

func isDecorator(text string) bool {
	return strings.HasPrefix(text, "@")
}

func isDefHeader(text string) bool {
	return strings.HasPrefix(text, "def ") || strings.HasPrefix(text, "async def ")
}

func isClassHeader(text string) bool {
	return text == "class" || strings.HasPrefix(text, "class ") || strings.HasPrefix(text, "class(")
}

func isImport(text string) bool {
	return strings.HasPrefix(text, "import ") || strings.HasPrefix(text, "from ")
}

func defName(text string) (name string, async, ok bool) {
	rest := text
	if strings.HasPrefix(rest, "async ") {
		async = true
		rest = strings.TrimSpace(strings.TrimPrefix(rest, "async "))
	}
	rest = strings.TrimPrefix(rest, "def")
	rest = strings.TrimLeft(rest, " \t")
	name = readIdent(rest)
	if name == "" {
		return "", false, false
	}
	return name, async, true
}

func className(text string) (string, bool) {
	rest := strings.TrimPrefix(text, "class")
	rest = strings.TrimLeft(rest, " \t")
	name := readIdent(rest)
	if name == "" {
		return "", false
	}
	return name, true
}

func readIdent(s string) string {
	end := 0
	for end < len(s) && (isIdentByte(s[end]) || (end > 0 && s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	return s[:end]
}

func isIdentByte(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch >= 0x80
}

// scanLogical joins physical lines into logical statements. Blank lines and
// comment-only lines produce no logical line.
func scanLogical(lines []string, path string) ([]logicalLine, error) {
	var out []logicalLine

	depth := 0
	inTriple := false
	var tripleDelim string
	backslash := false
	var cur *logicalLine
	var buf strings.Builder

	flush := func(end int) {
		if cur == nil {
			return
		}
		cur.end = end
		cur.text = strings.TrimSpace(buf.String())
		if cur.text != "" {
			out = append(out, *cur)
		}
		cur = nil
		buf.Reset()
	}

	for idx, raw := range lines {
		lineNo := idx + 1
		line := raw

		continuing := cur != nil && (depth > 0 || inTriple || backslash)
		backslash = false

		if !continuing {
			flush(lineNo - 1)
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			cur = &logicalLine{start: lineNo, indent: indentWidth(line)}
		} else {
			buf.WriteByte('\n')
		}

		content, st := scanLineState(line, depth, inTriple, tripleDelim)
		depth, inTriple, tripleDelim, backslash = st.depth, st.inTriple, st.tripleDelim, st.backslash
		buf.WriteString(content)

		if depth == 0 && !inTriple && !backslash {
			flush(lineNo)
		}
	}
	flush(len(lines))

	if inTriple {
		return nil, &ParseError{Path: path, Line: len(lines), Message: "unterminated triple-quoted string"}
	}
	if depth != 0 {
		return nil, &ParseError{Path: path, Line: len(lines), Message: "unbalanced brackets at end of file"}
	}
	return out, nil
}

type lineState struct {
	depth       int
	inTriple    bool
	tripleDelim string
	backslash   bool
}

// scanLineState walks one physical line, updating bracket depth and string
// state, and returns the line's content with comments stripped.
func scanLineState(line string, depth int, inTriple bool, tripleDelim string) (string, lineState) {
	var content strings.Builder
	i := 0
	backslash := false

	for i < len(line) {
		ch := line[i]

		if inTriple {
			if strings.HasPrefix(line[i:], tripleDelim) {
				content.WriteString(tripleDelim)
				i += len(tripleDelim)
				inTriple = false
				continue
			}
			content.WriteByte(ch)
			i++
			continue
		}

		switch ch {
		case '#':
			// Comment: discard the rest of the line.
			i = len(line)
		case '\'', '"':
			delim := string(ch)
			if strings.HasPrefix(line[i:], delim+delim+delim) {
				content.WriteString(delim + delim + delim)
				i += 3
				inTriple = true
				tripleDelim = delim + delim + delim
				continue
			}
			// Single-quoted string: consume to the closing quote.
			content.WriteByte(ch)
			i++
			for i < len(line) {
				if line[i] == '\\' && i+1 < len(line) {
					content.WriteString(line[i : i+2])
					i += 2
					continue
				}
				content.WriteByte(line[i])
				if line[i] == ch {
					i++
					break
				}
				i++
			}
		case '(', '[', '{':
			depth++
			content.WriteByte(ch)
			i++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
			content.WriteByte(ch)
			i++
		case '\\':
			if i == len(line)-1 {
				backslash = true
				i++
				continue
			}
			content.WriteByte(ch)
			i++
		default:
			content.WriteByte(ch)
			i++
		}
	}

	return content.String(), lineState{depth: depth, inTriple: inTriple, tripleDelim: tripleDelim, backslash: backslash}
}

func indentWidth(line string) int {
	w := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ' ':
			w++
		case '\t':
			w += 8 - w%8
		default:
			return w
		}
	}
	return w
}

func splitLines(source string) []string {
	source = strings.ReplaceAll(source, "\r\n", "\n")
	lines := strings.Split(source, "\n")
	// A trailing newline yields one empty trailing element; drop it so line
	// counts match the file.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
